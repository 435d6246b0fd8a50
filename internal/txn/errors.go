package txn

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dwsmith1983/hydrostage/internal/metrics"
	"github.com/dwsmith1983/hydrostage/pkg/types"
)

// SQLSTATE codes the coordinator classifies.
const (
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// LockTimeoutError reports that a lock on Table could not be acquired before
// the lock timeout elapsed. The transaction has been aborted by the database.
type LockTimeoutError struct {
	Table string
	Err   error
}

func (e *LockTimeoutError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("lock timeout: %v", e.Err)
	}
	return fmt.Sprintf("lock timeout on table %s: %v", e.Table, e.Err)
}

func (e *LockTimeoutError) Unwrap() error { return e.Err }

// SerializationError reports a serialization failure or deadlock; the whole
// unit of work must be retried.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string { return fmt.Sprintf("serialization failure: %v", e.Err) }
func (e *SerializationError) Unwrap() error { return e.Err }

// Classify converts lock and serialization failures into recoverable typed
// errors. table names the relation the statement targeted, if known; it
// falls back to the table reported by the server. Other errors pass through.
func Classify(err error, table string) error {
	if err == nil {
		return nil
	}
	var lockErr *LockTimeoutError
	var serErr *SerializationError
	if errors.As(err, &lockErr) || errors.As(err, &serErr) {
		return err
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeLockNotAvailable:
		if table == "" {
			table = pgErr.TableName
		}
		metrics.Inc(metrics.LockTimeouts, metrics.Attr("table", table))
		return types.Recoverable(&LockTimeoutError{Table: table, Err: err})
	case codeSerializationFailure, codeDeadlockDetected:
		return types.Recoverable(&SerializationError{Err: err})
	}
	return err
}

// IsLockTimeout reports whether err is a lock timeout, returning the
// contended table when it is.
func IsLockTimeout(err error) (string, bool) {
	var lockErr *LockTimeoutError
	if errors.As(err, &lockErr) {
		return lockErr.Table, true
	}
	return "", false
}
