// Package txn runs units of work inside database transactions with a chosen
// isolation level, tracks prepared statements for release on exit, and turns
// lock and serialization failures into recoverable errors.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DBTX is the statement surface shared by pools, connections and
// transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Beginner starts transactions. *pgxpool.Pool satisfies it.
type Beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// LockMode is a Postgres table lock mode.
type LockMode string

// Lock modes used by the pipeline. SHARE excludes concurrent writers;
// EXCLUSIVE additionally excludes SHARE holders.
const (
	LockShare     LockMode = "SHARE"
	LockExclusive LockMode = "EXCLUSIVE"
)

// Options selects the isolation level of a unit of work. A zero Isolation
// uses the database default.
type Options struct {
	Name      string
	Isolation pgx.TxIsoLevel
}

// Serializable returns Options for a named serializable unit of work.
func Serializable(name string) Options {
	return Options{Name: name, Isolation: pgx.Serializable}
}

// Default returns Options for a named unit of work at the database default
// isolation level.
func Default(name string) Options {
	return Options{Name: name}
}

// Func is a unit of work bound to a transaction.
type Func func(ctx context.Context, tx *Tx) error

// Coordinator runs units of work in transactions.
type Coordinator struct {
	db          Beginner
	lockTimeout time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
	deallocate  func(ctx context.Context, tx pgx.Tx, name string) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLockTimeout bounds how long any statement waits for a lock. Zero
// leaves the server setting in place.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.lockTimeout = d }
}

// WithLogger sets the coordinator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New creates a Coordinator over db.
func New(db Beginner, opts ...Option) *Coordinator {
	c := &Coordinator{
		db:     db,
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/dwsmith1983/hydrostage/internal/txn"),
		deallocate: func(ctx context.Context, tx pgx.Tx, name string) error {
			return tx.Conn().Deallocate(ctx, name)
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run executes fn inside a transaction. It commits when fn returns nil and
// rolls back otherwise, returning fn's error. Prepared statements registered
// through Tx.Prepare are released before the transaction ends on every path;
// release and rollback failures are logged and never replace the primary
// error.
func (c *Coordinator) Run(ctx context.Context, opts Options, fn Func) (err error) {
	name := opts.Name
	if name == "" {
		name = "unit"
	}
	ctx, span := c.tracer.Start(ctx, "txn."+name, trace.WithAttributes(
		attribute.String("db.isolation", isolationName(opts.Isolation)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ptx, err := c.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: opts.Isolation})
	if err != nil {
		return Classify(fmt.Errorf("begin %s: %w", name, err), "")
	}
	tx := &Tx{tx: ptx}

	defer func() {
		if p := recover(); p != nil {
			c.releaseStatements(ctx, tx)
			_ = ptx.Rollback(ctx)
			panic(p)
		}
	}()

	if c.lockTimeout > 0 {
		// SET does not accept bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = %d", c.lockTimeout.Milliseconds())
		if _, err := ptx.Exec(ctx, stmt); err != nil {
			_ = ptx.Rollback(ctx)
			return Classify(fmt.Errorf("set lock timeout for %s: %w", name, err), "")
		}
	}

	fnErr := fn(ctx, tx)
	c.releaseStatements(ctx, tx)

	if fnErr != nil {
		fnErr = Classify(fnErr, "")
		c.rollback(ctx, ptx, name, fnErr)
		return fnErr
	}

	if err := ptx.Commit(ctx); err != nil {
		return Classify(fmt.Errorf("commit %s: %w", name, err), "")
	}
	return nil
}

// rollback ends a failed transaction. A lock timeout has already aborted the
// transaction server-side; the rollback still runs to return the connection
// to the pool, but its outcome is irrelevant to the caller.
func (c *Coordinator) rollback(ctx context.Context, ptx pgx.Tx, name string, cause error) {
	rbErr := ptx.Rollback(ctx)
	if rbErr == nil || errors.Is(rbErr, pgx.ErrTxClosed) {
		return
	}
	if table, ok := IsLockTimeout(cause); ok {
		c.logger.Debug("rollback after lock timeout", "unit", name, "table", table, "error", rbErr)
		return
	}
	c.logger.Warn("rollback failed", "unit", name, "error", rbErr, "cause", cause)
}

func (c *Coordinator) releaseStatements(ctx context.Context, tx *Tx) {
	for _, name := range tx.stmts {
		if err := c.deallocate(ctx, tx.tx, name); err != nil {
			c.logger.Debug("deallocate prepared statement", "statement", name, "error", err)
		}
	}
	tx.stmts = nil
}

// Tx is the handle a unit of work receives. It satisfies DBTX.
type Tx struct {
	tx    pgx.Tx
	stmts []string
}

// Exec runs sql in the transaction. sql may name a prepared statement.
func (t *Tx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.tx.Exec(ctx, sql, args...)
}

// Query runs sql in the transaction.
func (t *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.tx.Query(ctx, sql, args...)
}

// QueryRow runs sql in the transaction.
func (t *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

// Prepare creates a named prepared statement that is released when the unit
// of work exits. Execute it by passing name as the sql argument.
func (t *Tx) Prepare(ctx context.Context, name, sql string) error {
	if _, err := t.tx.Prepare(ctx, name, sql); err != nil {
		return fmt.Errorf("prepare %s: %w", name, err)
	}
	for _, s := range t.stmts {
		if s == name {
			return nil
		}
	}
	t.stmts = append(t.stmts, name)
	return nil
}

// LockTables locks each table in order, so a timeout names the table that
// was contended.
func (t *Tx) LockTables(ctx context.Context, mode LockMode, tables ...string) error {
	for _, table := range tables {
		stmt := fmt.Sprintf("LOCK TABLE %s IN %s MODE", QuoteTable(table), mode)
		if _, err := t.tx.Exec(ctx, stmt); err != nil {
			return Classify(fmt.Errorf("lock %s: %w", table, err), table)
		}
	}
	return nil
}

// Savepoint runs fn inside a savepoint. When fn fails the savepoint is rolled
// back and the enclosing transaction stays usable.
func (t *Tx) Savepoint(ctx context.Context, fn func(ctx context.Context, db DBTX) error) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(ctx, sp); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// QuoteTable quotes a possibly schema-qualified table name.
func QuoteTable(table string) string {
	return pgx.Identifier(strings.Split(table, ".")).Sanitize()
}

func isolationName(l pgx.TxIsoLevel) string {
	if l == "" {
		return "default"
	}
	return strings.ToLower(string(l))
}
