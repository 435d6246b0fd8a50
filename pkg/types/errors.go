package types

import "errors"

// RecoverableError marks a failure the delivery host should retry by
// redelivering the triggering message.
type RecoverableError struct {
	Err error
}

func (e *RecoverableError) Error() string { return e.Err.Error() }
func (e *RecoverableError) Unwrap() error { return e.Err }

// NonRecoverableError marks a terminal failure; redelivery cannot help.
type NonRecoverableError struct {
	Err error
}

func (e *NonRecoverableError) Error() string { return e.Err.Error() }
func (e *NonRecoverableError) Unwrap() error { return e.Err }

// Recoverable wraps err as a RecoverableError. A nil err stays nil.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &RecoverableError{Err: err}
}

// NonRecoverable wraps err as a NonRecoverableError. A nil err stays nil.
func NonRecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRecoverableError{Err: err}
}

// IsRecoverable reports whether err, or anything it wraps, is recoverable.
// Errors of neither variant are treated as recoverable so an unexpected
// failure is redelivered rather than silently dropped.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var nr *NonRecoverableError
	if errors.As(err, &nr) {
		var r *RecoverableError
		return errors.As(nr.Err, &r)
	}
	return true
}
