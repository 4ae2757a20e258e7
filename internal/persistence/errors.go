package persistence

import (
	"errors"
	"fmt"
)

// ErrWritesDisabled is returned by Save after DisableWrites.
var ErrWritesDisabled = errors.New("persistence writes disabled")

// PersistenceError reports storage that could not be read or written.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// RecoveryInconsistencyError reports stored state that was readable but
// unusable: corrupt content or a schema newer than this build understands.
// The offending data was moved to Backup when possible.
type RecoveryInconsistencyError struct {
	Path   string
	Backup string
	Reason string
	Err    error
}

func (e *RecoveryInconsistencyError) Error() string {
	msg := fmt.Sprintf("inconsistent state in %s: %s", e.Path, e.Reason)
	if e.Backup != "" {
		msg += " (moved to " + e.Backup + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RecoveryInconsistencyError) Unwrap() error { return e.Err }
