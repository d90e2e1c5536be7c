package stagecache

import (
	"fmt"
)

// FlushError aggregates the durable-write failures of one sync cycle.
// SyncToStorage never returns it to callers (the hot path degrades to a
// boolean); it travels through Hooks.SyncFailure and recovery operations.
type FlushError struct {
	EventID string
	// WriteErrs maps cache keys to the error that kept them dirty.
	WriteErrs map[string]error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush for event %q failed: %d entr%s still dirty",
		e.EventID, len(e.WriteErrs), plural(len(e.WriteErrs)))
}

func (e *FlushError) Unwrap() []error {
	errs := make([]error, 0, len(e.WriteErrs))
	for _, err := range e.WriteErrs {
		errs = append(errs, err)
	}
	return errs
}

func plural(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

// RecoveryExhaustedError marks a recovery operation that burned through its
// retry budget. The cache keeps serving from memory; an operator-triggered
// sync is required to reconcile durable state.
type RecoveryExhaustedError struct {
	OpID     string
	Type     RecoveryType
	Attempts int
	LastErr  error
}

func (e *RecoveryExhaustedError) Error() string {
	return fmt.Sprintf("recovery %s (%s) exhausted after %d attempt(s): %v",
		e.OpID, e.Type, e.Attempts, e.LastErr)
}

func (e *RecoveryExhaustedError) Unwrap() error { return e.LastErr }
