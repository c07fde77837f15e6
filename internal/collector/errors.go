package collector

import (
	"errors"
	"fmt"
)

// ErrCatalog marks a cycle skipped because no instrument list was available.
// The loop retries at the normal interval.
var ErrCatalog = errors.New("instrument catalog unavailable")

// PersistenceError reports one record that could not be saved. It never
// aborts the cycle.
type PersistenceError struct {
	Kind string // change_event, snapshot, state
	ID   string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("persist %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("persist %s %s: %v", e.Kind, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// FatalError is an unexpected failure caught at the cycle boundary,
// including recovered panics. The loop answers it with the error backoff.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("cycle failed during %s: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
