package watchtower

import "errors"

var (
	// Run errors.
	ErrRunNotFound     = errors.New("watchtower: run not found")
	ErrAlreadyRunning  = errors.New("watchtower: a run is already in flight for this subject")
	ErrAlreadyTerminal = errors.New("watchtower: run already reached a terminal state")

	// Capability errors.
	ErrUnknownCapability = errors.New("watchtower: unknown capability")
	ErrCapabilityTimeout = errors.New("watchtower: capability deadline exceeded")

	// Durability errors. A run that cannot checkpoint must fail: without
	// the checkpoint, resume correctness cannot be guaranteed.
	ErrCheckpointWrite = errors.New("watchtower: checkpoint write failed")

	// Store errors.
	ErrStoreClosed = errors.New("watchtower: store closed")

	// Delivery errors.
	ErrSessionLost = errors.New("watchtower: session lost")
	ErrOffline     = errors.New("watchtower: reconnect attempts exhausted")
)

// transientError marks a capability failure as retriable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so that IsTransient reports true for it. Capability
// handlers return Transient errors for failures worth retrying (network
// hiccups, throttling); everything else terminates the run.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (or anything it wraps) was marked
// retriable via Transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
