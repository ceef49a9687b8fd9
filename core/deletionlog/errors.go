package deletionlog

import "errors"

var (
	// ErrNotLeader means a flush was attempted while this SCM instance is
	// not the active leader. The staged batch is discarded; the caller may
	// retry once leadership is regained.
	ErrNotLeader = errors.New("not the leader")
	// ErrIO means the durable store could not be reached or written.
	// Retryable by the caller.
	ErrIO = errors.New("i/o error")
	// ErrClosed means the deletion log has been shut down.
	ErrClosed = errors.New("deleted block log is closed")
	// ErrSequenceExhausted means the durable sequence counter could not be
	// advanced. No further transaction id is safe to hand out.
	ErrSequenceExhausted = errors.New("failed to advance transaction sequence")
)
