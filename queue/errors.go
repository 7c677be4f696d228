package queue

import (
	"errors"
	"fmt"
)

// Operation names used in errors, log entries and metrics.
const (
	OpSend       = "send"
	OpReceive    = "receive"
	OpDelete     = "delete"
	OpDeadLetter = "dead-letter"
	OpReschedule = "reschedule"
)

const (
	msgSend       = "failed to send message"
	msgReceive    = "failed to receive messages"
	msgDelete     = "failed to delete message"
	msgDeadLetter = "failed to move message to dead-letter queue"
	msgReschedule = "failed to reschedule message"

	msgDeleteWhileDeadLettering = "failed to delete message while dead-lettering"
	msgDeleteWhileRescheduling  = "failed to delete message while rescheduling"
)

// ErrInvalidQueueURL is returned by the URL helpers for URLs that do not follow
// the https://sqs.<region>.amazonaws.com/<account>/<name> convention.
var ErrInvalidQueueURL = errors.New("queue: invalid queue URL")

// Error is the only error type returned by Client operations. Err holds the
// original failure unchanged.
type Error struct {
	Op       string // Operation that failed, one of the Op* constants
	QueueURL string // Queue the failing call targeted
	Msg      string // Fixed human-readable description of the failure
	Err      error  // Underlying cause
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("queue: %s %s: %s", e.Op, e.QueueURL, e.Msg)
	}
	return fmt.Sprintf("queue: %s %s: %s: %v", e.Op, e.QueueURL, e.Msg, e.Err)
}

// Unwrap returns the underlying error for error chaining support.
func (e *Error) Unwrap() error {
	return e.Err
}
