package kafka

import (
	"fmt"

	"github.com/pkg/errors"
)

var ErrNotConnected = errors.New("not connected")
var ErrIllegalState = errors.New("illegal state")
var ErrStalled = errors.New("batch was not acknowledged in time")
var ErrHandlerNil = errors.New("handler can't be nil")

// ConnectionError is returned when a transport can't be reached or
// rejects the handshake. Connect may be retried.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("could not connect: %v", e.Err)
}

func (e *ConnectionError) Cause() error  { return e.Err }
func (e *ConnectionError) Unwrap() error { return e.Err }

// SendError is returned when the broker rejects a produced record.
type SendError struct {
	Topic string
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("could not send to topic (%s): %v", e.Topic, e.Err)
}

func (e *SendError) Cause() error  { return e.Err }
func (e *SendError) Unwrap() error { return e.Err }

// HandlerError reports a batch whose handler failed. Without AutoCommit
// nothing from the batch onwards is committed in its partitions until
// Consumer.Ledger().Resolve is called.
type HandlerError struct {
	Batch *Batch
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("could not handle batch of %d: %v", e.Batch.Len(), e.Err)
}

func (e *HandlerError) Cause() error  { return e.Err }
func (e *HandlerError) Unwrap() error { return e.Err }
