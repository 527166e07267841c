package worker

import (
	"errors"
	"fmt"
)

// Lifecycle errors returned by Submit, Start and Stop
var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrStopTimeout        = errors.New("worker pool did not drain before the stop timeout")
)

// ErrQueueFull is returned by Submit when every queue slot is taken. The task is
// dropped and counted; callers decide whether the message behind it is abandoned.
var ErrQueueFull = errors.New("worker pool queue full")

// ErrNilProcessor is the panic value of NewPool without a processor
var ErrNilProcessor = errors.New("worker pool needs a processor")

// ErrTaskPanicked matches every PanicError
var ErrTaskPanicked = errors.New("worker task panicked")

// PanicError is the failure of a task whose processor panicked
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%v: %v", ErrTaskPanicked, e.Value)
}

func (e *PanicError) Is(target error) bool {
	return target == ErrTaskPanicked
}
