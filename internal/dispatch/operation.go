package dispatch

import (
	"aiocore/internal/buffer"

	"context"
	"fmt"
	"sync/atomic"
)

type Status uint32

const (
	Pending Status = iota
	Completed
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Completed:
		return "COMPLETED"
	case Failed:
		return "FAILED"
	case Cancelled:
		return "CANCELLED"
	}
	return fmt.Sprintf("Status(%d)", uint32(s))
}

// internal lifecycle, running is reported as Pending
const (
	statePending uint32 = iota
	stateRunning
	stateCompleted
	stateFailed
	stateCancelled
)

// Handler receives the outcome of an operation submitted with SubmitFunc.
// Exactly one of the two runs, once, on a worker. Either may be nil.
type Handler struct {
	Completed func(n int)
	Failed    func(err error)
}

type consumer uint8

const (
	toFuture consumer = iota
	toHandler
)

// Operation is the handle for one submitted request.
type Operation struct {
	d       *Dispatcher
	req     Request
	loan    *buffer.Loan
	via     consumer
	handler Handler

	state atomic.Uint32
	n     int
	err   error
	done  chan struct{}
}

func (op *Operation) Request() Request { return op.req }

func (op *Operation) Status() Status {
	switch op.state.Load() {
	case stateCompleted:
		return Completed
	case stateFailed:
		return Failed
	case stateCancelled:
		return Cancelled
	}
	return Pending
}

func (op *Operation) IsDone() bool {
	return op.state.Load() >= stateCompleted
}

// Get waits for the operation to finish. A failed operation returns the bytes
// moved before the failure along with the cause.
func (op *Operation) Get() (int, error) {
	<-op.done
	return op.result()
}

// GetContext is Get bounded by ctx. Giving up on the wait does not cancel the
// operation.
func (op *Operation) GetContext(ctx context.Context) (int, error) {
	select {
	case <-op.done:
		return op.result()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Done is closed once the operation reaches a terminal status.
func (op *Operation) Done() <-chan struct{} { return op.done }

func (op *Operation) result() (int, error) {
	switch op.state.Load() {
	case stateCancelled:
		return 0, ErrCancelled
	case stateFailed:
		return op.n, op.err
	}
	return op.n, nil
}

// Cancel reports whether the operation was stopped before it started. Once
// running it goes on to its own outcome.
func (op *Operation) Cancel() bool {
	if !op.state.CompareAndSwap(statePending, stateCancelled) {
		return false
	}
	op.returnLoan()
	close(op.done)
	op.d.cancelled.Add(1)
	op.d.log.Debug("cancelled", "op", op.req)
	return true
}

func (op *Operation) start() bool {
	return op.state.CompareAndSwap(statePending, stateRunning)
}

func (op *Operation) returnLoan() {
	if op.loan != nil {
		op.loan.Return()
	}
}

func (op *Operation) finish(n int, err error) {
	op.returnLoan()
	op.n, op.err = n, err
	if err != nil {
		op.state.Store(stateFailed)
		op.d.failed.Add(1)
	} else {
		op.state.Store(stateCompleted)
		op.d.completed.Add(1)
	}
	close(op.done)

	if op.via == toHandler {
		op.deliver()
	}
}

func (op *Operation) deliver() {
	defer func() {
		if r := recover(); r != nil {
			op.d.log.Error("handler panicked", "op", op.req, "panic", r)
		}
	}()
	if op.err != nil {
		if op.handler.Failed != nil {
			op.handler.Failed(op.err)
		}
		return
	}
	if op.handler.Completed != nil {
		op.handler.Completed(op.n)
	}
}
