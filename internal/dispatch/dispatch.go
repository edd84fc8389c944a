package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/httprunner/PhoneFleet/internal/agent/tasks"
	"github.com/httprunner/PhoneFleet/internal/agent/worker"
)

// Request is one task handed to a dispatcher.
type Request struct {
	Task  tasks.Task
	Batch tasks.Batch
}

// Handle tracks one dispatched worker.
type Handle interface {
	// Done is closed once the worker has exited and emitted everything it will emit.
	Done() <-chan struct{}
}

// Dispatcher starts one worker per request. Every result the worker
// produces, including late ones, is sent to out.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request, out chan<- tasks.Result) (Handle, error)
}

type handle struct {
	done chan struct{}
}

func newHandle() *handle { return &handle{done: make(chan struct{})} }

func (h *handle) Done() <-chan struct{} { return h.done }

// InProcess runs each worker in a goroutine of the calling process.
type InProcess struct {
	Worker *worker.Worker
}

// Dispatch starts the worker goroutine. A panic becomes a failed result.
func (d *InProcess) Dispatch(ctx context.Context, req Request, out chan<- tasks.Result) (Handle, error) {
	h := newHandle()
	go func() {
		defer close(h.done)
		start := time.Now()
		emitted := false
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("serial", req.Task.DeviceID).Msg("worker panicked")
				if !emitted {
					out <- tasks.FailedResult(req.Task, start, fmt.Sprintf("worker panic: %v", r))
				}
			}
		}()
		d.Worker.Run(ctx, req.Task, req.Batch, func(res tasks.Result) {
			emitted = true
			out <- res
		})
	}()
	return h, nil
}
