package lifecycle

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/httprunner/PhoneFleet/internal/agent/tasks"
	"github.com/httprunner/PhoneFleet/internal/executor"
	"github.com/httprunner/PhoneFleet/internal/mailbox"
)

// Sync suspends on every takeover request; the worker then parks the task
// in a session and waits for a reply.
type Sync struct {
	Serial string
}

func (s Sync) RequestTakeover(ctx context.Context, message string) bool {
	log.Info().Str("serial", s.Serial).Str("message", message).Msg("takeover requested, suspending")
	return false
}

func (Sync) TakeoverCleared(context.Context) bool { return true }

// Async records the takeover in the mailbox and blocks until an operator
// clears it, the batch completes, or the wait ceiling passes.
type Async struct {
	mailbox    mailbox.Mailbox
	taskID     string
	role       string
	serial     string
	opts       mailbox.WaitOptions
	terminated atomic.Bool
}

// NewAsync builds async capabilities for one task.
func NewAsync(mb mailbox.Mailbox, batch tasks.Batch, task tasks.Task, opts mailbox.WaitOptions) *Async {
	return &Async{
		mailbox: mb,
		taskID:  batch.TaskID,
		role:    task.RoleOrDefault(),
		serial:  task.DeviceID,
		opts:    opts,
	}
}

// RequestTakeover always lets the executor proceed. A batch completed while
// waiting flips TakeoverCleared to false so the next step terminates.
func (a *Async) RequestTakeover(ctx context.Context, message string) bool {
	log.Info().Str("serial", a.serial).Str("task_id", a.taskID).Str("role", a.role).
		Str("message", message).Msg("takeover requested, waiting for operator")
	if err := a.mailbox.WriteMarker(ctx, a.taskID, a.role, mailbox.KindTakeover); err != nil {
		log.Warn().Err(err).Str("serial", a.serial).Msg("write takeover marker failed")
	}
	if mailbox.WaitTakeoverExit(ctx, a.mailbox, a.taskID, a.role, a.opts) {
		a.terminated.Store(true)
	}
	return true
}

func (a *Async) TakeoverCleared(ctx context.Context) bool {
	if a.terminated.Load() {
		return false
	}
	return !mailbox.BatchCompleted(ctx, a.mailbox, a.taskID)
}

// For picks capabilities by batch mode. Async mode without a mailbox falls
// back to sync semantics.
func For(batch tasks.Batch, task tasks.Task, mb mailbox.Mailbox, opts mailbox.WaitOptions) executor.Capabilities {
	if batch.EffectiveMode() == tasks.ModeAsync && mb != nil {
		return NewAsync(mb, batch, task, opts)
	}
	return Sync{Serial: task.DeviceID}
}
