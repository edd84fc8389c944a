// Package mailbox is the durable channel between async workers and the
// operators handling their takeovers. Markers are keyed by task id and role;
// batch-level markers use an empty role.
package mailbox

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind is the marker value stored for a key.
type Kind string

const (
	KindTakeover     Kind = "takeover"
	KindTakeoverExit Kind = "takeover_exit"
	KindCompleted    Kind = "completed"
	KindSuccess      Kind = "success"
	KindFail         Kind = "fail"
)

// Final reports whether k is a terminal per-role marker that later
// non-terminal writes must not overwrite.
func (k Kind) Final() bool {
	return k == KindSuccess || k == KindFail
}

// Mailbox stores takeover markers.
type Mailbox interface {
	WriteMarker(ctx context.Context, taskID, role string, kind Kind) error
	ReadMarker(ctx context.Context, taskID, role string) (Kind, bool, error)
	Close() error
}

// Poll timings used while waiting for an operator.
const (
	DefaultPollInterval = 300 * time.Millisecond
	DefaultWaitCeiling  = 300 * time.Second
)

// WaitOptions tunes WaitTakeoverExit.
type WaitOptions struct {
	Interval time.Duration
	Ceiling  time.Duration
}

func (o WaitOptions) withDefaults() WaitOptions {
	if o.Interval <= 0 {
		o.Interval = DefaultPollInterval
	}
	if o.Ceiling <= 0 {
		o.Ceiling = DefaultWaitCeiling
	}
	return o
}

// BatchCompleted reports whether the batch-level completed marker is set.
func BatchCompleted(ctx context.Context, mb Mailbox, taskID string) bool {
	kind, ok, err := mb.ReadMarker(ctx, taskID, "")
	if err != nil {
		log.Warn().Err(err).Str("task_id", taskID).Msg("read batch marker failed")
		return false
	}
	return ok && kind == KindCompleted
}

// WaitTakeoverExit polls until the role marker leaves the takeover state.
// It returns true when the task must terminate: the batch completed or ctx
// was cancelled. Reaching the ceiling returns false, meaning proceed.
func WaitTakeoverExit(ctx context.Context, mb Mailbox, taskID, role string, opts WaitOptions) bool {
	opts = opts.withDefaults()
	deadline := time.Now().Add(opts.Ceiling)
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		if BatchCompleted(ctx, mb, taskID) {
			log.Info().Str("task_id", taskID).Str("role", role).Msg("batch completed while waiting for takeover exit")
			return true
		}
		kind, ok, err := mb.ReadMarker(ctx, taskID, role)
		if err != nil {
			log.Warn().Err(err).Str("task_id", taskID).Str("role", role).Msg("read takeover marker failed")
		} else if !ok || kind != KindTakeover {
			log.Info().Str("task_id", taskID).Str("role", role).Str("marker", string(kind)).Msg("takeover exited, continuing")
			return false
		}
		if !time.Now().Before(deadline) {
			log.Warn().Str("task_id", taskID).Str("role", role).Dur("ceiling", opts.Ceiling).Msg("takeover wait timed out, continuing")
			return false
		}
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
		}
	}
}
