// Package listener polls the durable task backlog and runs each queued batch
// in async mode.
package listener

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/httprunner/PhoneFleet/internal/agent/tasks"
	"github.com/httprunner/PhoneFleet/internal/storage"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultBatchLimit   = 10
	DefaultConcurrency  = 4
)

// Queue is the backlog surface the listener consumes.
type Queue interface {
	ClaimPending(ctx context.Context, limit int) ([]storage.BacklogItem, error)
	Finish(ctx context.Context, id int64, status, errMsg string) error
}

// Submitter runs a batch and marks it completed afterwards.
type Submitter interface {
	Submit(ctx context.Context, list []tasks.Task, batch tasks.Batch) ([]tasks.Result, error)
	CompleteBatch(ctx context.Context, taskID string) error
}

// Config tunes polling.
type Config struct {
	PollInterval time.Duration
	BatchLimit   int
	// Concurrency bounds how many claimed batches run at once.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = DefaultBatchLimit
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	return c
}

// Listener turns backlog rows into async submits.
type Listener struct {
	queue     Queue
	submitter Submitter
	cfg       Config
}

// New builds a Listener.
func New(queue Queue, submitter Submitter, cfg Config) (*Listener, error) {
	if queue == nil {
		return nil, errors.New("listener: queue is nil")
	}
	if submitter == nil {
		return nil, errors.New("listener: submitter is nil")
	}
	return &Listener{queue: queue, submitter: submitter, cfg: cfg.withDefaults()}, nil
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (l *Listener) Run(ctx context.Context) error {
	log.Info().Dur("interval", l.cfg.PollInterval).Msg("start backlog listener")
	if _, err := l.RunOnce(ctx); err != nil {
		log.Error().Err(err).Msg("backlog listener initial poll failed")
	}

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := l.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("backlog listener poll failed")
			}
		}
	}
}

// RunOnce claims pending batches, runs them and returns how many were
// processed.
func (l *Listener) RunOnce(ctx context.Context) (int, error) {
	items, err := l.queue.ClaimPending(ctx, l.cfg.BatchLimit)
	if err != nil {
		return 0, errors.Wrap(err, "claim backlog failed")
	}
	if len(items) == 0 {
		return 0, nil
	}
	log.Info().Int("batches", len(items)).Msg("claimed backlog batches")

	g := new(errgroup.Group)
	g.SetLimit(l.cfg.Concurrency)
	for _, item := range items {
		g.Go(func() error {
			l.process(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return len(items), nil
}

func (l *Listener) process(ctx context.Context, item storage.BacklogItem) {
	batch := item.Batch
	batch.Mode = tasks.ModeAsync
	logger := log.With().Str("task_id", batch.TaskID).Int64("backlog_id", item.ID).Logger()

	start := time.Now()
	results, err := l.submitter.Submit(ctx, item.Tasks, batch)
	// completion marker tells workers still polling for a takeover exit to stop
	if markErr := l.submitter.CompleteBatch(context.WithoutCancel(ctx), batch.TaskID); markErr != nil {
		logger.Warn().Err(markErr).Msg("write completed marker failed")
	}

	status, errMsg := outcome(len(item.Tasks), results, err)
	if finishErr := l.queue.Finish(context.WithoutCancel(ctx), item.ID, status, errMsg); finishErr != nil {
		logger.Error().Err(finishErr).Msg("finish backlog item failed")
		return
	}
	logger.Info().Str("status", status).Int("results", len(results)).
		Dur("elapsed", time.Since(start)).Msg("backlog batch finished")
}

// outcome maps a submit to a backlog status. A batch is done when at least
// one task succeeded.
func outcome(total int, results []tasks.Result, err error) (string, string) {
	if err != nil {
		return storage.BacklogFailed, err.Error()
	}
	if len(results) == 0 {
		return storage.BacklogFailed, "no task was dispatched"
	}
	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
		}
	}
	switch {
	case failed == 0 && len(results) == total:
		return storage.BacklogDone, ""
	case failed < len(results):
		return storage.BacklogDone, fmt.Sprintf("%d/%d tasks failed or skipped", total-(len(results)-failed), total)
	default:
		return storage.BacklogFailed, fmt.Sprintf("all %d tasks failed", len(results))
	}
}
