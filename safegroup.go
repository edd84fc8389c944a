package phonefleet

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// SafeGroup runs the long-lived loops of a phonefleet process (control API,
// backlog listener, health monitor, session sweeper) under one errgroup.
// A panicking loop is restarted; a loop returning an error cancels the rest.
type SafeGroup struct {
	group *errgroup.Group
	ctx   context.Context
	// parent is kept apart from ctx so WaitOrInterrupt can tell a signal from
	// a sibling failure.
	parent context.Context
}

// NewSafeGroup derives the group context from ctx.
func NewSafeGroup(ctx context.Context) *SafeGroup {
	if ctx == nil {
		ctx = context.Background()
	}
	group, groupCtx := errgroup.WithContext(ctx)
	return &SafeGroup{group: group, ctx: groupCtx, parent: ctx}
}

// Context returns the group context.
func (sg *SafeGroup) Context() context.Context {
	return sg.ctx
}

// GoSafe starts fn. Panics are printed to stderr and fn is restarted with
// exponential backoff until the group context ends.
func (sg *SafeGroup) GoSafe(name string, fn func(context.Context) error) {
	if sg == nil || fn == nil {
		return
	}
	sg.group.Go(func() error {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 200 * time.Millisecond
		bo.MaxInterval = 30 * time.Second
		for {
			if sg.ctx.Err() != nil {
				return nil
			}
			recovered, err := runRecovered(sg.ctx, fn)
			if recovered == nil {
				return err
			}
			// the logger itself may be what panicked
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())
			select {
			case <-sg.ctx.Done():
				return nil
			case <-time.After(bo.NextBackOff()):
			}
		}
	})
}

func runRecovered(ctx context.Context, fn func(context.Context) error) (recovered any, err error) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
		}
	}()
	return nil, fn(ctx)
}

// WaitOrInterrupt waits for every loop. When the parent context ends first,
// loops that stop within grace count as a clean shutdown and nil is
// returned; loops still running after grace yield the parent's error.
func (sg *SafeGroup) WaitOrInterrupt(grace time.Duration) error {
	if sg == nil {
		return nil
	}
	waitCh := make(chan error, 1)
	go func() { waitCh <- sg.group.Wait() }()

	select {
	case err := <-waitCh:
		return sg.normalize(err)
	case <-sg.parent.Done():
	}
	if grace <= 0 {
		return sg.parent.Err()
	}
	select {
	case err := <-waitCh:
		return sg.normalize(err)
	case <-time.After(grace):
		return sg.parent.Err()
	}
}

func (sg *SafeGroup) normalize(err error) error {
	if err == nil {
		return nil
	}
	// loops stopping because the parent ended are a clean shutdown
	if sg.parent.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil
	}
	return err
}
