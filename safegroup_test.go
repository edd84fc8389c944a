package phonefleet

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestSafeGroupRestartsAfterPanic(t *testing.T) {
	sg := NewSafeGroup(context.Background())
	var runs int32
	sg.GoSafe("flaky", func(ctx context.Context) error {
		if atomic.AddInt32(&runs, 1) == 1 {
			panic("boom")
		}
		return nil
	})
	if err := sg.WaitOrInterrupt(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&runs); got != 2 {
		t.Fatalf("expected a restart after panic, runs=%d", got)
	}
}

func TestSafeGroupErrorCancelsSiblings(t *testing.T) {
	sg := NewSafeGroup(context.Background())
	boom := errors.New("listener failed")
	sg.GoSafe("failing", func(ctx context.Context) error { return boom })
	sg.GoSafe("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := sg.WaitOrInterrupt(time.Second); !errors.Is(err, boom) {
		t.Fatalf("expected sibling error, got %v", err)
	}
}

func TestSafeGroupCleanShutdownOnInterrupt(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	sg := NewSafeGroup(parent)
	started := make(chan struct{})
	sg.GoSafe("loop", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started
	cancel()
	if err := sg.WaitOrInterrupt(time.Second); err != nil {
		t.Fatalf("loops stopping within grace should be a clean shutdown, got %v", err)
	}
}

func TestSafeGroupInterruptGraceExpires(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	sg := NewSafeGroup(parent)
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	sg.GoSafe("stuck", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	cancel()
	start := time.Now()
	if err := sg.WaitOrInterrupt(20 * time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("interrupt should not wait for stuck loop")
	}
}
