package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(ttl time.Duration) (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(ttl)
	m.now = clock.Now
	return m, clock
}

func TestSaveGetUntilTTL(t *testing.T) {
	m, clock := newTestManager(time.Hour)
	m.Save("s1", State{DeviceID: "d1", Instruction: "search"})

	st, ok := m.Get("s1")
	if !ok || st.DeviceID != "d1" || st.SessionID != "s1" {
		t.Fatalf("unexpected state %+v ok=%v", st, ok)
	}

	clock.Advance(59 * time.Minute)
	if _, ok := m.Get("s1"); !ok {
		t.Fatalf("session should survive before ttl")
	}
	clock.Advance(2 * time.Minute)
	if _, ok := m.Get("s1"); ok {
		t.Fatalf("session should be gone after ttl")
	}
	if m.Count() != 0 {
		t.Fatalf("expired session should be removed on read")
	}
	if _, err := m.Resume("s1"); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("resume after expiry should report ErrSessionExpired, got %v", err)
	}
}

func TestResumeErrors(t *testing.T) {
	m, clock := newTestManager(time.Minute)
	if _, err := m.Resume("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	m.Save("s1", State{DeviceID: "d1"})
	if _, err := m.Resume("s1"); err != nil {
		t.Fatalf("resume live session: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := m.Resume("s1"); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestReplyUnblocksWaiter(t *testing.T) {
	m, _ := newTestManager(time.Hour)
	m.Save("s1", State{DeviceID: "d1"})

	got := make(chan string, 1)
	go func() {
		reply, err := m.WaitForReply(context.Background(), "s1", 0)
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		got <- reply
	}()
	time.Sleep(20 * time.Millisecond)
	if !m.SendReply("s1", "logged in") {
		t.Fatalf("send reply should find queue")
	}
	select {
	case reply := <-got:
		if reply != "logged in" {
			t.Fatalf("unexpected reply %q", reply)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not released")
	}
}

func TestReplyBeforeWaitIsDelivered(t *testing.T) {
	m, _ := newTestManager(time.Hour)
	m.Save("s1", State{})
	m.SendReply("s1", "first")
	m.SendReply("s1", "second")

	for _, want := range []string{"first", "second"} {
		reply, err := m.WaitForReply(context.Background(), "s1", time.Second)
		if err != nil || reply != want {
			t.Fatalf("want %q, got %q err=%v", want, reply, err)
		}
	}
}

func TestSendReplyWithoutSession(t *testing.T) {
	m, _ := newTestManager(time.Hour)
	if m.SendReply("nope", "x") {
		t.Fatalf("send reply to unknown session should be false")
	}
}

func TestWaitForReplyTimeout(t *testing.T) {
	m, _ := newTestManager(time.Hour)
	m.Save("s1", State{})
	_, err := m.WaitForReply(context.Background(), "s1", 20*time.Millisecond)
	if !errors.Is(err, ErrReplyTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestWaiterReleasedWhenSessionSwept(t *testing.T) {
	m, clock := newTestManager(time.Minute)
	m.Save("s1", State{})

	errCh := make(chan error, 1)
	go func() {
		_, err := m.WaitForReply(context.Background(), "s1", 0)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	clock.Advance(2 * time.Minute)
	if n := m.CleanupExpired(); n != 1 {
		t.Fatalf("expected 1 cleaned session, got %d", n)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrSessionExpired) {
			t.Fatalf("expected expired, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not released on sweep")
	}
}

func TestWaiterReleasedOnDelete(t *testing.T) {
	m, _ := newTestManager(time.Hour)
	m.Save("s1", State{})
	errCh := make(chan error, 1)
	go func() {
		_, err := m.WaitForReply(context.Background(), "s1", 0)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if !m.Delete("s1") {
		t.Fatalf("delete should report existing session")
	}
	if m.Delete("s1") {
		t.Fatalf("second delete should report false")
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrSessionExpired) {
			t.Fatalf("expected expired, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("waiter not released on delete")
	}
}

func TestSaveOverwritesAndKeepsQueue(t *testing.T) {
	m, _ := newTestManager(time.Hour)
	m.Save("s1", State{Instruction: "a"})
	m.SendReply("s1", "pending")
	m.Save("s1", State{Instruction: "b"})

	st, _ := m.Get("s1")
	if st.Instruction != "b" {
		t.Fatalf("save should overwrite, got %q", st.Instruction)
	}
	reply, err := m.WaitForReply(context.Background(), "s1", time.Second)
	if err != nil || reply != "pending" {
		t.Fatalf("queued reply should survive overwrite, got %q %v", reply, err)
	}
	if m.Count() != 1 {
		t.Fatalf("expected one session, got %d", m.Count())
	}
}

func TestStartSweeper(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	m.Save("s1", State{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartSweeper(ctx, 5*time.Millisecond)

	deadline := time.After(time.Second)
	for m.Count() != 0 {
		select {
		case <-deadline:
			t.Fatalf("sweeper did not remove expired session")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
