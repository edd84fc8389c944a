package worker

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/httprunner/PhoneFleet/internal/agent/device"
	"github.com/httprunner/PhoneFleet/internal/agent/session"
	"github.com/httprunner/PhoneFleet/internal/agent/tasks"
	"github.com/httprunner/PhoneFleet/internal/executor"
)

type stubDevices struct {
	mu          sync.Mutex
	state       device.ProbeState
	connectOK   bool
	connects    int
	disconnects int
}

func (s *stubDevices) Probe(ctx context.Context, serial string) (device.ProbeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *stubDevices) Connect(ctx context.Context, serial string) (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if s.connectOK {
		return true, "connected to " + serial
	}
	return false, "unable to connect to " + serial
}

func (s *stubDevices) Disconnect(ctx context.Context, serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	return nil
}

type stubLauncher struct{ launched []string }

func (l *stubLauncher) LaunchApp(ctx context.Context, serial, pkg string) error {
	l.launched = append(l.launched, pkg)
	return nil
}

type step struct {
	out executor.Outcome
	err error
}

// scriptedExecutor replays steps and records the instructions it was given.
type scriptedExecutor struct {
	mu           sync.Mutex
	steps        []step
	instructions []string
}

func (s *scriptedExecutor) Execute(ctx context.Context, dev executor.Device, instruction string, caps executor.Capabilities) (executor.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instructions = append(s.instructions, instruction)
	if len(s.steps) == 0 {
		return executor.Outcome{Text: "done"}, nil
	}
	next := s.steps[0]
	s.steps = s.steps[1:]
	return next.out, next.err
}

type resultSink struct {
	ch chan tasks.Result
}

func newResultSink() *resultSink { return &resultSink{ch: make(chan tasks.Result, 8)} }

func (r *resultSink) emit(res tasks.Result) { r.ch <- res }

func (r *resultSink) next(t *testing.T) tasks.Result {
	t.Helper()
	select {
	case res := <-r.ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for result")
		return tasks.Result{}
	}
}

func newTestWorker(devs *stubDevices, sessions Sessions, exec executor.Executor, opts ...Option) *Worker {
	opts = append([]Option{WithExecutorFactory(func(executor.Config) (executor.Executor, error) { return exec, nil })}, opts...)
	w := New(devs, sessions, Config{}, opts...)
	w.sleep = func(context.Context, time.Duration) error { return nil }
	return w
}

func TestRunSuccessOnOnlineDevice(t *testing.T) {
	devs := &stubDevices{state: device.ProbeDevice}
	launcher := &stubLauncher{}
	exec := &scriptedExecutor{steps: []step{{out: executor.Outcome{Text: "price 9.9"}}}}
	w := newTestWorker(devs, LocalSessions{Manager: session.NewManager(0)}, exec, WithLauncher(launcher))
	sink := newResultSink()

	w.Run(context.Background(), tasks.Task{DeviceID: "d1", Instruction: "search", AppPackage: "com.jd"}, tasks.Batch{}, sink.emit)

	res := sink.next(t)
	if !res.Success || res.Payload != "price 9.9" || res.DeviceID != "d1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if devs.connects != 0 || devs.disconnects != 0 {
		t.Fatalf("online device must not be connected/disconnected: %d/%d", devs.connects, devs.disconnects)
	}
	if len(launcher.launched) != 1 || launcher.launched[0] != "com.jd" {
		t.Fatalf("app not launched: %v", launcher.launched)
	}
}

func TestRunDisconnectsOnlyWhenOwned(t *testing.T) {
	devs := &stubDevices{state: device.ProbeOffline, connectOK: true}
	w := newTestWorker(devs, LocalSessions{Manager: session.NewManager(0)}, &scriptedExecutor{})
	sink := newResultSink()

	w.Run(context.Background(), tasks.Task{DeviceID: "d1", Instruction: "search"}, tasks.Batch{}, sink.emit)
	if res := sink.next(t); !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if devs.connects != 1 || devs.disconnects != 1 {
		t.Fatalf("expected connect+disconnect, got %d/%d", devs.connects, devs.disconnects)
	}
}

func TestRunConnectionFailure(t *testing.T) {
	devs := &stubDevices{state: device.ProbeAbsent}
	w := newTestWorker(devs, LocalSessions{Manager: session.NewManager(0)}, &scriptedExecutor{})
	sink := newResultSink()

	w.Run(context.Background(), tasks.Task{DeviceID: "d1", Instruction: "search"}, tasks.Batch{}, sink.emit)
	res := sink.next(t)
	if res.Success || !strings.HasPrefix(res.Error, "device connection failed") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunSurfacesExecutorErrorVerbatim(t *testing.T) {
	devs := &stubDevices{state: device.ProbeDevice}
	exec := &scriptedExecutor{steps: []step{{err: &executor.ExecutorError{Err: errors.New("model quota exceeded")}}}}
	w := newTestWorker(devs, LocalSessions{Manager: session.NewManager(0)}, exec)
	sink := newResultSink()

	w.Run(context.Background(), tasks.Task{DeviceID: "d1", Instruction: "search"}, tasks.Batch{}, sink.emit)
	res := sink.next(t)
	if res.Success || res.Error != "model quota exceeded" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunTakeoverSuspendsAndResumes(t *testing.T) {
	devs := &stubDevices{state: device.ProbeDevice}
	exec := &scriptedExecutor{steps: []step{
		{out: executor.Outcome{Takeover: &executor.TakeoverRequired{Message: "login"}}},
		{err: &executor.TakeoverRequired{Message: "captcha"}},
		{out: executor.Outcome{Text: "final"}},
	}}
	sessions := session.NewManager(time.Hour)
	w := newTestWorker(devs, LocalSessions{Manager: sessions}, exec)
	sink := newResultSink()
	batch := tasks.Batch{TaskID: "t1", CallerID: "u9"}

	go w.Run(context.Background(), tasks.Task{DeviceID: "d1", Instruction: "buy milk", Role: "jd"}, batch, sink.emit)

	first := sink.next(t)
	if !first.NeedsReply() || first.SessionID == "" || first.Payload != "login" {
		t.Fatalf("expected NEEDS_REPLY result, got %+v", first)
	}
	if !regexp.MustCompile(`^t1_jd_u9_[0-9a-f]{8}$`).MatchString(first.SessionID) {
		t.Fatalf("unexpected session id format %q", first.SessionID)
	}
	st, ok := sessions.Get(first.SessionID)
	if !ok || st.Instruction != "buy milk" || st.Batch.TaskID != "t1" {
		t.Fatalf("session state not saved: %+v %v", st, ok)
	}
	sessions.SendReply(first.SessionID, "logged in")

	second := sink.next(t)
	if !second.NeedsReply() || second.SessionID != first.SessionID {
		t.Fatalf("second suspension should reuse session id, got %+v", second)
	}
	sessions.SendReply(first.SessionID, "solved")

	final := sink.next(t)
	if !final.Success || final.Payload != "final" {
		t.Fatalf("unexpected final result %+v", final)
	}
	if sessions.Count() != 0 {
		t.Fatalf("session should be deleted after success")
	}
	want := ContinuationInstruction("logged in", "buy milk")
	if exec.instructions[1] != want {
		t.Fatalf("continuation instruction = %q, want %q", exec.instructions[1], want)
	}
}

func TestRunTakeoverSessionExpired(t *testing.T) {
	devs := &stubDevices{state: device.ProbeDevice}
	exec := &scriptedExecutor{steps: []step{{out: executor.Outcome{Takeover: &executor.TakeoverRequired{Message: "login"}}}}}
	sessions := session.NewManager(time.Hour)
	w := newTestWorker(devs, LocalSessions{Manager: sessions}, exec)
	sink := newResultSink()

	go w.Run(context.Background(), tasks.Task{DeviceID: "d1", Instruction: "x"}, tasks.Batch{}, sink.emit)
	first := sink.next(t)
	sessions.Delete(first.SessionID)

	final := sink.next(t)
	if final.Success || !strings.Contains(final.Error, session.ErrSessionExpired.Error()) {
		t.Fatalf("expected expired failure, got %+v", final)
	}
}

func TestSettleDelay(t *testing.T) {
	w := New(&stubDevices{}, nil, Config{})
	if got := w.SettleDelay(""); got != DefaultSettleDelay {
		t.Fatalf("default settle = %s", got)
	}
	if got := w.SettleDelay("JD"); got != 3800*time.Millisecond {
		t.Fatalf("jd settle = %s", got)
	}
	w = New(&stubDevices{}, nil, Config{DefaultSettle: time.Second, RoleSettle: map[string]time.Duration{"pdd": 4 * time.Second}})
	if w.SettleDelay("jd") != time.Second || w.SettleDelay("pdd") != 4*time.Second {
		t.Fatalf("custom settle map ignored")
	}
}
