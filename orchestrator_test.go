package phonefleet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/httprunner/PhoneFleet/internal/agent/device"
	"github.com/httprunner/PhoneFleet/internal/dispatch"
	"github.com/httprunner/PhoneFleet/internal/mailbox"
)

type stubDevices struct {
	mu       sync.Mutex
	held     map[string]bool
	calls    int
	released []string
}

func newStubDevices(locked ...string) *stubDevices {
	d := &stubDevices{held: map[string]bool{}}
	for _, s := range locked {
		d.held[s] = true
	}
	return d
}

func (d *stubDevices) Track(serial, role string) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
}

func (d *stubDevices) Acquire(ctx context.Context, serial string, timeout time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.held[serial] {
		return false
	}
	d.held[serial] = true
	return true
}

func (d *stubDevices) Release(serial string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.held[serial] {
		d.released = append(d.released, serial)
	}
	d.held[serial] = false
}

func (d *stubDevices) isHeld(serial string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.held[serial]
}

func (d *stubDevices) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *stubDevices) StartHealthMonitor(context.Context) {}
func (d *stubDevices) StopHealthMonitor()                 {}
func (d *stubDevices) Snapshot() []device.Status          { return nil }

func (d *stubDevices) DeviceForRole(role string) (string, bool) { return "", false }

type testHandle struct{ done chan struct{} }

func (h *testHandle) Done() <-chan struct{} { return h.done }

type funcDispatcher struct {
	mu         sync.Mutex
	dispatched []dispatch.Request
	run        func(req dispatch.Request, out chan<- Result)
	err        error
}

func (d *funcDispatcher) Dispatch(ctx context.Context, req dispatch.Request, out chan<- Result) (dispatch.Handle, error) {
	d.mu.Lock()
	d.dispatched = append(d.dispatched, req)
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	h := &testHandle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		d.run(req, out)
	}()
	return h, nil
}

func (d *funcDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dispatched)
}

type recordedResult struct {
	res  Result
	late bool
}

type stubRecorder struct {
	mu      sync.Mutex
	results []recordedResult
}

func (r *stubRecorder) RecordResult(ctx context.Context, batch Batch, res Result, late bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, recordedResult{res: res, late: late})
	return nil
}

func (r *stubRecorder) lateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rr := range r.results {
		if rr.late {
			n++
		}
	}
	return n
}

type stubNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *stubNotifier) NotifyTakeover(ctx context.Context, batch Batch, res Result) error {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
	return nil
}

func successRun(req dispatch.Request, out chan<- Result) {
	out <- Result{DeviceID: req.Task.DeviceID, Instruction: req.Task.Instruction, Success: true, Payload: "ok"}
}

func newTestOrchestrator(t *testing.T, devs Devices, disp dispatch.Dispatcher, opts ...func(*Options)) *Orchestrator {
	t.Helper()
	o := Options{Devices: devs, Dispatcher: disp, Config: Config{LockTimeout: 20 * time.Millisecond}}
	for _, fn := range opts {
		fn(&o)
	}
	orch, err := New(o)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() { orch.Close(time.Second) })
	return orch
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitEmptyMakesNoDeviceCalls(t *testing.T) {
	devs := newStubDevices()
	orch := newTestOrchestrator(t, devs, &funcDispatcher{run: successRun})

	results, err := orch.Submit(context.Background(), nil, Batch{})
	if err != nil || len(results) != 0 {
		t.Fatalf("expected empty results, got %v %v", results, err)
	}
	if devs.callCount() != 0 {
		t.Fatalf("expected no device calls, got %d", devs.callCount())
	}
}

func TestSubmitValidation(t *testing.T) {
	cases := map[string]struct {
		tasks []Task
		batch Batch
	}{
		"empty device":          {tasks: []Task{{Instruction: "x"}}},
		"empty instruction":     {tasks: []Task{{DeviceID: "d1"}}},
		"async without mailbox": {tasks: []Task{{DeviceID: "d1", Instruction: "x"}}, batch: Batch{TaskID: "t1", Mode: ModeAsync}},
		"unknown mode":          {tasks: []Task{{DeviceID: "d1", Instruction: "x"}}, batch: Batch{Mode: "later"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			devs := newStubDevices()
			disp := &funcDispatcher{run: successRun}
			orch := newTestOrchestrator(t, devs, disp)
			if _, err := orch.Submit(context.Background(), tc.tasks, tc.batch); err == nil {
				t.Fatalf("expected validation error")
			}
			if devs.callCount() != 0 || disp.count() != 0 {
				t.Fatalf("validation failure must not touch devices or dispatch")
			}
		})
	}
}

type nopMailbox struct{}

func (nopMailbox) WriteMarker(context.Context, string, string, mailbox.Kind) error { return nil }
func (nopMailbox) ReadMarker(context.Context, string, string) (mailbox.Kind, bool, error) {
	return "", false, nil
}
func (nopMailbox) Close() error { return nil }

func TestSubmitAsyncRequiresTaskID(t *testing.T) {
	orch := newTestOrchestrator(t, newStubDevices(), &funcDispatcher{run: successRun}, func(o *Options) { o.Mailbox = nopMailbox{} })
	if _, err := orch.Submit(context.Background(), []Task{{DeviceID: "d1", Instruction: "x"}}, Batch{Mode: ModeAsync}); err == nil {
		t.Fatalf("async without task id should fail")
	}
	results, err := orch.Submit(context.Background(), []Task{{DeviceID: "d1", Instruction: "x"}}, Batch{TaskID: "t1", Mode: ModeAsync})
	if err != nil || len(results) != 1 {
		t.Fatalf("async with mailbox should run, got %v %v", results, err)
	}
}

func TestSubmitCollectsAllResults(t *testing.T) {
	devs := newStubDevices()
	rec := &stubRecorder{}
	orch := newTestOrchestrator(t, devs, &funcDispatcher{run: successRun}, func(o *Options) { o.Recorder = rec })

	list := []Task{
		{DeviceID: "d1", Instruction: "a"},
		{DeviceID: "d2", Instruction: "b"},
		{DeviceID: "d1", Instruction: "c"},
	}
	results, err := orch.Submit(context.Background(), list, Batch{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if devs.isHeld("d1") || devs.isHeld("d2") {
		t.Fatalf("locks must be released after a normal return")
	}
	if len(rec.results) != 3 || rec.lateCount() != 0 {
		t.Fatalf("recorder should see 3 on-time results, got %+v", rec.results)
	}
}

func TestSubmitSkipsLockedDevice(t *testing.T) {
	devs := newStubDevices("d1")
	disp := &funcDispatcher{run: successRun}
	orch := newTestOrchestrator(t, devs, disp)

	results, err := orch.Submit(context.Background(), []Task{
		{DeviceID: "d1", Instruction: "x"},
		{DeviceID: "d2", Instruction: "y"},
	}, Batch{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(results) != 1 || results[0].DeviceID != "d2" {
		t.Fatalf("expected exactly the d2 result, got %+v", results)
	}
	if disp.count() != 1 {
		t.Fatalf("d1 tasks must not be dispatched, got %d dispatches", disp.count())
	}
	if !devs.isHeld("d1") {
		t.Fatalf("d1 lock belongs to its other holder and must stay held")
	}
	if devs.isHeld("d2") {
		t.Fatalf("d2 lock should be released")
	}
}

func TestSubmitAllDevicesLocked(t *testing.T) {
	devs := newStubDevices("d1", "d2")
	disp := &funcDispatcher{run: successRun}
	orch := newTestOrchestrator(t, devs, disp)

	results, err := orch.Submit(context.Background(), []Task{
		{DeviceID: "d1", Instruction: "x"},
		{DeviceID: "d2", Instruction: "y"},
	}, Batch{})
	if err != nil || len(results) != 0 {
		t.Fatalf("expected empty results, got %v %v", results, err)
	}
	if disp.count() != 0 {
		t.Fatalf("nothing should be dispatched")
	}
}

func TestSubmitReturnsEarlyOnTakeover(t *testing.T) {
	devs := newStubDevices()
	rec := &stubRecorder{}
	notifier := &stubNotifier{}
	gate := make(chan struct{})
	disp := &funcDispatcher{run: func(req dispatch.Request, out chan<- Result) {
		if req.Task.DeviceID == "d1" {
			out <- Result{DeviceID: "d1", SessionID: "t1_jd_u1_deadbeef", StopReason: StopReasonNeedsReply, Payload: "login"}
			<-gate
			out <- Result{DeviceID: "d1", Success: true, Payload: "resumed"}
			return
		}
		<-gate
		successRun(req, out)
	}}
	orch := newTestOrchestrator(t, devs, disp, func(o *Options) {
		o.Recorder = rec
		o.Notifier = notifier
	})

	start := time.Now()
	results, err := orch.Submit(context.Background(), []Task{
		{DeviceID: "d1", Instruction: "x", Role: "jd"},
		{DeviceID: "d2", Instruction: "y"},
	}, Batch{TaskID: "t1"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("takeover should short-circuit collection, took %s", elapsed)
	}
	if len(results) != 1 || !results[0].NeedsReply() || results[0].SessionID == "" {
		t.Fatalf("expected single NEEDS_REPLY result, got %+v", results)
	}
	if !devs.isHeld("d1") || !devs.isHeld("d2") {
		t.Fatalf("locks must stay held while workers are in flight")
	}

	close(gate)
	eventually(t, func() bool { return !devs.isHeld("d1") && !devs.isHeld("d2") }, "locks released after workers exit")
	eventually(t, func() bool { return rec.lateCount() == 2 }, "late results recorded")
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.calls != 1 {
		t.Fatalf("expected one takeover notification, got %d", notifier.calls)
	}
}

func TestSubmitDispatchErrorBecomesFailedResult(t *testing.T) {
	devs := newStubDevices()
	disp := &funcDispatcher{err: context.DeadlineExceeded}
	orch := newTestOrchestrator(t, devs, disp)

	results, err := orch.Submit(context.Background(), []Task{{DeviceID: "d1", Instruction: "x"}}, Batch{})
	if err != nil {
		t.Fatalf("dispatch failures must not abort submit: %v", err)
	}
	if len(results) != 1 || results[0].Success || results[0].Error == "" {
		t.Fatalf("expected one failed result, got %+v", results)
	}
	if devs.isHeld("d1") {
		t.Fatalf("lock should be released")
	}
}

func TestSubmitContextCancelled(t *testing.T) {
	devs := newStubDevices()
	gate := make(chan struct{})
	disp := &funcDispatcher{run: func(req dispatch.Request, out chan<- Result) {
		<-gate
		successRun(req, out)
	}}
	orch := newTestOrchestrator(t, devs, disp)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := orch.Submit(ctx, []Task{{DeviceID: "d1", Instruction: "x"}}, Batch{})
	if err == nil {
		t.Fatalf("expected context error")
	}
	if !devs.isHeld("d1") {
		t.Fatalf("lock held until worker exits")
	}
	close(gate)
	eventually(t, func() bool { return !devs.isHeld("d1") }, "lock released after cancelled submit")
}

type onlineProvider struct{}

func (onlineProvider) Probe(context.Context, string) (device.ProbeState, error) {
	return device.ProbeDevice, nil
}
func (onlineProvider) Connect(context.Context, string) (bool, string) { return true, "" }
func (onlineProvider) Disconnect(context.Context, string) error       { return nil }

func TestConcurrentSubmitsAreExclusive(t *testing.T) {
	mgr, err := device.NewManager(onlineProvider{}, nil, device.Config{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	disp := &funcDispatcher{run: func(req dispatch.Request, out chan<- Result) {
		started <- struct{}{}
		<-gate
		successRun(req, out)
	}}
	orch := newTestOrchestrator(t, mgr, disp)

	first := make(chan []Result, 1)
	go func() {
		res, _ := orch.Submit(context.Background(), []Task{{DeviceID: "d1", Instruction: "x"}}, Batch{})
		first <- res
	}()
	<-started

	second, err := orch.Submit(context.Background(), []Task{{DeviceID: "d1", Instruction: "y"}}, Batch{})
	if err != nil || len(second) != 0 {
		t.Fatalf("second submit should be locked out, got %v %v", second, err)
	}
	close(gate)
	if res := <-first; len(res) != 1 {
		t.Fatalf("first submit should finish, got %v", res)
	}
	if mgr.Locked("d1") {
		t.Fatalf("lock should be free after both submits")
	}
}

func TestPublicSessionAPI(t *testing.T) {
	orch := newTestOrchestrator(t, newStubDevices(), &funcDispatcher{run: successRun})
	orch.SaveSession("s1", SessionState{DeviceID: "d1"})
	if orch.SessionCount() != 1 {
		t.Fatalf("expected 1 session")
	}
	if !orch.SendReply("s1", "done") {
		t.Fatalf("send reply failed")
	}
	reply, err := orch.WaitForReply(context.Background(), "s1", time.Second)
	if err != nil || reply != "done" {
		t.Fatalf("unexpected reply %q %v", reply, err)
	}
	if _, ok := orch.GetSession("s1"); !ok {
		t.Fatalf("session should exist")
	}
	if !orch.DeleteSession("s1") || orch.SessionCount() != 0 {
		t.Fatalf("delete failed")
	}
	if orch.CleanupExpiredSessions() != 0 {
		t.Fatalf("nothing to clean")
	}
}

func TestSubmitRunsTasksOfOneDeviceSequentially(t *testing.T) {
	mgr, err := device.NewManager(onlineProvider{}, nil, device.Config{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	var (
		mu        sync.Mutex
		active    = map[string]int{}
		maxActive = map[string]int{}
		order     []string
	)
	disp := &funcDispatcher{run: func(req dispatch.Request, out chan<- Result) {
		serial := req.Task.DeviceID
		mu.Lock()
		active[serial]++
		if active[serial] > maxActive[serial] {
			maxActive[serial] = active[serial]
		}
		order = append(order, req.Task.Instruction)
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		active[serial]--
		mu.Unlock()
		successRun(req, out)
	}}
	orch := newTestOrchestrator(t, mgr, disp)

	results, err := orch.Submit(context.Background(), []Task{
		{DeviceID: "d1", Instruction: "A"},
		{DeviceID: "d2", Instruction: "C"},
		{DeviceID: "d1", Instruction: "B"},
	}, Batch{})
	if err != nil || len(results) != 3 {
		t.Fatalf("expected 3 results, got %v %v", results, err)
	}
	mu.Lock()
	defer mu.Unlock()
	if maxActive["d1"] != 1 {
		t.Fatalf("d1 ran %d workers at once", maxActive["d1"])
	}
	var d1Order []string
	for _, ins := range order {
		if ins == "A" || ins == "B" {
			d1Order = append(d1Order, ins)
		}
	}
	if len(d1Order) != 2 || d1Order[0] != "A" || d1Order[1] != "B" {
		t.Fatalf("d1 tasks should run in submission order, got %v", d1Order)
	}
	if mgr.Locked("d1") || mgr.Locked("d2") {
		t.Fatalf("locks must be released after the batch")
	}
}

func TestSubmitAsyncRejectsSharedRole(t *testing.T) {
	disp := &funcDispatcher{run: successRun}
	devs := newStubDevices()
	orch := newTestOrchestrator(t, devs, disp, func(o *Options) { o.Mailbox = nopMailbox{} })

	_, err := orch.Submit(context.Background(), []Task{
		{DeviceID: "d1", Instruction: "x"},
		{DeviceID: "d2", Instruction: "y"},
	}, Batch{TaskID: "t1", Mode: ModeAsync})
	if err == nil {
		t.Fatalf("two tasks defaulting to the same role must be rejected in async mode")
	}
	if devs.callCount() != 0 || disp.count() != 0 {
		t.Fatalf("rejected batch must not touch devices")
	}

	results, err := orch.Submit(context.Background(), []Task{
		{DeviceID: "d1", Instruction: "x", Role: "jd"},
		{DeviceID: "d2", Instruction: "y", Role: "taobao"},
	}, Batch{TaskID: "t1", Mode: ModeAsync})
	if err != nil || len(results) != 2 {
		t.Fatalf("distinct roles should run, got %v %v", results, err)
	}
}
