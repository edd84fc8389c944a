package phonefleet

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/PhoneFleet/internal/agent/device"
	"github.com/httprunner/PhoneFleet/internal/agent/session"
	"github.com/httprunner/PhoneFleet/internal/agent/tasks"
	"github.com/httprunner/PhoneFleet/internal/dispatch"
	"github.com/httprunner/PhoneFleet/internal/mailbox"
	"github.com/httprunner/PhoneFleet/internal/notify"
)

var errNoMailbox = errors.New("no mailbox configured")

const (
	DefaultLockTimeout  = 300 * time.Second
	DefaultDrainTimeout = 100 * time.Millisecond
	observeTimeout      = 10 * time.Second
)

// Devices is the device manager surface the orchestrator drives.
type Devices interface {
	Track(serial, role string)
	Acquire(ctx context.Context, serial string, timeout time.Duration) bool
	Release(serial string)
	StartHealthMonitor(ctx context.Context)
	StopHealthMonitor()
	Snapshot() []device.Status
	DeviceForRole(role string) (string, bool)
}

// ResultRecorder receives every result, including those that arrive after
// Submit returned.
type ResultRecorder interface {
	RecordResult(ctx context.Context, batch Batch, res Result, late bool) error
}

// Config tunes admission and collection.
type Config struct {
	LockTimeout  time.Duration
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	return c
}

// Options wires an Orchestrator.
type Options struct {
	Devices    Devices
	Sessions   *session.Manager
	Dispatcher dispatch.Dispatcher
	Recorder   ResultRecorder
	Notifier   notify.Notifier
	Mailbox    mailbox.Mailbox
	Config     Config
}

// Orchestrator fans a batch of tasks out to one worker per task and gathers
// their results.
type Orchestrator struct {
	devices    Devices
	sessions   *session.Manager
	dispatcher dispatch.Dispatcher
	recorder   ResultRecorder
	notifier   notify.Notifier
	mailbox    mailbox.Mailbox
	cfg        Config

	// workers run under baseCtx rather than the Submit ctx so a suspended
	// worker outlives the call that started it.
	baseCtx    context.Context
	cancel     context.CancelFunc
	background sync.WaitGroup
}

// New validates opts and builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Devices == nil {
		return nil, errors.New("orchestrator: device manager is nil")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("orchestrator: dispatcher is nil")
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager(0)
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		devices:    opts.Devices,
		sessions:   opts.Sessions,
		dispatcher: opts.Dispatcher,
		recorder:   opts.Recorder,
		notifier:   opts.Notifier,
		mailbox:    opts.Mailbox,
		cfg:        opts.Config.withDefaults(),
		baseCtx:    ctx,
		cancel:     cancel,
	}, nil
}

type dispatched struct {
	serial string
	handle dispatch.Handle
}

// Submit runs tasks in parallel and returns results in arrival order. It
// returns as soon as every accepted task reported, or early once a task
// needs a human reply. Only validation failures abort the call; per-task
// failures come back as failed results.
func (o *Orchestrator) Submit(ctx context.Context, list []Task, batch Batch) ([]Result, error) {
	if len(list) == 0 {
		return []Result{}, nil
	}
	if err := o.validate(list, batch); err != nil {
		return nil, err
	}

	acquired, dropped := o.admit(ctx, list)
	accepted := make([]Task, 0, len(list))
	for _, t := range list {
		if !dropped[strings.TrimSpace(t.DeviceID)] {
			accepted = append(accepted, t)
		}
	}
	if len(accepted) == 0 {
		for _, serial := range acquired {
			o.devices.Release(serial)
		}
		log.Warn().Int("tasks", len(list)).Msg("no device lock acquired, nothing dispatched")
		return []Result{}, nil
	}

	logger := log.With().Str("task_id", batch.TaskID).Str("mode", string(batch.EffectiveMode())).Logger()
	logger.Info().Int("tasks", len(accepted)).Int("devices", len(acquired)).Msg("dispatching batch")

	results := make(chan Result, 2*len(accepted))
	bySerial := make(map[string][]Task, len(acquired))
	for _, t := range accepted {
		serial := strings.TrimSpace(t.DeviceID)
		bySerial[serial] = append(bySerial[serial], t)
	}
	handles := make([]dispatched, 0, len(bySerial))
	for _, serial := range tasks.DistinctDevices(accepted) {
		h := newDeviceQueue()
		go o.runDeviceQueue(batch, serial, bySerial[serial], results, h)
		handles = append(handles, dispatched{serial: serial, handle: h})
	}

	collected, early, ctxErr := o.collect(ctx, batch, results, len(accepted))
	if !early && ctxErr == nil {
		// every worker reported; wait for exits so locks cover the full worker lifetime
		o.finish(batch, results, handles, acquired, false)
	} else {
		o.background.Add(1)
		go func() {
			defer o.background.Done()
			o.finish(batch, results, handles, acquired, true)
		}()
	}

	logger.Info().Int("results", len(collected)).Bool("takeover", early).Msg("batch collected")
	if ctxErr != nil {
		return collected, ctxErr
	}
	return collected, nil
}

// deviceQueue is closed once every task of one device finished.
type deviceQueue struct {
	done chan struct{}
}

func newDeviceQueue() *deviceQueue { return &deviceQueue{done: make(chan struct{})} }

func (q *deviceQueue) Done() <-chan struct{} { return q.done }

// runDeviceQueue dispatches the tasks of one device one after another under
// the single lock held for it, so a device never runs two workers at once.
func (o *Orchestrator) runDeviceQueue(batch Batch, serial string, list []Task, results chan<- Result, q *deviceQueue) {
	defer close(q.done)
	for _, t := range list {
		if err := o.baseCtx.Err(); err != nil {
			results <- tasks.FailedResult(t, time.Now(), "orchestrator closed before dispatch")
			continue
		}
		h, err := o.dispatcher.Dispatch(o.baseCtx, dispatch.Request{Task: t, Batch: batch}, results)
		if err != nil {
			log.Error().Err(err).Str("serial", serial).Str("task_id", batch.TaskID).Msg("dispatch task failed")
			results <- tasks.FailedResult(t, time.Now(), err.Error())
			continue
		}
		<-h.Done()
	}
}

func (o *Orchestrator) validate(list []Task, batch Batch) error {
	for i, t := range list {
		if strings.TrimSpace(t.DeviceID) == "" {
			return errors.Errorf("task %d: device id is empty", i)
		}
		if strings.TrimSpace(t.Instruction) == "" {
			return errors.Errorf("task %d (%s): instruction is empty", i, t.DeviceID)
		}
	}
	switch batch.EffectiveMode() {
	case ModeSync:
	case ModeAsync:
		if o.mailbox == nil {
			return errors.New("async mode requires a mailbox")
		}
		if strings.TrimSpace(batch.TaskID) == "" {
			return errors.New("async mode requires a task id")
		}
		// takeover markers are keyed by (task id, role)
		roles := make(map[string]string, len(list))
		for _, t := range list {
			role := t.RoleOrDefault()
			if prev, ok := roles[role]; ok {
				return errors.Errorf("async mode requires distinct roles: %s and %s both use role %q",
					prev, t.DeviceID, role)
			}
			roles[role] = t.DeviceID
		}
	default:
		return errors.Errorf("unknown mode %q", batch.Mode)
	}
	return nil
}

// admit locks every distinct device in first-seen order. Devices whose lock
// cannot be taken within LockTimeout are dropped with all their tasks.
func (o *Orchestrator) admit(ctx context.Context, list []Task) ([]string, map[string]bool) {
	roles := make(map[string]string, len(list))
	for _, t := range list {
		serial := strings.TrimSpace(t.DeviceID)
		if _, ok := roles[serial]; !ok {
			roles[serial] = t.Role
		}
	}
	var acquired []string
	dropped := make(map[string]bool)
	for _, serial := range tasks.DistinctDevices(list) {
		o.devices.Track(serial, roles[serial])
		if o.devices.Acquire(ctx, serial, o.cfg.LockTimeout) {
			acquired = append(acquired, serial)
			continue
		}
		lockErr := &LockTimeoutError{DeviceID: serial, Timeout: o.cfg.LockTimeout}
		log.Warn().Err(lockErr).Str("serial", serial).Msg("device busy, skipping its tasks")
		dropped[serial] = true
	}
	return acquired, dropped
}

// collect reads until expected results arrived or a takeover short-circuits,
// then drains briefly for results already in flight.
func (o *Orchestrator) collect(ctx context.Context, batch Batch, results <-chan Result, expected int) ([]Result, bool, error) {
	collected := make([]Result, 0, expected)
	early := false
wait:
	for len(collected) < expected {
		select {
		case res := <-results:
			collected = append(collected, res)
			o.observe(batch, res, false)
			if res.NeedsReply() {
				early = true
				break wait
			}
		case <-ctx.Done():
			return collected, false, ctx.Err()
		}
	}
	if !early {
		return collected, false, nil
	}

	for len(collected) < expected {
		select {
		case res := <-results:
			collected = append(collected, res)
			o.observe(batch, res, false)
		case <-time.After(o.cfg.DrainTimeout):
			return collected, true, nil
		}
	}
	return collected, true, nil
}

// finish releases each device lock once all workers on it exited, and
// consumes results still produced meanwhile.
func (o *Orchestrator) finish(batch Batch, results <-chan Result, handles []dispatched, acquired []string, late bool) {
	bySerial := make(map[string][]dispatch.Handle, len(acquired))
	for _, d := range handles {
		bySerial[d.serial] = append(bySerial[d.serial], d.handle)
	}

	var wg sync.WaitGroup
	for _, serial := range acquired {
		hs := bySerial[serial]
		if len(hs) == 0 {
			o.devices.Release(serial)
			continue
		}
		wg.Add(1)
		go func(serial string, hs []dispatch.Handle) {
			defer wg.Done()
			for _, h := range hs {
				<-h.Done()
			}
			o.devices.Release(serial)
		}(serial, hs)
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()
	for {
		select {
		case res := <-results:
			o.lateResult(batch, res, late)
		case <-allDone:
			for {
				select {
				case res := <-results:
					o.lateResult(batch, res, late)
				default:
					return
				}
			}
		}
	}
}

func (o *Orchestrator) lateResult(batch Batch, res Result, late bool) {
	log.Info().Str("serial", res.DeviceID).Bool("success", res.Success).Str("session_id", res.SessionID).
		Msg("result arrived after batch returned")
	o.observe(batch, res, late)
}

func (o *Orchestrator) observe(batch Batch, res Result, late bool) {
	ctx, cancel := context.WithTimeout(o.baseCtx, observeTimeout)
	defer cancel()
	if o.recorder != nil {
		if err := o.recorder.RecordResult(ctx, batch, res, late); err != nil {
			log.Warn().Err(err).Str("serial", res.DeviceID).Msg("record result failed")
		}
	}
	if res.NeedsReply() {
		if err := o.notifier.NotifyTakeover(ctx, batch, res); err != nil {
			log.Warn().Err(err).Str("session_id", res.SessionID).Msg("takeover notification failed")
		}
	}
}

// Wait blocks until results of earlier early-returned submits are all
// consumed and their locks released.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

// Close cancels in-flight reply waits and waits up to grace for background
// collectors to finish.
func (o *Orchestrator) Close(grace time.Duration) {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Warn().Dur("grace", grace).Msg("orchestrator background work still running at close")
	}
}
