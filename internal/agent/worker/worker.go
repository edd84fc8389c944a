package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/PhoneFleet/internal/agent/device"
	"github.com/httprunner/PhoneFleet/internal/agent/lifecycle"
	"github.com/httprunner/PhoneFleet/internal/agent/session"
	"github.com/httprunner/PhoneFleet/internal/agent/tasks"
	"github.com/httprunner/PhoneFleet/internal/executor"
	"github.com/httprunner/PhoneFleet/internal/mailbox"
)

// DefaultSettleDelay is the pause after app launch when the role has no override.
const DefaultSettleDelay = 2300 * time.Millisecond

// DefaultRoleSettleDelays holds app-specific settle times.
var DefaultRoleSettleDelays = map[string]time.Duration{
	"jd":     3800 * time.Millisecond,
	"taobao": 5300 * time.Millisecond,
}

// Devices is the device I/O a worker needs.
type Devices interface {
	Probe(ctx context.Context, serial string) (device.ProbeState, error)
	Connect(ctx context.Context, serial string) (bool, string)
	Disconnect(ctx context.Context, serial string) error
}

// AppLauncher opens an app before the executor starts.
type AppLauncher interface {
	LaunchApp(ctx context.Context, serial, pkg string) error
}

// Sessions is the session surface a worker uses. In process dispatch it is
// served by the parent over the wire.
type Sessions interface {
	Save(ctx context.Context, id string, state session.State) error
	// WaitForReply blocks without a limit until a reply arrives or the
	// session is gone.
	WaitForReply(ctx context.Context, id string) (string, error)
	Delete(ctx context.Context, id string) error
}

// Config tunes one worker.
type Config struct {
	Executor      executor.Config
	DefaultSettle time.Duration
	RoleSettle    map[string]time.Duration
	Mailbox       mailbox.Mailbox
	Wait          mailbox.WaitOptions
}

// Worker runs tasks on one device at a time. It is safe to share a Worker
// across goroutines as long as each goroutine drives a different device.
type Worker struct {
	devices     Devices
	launcher    AppLauncher
	sessions    Sessions
	newExecutor func(executor.Config) (executor.Executor, error)
	callbacks   lifecycle.Callbacks
	cfg         Config

	sleep        func(ctx context.Context, d time.Duration) error
	newSessionID func(batch tasks.Batch, task tasks.Task) string
}

// Option customises a Worker.
type Option func(*Worker)

// WithLauncher sets the app launcher used for priming.
func WithLauncher(l AppLauncher) Option {
	return func(w *Worker) { w.launcher = l }
}

// WithExecutorFactory replaces the executor registry lookup.
func WithExecutorFactory(fn func(executor.Config) (executor.Executor, error)) Option {
	return func(w *Worker) {
		if fn != nil {
			w.newExecutor = fn
		}
	}
}

// WithCallbacks installs local lifecycle hooks.
func WithCallbacks(cb lifecycle.Callbacks) Option {
	return func(w *Worker) { w.callbacks = cb }
}

// New builds a worker.
func New(devices Devices, sessions Sessions, cfg Config, opts ...Option) *Worker {
	if cfg.DefaultSettle <= 0 {
		cfg.DefaultSettle = DefaultSettleDelay
	}
	if cfg.RoleSettle == nil {
		cfg.RoleSettle = DefaultRoleSettleDelays
	}
	w := &Worker{
		devices:      devices,
		sessions:     sessions,
		newExecutor:  executor.New,
		cfg:          cfg,
		sleep:        sleepContext,
		newSessionID: NewSessionID,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// NewSessionID formats <task>_<role>_<caller>_<8 hex>.
func NewSessionID(batch tasks.Batch, task tasks.Task) string {
	taskID := orUnknown(batch.TaskID)
	caller := orUnknown(batch.CallerID)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s_%s", taskID, task.RoleOrDefault(), caller, suffix)
}

// ContinuationInstruction builds the instruction used to resume after a reply.
func ContinuationInstruction(reply, original string) string {
	return fmt.Sprintf("user has completed (%s); continue original task: %s", reply, original)
}

// Run executes task and reports every result through emit. A suspended task
// emits a NEEDS_REPLY result, blocks for a reply, then emits its final result.
func (w *Worker) Run(ctx context.Context, task tasks.Task, batch tasks.Batch, emit func(tasks.Result)) {
	start := time.Now()
	serial := task.DeviceID
	logger := log.With().Str("serial", serial).Str("role", task.RoleOrDefault()).Str("task_id", batch.TaskID).Logger()

	w.callbacks.Started(task)
	report := func(res tasks.Result) {
		w.callbacks.Finished(res)
		emit(res)
	}

	owned, err := w.ensureConnected(ctx, serial)
	if err != nil {
		logger.Error().Err(err).Msg("device connection failed")
		report(tasks.FailedResult(task, start, err.Error()))
		return
	}
	if owned {
		defer func() {
			if derr := w.devices.Disconnect(context.WithoutCancel(ctx), serial); derr != nil {
				logger.Warn().Err(derr).Msg("disconnect after task failed")
			}
		}()
	}

	w.prime(ctx, task)

	exec, err := w.newExecutor(w.cfg.Executor)
	if err != nil {
		report(tasks.FailedResult(task, start, err.Error()))
		return
	}
	caps := lifecycle.For(batch, task, w.cfg.Mailbox, w.cfg.Wait)
	dev := executor.Device{Serial: serial, Role: task.Role, AppPackage: task.AppPackage}

	instruction := task.Instruction
	sessionID := ""
	for {
		out, err := exec.Execute(ctx, dev, instruction, caps)
		var takeover *executor.TakeoverRequired
		if err != nil && errors.As(err, &takeover) {
			out, err = executor.Outcome{Takeover: takeover}, nil
		}
		if err != nil {
			logger.Error().Err(err).Msg("task execution failed")
			w.cleanupSession(ctx, sessionID)
			w.writeMarker(ctx, batch, task, mailbox.KindFail)
			report(tasks.FailedResult(task, start, err.Error()))
			return
		}
		if !out.Suspended() {
			logger.Info().Dur("elapsed", time.Since(start)).Msg("task completed")
			w.cleanupSession(ctx, sessionID)
			w.writeMarker(ctx, batch, task, mailbox.KindSuccess)
			report(tasks.Result{
				DeviceID:    serial,
				Instruction: task.Instruction,
				Role:        task.Role,
				Success:     true,
				Payload:     out.Text,
				Duration:    time.Since(start),
			})
			return
		}

		if sessionID == "" {
			sessionID = w.newSessionID(batch, task)
		}
		state := session.State{
			SessionID:   sessionID,
			DeviceID:    serial,
			Role:        task.Role,
			AppPackage:  task.AppPackage,
			Instruction: task.Instruction,
			Batch:       batch,
			Executor:    w.cfg.Executor,
		}
		if err := w.sessions.Save(ctx, sessionID, state); err != nil {
			report(tasks.FailedResult(task, start, errors.Wrap(err, "save takeover session").Error()))
			return
		}
		logger.Info().Str("session_id", sessionID).Str("message", out.Takeover.Message).Msg("task suspended for takeover")
		report(tasks.Result{
			DeviceID:    serial,
			Instruction: task.Instruction,
			Role:        task.Role,
			Success:     false,
			Payload:     out.Takeover.Message,
			Error:       "takeover required",
			Duration:    time.Since(start),
			SessionID:   sessionID,
			StopReason:  tasks.StopReasonNeedsReply,
		})

		reply, err := w.sessions.WaitForReply(ctx, sessionID)
		if err != nil {
			logger.Warn().Err(err).Str("session_id", sessionID).Msg("no reply for suspended task")
			res := tasks.FailedResult(task, start, err.Error())
			res.SessionID = sessionID
			report(res)
			return
		}
		logger.Info().Str("session_id", sessionID).Msg("reply received, resuming task")
		instruction = ContinuationInstruction(reply, task.Instruction)
	}
}

// ensureConnected connects serial unless adb already lists it online. The
// bool reports whether this worker made the connection.
func (w *Worker) ensureConnected(ctx context.Context, serial string) (bool, error) {
	state, err := w.devices.Probe(ctx, serial)
	if err == nil && state == device.ProbeDevice {
		return false, nil
	}
	ok, msg := w.devices.Connect(ctx, serial)
	if !ok {
		return false, &device.ConnectionError{DeviceID: serial, Reason: msg}
	}
	return true, nil
}

// prime launches the task app and waits for it to settle. Failures are
// logged; the executor can still recover from the home screen.
func (w *Worker) prime(ctx context.Context, task tasks.Task) {
	if task.AppPackage == "" {
		return
	}
	if w.launcher != nil {
		if err := w.launcher.LaunchApp(ctx, task.DeviceID, task.AppPackage); err != nil {
			log.Warn().Err(err).Str("serial", task.DeviceID).Msg("launch app failed")
		}
	}
	_ = w.sleep(ctx, w.SettleDelay(task.Role))
}

// SettleDelay returns the priming pause for role.
func (w *Worker) SettleDelay(role string) time.Duration {
	if d, ok := w.cfg.RoleSettle[strings.ToLower(strings.TrimSpace(role))]; ok && d > 0 {
		return d
	}
	return w.cfg.DefaultSettle
}

func (w *Worker) cleanupSession(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := w.sessions.Delete(context.WithoutCancel(ctx), id); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("delete session failed")
	}
}

func (w *Worker) writeMarker(ctx context.Context, batch tasks.Batch, task tasks.Task, kind mailbox.Kind) {
	if w.cfg.Mailbox == nil || batch.EffectiveMode() != tasks.ModeAsync || batch.TaskID == "" {
		return
	}
	if err := w.cfg.Mailbox.WriteMarker(ctx, batch.TaskID, task.RoleOrDefault(), kind); err != nil {
		log.Warn().Err(err).Str("serial", task.DeviceID).Msg("write result marker failed")
	}
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return "unknown"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
