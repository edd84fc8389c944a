package phonefleet

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/PhoneFleet/internal/agent/device"
	"github.com/httprunner/PhoneFleet/internal/agent/session"
	"github.com/httprunner/PhoneFleet/internal/agent/worker"
	"github.com/httprunner/PhoneFleet/internal/api"
	"github.com/httprunner/PhoneFleet/internal/dispatch"
	"github.com/httprunner/PhoneFleet/internal/env"
	"github.com/httprunner/PhoneFleet/internal/executor"
	"github.com/httprunner/PhoneFleet/internal/listener"
	"github.com/httprunner/PhoneFleet/internal/mailbox"
	"github.com/httprunner/PhoneFleet/internal/notify"
	"github.com/httprunner/PhoneFleet/internal/providers/adb"
	"github.com/httprunner/PhoneFleet/internal/storage"
)

// DefaultSweepInterval is how often the session sweeper runs in serve mode.
const DefaultSweepInterval = time.Minute

// Runtime holds the production wiring of one phonefleet host: adb-backed
// device manager, SQLite storage, the configured mailbox and a process
// dispatcher re-executing the current binary.
type Runtime struct {
	DB           *storage.DB
	ADB          *adb.Provider
	Devices      *device.Manager
	DeviceStore  *storage.DeviceStatusStore
	Sessions     *session.Manager
	Mailbox      mailbox.Mailbox
	Results      *storage.ResultStore
	Backlog      *storage.Backlog
	Orchestrator *Orchestrator

	SweepInterval time.Duration
	allowlist     map[string]struct{}
}

// NewRuntime builds a Runtime from the environment (.env included).
func NewRuntime(ctx context.Context) (*Runtime, error) {
	_ = env.Ensure()
	db, err := storage.OpenDefault(ctx)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		DB:            db,
		DeviceStore:   storage.NewDeviceStatusStore(db),
		Sessions:      session.NewManager(env.Duration(EnvSessionTTL, session.DefaultTTL)),
		Results:       storage.NewResultStore(db),
		Backlog:       storage.NewBacklog(db),
		SweepInterval: env.Duration(EnvSessionSweep, DefaultSweepInterval),
		allowlist:     buildDeviceAllowlistSet(parseDeviceAllowlist(env.String(EnvDeviceAllowlist, ""))),
	}
	fail := func(err error) (*Runtime, error) {
		_ = rt.Close()
		return nil, err
	}

	rt.ADB, err = adb.NewDefault(env.String(EnvADBBinary, "adb"))
	if err != nil {
		return fail(err)
	}
	rt.Devices, err = device.NewManager(rt.ADB, rt.DeviceStore, DeviceConfigFromEnv())
	if err != nil {
		return fail(err)
	}
	rt.Mailbox, err = OpenMailbox(ctx, db)
	if err != nil {
		return fail(err)
	}
	rt.Orchestrator, err = New(Options{
		Devices:  rt.Devices,
		Sessions: rt.Sessions,
		Dispatcher: &dispatch.Process{
			Sessions: rt.Sessions,
			Executor: ExecutorConfigFromEnv(),
		},
		Recorder: rt.Results,
		Notifier: notify.NewFeishuFromEnv(),
		Mailbox:  rt.Mailbox,
		Config: Config{
			LockTimeout:  env.Duration(EnvLockTimeout, DefaultLockTimeout),
			DrainTimeout: env.Duration(EnvDrainTimeout, DefaultDrainTimeout),
		},
	})
	if err != nil {
		return fail(err)
	}
	log.Info().Str("db", db.Path()).Msg("phonefleet runtime ready")
	return rt, nil
}

// DiscoverDevices tracks every adb device in the allowlist (all devices when
// the allowlist is empty) so the health monitor covers them before any task
// names them.
func (rt *Runtime) DiscoverDevices(ctx context.Context) ([]string, error) {
	states, err := rt.ADB.ListDevicesWithState(ctx)
	if err != nil {
		return nil, err
	}
	serials := make([]string, 0, len(states))
	for serial := range states {
		if !allowed(rt.allowlist, serial) {
			continue
		}
		rt.Devices.Track(serial, "")
		serials = append(serials, serial)
	}
	return normalizeDeviceAllowlist(serials), nil
}

// ServeOptions selects the long-lived loops started by Serve.
type ServeOptions struct {
	// APIAddr enables the control API when non-empty.
	APIAddr string
	// Listen enables the backlog listener.
	Listen   bool
	Listener listener.Config
}

// ServeOptionsFromEnv reads listener tuning; APIAddr and Listen are left to
// the caller.
func ServeOptionsFromEnv() ServeOptions {
	return ServeOptions{
		Listener: listener.Config{
			PollInterval: env.Duration(EnvListenInterval, 0),
			BatchLimit:   env.Int(EnvListenBatchLimit, 0),
		},
	}
}

// Serve runs the health monitor, the session sweeper and the selected
// surfaces until ctx is cancelled or one of them fails.
func (rt *Runtime) Serve(ctx context.Context, opts ServeOptions) error {
	if _, err := rt.DiscoverDevices(ctx); err != nil {
		log.Warn().Err(err).Msg("initial device discovery failed")
	}

	sg := NewSafeGroup(ctx)
	sg.GoSafe("health-monitor", func(ctx context.Context) error {
		rt.Orchestrator.StartHealthMonitor(ctx)
		<-ctx.Done()
		rt.Orchestrator.StopHealthMonitor()
		return nil
	})
	sg.GoSafe("session-sweeper", func(ctx context.Context) error {
		rt.Orchestrator.StartSessionSweeper(ctx, rt.SweepInterval)
		<-ctx.Done()
		return nil
	})
	if opts.APIAddr != "" {
		srv := api.NewServer(rt.Orchestrator, rt.Backlog)
		sg.GoSafe("control-api", func(ctx context.Context) error {
			return srv.Start(ctx, opts.APIAddr)
		})
	}
	if opts.Listen {
		l, err := listener.New(rt.Backlog, rt.Orchestrator, opts.Listener)
		if err != nil {
			return err
		}
		sg.GoSafe("backlog-listener", l.Run)
	}
	return sg.WaitOrInterrupt(10 * time.Second)
}

// Close stops the orchestrator and releases storage handles.
func (rt *Runtime) Close() error {
	if rt == nil {
		return nil
	}
	if rt.Orchestrator != nil {
		rt.Orchestrator.Close(5 * time.Second)
	}
	if rt.Devices != nil {
		rt.Devices.StopHealthMonitor()
	}
	var errs []string
	if rt.Mailbox != nil {
		if err := rt.Mailbox.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if rt.DB != nil {
		if err := rt.DB.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("close runtime: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DeviceConfigFromEnv reads health-loop tuning.
func DeviceConfigFromEnv() device.Config {
	return device.Config{
		HealthInterval:       env.Duration(EnvHealthInterval, 0),
		MaxReconnectAttempts: env.Int(EnvMaxReconnectAttempts, 0),
		ReconnectDelay:       env.Duration(EnvReconnectDelay, 0),
	}
}

// ExecutorConfigFromEnv reads the executor snapshot handed to every worker.
func ExecutorConfigFromEnv() executor.Config {
	return executor.Config{
		Name:     env.String(EnvExecutorName, executor.DefaultName),
		BaseURL:  env.String(EnvExecutorBaseURL, ""),
		Model:    env.String(EnvExecutorModel, ""),
		APIKey:   env.String(EnvExecutorAPIKey, ""),
		Lang:     env.String(EnvExecutorLang, "cn"),
		MaxSteps: env.Int(EnvExecutorMaxSteps, 0),
	}
}

// WaitOptionsFromEnv reads async takeover polling.
func WaitOptionsFromEnv() mailbox.WaitOptions {
	return mailbox.WaitOptions{
		Interval: env.Duration(EnvTakeoverPoll, 0),
		Ceiling:  env.Duration(EnvTakeoverLimit, 0),
	}
}

// WorkerConfigFromEnv builds the worker config for execCfg.
func WorkerConfigFromEnv(execCfg executor.Config, mb mailbox.Mailbox) worker.Config {
	roles := make(map[string]time.Duration, len(worker.DefaultRoleSettleDelays))
	for role, d := range worker.DefaultRoleSettleDelays {
		roles[role] = d
	}
	for role, d := range env.DurationMap(EnvRoleSettleDelays) {
		roles[strings.ToLower(role)] = d
	}
	return worker.Config{
		Executor:      execCfg,
		DefaultSettle: env.Duration(EnvSettleDelay, worker.DefaultSettleDelay),
		RoleSettle:    roles,
		Mailbox:       mb,
		Wait:          WaitOptionsFromEnv(),
	}
}

// OpenMailbox opens the backend named by PHONEFLEET_MAILBOX. db backs the
// sqlite mailbox and may be nil when NATS is selected.
func OpenMailbox(ctx context.Context, db *storage.DB) (mailbox.Mailbox, error) {
	switch backend := strings.ToLower(env.String(EnvMailbox, MailboxSQLite)); backend {
	case MailboxSQLite:
		if db == nil {
			return nil, errors.New("sqlite mailbox requires a database")
		}
		return mailbox.NewSQLite(db), nil
	case MailboxNATS:
		url := env.String(EnvNATSURL, "")
		if url == "" {
			return nil, errors.Errorf("%s is required for the nats mailbox", EnvNATSURL)
		}
		mb, err := mailbox.DialNATS(ctx, url, env.String(EnvNATSBucket, DefaultNATSBucket))
		if err != nil {
			return nil, err
		}
		return mb, nil
	default:
		return nil, errors.Errorf("unknown mailbox backend %q", backend)
	}
}

// RunWorkerProcess is the entry point of the hidden worker command: it
// serves exactly one task from the parent over r/w and exits.
func RunWorkerProcess(ctx context.Context, r io.Reader, w io.Writer) error {
	_ = env.Ensure()
	provider, err := adb.NewDefault(env.String(EnvADBBinary, "adb"))
	if err != nil {
		return err
	}
	devices, err := device.NewManager(provider, nil, DeviceConfigFromEnv())
	if err != nil {
		return err
	}

	var db *storage.DB
	if strings.ToLower(env.String(EnvMailbox, MailboxSQLite)) == MailboxSQLite {
		db, err = storage.OpenDefault(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
	}
	mb, err := OpenMailbox(ctx, db)
	if err != nil {
		return err
	}
	defer mb.Close()

	return dispatch.ServeChild(ctx, r, w, func(execCfg executor.Config, sessions worker.Sessions) (*worker.Worker, error) {
		if _, err := executor.New(execCfg); err != nil {
			return nil, err
		}
		return worker.New(devices, sessions, WorkerConfigFromEnv(execCfg, mb), worker.WithLauncher(provider)), nil
	})
}
