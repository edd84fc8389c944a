package device

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Config controls health monitoring and reconnection.
type Config struct {
	HealthInterval       time.Duration
	MaxReconnectAttempts int
	// ReconnectDelay is a fixed pause between reconnect attempts.
	ReconnectDelay     time.Duration
	UnauthorizedSettle time.Duration
	HealthConcurrency  int
}

func (c Config) withDefaults() Config {
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 3
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.UnauthorizedSettle <= 0 {
		c.UnauthorizedSettle = time.Second
	}
	if c.HealthConcurrency <= 0 {
		c.HealthConcurrency = 4
	}
	return c
}

// Manager 负责维护设备连接状态、设备锁以及后台健康检查。
type Manager struct {
	provider Provider
	recorder Recorder
	cfg      Config

	mu      sync.Mutex
	devices map[string]*Status
	locks   map[string]chan struct{}

	connectGroup singleflight.Group

	monitorMu     sync.Mutex
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}

	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager builds a manager around provider. recorder may be nil.
func NewManager(provider Provider, recorder Recorder, cfg Config) (*Manager, error) {
	if provider == nil {
		return nil, errors.New("device manager: provider is nil")
	}
	return &Manager{
		provider: provider,
		recorder: recorder,
		cfg:      cfg.withDefaults(),
		devices:  make(map[string]*Status),
		locks:    make(map[string]chan struct{}),
		sleep:    sleepContext,
	}, nil
}

// Track registers a device for health monitoring. Re-tracking updates the role.
func (m *Manager) Track(serial, role string) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.devices[serial]; ok {
		if role != "" {
			st.Role = role
		}
		return
	}
	m.devices[serial] = &Status{DeviceID: serial, Role: role, State: StateUnknown}
}

// Probe queries the provider and folds the answer into the tracked status.
func (m *Manager) Probe(ctx context.Context, serial string) (ProbeState, error) {
	state, err := m.provider.Probe(ctx, serial)
	now := time.Now()
	m.update(serial, func(st *Status) {
		st.LastCheck = now
		if err != nil {
			st.LastError = err.Error()
			return
		}
		st.State = stateFromProbe(state)
		st.Connected = state == ProbeDevice
	})
	return state, err
}

type connectOutcome struct {
	ok  bool
	msg string
}

// Connect makes sure serial is reachable. Unauthorized devices are
// disconnected first so stale auth is dropped before the fresh attempt.
// Concurrent calls for the same serial share one attempt.
func (m *Manager) Connect(ctx context.Context, serial string) (bool, string) {
	v, _, _ := m.connectGroup.Do(serial, func() (any, error) {
		ok, msg := m.connect(ctx, serial)
		return connectOutcome{ok: ok, msg: msg}, nil
	})
	out := v.(connectOutcome)
	return out.ok, out.msg
}

func (m *Manager) connect(ctx context.Context, serial string) (bool, string) {
	m.update(serial, func(st *Status) { st.State = StateConnecting })

	state, err := m.provider.Probe(ctx, serial)
	if err == nil && state == ProbeDevice {
		m.markConnected(serial)
		return true, "already connected"
	}
	if state == ProbeUnauthorized {
		log.Warn().Str("serial", serial).Msg("device unauthorized, reconnecting")
		if derr := m.provider.Disconnect(ctx, serial); derr != nil {
			log.Debug().Err(derr).Str("serial", serial).Msg("disconnect unauthorized device failed")
		}
		if serr := m.sleep(ctx, m.cfg.UnauthorizedSettle); serr != nil {
			return false, serr.Error()
		}
	}

	ok, msg := m.provider.Connect(ctx, serial)
	if ok {
		m.markConnected(serial)
		log.Info().Str("serial", serial).Msg("device connected")
		return true, msg
	}
	m.update(serial, func(st *Status) {
		st.State = StateOffline
		st.Connected = false
		st.LastCheck = time.Now()
		st.LastError = msg
		st.ReconnectCount++
	})
	log.Error().Str("serial", serial).Str("reason", msg).Msg("device connect failed")
	return false, msg
}

// Disconnect drops the adb connection for serial.
func (m *Manager) Disconnect(ctx context.Context, serial string) error {
	err := m.provider.Disconnect(ctx, serial)
	m.update(serial, func(st *Status) {
		st.Connected = false
		st.State = StateOffline
		st.LastCheck = time.Now()
	})
	if err != nil {
		return errors.Wrapf(err, "disconnect device %s", serial)
	}
	log.Info().Str("serial", serial).Msg("device disconnected")
	return nil
}

// IsConnected reports the last known connectivity of serial.
func (m *Manager) IsConnected(serial string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.devices[serial]; ok {
		return st.Connected
	}
	return false
}

// Reset clears the failed state and reconnect counter so the health loop
// retries the device again.
func (m *Manager) Reset(serial string) {
	m.update(serial, func(st *Status) {
		st.State = StateUnknown
		st.ReconnectCount = 0
		st.LastError = ""
	})
}

// Status returns the snapshot of one device.
func (m *Manager) Status(serial string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.devices[serial]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// DeviceForRole returns the tracked device serving role. Roles match
// case-insensitively; a connected device wins over a disconnected one and
// ties go to the lowest serial.
func (m *Manager) DeviceForRole(role string) (string, bool) {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return "", false
	}
	var best *Status
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.devices {
		if strings.ToLower(st.Role) != role {
			continue
		}
		switch {
		case best == nil:
			best = st
		case st.Connected != best.Connected:
			if st.Connected {
				best = st
			}
		case st.DeviceID < best.DeviceID:
			best = st
		}
	}
	if best == nil {
		return "", false
	}
	return best.DeviceID, true
}

// Snapshot returns all tracked devices sorted by serial.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	result := make([]Status, 0, len(m.devices))
	for _, st := range m.devices {
		result = append(result, *st)
	}
	m.mu.Unlock()
	sort.Slice(result, func(i, j int) bool { return result[i].DeviceID < result[j].DeviceID })
	return result
}

func (m *Manager) markConnected(serial string) {
	now := time.Now()
	m.update(serial, func(st *Status) {
		st.State = StateConnected
		st.Connected = true
		st.ReconnectCount = 0
		st.LastCheck = now
		st.LastError = ""
	})
}

// update applies fn under the manager lock, tracking serial if needed.
func (m *Manager) update(serial string, fn func(st *Status)) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.devices[serial]
	if !ok {
		st = &Status{DeviceID: serial, State: StateUnknown}
		m.devices[serial] = st
	}
	fn(st)
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
