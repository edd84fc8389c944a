package device

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// StartHealthMonitor launches the background health loop. Calling it again
// while the loop runs is a no-op.
func (m *Manager) StartHealthMonitor(ctx context.Context) {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	if m.monitorCancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.monitorCancel = cancel
	m.monitorDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.CheckOnce(loopCtx)
			}
		}
	}()
	log.Info().Dur("interval", m.cfg.HealthInterval).Msg("device health monitor started")
}

// StopHealthMonitor cancels the loop and waits briefly for it to exit.
func (m *Manager) StopHealthMonitor() {
	m.monitorMu.Lock()
	cancel, done := m.monitorCancel, m.monitorDone
	m.monitorCancel, m.monitorDone = nil, nil
	m.monitorMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn().Msg("device health monitor did not stop in time")
	}
	log.Info().Msg("device health monitor stopped")
}

// CheckOnce runs one health pass over every tracked device and records the
// resulting snapshot.
func (m *Manager) CheckOnce(ctx context.Context) {
	m.mu.Lock()
	serials := make([]string, 0, len(m.devices))
	for serial := range m.devices {
		serials = append(serials, serial)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.HealthConcurrency)
	for _, serial := range serials {
		g.Go(func() error {
			m.checkDevice(gctx, serial)
			return nil
		})
	}
	_ = g.Wait()

	if m.recorder != nil {
		if err := m.recorder.UpsertDevices(ctx, m.Snapshot()); err != nil {
			log.Warn().Err(err).Msg("record device status failed")
		}
	}
}

func (m *Manager) checkDevice(ctx context.Context, serial string) {
	if st, ok := m.Status(serial); !ok || st.State == StateFailed {
		return
	}

	state, err := m.provider.Probe(ctx, serial)
	if err == nil && state == ProbeDevice {
		m.markConnected(serial)
		return
	}
	now := time.Now()
	m.update(serial, func(st *Status) {
		st.Connected = false
		st.LastCheck = now
		if err != nil {
			st.LastError = err.Error()
			st.State = StateOffline
			return
		}
		st.State = stateFromProbe(state)
	})
	log.Warn().Str("serial", serial).Str("state", string(state)).Msg("device unhealthy, reconnecting")

	if state == ProbeUnauthorized {
		if derr := m.provider.Disconnect(ctx, serial); derr != nil {
			log.Debug().Err(derr).Str("serial", serial).Msg("disconnect unauthorized device failed")
		}
		if m.sleep(ctx, m.cfg.UnauthorizedSettle) != nil {
			return
		}
	}
	m.reconnect(ctx, serial)
}

// reconnect retries with a fixed delay until the device answers or the
// attempt bound is reached, after which the device stays failed until Reset.
func (m *Manager) reconnect(ctx context.Context, serial string) {
	for {
		exhausted := false
		m.update(serial, func(st *Status) {
			if st.ReconnectCount >= m.cfg.MaxReconnectAttempts {
				st.State = StateFailed
				exhausted = true
				return
			}
			st.State = StateReconnecting
		})
		if exhausted {
			log.Error().Str("serial", serial).Int("max_attempts", m.cfg.MaxReconnectAttempts).
				Msg("device reconnect attempts exhausted, marked failed")
			return
		}

		ok, msg := m.provider.Connect(ctx, serial)
		if ok {
			m.markConnected(serial)
			log.Info().Str("serial", serial).Msg("device reconnected")
			return
		}
		attempts := 0
		m.update(serial, func(st *Status) {
			st.ReconnectCount++
			st.LastError = msg
			st.LastCheck = time.Now()
			attempts = st.ReconnectCount
			if attempts >= m.cfg.MaxReconnectAttempts {
				st.State = StateFailed
			}
		})
		log.Warn().Str("serial", serial).Int("attempt", attempts).Str("reason", msg).Msg("device reconnect failed")
		if attempts >= m.cfg.MaxReconnectAttempts {
			log.Error().Str("serial", serial).Msg("device reconnect attempts exhausted, marked failed")
			return
		}
		if m.sleep(ctx, m.cfg.ReconnectDelay) != nil {
			return
		}
	}
}
