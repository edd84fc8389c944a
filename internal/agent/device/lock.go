package device

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

func (m *Manager) lockFor(serial string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[serial]
	if !ok {
		lock = make(chan struct{}, 1)
		m.locks[serial] = lock
	}
	return lock
}

// Acquire takes the exclusive lock for serial, waiting at most timeout.
// A non-positive timeout means a single non-blocking attempt. It returns
// false on timeout or cancellation and never errors.
func (m *Manager) Acquire(ctx context.Context, serial string, timeout time.Duration) bool {
	lock := m.lockFor(serial)
	if timeout <= 0 {
		select {
		case lock <- struct{}{}:
			log.Debug().Str("serial", serial).Msg("device lock acquired")
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case lock <- struct{}{}:
		log.Debug().Str("serial", serial).Msg("device lock acquired")
		return true
	case <-timer.C:
		log.Warn().Str("serial", serial).Dur("timeout", timeout).Msg("device lock acquire timed out")
		return false
	case <-ctx.Done():
		return false
	}
}

// Release frees the lock for serial. Releasing a lock that is not held is a no-op.
func (m *Manager) Release(serial string) {
	lock := m.lockFor(serial)
	select {
	case <-lock:
		log.Debug().Str("serial", serial).Msg("device lock released")
	default:
	}
}

// Locked reports whether serial is currently held.
func (m *Manager) Locked(serial string) bool {
	return len(m.lockFor(serial)) == 1
}
