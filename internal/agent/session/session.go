package session

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/PhoneFleet/internal/agent/tasks"
	"github.com/httprunner/PhoneFleet/internal/executor"
)

// DefaultTTL bounds how long a suspended task may wait for a reply.
const DefaultTTL = time.Hour

var (
	// ErrSessionExpired is returned for sessions past their TTL, and to
	// waiters whose session is removed while they wait.
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionNotFound is returned for ids that were never saved.
	ErrSessionNotFound = errors.New("session not found")
	// ErrReplyTimeout is returned when a bounded wait elapses.
	ErrReplyTimeout = errors.New("wait for reply timed out")
)

// State is everything needed to rebuild a suspended task.
type State struct {
	SessionID   string          `json:"session_id"`
	DeviceID    string          `json:"device_id"`
	Role        string          `json:"role,omitempty"`
	AppPackage  string          `json:"app_package,omitempty"`
	Instruction string          `json:"instruction"`
	Batch       tasks.Batch     `json:"batch"`
	Executor    executor.Config `json:"executor"`
	CreatedAt   time.Time       `json:"created_at"`
}

type replyQueue struct {
	replies []string
	signal  chan struct{}
	done    chan struct{}
}

func newReplyQueue() *replyQueue {
	return &replyQueue{signal: make(chan struct{}, 1), done: make(chan struct{})}
}

func (q *replyQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Manager stores suspended task state with a TTL and routes replies to
// waiting workers. All state sits behind one mutex.
type Manager struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*State
	queues   map[string]*replyQueue
	expired  map[string]time.Time

	now func() time.Time
}

// NewManager builds a manager. A non-positive ttl selects DefaultTTL.
func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		ttl:      ttl,
		sessions: make(map[string]*State),
		queues:   make(map[string]*replyQueue),
		expired:  make(map[string]time.Time),
		now:      time.Now,
	}
}

// TTL returns the configured time-to-live.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Save stores state under id, overwriting any previous value, and makes
// sure a reply queue exists. CreatedAt is stamped when zero.
func (m *Manager) Save(id string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = m.now()
	}
	state.SessionID = id
	m.sessions[id] = &state
	if _, ok := m.queues[id]; !ok {
		m.queues[id] = newReplyQueue()
	}
	delete(m.expired, id)
	log.Debug().Str("session_id", id).Str("serial", state.DeviceID).Msg("session saved")
}

// Get returns the state for id. Expired sessions are removed and reported
// as absent.
func (m *Manager) Get(id string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[id]
	if !ok {
		return State{}, false
	}
	if m.expiredLocked(st) {
		m.removeLocked(id, true)
		return State{}, false
	}
	return *st, true
}

// Resume is Get with an explicit error for expired sessions.
func (m *Manager) Resume(id string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[id]
	if !ok {
		if _, gone := m.expired[id]; gone {
			return State{}, errors.Wrapf(ErrSessionExpired, "resume %s", id)
		}
		return State{}, errors.Wrapf(ErrSessionNotFound, "resume %s", id)
	}
	if m.expiredLocked(st) {
		m.removeLocked(id, true)
		return State{}, errors.Wrapf(ErrSessionExpired, "resume %s", id)
	}
	return *st, nil
}

// SendReply enqueues reply for id. It returns true iff the session's reply
// queue exists.
func (m *Manager) SendReply(id, reply string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[id]
	if !ok {
		return false
	}
	q.replies = append(q.replies, reply)
	q.notify()
	log.Info().Str("session_id", id).Msg("session reply queued")
	return true
}

// WaitForReply blocks until a reply for id is available. A non-positive
// timeout waits without limit. Replies sent before the wait are delivered
// in FIFO order.
func (m *Manager) WaitForReply(ctx context.Context, id string, timeout time.Duration) (string, error) {
	m.mu.Lock()
	q, ok := m.queues[id]
	if !ok {
		_, gone := m.expired[id]
		m.mu.Unlock()
		if gone {
			return "", errors.Wrapf(ErrSessionExpired, "wait reply %s", id)
		}
		return "", errors.Wrapf(ErrSessionNotFound, "wait reply %s", id)
	}
	if reply, ok := m.popLocked(q); ok {
		m.mu.Unlock()
		return reply, nil
	}
	m.mu.Unlock()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	for {
		select {
		case <-q.signal:
			m.mu.Lock()
			reply, ok := m.popLocked(q)
			m.mu.Unlock()
			if ok {
				return reply, nil
			}
		case <-q.done:
			return "", errors.Wrapf(ErrSessionExpired, "wait reply %s", id)
		case <-timeoutC:
			return "", errors.Wrapf(ErrReplyTimeout, "wait reply %s", id)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (m *Manager) popLocked(q *replyQueue) (string, bool) {
	if len(q.replies) == 0 {
		return "", false
	}
	reply := q.replies[0]
	q.replies = q.replies[1:]
	if len(q.replies) > 0 {
		q.notify()
	}
	return reply, true
}

// Delete removes id. It returns false when the session did not exist.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	m.removeLocked(id, false)
	if ok {
		log.Debug().Str("session_id", id).Msg("session deleted")
	}
	return ok
}

// CleanupExpired removes every session past its TTL and returns how many
// were removed.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, st := range m.sessions {
		if m.expiredLocked(st) {
			m.removeLocked(id, true)
			removed++
		}
	}
	cutoff := m.now().Add(-m.ttl)
	for id, at := range m.expired {
		if at.Before(cutoff) {
			delete(m.expired, id)
		}
	}
	if removed > 0 {
		log.Info().Int("count", removed).Msg("expired sessions cleaned")
	}
	return removed
}

// Count returns the number of stored sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StartSweeper runs CleanupExpired every interval until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CleanupExpired()
			}
		}
	}()
}

func (m *Manager) expiredLocked(st *State) bool {
	return m.now().Sub(st.CreatedAt) > m.ttl
}

// removeLocked drops id and wakes any waiter. Expired removals leave a
// tombstone so later lookups can tell expiry apart from an unknown id.
func (m *Manager) removeLocked(id string, tombstone bool) {
	delete(m.sessions, id)
	if q, ok := m.queues[id]; ok {
		close(q.done)
		delete(m.queues, id)
	}
	if tombstone {
		m.expired[id] = m.now()
		log.Info().Str("session_id", id).Msg("session expired")
	}
}
