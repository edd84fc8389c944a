package device

import (
	"context"
	"fmt"
	"time"
)

// ProbeState is the adb-level state reported for a serial.
type ProbeState string

const (
	ProbeDevice       ProbeState = "device"
	ProbeUnauthorized ProbeState = "unauthorized"
	ProbeOffline      ProbeState = "offline"
	ProbeAbsent       ProbeState = "absent"
)

// Provider performs raw device I/O. Implementations must be safe for
// concurrent use across different serials.
type Provider interface {
	Probe(ctx context.Context, serial string) (ProbeState, error)
	Connect(ctx context.Context, serial string) (bool, string)
	Disconnect(ctx context.Context, serial string) error
}

// Recorder 负责将设备状态快照同步到外部存储（SQLite）。
type Recorder interface {
	UpsertDevices(ctx context.Context, devices []Status) error
}

// State 描述设备连接状态机中的位置。
type State string

const (
	StateUnknown      State = "unknown"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateUnauthorized State = "unauthorized"
	StateOffline      State = "offline"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Status is a snapshot of one tracked device.
type Status struct {
	DeviceID       string    `json:"device_id"`
	Role           string    `json:"role,omitempty"`
	State          State     `json:"state"`
	Connected      bool      `json:"connected"`
	LastCheck      time.Time `json:"last_check"`
	ReconnectCount int       `json:"reconnect_count"`
	LastError      string    `json:"last_error,omitempty"`
}

// ConnectionError reports an unreachable or unauthorized device.
type ConnectionError struct {
	DeviceID string
	Reason   string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("device connection failed: %s: %s", e.DeviceID, e.Reason)
}

// LockTimeoutError reports a device whose lock could not be acquired in time.
type LockTimeoutError struct {
	DeviceID string
	Timeout  time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("acquire device lock %s timed out after %s", e.DeviceID, e.Timeout)
}

func stateFromProbe(p ProbeState) State {
	switch p {
	case ProbeDevice:
		return StateConnected
	case ProbeUnauthorized:
		return StateUnauthorized
	case ProbeOffline, ProbeAbsent:
		return StateOffline
	default:
		return StateUnknown
	}
}
