package phonefleet

import (
	"github.com/httprunner/PhoneFleet/internal/agent/device"
	"github.com/httprunner/PhoneFleet/internal/agent/session"
	"github.com/httprunner/PhoneFleet/internal/agent/tasks"
	"github.com/httprunner/PhoneFleet/internal/executor"
	"github.com/httprunner/PhoneFleet/internal/mailbox"
)

// Public aliases so callers can depend on the root package only.
type (
	Task         = tasks.Task
	Batch        = tasks.Batch
	Result       = tasks.Result
	Mode         = tasks.Mode
	DeviceStatus = device.Status
	DeviceState  = device.State
	SessionState = session.State
	MarkerKind   = mailbox.Kind

	ExecutorConfig   = executor.Config
	LockTimeoutError = device.LockTimeoutError
	ConnectionError  = device.ConnectionError
	TakeoverRequired = executor.TakeoverRequired
	ExecutorError    = executor.ExecutorError
)

const (
	ModeSync             = tasks.ModeSync
	ModeAsync            = tasks.ModeAsync
	StopReasonNeedsReply = tasks.StopReasonNeedsReply

	MarkerTakeover     = mailbox.KindTakeover
	MarkerTakeoverExit = mailbox.KindTakeoverExit
	MarkerCompleted    = mailbox.KindCompleted
)

var (
	ErrSessionExpired  = session.ErrSessionExpired
	ErrSessionNotFound = session.ErrSessionNotFound
	ErrReplyTimeout    = session.ErrReplyTimeout
)
