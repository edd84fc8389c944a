package tasks

import (
	"strings"
	"time"
)

// StopReasonNeedsReply marks a result whose worker is suspended waiting for a
// human reply.
const StopReasonNeedsReply = "INFO_ACTION_NEEDS_REPLY"

// Mode selects how a worker handles takeover requests.
type Mode string

const (
	// ModeSync suspends the worker and hands a session id back to a live caller.
	ModeSync Mode = "sync"
	// ModeAsync records takeover markers in the durable mailbox and polls for an exit marker.
	ModeAsync Mode = "async"
)

// Task is one device–instruction pair.
type Task struct {
	DeviceID    string `json:"device_id"`
	Instruction string `json:"instruction"`
	Role        string `json:"role,omitempty"`
	AppPackage  string `json:"app_package,omitempty"`
}

// Batch carries the identifiers shared by every task of one submit call.
type Batch struct {
	TaskID   string `json:"task_id,omitempty"`
	CallerID string `json:"caller_id,omitempty"`
	Keyword  string `json:"keyword,omitempty"`
	Mode     Mode   `json:"mode,omitempty"`
}

// EffectiveMode defaults an empty mode to sync.
func (b Batch) EffectiveMode() Mode {
	if b.Mode == "" {
		return ModeSync
	}
	return b.Mode
}

// Result is produced by a worker. A suspended worker produces two results:
// the NEEDS_REPLY one and, after resumption, its final one.
type Result struct {
	DeviceID    string        `json:"device_id"`
	Instruction string        `json:"instruction"`
	Role        string        `json:"role,omitempty"`
	Success     bool          `json:"success"`
	Payload     string        `json:"payload,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	SessionID   string        `json:"session_id,omitempty"`
	StopReason  string        `json:"stop_reason,omitempty"`
}

// NeedsReply reports whether the result is a takeover hand-off.
func (r Result) NeedsReply() bool {
	return r.StopReason == StopReasonNeedsReply
}

// RoleOrDefault returns the task role, falling back to "unknown".
func (t Task) RoleOrDefault() string {
	if role := strings.TrimSpace(t.Role); role != "" {
		return role
	}
	return "unknown"
}

// FailedResult builds an error result for t.
func FailedResult(t Task, startedAt time.Time, msg string) Result {
	return Result{
		DeviceID:    t.DeviceID,
		Instruction: t.Instruction,
		Role:        t.Role,
		Success:     false,
		Error:       msg,
		Duration:    time.Since(startedAt),
	}
}

// DistinctDevices returns device ids in first-seen order.
func DistinctDevices(list []Task) []string {
	seen := make(map[string]struct{}, len(list))
	result := make([]string, 0, len(list))
	for _, t := range list {
		id := strings.TrimSpace(t.DeviceID)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	return result
}
