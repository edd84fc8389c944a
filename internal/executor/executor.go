package executor

import (
	"context"
	"fmt"
)

// Device identifies the device an executor drives.
type Device struct {
	Serial     string `json:"serial"`
	Role       string `json:"role,omitempty"`
	AppPackage string `json:"app_package,omitempty"`
}

// Capabilities are the hooks an executor may call while running.
type Capabilities interface {
	// RequestTakeover asks for human intervention. It returns true when the
	// executor may proceed and false when it must suspend.
	RequestTakeover(ctx context.Context, message string) bool
	// TakeoverCleared is polled before each step; false means terminate.
	TakeoverCleared(ctx context.Context) bool
}

// Outcome is the result of one Execute call. A non-nil Takeover marks a
// suspended run.
type Outcome struct {
	Text     string
	Takeover *TakeoverRequired
}

// Suspended reports whether the run stopped for human intervention.
func (o Outcome) Suspended() bool {
	return o.Takeover != nil
}

// Executor runs one natural-language instruction against a device.
type Executor interface {
	Execute(ctx context.Context, dev Device, instruction string, caps Capabilities) (Outcome, error)
}

// Config is the serializable executor snapshot saved with suspended sessions.
type Config struct {
	Name     string `json:"name"`
	BaseURL  string `json:"base_url,omitempty"`
	Model    string `json:"model,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Lang     string `json:"lang,omitempty"`
	MaxSteps int    `json:"max_steps,omitempty"`
}

// TakeoverRequired signals that the executor stopped and needs a human.
type TakeoverRequired struct {
	SessionID string
	Message   string
}

func (e *TakeoverRequired) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("takeover required: %s", e.Message)
	}
	return fmt.Sprintf("takeover required (session %s): %s", e.SessionID, e.Message)
}

// ExecutorError wraps a failure raised by the executor. Its message is the
// underlying error text, unchanged.
type ExecutorError struct {
	Executor string
	Err      error
}

func (e *ExecutorError) Error() string {
	if e.Err == nil {
		return "executor failed"
	}
	return e.Err.Error()
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// NopCapabilities never grants a takeover and never terminates.
type NopCapabilities struct{}

func (NopCapabilities) RequestTakeover(context.Context, string) bool { return false }
func (NopCapabilities) TakeoverCleared(context.Context) bool         { return true }
