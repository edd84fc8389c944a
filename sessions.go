package phonefleet

import (
	"context"
	"time"
)

// AcquireDevice takes the exclusive lock for serial outside of Submit.
func (o *Orchestrator) AcquireDevice(ctx context.Context, serial string, timeout time.Duration) bool {
	return o.devices.Acquire(ctx, serial, timeout)
}

// ReleaseDevice frees a lock taken with AcquireDevice.
func (o *Orchestrator) ReleaseDevice(serial string) {
	o.devices.Release(serial)
}

// StartHealthMonitor starts the background device health loop.
func (o *Orchestrator) StartHealthMonitor(ctx context.Context) {
	o.devices.StartHealthMonitor(ctx)
}

// StopHealthMonitor stops the health loop.
func (o *Orchestrator) StopHealthMonitor() {
	o.devices.StopHealthMonitor()
}

// DeviceStatuses returns the current snapshot of tracked devices.
func (o *Orchestrator) DeviceStatuses() []DeviceStatus {
	return o.devices.Snapshot()
}

// DeviceForRole resolves the device tracked for an app role.
func (o *Orchestrator) DeviceForRole(role string) (string, bool) {
	return o.devices.DeviceForRole(role)
}

func (o *Orchestrator) SaveSession(id string, state SessionState) {
	o.sessions.Save(id, state)
}

func (o *Orchestrator) GetSession(id string) (SessionState, bool) {
	return o.sessions.Get(id)
}

// ResumeSession is GetSession with ErrSessionExpired for expired ids.
func (o *Orchestrator) ResumeSession(id string) (SessionState, error) {
	return o.sessions.Resume(id)
}

// SendReply delivers a human reply to a suspended task.
func (o *Orchestrator) SendReply(id, reply string) bool {
	return o.sessions.SendReply(id, reply)
}

func (o *Orchestrator) WaitForReply(ctx context.Context, id string, timeout time.Duration) (string, error) {
	return o.sessions.WaitForReply(ctx, id, timeout)
}

func (o *Orchestrator) DeleteSession(id string) bool {
	return o.sessions.Delete(id)
}

func (o *Orchestrator) SessionCount() int {
	return o.sessions.Count()
}

func (o *Orchestrator) CleanupExpiredSessions() int {
	return o.sessions.CleanupExpired()
}

// StartSessionSweeper removes expired sessions every interval until ctx ends.
func (o *Orchestrator) StartSessionSweeper(ctx context.Context, interval time.Duration) {
	o.sessions.StartSweeper(ctx, interval)
}

// CompleteBatch writes the batch-level completed marker so async workers
// still running for taskID terminate at their next step.
func (o *Orchestrator) CompleteBatch(ctx context.Context, taskID string) error {
	if o.mailbox == nil {
		return nil
	}
	return o.mailbox.WriteMarker(ctx, taskID, "", MarkerCompleted)
}

// WriteMarker lets an operator surface record takeover exits.
func (o *Orchestrator) WriteMarker(ctx context.Context, taskID, role string, kind MarkerKind) error {
	if o.mailbox == nil {
		return errNoMailbox
	}
	return o.mailbox.WriteMarker(ctx, taskID, role, kind)
}
