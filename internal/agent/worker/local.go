package worker

import (
	"context"

	"github.com/httprunner/PhoneFleet/internal/agent/session"
)

// LocalSessions adapts a session.Manager owned by the same process.
type LocalSessions struct {
	Manager *session.Manager
}

func (l LocalSessions) Save(_ context.Context, id string, state session.State) error {
	l.Manager.Save(id, state)
	return nil
}

func (l LocalSessions) WaitForReply(ctx context.Context, id string) (string, error) {
	return l.Manager.WaitForReply(ctx, id, 0)
}

func (l LocalSessions) Delete(_ context.Context, id string) error {
	l.Manager.Delete(id)
	return nil
}
