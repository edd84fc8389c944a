package dispatch

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/PhoneFleet/internal/agent/session"
	"github.com/httprunner/PhoneFleet/internal/agent/tasks"
	"github.com/httprunner/PhoneFleet/internal/agent/worker"
	"github.com/httprunner/PhoneFleet/internal/executor"
)

// WorkerFactory builds the child-side worker once the start frame arrives.
type WorkerFactory func(execCfg executor.Config, sessions worker.Sessions) (*worker.Worker, error)

// ServeChild is the worker-process side of Process. It reads the start
// frame from r, runs the task and streams results to w.
func ServeChild(ctx context.Context, r io.Reader, w io.Writer, factory WorkerFactory) error {
	reader := newFrameReader(r)
	writer := newFrameWriter(w)

	start, err := reader.Next()
	if err != nil {
		return errors.Wrap(err, "worker: read start frame")
	}
	if start.Type != FrameStart || start.Task == nil {
		return errors.Errorf("worker: expected start frame, got %q", start.Type)
	}
	var batch tasks.Batch
	if start.Batch != nil {
		batch = *start.Batch
	}
	var execCfg executor.Config
	if start.Executor != nil {
		execCfg = *start.Executor
	}

	remote := newRemoteSessions(writer)
	go remote.route(reader)

	wk, err := factory(execCfg, remote)
	if err != nil {
		res := tasks.FailedResult(*start.Task, time.Now(), err.Error())
		return writer.Write(Frame{Type: FrameResult, Result: &res})
	}

	var sendErr error
	wk.Run(ctx, *start.Task, batch, func(res tasks.Result) {
		if err := writer.Write(Frame{Type: FrameResult, Result: &res}); err != nil && sendErr == nil {
			sendErr = err
		}
	})
	return sendErr
}

// remoteSessions forwards session calls to the parent process.
type remoteSessions struct {
	writer *frameWriter

	mu      sync.Mutex
	waiters map[string]chan Frame
	closed  chan struct{}
}

func newRemoteSessions(writer *frameWriter) *remoteSessions {
	return &remoteSessions{writer: writer, waiters: make(map[string]chan Frame), closed: make(chan struct{})}
}

func (s *remoteSessions) Save(_ context.Context, id string, state session.State) error {
	return s.writer.Write(Frame{Type: FrameSaveSession, SessionID: id, State: &state})
}

func (s *remoteSessions) Delete(_ context.Context, id string) error {
	return s.writer.Write(Frame{Type: FrameDeleteSession, SessionID: id})
}

func (s *remoteSessions) WaitForReply(ctx context.Context, id string) (string, error) {
	ch := make(chan Frame, 1)
	s.mu.Lock()
	s.waiters[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, id)
		s.mu.Unlock()
	}()

	if err := s.writer.Write(Frame{Type: FrameWaitReply, SessionID: id}); err != nil {
		return "", err
	}
	select {
	case f := <-ch:
		if f.Type == FrameExpired {
			log.Warn().Str("session_id", id).Str("reason", f.Error).Msg("worker: session gone while waiting")
			return "", errors.Wrapf(session.ErrSessionExpired, "wait reply %s", id)
		}
		return f.Reply, nil
	case <-s.closed:
		return "", errors.Errorf("wait reply %s: parent closed the stream", id)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// route delivers reply and expired frames to their waiters until the parent
// closes stdin.
func (s *remoteSessions) route(reader *frameReader) {
	defer close(s.closed)
	for {
		f, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Msg("worker: read parent frame failed")
			}
			return
		}
		if f.Type != FrameReply && f.Type != FrameExpired {
			log.Warn().Str("type", f.Type).Msg("worker: unexpected parent frame")
			continue
		}
		s.mu.Lock()
		ch, ok := s.waiters[f.SessionID]
		s.mu.Unlock()
		if !ok {
			log.Warn().Str("session_id", f.SessionID).Msg("worker: reply without waiter")
			continue
		}
		select {
		case ch <- f:
		default:
		}
	}
}
