package dispatch

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/PhoneFleet/internal/agent/session"
	"github.com/httprunner/PhoneFleet/internal/agent/tasks"
	"github.com/httprunner/PhoneFleet/internal/executor"
)

// Process runs every task in its own OS process by re-executing a worker
// binary. The parent owns the session manager; the child reaches it only
// through frames.
type Process struct {
	// Binary defaults to the running executable.
	Binary string
	// Args default to ["worker"].
	Args []string
	// Env is appended to the parent environment.
	Env      []string
	Sessions *session.Manager
	Executor executor.Config
	// Stderr receives child logs, os.Stderr by default.
	Stderr io.Writer
}

// Dispatch starts the child and pumps its frames until it exits. The child
// is not bound to ctx: a suspended worker keeps running after the caller
// returns, and ctx only bounds reply waits served on its behalf.
func (p *Process) Dispatch(ctx context.Context, req Request, out chan<- tasks.Result) (Handle, error) {
	if p.Sessions == nil {
		return nil, errors.New("process dispatcher: session manager is nil")
	}
	bin := p.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, errors.Wrap(err, "process dispatcher: resolve executable")
		}
		bin = exe
	}
	args := p.Args
	if len(args) == 0 {
		args = []string{"worker"}
	}

	cmd := exec.Command(bin, args...)
	cmd.Env = append(os.Environ(), p.Env...)
	if p.Stderr != nil {
		cmd.Stderr = p.Stderr
	} else {
		cmd.Stderr = os.Stderr
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "process dispatcher: stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "process dispatcher: stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "process dispatcher: start worker for %s", req.Task.DeviceID)
	}

	task, batch, execCfg := req.Task, req.Batch, p.Executor
	writer := newFrameWriter(stdin)
	if err := writer.Write(Frame{Type: FrameStart, Task: &task, Batch: &batch, Executor: &execCfg}); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, errors.Wrapf(err, "process dispatcher: start frame for %s", req.Task.DeviceID)
	}
	log.Debug().Str("serial", task.DeviceID).Int("pid", cmd.Process.Pid).Msg("worker process started")

	h := newHandle()
	go func() {
		defer close(h.done)
		start := time.Now()
		emitted := p.pump(ctx, task, newFrameReader(stdout), writer, out)
		_ = stdin.Close()
		waitErr := cmd.Wait()
		if emitted == 0 {
			reason := "worker exited without a result"
			if waitErr != nil {
				reason = fmt.Sprintf("worker exited without a result: %v", waitErr)
			}
			log.Error().Str("serial", task.DeviceID).Msg(reason)
			out <- tasks.FailedResult(task, start, reason)
			return
		}
		if waitErr != nil {
			log.Warn().Err(waitErr).Str("serial", task.DeviceID).Msg("worker process exited abnormally")
		}
	}()
	return h, nil
}

// pump serves child frames until EOF and returns how many results it forwarded.
func (p *Process) pump(ctx context.Context, task tasks.Task, reader *frameReader, writer *frameWriter, out chan<- tasks.Result) int {
	emitted := 0
	for {
		f, err := reader.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Str("serial", task.DeviceID).Msg("worker stream broken")
			}
			return emitted
		}
		switch f.Type {
		case FrameResult:
			if f.Result != nil {
				emitted++
				out <- *f.Result
			}
		case FrameSaveSession:
			if f.State != nil {
				p.Sessions.Save(f.SessionID, *f.State)
			}
		case FrameDeleteSession:
			p.Sessions.Delete(f.SessionID)
		case FrameWaitReply:
			go p.serveReply(ctx, f.SessionID, writer)
		default:
			log.Warn().Str("type", f.Type).Str("serial", task.DeviceID).Msg("unexpected worker frame")
		}
	}
}

func (p *Process) serveReply(ctx context.Context, id string, writer *frameWriter) {
	reply, err := p.Sessions.WaitForReply(ctx, id, 0)
	frame := Frame{Type: FrameReply, SessionID: id, Reply: reply}
	if err != nil {
		frame = Frame{Type: FrameExpired, SessionID: id, Error: err.Error()}
	}
	if werr := writer.Write(frame); werr != nil {
		log.Warn().Err(werr).Str("session_id", id).Msg("deliver reply to worker failed")
	}
}
