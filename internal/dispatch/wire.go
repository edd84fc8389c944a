package dispatch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/httprunner/PhoneFleet/internal/agent/session"
	"github.com/httprunner/PhoneFleet/internal/agent/tasks"
	"github.com/httprunner/PhoneFleet/internal/executor"
)

// Frame types. Parent to child: start, reply, expired. Child to parent:
// result, save_session, wait_reply, delete_session.
const (
	FrameStart         = "start"
	FrameReply         = "reply"
	FrameExpired       = "expired"
	FrameResult        = "result"
	FrameSaveSession   = "save_session"
	FrameWaitReply     = "wait_reply"
	FrameDeleteSession = "delete_session"
)

// Frame is one JSON line exchanged with a worker process.
type Frame struct {
	Type      string           `json:"type"`
	Task      *tasks.Task      `json:"task,omitempty"`
	Batch     *tasks.Batch     `json:"batch,omitempty"`
	Executor  *executor.Config `json:"executor,omitempty"`
	Result    *tasks.Result    `json:"result,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	State     *session.State   `json:"state,omitempty"`
	Reply     string           `json:"reply,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// frameWriter serialises concurrent writers onto one stream.
type frameWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{enc: json.NewEncoder(w)}
}

func (fw *frameWriter) Write(f Frame) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if err := fw.enc.Encode(f); err != nil {
		return errors.Wrapf(err, "write %s frame", f.Type)
	}
	return nil
}

// frameReader decodes newline-delimited frames.
type frameReader struct {
	scanner *bufio.Scanner
}

func newFrameReader(r io.Reader) *frameReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8<<20)
	return &frameReader{scanner: scanner}
}

// Next returns io.EOF once the stream ends. Lines that are not JSON objects
// are skipped.
func (fr *frameReader) Next() (Frame, error) {
	for fr.scanner.Scan() {
		line := bytes.TrimSpace(fr.scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			return Frame{}, errors.Wrap(err, "decode frame")
		}
		return f, nil
	}
	if err := fr.scanner.Err(); err != nil {
		return Frame{}, errors.Wrap(err, "read frame")
	}
	return Frame{}, io.EOF
}
