package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

type stubCaps struct {
	proceed   bool
	cleared   bool
	requested []string
}

func (c *stubCaps) RequestTakeover(ctx context.Context, message string) bool {
	c.requested = append(c.requested, message)
	return c.proceed
}

func (c *stubCaps) TakeoverCleared(ctx context.Context) bool { return c.cleared }

func newStepServer(t *testing.T, steps []stepResponse, calls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/execute" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req stepRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n := atomic.AddInt32(calls, 1)
		idx := int(n) - 1
		if idx >= len(steps) {
			idx = len(steps) - 1
		}
		_ = json.NewEncoder(w).Encode(steps[idx])
	}))
}

func TestHTTPExecutorFinishes(t *testing.T) {
	var calls int32
	srv := newStepServer(t, []stepResponse{{Token: "t1"}, {Token: "t1", Finished: true, Message: "price 42"}}, &calls)
	defer srv.Close()

	exec, err := NewHTTPExecutor(Config{BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	out, err := exec.Execute(context.Background(), Device{Serial: "d1"}, "search", &stubCaps{cleared: true})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Suspended() || out.Text != "price 42" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if calls != 2 {
		t.Fatalf("expected 2 steps, got %d", calls)
	}
}

func TestHTTPExecutorSuspendsOnTakeover(t *testing.T) {
	var calls int32
	srv := newStepServer(t, []stepResponse{{Takeover: true, Message: "login required"}}, &calls)
	defer srv.Close()

	exec, _ := NewHTTPExecutor(Config{BaseURL: srv.URL}, nil)
	caps := &stubCaps{cleared: true}
	out, err := exec.Execute(context.Background(), Device{Serial: "d1"}, "search", caps)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !out.Suspended() || out.Takeover.Message != "login required" {
		t.Fatalf("expected suspended outcome, got %+v", out)
	}
	if len(caps.requested) != 1 {
		t.Fatalf("expected one takeover request, got %v", caps.requested)
	}
}

func TestHTTPExecutorProceedsWhenGranted(t *testing.T) {
	var calls int32
	srv := newStepServer(t, []stepResponse{{Takeover: true, Message: "captcha"}, {Finished: true}}, &calls)
	defer srv.Close()

	exec, _ := NewHTTPExecutor(Config{BaseURL: srv.URL}, nil)
	out, err := exec.Execute(context.Background(), Device{Serial: "d1"}, "search", &stubCaps{proceed: true, cleared: true})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Suspended() || out.Text != "task completed" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestHTTPExecutorTerminatesWhenBatchCompleted(t *testing.T) {
	var calls int32
	srv := newStepServer(t, []stepResponse{{Token: "t"}}, &calls)
	defer srv.Close()

	exec, _ := NewHTTPExecutor(Config{BaseURL: srv.URL}, nil)
	out, err := exec.Execute(context.Background(), Device{Serial: "d1"}, "search", &stubCaps{cleared: false})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Text != TerminatedText || calls != 1 {
		t.Fatalf("expected termination after first step, got %+v calls=%d", out, calls)
	}
}

func TestHTTPExecutorMaxSteps(t *testing.T) {
	var calls int32
	srv := newStepServer(t, []stepResponse{{Token: "t"}}, &calls)
	defer srv.Close()

	exec, _ := NewHTTPExecutor(Config{BaseURL: srv.URL, MaxSteps: 3}, nil)
	out, err := exec.Execute(context.Background(), Device{Serial: "d1"}, "search", &stubCaps{cleared: true})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Text != MaxStepsText || calls != 3 {
		t.Fatalf("unexpected outcome %+v calls=%d", out, calls)
	}
}

func TestHTTPExecutorRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(stepResponse{Finished: true, Message: "ok"})
	}))
	defer srv.Close()

	exec, _ := NewHTTPExecutor(Config{BaseURL: srv.URL}, nil)
	out, err := exec.Execute(context.Background(), Device{Serial: "d1"}, "search", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Text != "ok" || calls != 3 {
		t.Fatalf("unexpected outcome %+v calls=%d", out, calls)
	}
}

func TestHTTPExecutorClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	exec, _ := NewHTTPExecutor(Config{BaseURL: srv.URL}, nil)
	_, err := exec.Execute(context.Background(), Device{Serial: "d1"}, "search", nil)
	var execErr *ExecutorError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutorError, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("client errors must not be retried, got %d calls", calls)
	}
}

func TestRegistry(t *testing.T) {
	if _, err := New(Config{Name: "missing"}); err == nil {
		t.Fatalf("unknown executor should fail")
	}
	if _, err := New(Config{}); err == nil {
		t.Fatalf("default http executor without base url should fail")
	}
	Register("Echo", func(cfg Config) (Executor, error) { return nil, nil })
	found := false
	for _, name := range Names() {
		if name == "echo" {
			found = true
		}
	}
	if !found {
		t.Fatalf("registered names should be normalized: %v", Names())
	}
}
