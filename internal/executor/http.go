package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultMaxSteps    = 100
	httpMaxAttempts    = 3
	httpInitialBackoff = 500 * time.Millisecond
	httpMaxBackoff     = 5 * time.Second

	TerminatedText = "task terminated"
	MaxStepsText   = "max steps reached"
)

// HTTPExecutor drives a remote agent service one step at a time over
// POST /v1/execute.
type HTTPExecutor struct {
	cfg    Config
	client *http.Client
}

type stepRequest struct {
	Token       string `json:"token,omitempty"`
	DeviceID    string `json:"device_id"`
	Role        string `json:"role,omitempty"`
	AppPackage  string `json:"app_package,omitempty"`
	Instruction string `json:"instruction,omitempty"`
	Model       string `json:"model,omitempty"`
	Lang        string `json:"lang,omitempty"`
	Step        int    `json:"step"`
}

type stepResponse struct {
	Token    string `json:"token"`
	Finished bool   `json:"finished"`
	Takeover bool   `json:"takeover"`
	Message  string `json:"message"`
	Error    string `json:"error"`
}

// NewHTTPExecutor validates cfg and returns the executor. client may be nil.
func NewHTTPExecutor(cfg Config, client *http.Client) (*HTTPExecutor, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("http executor: base url is empty")
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPExecutor{cfg: cfg, client: client}, nil
}

// Execute runs instruction until the service reports completion, a takeover
// suspends the run, or the step budget is spent.
func (e *HTTPExecutor) Execute(ctx context.Context, dev Device, instruction string, caps Capabilities) (Outcome, error) {
	if caps == nil {
		caps = NopCapabilities{}
	}
	req := stepRequest{
		DeviceID:    dev.Serial,
		Role:        dev.Role,
		AppPackage:  dev.AppPackage,
		Instruction: instruction,
		Model:       e.cfg.Model,
		Lang:        e.cfg.Lang,
	}
	for step := 0; step < e.cfg.MaxSteps; step++ {
		if step > 0 && !caps.TakeoverCleared(ctx) {
			log.Info().Str("serial", dev.Serial).Int("step", step).Msg("executor terminated by batch completion")
			return Outcome{Text: TerminatedText}, nil
		}
		req.Step = step
		resp, err := e.post(ctx, req)
		if err != nil {
			return Outcome{}, &ExecutorError{Executor: DefaultName, Err: err}
		}
		if resp.Error != "" {
			return Outcome{}, &ExecutorError{Executor: DefaultName, Err: errors.New(resp.Error)}
		}
		req.Token = resp.Token
		req.Instruction = ""

		if resp.Takeover {
			if !caps.RequestTakeover(ctx, resp.Message) {
				return Outcome{Takeover: &TakeoverRequired{Message: resp.Message}}, nil
			}
			continue
		}
		if resp.Finished {
			text := resp.Message
			if text == "" {
				text = "task completed"
			}
			return Outcome{Text: text}, nil
		}
	}
	return Outcome{Text: MaxStepsText}, nil
}

func (e *HTTPExecutor) post(ctx context.Context, body stepRequest) (stepResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return stepResponse{}, errors.Wrap(err, "marshal step request")
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = httpInitialBackoff
	bo.MaxInterval = httpMaxBackoff

	operation := func() (stepResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/v1/execute", bytes.NewReader(payload))
		if err != nil {
			return stepResponse{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if e.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
		}
		resp, err := e.client.Do(req)
		if err != nil {
			return stepResponse{}, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return stepResponse{}, err
		}
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return stepResponse{}, fmt.Errorf("agent service status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return stepResponse{}, backoff.Permanent(fmt.Errorf("agent service status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
		}
		var out stepResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return stepResponse{}, backoff.Permanent(errors.Wrap(err, "decode step response"))
		}
		return out, nil
	}

	out, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(httpMaxAttempts))
	if err != nil {
		return stepResponse{}, errors.Wrapf(err, "execute step %d on %s", body.Step, body.DeviceID)
	}
	return out, nil
}
