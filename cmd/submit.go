package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	phonefleet "github.com/httprunner/PhoneFleet"
	"github.com/httprunner/PhoneFleet/internal/storage"
)

type submitFile struct {
	phonefleet.Batch
	Tasks []phonefleet.Task `json:"tasks"`
}

func newSubmitCmd() *cobra.Command {
	var (
		flagFile        string
		flagDevices     []string
		flagInstruction string
		flagRole        string
		flagApp         string
		flagTaskID      string
		flagCaller      string
		flagKeyword     string
		flagAsync       bool
		flagInteractive bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Run one batch of tasks and print the results as JSON",
		Long: `Runs tasks in parallel, one worker process per task. Tasks come from --file
({"task_id":..., "tasks":[{"device_id":..., "instruction":...}]}) or from
--device/--instruction. With --interactive, takeover requests are answered on stdin and the
command waits for the resumed tasks before printing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			req, err := loadSubmitRequest(flagFile)
			if err != nil {
				return err
			}
			for _, serial := range flagDevices {
				req.Tasks = append(req.Tasks, phonefleet.Task{
					DeviceID:    serial,
					Instruction: flagInstruction,
					Role:        flagRole,
					AppPackage:  flagApp,
				})
			}
			if flagTaskID != "" {
				req.TaskID = flagTaskID
			}
			if req.TaskID == "" {
				req.TaskID = fmt.Sprintf("cli-%d", time.Now().Unix())
			}
			if flagCaller != "" {
				req.CallerID = flagCaller
			}
			if flagKeyword != "" {
				req.Keyword = flagKeyword
			}
			if flagAsync {
				req.Mode = phonefleet.ModeAsync
			}

			rt, err := phonefleet.NewRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			if flagInteractive {
				// sessions parked for takeover expire while the operator decides
				rt.Orchestrator.StartSessionSweeper(ctx, rt.SweepInterval)
			}

			results, err := rt.Orchestrator.Submit(ctx, req.Tasks, req.Batch)
			if err != nil {
				return err
			}
			if flagInteractive && hasTakeover(results) {
				if results, err = superviseTakeovers(ctx, rt, req.TaskID); err != nil {
					return err
				}
			}
			if req.Mode == phonefleet.ModeAsync {
				if err := rt.Orchestrator.CompleteBatch(ctx, req.TaskID); err != nil {
					log.Warn().Err(err).Msg("write completed marker failed")
				}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}
	cmd.Flags().StringVarP(&flagFile, "file", "f", "", "JSON batch file, - for stdin")
	cmd.Flags().StringSliceVarP(&flagDevices, "device", "d", nil, "device serial, repeatable")
	cmd.Flags().StringVarP(&flagInstruction, "instruction", "i", "", "instruction for every --device")
	cmd.Flags().StringVar(&flagRole, "role", "", "app role, e.g. jd or taobao")
	cmd.Flags().StringVar(&flagApp, "app", "", "app package launched before the task")
	cmd.Flags().StringVar(&flagTaskID, "task-id", "", "batch task id (default cli-<unix>)")
	cmd.Flags().StringVar(&flagCaller, "caller", "", "caller id")
	cmd.Flags().StringVar(&flagKeyword, "keyword", "", "batch keyword")
	cmd.Flags().BoolVar(&flagAsync, "async", false, "record takeovers in the mailbox instead of suspending")
	cmd.Flags().BoolVar(&flagInteractive, "interactive", false, "answer takeover requests on stdin")
	return cmd
}

func loadSubmitRequest(path string) (submitFile, error) {
	var req submitFile
	path = strings.TrimSpace(path)
	if path == "" {
		return req, nil
	}
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return req, errors.Wrapf(err, "read batch file %s", path)
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, errors.Wrapf(err, "decode batch file %s", path)
	}
	return req, nil
}

func hasTakeover(results []phonefleet.Result) bool {
	for _, res := range results {
		if res.NeedsReply() {
			return true
		}
	}
	return false
}

// superviseTakeovers answers every takeover of taskID on stdin, including
// ones raised after a resume, until all workers exited. It returns the final
// result of each task as recorded in storage.
func superviseTakeovers(ctx context.Context, rt *phonefleet.Runtime, taskID string) ([]phonefleet.Result, error) {
	done := make(chan struct{})
	go func() {
		rt.Orchestrator.Wait()
		close(done)
	}()

	in := bufio.NewScanner(os.Stdin)
	answered := make(map[int64]bool)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		records, err := rt.Results.ListResults(ctx, taskID)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if !rec.Result.NeedsReply() || answered[rec.ID] {
				continue
			}
			answered[rec.ID] = true
			res := rec.Result
			fmt.Fprintf(os.Stderr, "[%s] %s needs a human: %s\nreply> ", res.DeviceID, res.SessionID, res.Payload)
			if !in.Scan() {
				return nil, errors.New("stdin closed while a takeover is pending")
			}
			if !rt.Orchestrator.SendReply(res.SessionID, strings.TrimSpace(in.Text())) {
				log.Warn().Str("session_id", res.SessionID).Msg("session already gone")
			}
		}
		select {
		case <-done:
			return finalResults(records), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func finalResults(records []storage.ResultRecord) []phonefleet.Result {
	out := make([]phonefleet.Result, 0, len(records))
	for _, rec := range records {
		if !rec.Result.NeedsReply() {
			out = append(out, rec.Result)
		}
	}
	return out
}
