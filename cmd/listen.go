package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	phonefleet "github.com/httprunner/PhoneFleet"
)

func newListenCmd() *cobra.Command {
	var (
		flagPollInterval time.Duration
		flagBatchLimit   int
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Poll the task backlog and run queued batches in async mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := phonefleet.NewRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			opts := phonefleet.ServeOptionsFromEnv()
			opts.Listen = true
			if flagPollInterval > 0 {
				opts.Listener.PollInterval = flagPollInterval
			}
			if flagBatchLimit > 0 {
				opts.Listener.BatchLimit = flagBatchLimit
			}
			log.Info().Str("db", rt.DB.Path()).Msg("backlog listener running")
			return shutdownResult(rt.Serve(ctx, opts))
		},
	}
	cmd.Flags().DurationVar(&flagPollInterval, "poll-interval", 0, "backlog poll interval (default 5s)")
	cmd.Flags().IntVar(&flagBatchLimit, "batch-limit", 0, "max batches claimed per poll (default 10)")
	return cmd
}
