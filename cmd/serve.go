package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	phonefleet "github.com/httprunner/PhoneFleet"
	"github.com/httprunner/PhoneFleet/internal/env"
)

func newServeCmd() *cobra.Command {
	var (
		flagAddr   string
		flagListen bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API, device health monitor and session sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := flagAddr
			if addr == "" {
				addr = env.String(phonefleet.EnvAPIAddr, phonefleet.DefaultAPIAddr)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := phonefleet.NewRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			opts := phonefleet.ServeOptionsFromEnv()
			opts.APIAddr = addr
			opts.Listen = flagListen
			log.Info().Str("addr", addr).Bool("listen", flagListen).Msg("phonefleet serving")
			return shutdownResult(rt.Serve(ctx, opts))
		},
	}
	cmd.Flags().StringVar(&flagAddr, "addr", "", "listen address, overrides $PHONEFLEET_API_ADDR")
	cmd.Flags().BoolVar(&flagListen, "listen", false, "also run the backlog listener")
	return cmd
}

// shutdownResult treats an interrupt that outlived the grace period as a
// normal exit.
func shutdownResult(err error) error {
	if errors.Is(err, context.Canceled) {
		log.Warn().Msg("shutdown grace elapsed, exiting with loops still running")
		return nil
	}
	return err
}
