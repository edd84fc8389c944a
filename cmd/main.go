package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/httprunner/PhoneFleet/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "phonefleet",
	Short: "Run AI-driven tasks on a fleet of Android devices",
	Long: `phonefleet dispatches device tasks in parallel, one worker process per task, keeps adb
connections healthy and hands tasks over to a human when the executor asks for it.`,
	SilenceUsage: true,
}

var flagVerbose bool

func init() {
	// stdout carries worker frames, so logs always go to stderr
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logs")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if flagVerbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
	}
	rootCmd.AddCommand(
		newSubmitCmd(),
		newServeCmd(),
		newListenCmd(),
		newDevicesCmd(),
		newWorkerCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("phonefleet command failed")
	}
}
