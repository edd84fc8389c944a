package main

import (
	"os"

	"github.com/spf13/cobra"

	phonefleet "github.com/httprunner/PhoneFleet"
)

// newWorkerCmd is re-executed by the process dispatcher, one process per task.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Serve one dispatched task over stdin/stdout",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return phonefleet.RunWorkerProcess(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
}
