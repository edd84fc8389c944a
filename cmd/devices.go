package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	phonefleet "github.com/httprunner/PhoneFleet"
)

func newDevicesCmd() *cobra.Command {
	var flagCheck bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List adb devices and their health state",
		Long:  "Discovers adb devices (filtered by PHONEFLEET_DEVICE_ALLOWLIST), optionally runs one health pass, and prints the device snapshot as JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := phonefleet.NewRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if _, err := rt.DiscoverDevices(ctx); err != nil {
				return err
			}
			if flagCheck {
				rt.Devices.CheckOnce(ctx)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rt.Orchestrator.DeviceStatuses())
		},
	}
	cmd.Flags().BoolVar(&flagCheck, "check", false, "probe every device once (reconnecting if needed) before printing")
	return cmd
}
