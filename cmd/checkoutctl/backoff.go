package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/overdrive-yt/sportsdevil/internal/config"
)

// backoffCmd prints the retry schedules the service would run with, so a
// config change can be checked before it is deployed.
func backoffCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "backoff",
		Short: "Print the configured retry schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "COMPONENT\tATTEMPT\tDELAY\tELAPSED")

			var elapsed time.Duration
			for i := 1; i < cfg.Gateway.Confirm.MaxAttempts; i++ {
				d := cfg.Gateway.Confirm.Delay(i)
				elapsed += d
				fmt.Fprintf(tw, "confirm\t%d\t%s\t%s\n", i, d, elapsed)
			}
			elapsed = 0
			for i := 1; i < cfg.Reconciler.MaxAttempts; i++ {
				d := cfg.Reconciler.Delay(i)
				elapsed += d
				fmt.Fprintf(tw, "order\t%d\t%s\t%s\n", i, d, elapsed)
			}
			elapsed = 0
			for i := 1; i < cfg.Poller.MaxAttempts; i++ {
				d := cfg.Poller.Delay(i)
				if elapsed+d > cfg.Poller.MaxElapsed {
					fmt.Fprintf(tw, "poll\t%d\t-\tstops at %s\n", i, cfg.Poller.MaxElapsed)
					break
				}
				elapsed += d
				fmt.Fprintf(tw, "poll\t%d\t%s\t%s\n", i, d, elapsed)
			}
			return tw.Flush()
		},
	}
}
