package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-inquest/internal/config"
	"github.com/basket/go-inquest/internal/doctor"
)

func newDoctorCmd(c *cli) *cobra.Command {
	var network bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, credentials, storage and prompts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.home != "" {
				if err := os.Setenv("INQUEST_HOME", c.home); err != nil {
					return err
				}
			}
			// A broken config is something to diagnose, not a reason to stop.
			cfg, loadErr := config.Load()
			diag := doctor.Run(cmd.Context(), &cfg, Version, doctor.Options{Network: network, LoadErr: loadErr})

			if c.jsonOut {
				if err := printJSON(c.out, diag); err != nil {
					return err
				}
			} else {
				printDiagnosis(c, diag)
			}
			if diag.Failed() {
				return errors.New("doctor found failing checks")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&network, "network", false, "also resolve the reasoning provider hosts")
	return cmd
}

func printDiagnosis(c *cli, diag doctor.Diagnosis) {
	fmt.Fprintf(c.out, "inquest doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(c.out, "System: %s/%s (%s), inquest %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(c.out, "---")
	for _, res := range diag.Results {
		fmt.Fprintf(c.out, "[%s] %-12s %s\n", res.Status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(c.out, "       %s\n", res.Detail)
		}
	}
}
