package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/go-inquest/internal/orchestrator"
	"github.com/basket/go-inquest/internal/persistence"
	"github.com/basket/go-inquest/internal/tui"
)

func newScanCmd(c *cli) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run every enabled directive and persist the findings",
		Long: `Starts a proactive scan. The scan id is printed as soon as the record
exists so another shell can poll it with "inquest scan status <id>". With
--wait the live progress and the final record are shown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			started, err := a.orchestrator.StartScan(ctx, orchestrator.TriggerManual)
			if err != nil {
				return err
			}
			if wait && c.interactive() {
				watch := func(context.Context) (string, error) {
					a.orchestrator.Wait()
					return "", nil
				}
				// Interrupting stops the view; the scan still finishes before exit.
				if _, err := tui.Run(ctx, a.bus, "Scanning", watch); err != nil && !errors.Is(err, tui.ErrInterrupted) {
					return err
				}
			} else if !wait && !c.jsonOut {
				fmt.Fprintf(c.out, "scan %s started\n", started.ID)
			}
			a.orchestrator.Wait()
			sc, err := a.orchestrator.GetScan(context.WithoutCancel(ctx), started.ID)
			if err != nil {
				return err
			}
			return reportScan(c, sc)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "show live progress and the full scan record")
	cmd.AddCommand(newScanStatusCmd(c))
	return cmd
}

func reportScan(c *cli, sc persistence.Scan) error {
	if c.jsonOut {
		if err := printJSON(c.out, sc); err != nil {
			return err
		}
	} else {
		printScan(c.out, sc)
	}
	if sc.Status == persistence.ScanFailed {
		return errors.New("scan failed")
	}
	return nil
}

func newScanStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status <scan-id>",
		Short: "Show one scan record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(c.cfg, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			sc, err := store.GetScan(cmd.Context(), args[0])
			if errors.Is(err, persistence.ErrNotFound) {
				return fmt.Errorf("scan %s not found", args[0])
			}
			if err != nil {
				return err
			}
			if c.jsonOut {
				return printJSON(c.out, sc)
			}
			printScan(c.out, sc)
			return nil
		},
	}
}

func newScansCmd(c *cli) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "scans",
		Short: "List recent scans, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(c.cfg, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			scans, err := store.ListScans(cmd.Context(), persistence.ScanStatus(status), limit)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return printJSON(c.out, scans)
			}
			tw := newTable(c.out, "ID", "STATUS", "TRIGGER", "CREATED", "FINDINGS", "ALERTS", "BRIEFS")
			for _, sc := range scans {
				row(tw, sc.ID, string(sc.Status), sc.Trigger, stamp(sc.CreatedAt),
					fmt.Sprint(sc.FindingsCount), fmt.Sprint(sc.AlertsCount), fmt.Sprint(sc.BriefsCount))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, running, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum scans to list")
	return cmd
}
