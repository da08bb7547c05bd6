package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/go-inquest/internal/persistence"
	"github.com/basket/go-inquest/internal/shared"
)

func newAlertsCmd(c *cli) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List alerts raised for high-severity findings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(c.cfg, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.ListAlerts(cmd.Context(), persistence.AlertStatus(status), limit)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return printJSON(c.out, list)
			}
			tw := newTable(c.out, "ID", "STATUS", "SEVERITY", "CREATED", "TITLE")
			for _, a := range list {
				row(tw, a.ID, string(a.Status), a.Severity, stamp(a.CreatedAt), shared.Truncate(oneLine(a.Title), 70))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (open, acknowledged, resolved)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum alerts to list")
	cmd.AddCommand(
		newAlertTransitionCmd(c, "ack", "Acknowledge an open alert", persistence.AlertAcknowledged),
		newAlertTransitionCmd(c, "resolve", "Resolve an alert", persistence.AlertResolved),
	)
	return cmd
}

// newAlertTransitionCmd moves an alert forward. Status never moves back.
func newAlertTransitionCmd(c *cli, use, short string, to persistence.AlertStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <alert-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(c.cfg, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			id := args[0]
			err = store.TransitionAlert(cmd.Context(), id, to)
			switch {
			case errors.Is(err, persistence.ErrNotFound):
				return fmt.Errorf("alert %s not found", id)
			case errors.Is(err, persistence.ErrIllegalTransition):
				return fmt.Errorf("alert %s cannot move to %s", id, to)
			case err != nil:
				return err
			}
			a, err := store.GetAlert(cmd.Context(), id)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return printJSON(c.out, a)
			}
			fmt.Fprintf(c.out, "alert %s %s\n", a.ID, a.Status)
			return nil
		},
	}
}
