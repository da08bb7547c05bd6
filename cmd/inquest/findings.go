package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/go-inquest/internal/persistence"
	"github.com/basket/go-inquest/internal/shared"
)

func newFindingsCmd(c *cli) *cobra.Command {
	var (
		filter   persistence.FindingFilter
		dedupKey string
	)
	cmd := &cobra.Command{
		Use:   "findings",
		Short: "List persisted findings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(c.cfg, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			var list []persistence.Finding
			if dedupKey != "" {
				f, err := store.FindingByDedupKey(cmd.Context(), dedupKey)
				if errors.Is(err, persistence.ErrNotFound) {
					return fmt.Errorf("no finding with dedup key %s", dedupKey)
				}
				if err != nil {
					return err
				}
				list = append(list, f)
			} else if list, err = store.ListFindings(cmd.Context(), filter); err != nil {
				return err
			}

			if c.jsonOut {
				return printJSON(c.out, list)
			}
			tw := newTable(c.out, "ID", "DAY", "AGENT", "SEVERITY", "ENTITY", "SUMMARY")
			for _, f := range list {
				row(tw, f.ID, f.Day, f.AgentID, f.Severity, orDash(f.EntityKey), shared.Truncate(oneLine(f.Summary), 70))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&filter.ScanID, "scan", "", "only findings from this scan")
	cmd.Flags().StringVar(&filter.AgentID, "agent", "", "only findings from this agent")
	cmd.Flags().StringVar(&filter.Severity, "severity", "", "only findings with this severity")
	cmd.Flags().StringVar(&filter.EntityKey, "entity", "", "only findings about this entity")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum findings to list")
	cmd.Flags().StringVar(&dedupKey, "dedup-key", "", "look up one finding by its dedup key")
	return cmd
}
