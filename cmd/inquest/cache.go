package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCacheCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the durable tool and reasoning caches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(c.cfg, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			counts := make(map[string]int, 2)
			for _, ns := range []string{toolNamespace, reasoningNamespace} {
				n, err := store.CacheCount(cmd.Context(), ns)
				if err != nil {
					return err
				}
				counts[ns] = n
			}
			if c.jsonOut {
				return printJSON(c.out, counts)
			}
			tw := newTable(c.out, "NAMESPACE", "ENTRIES")
			row(tw, toolNamespace, fmt.Sprint(counts[toolNamespace]))
			row(tw, reasoningNamespace, fmt.Sprint(counts[reasoningNamespace]))
			return tw.Flush()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:       "clear [tools|reasoning]",
		Short:     "Drop durable cache entries, all namespaces by default",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{toolNamespace, reasoningNamespace},
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(c.cfg, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			namespaces := args
			if len(namespaces) == 0 {
				namespaces = []string{toolNamespace, reasoningNamespace}
			}
			for _, ns := range namespaces {
				if err := store.CacheClear(cmd.Context(), ns); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "cleared %s cache\n", ns)
			}
			return nil
		},
	})
	return cmd
}
