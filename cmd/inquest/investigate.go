package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/go-inquest/internal/agent"
	"github.com/basket/go-inquest/internal/conductor"
	"github.com/basket/go-inquest/internal/shared"
	"github.com/basket/go-inquest/internal/tui"
)

func newInvestigateCmd(c *cli) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "investigate <query>",
		Short: "Route a question to the relevant agents and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if sessionID == "" {
				sessionID = shared.NewTraceID()
			}
			query := strings.Join(args, " ")
			ctx = shared.WithSessionID(ctx, sessionID)

			var res conductor.Result
			run := func(ctx context.Context) (string, error) {
				var err error
				res, err = a.conductor.Investigate(ctx, sessionID, query, nil)
				return res.ExecutiveSummary, err
			}
			if c.interactive() {
				if _, err := tui.Run(ctx, a.bus, "Investigating: "+shared.Truncate(query, 60), a.track(run)); err != nil {
					return err
				}
			} else if res, err = a.conductor.Investigate(ctx, sessionID, query, stepPrinter(c.err)); err != nil {
				return err
			}
			if c.jsonOut {
				return printJSON(c.out, res)
			}
			printInvestigation(c.out, res)
			if res.Status == conductor.StatusFailed {
				return errors.New("investigation failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id; earlier investigations in the same session inform routing")
	return cmd
}

// stepPrinter reports phase progress on w when the live view is off.
func stepPrinter(w io.Writer) agent.StepFunc {
	return func(_ context.Context, phase agent.Phase, agentID string, payload map[string]any) error {
		if payload["stage"] != "start" {
			return nil
		}
		_, err := fmt.Fprintf(w, "[%s] %s (iteration %v)\n", agentID, phase, payload["iteration"])
		return err
	}
}

func printInvestigation(w io.Writer, res conductor.Result) {
	fmt.Fprintf(w, "Investigation %s (%s)\n", res.InvestigationID, res.Status)
	fmt.Fprintf(w, "Agents: %s", strings.Join(res.Route.Agents, ", "))
	if len(res.Rerouted) > 0 {
		fmt.Fprintf(w, " + rerouted %s", strings.Join(res.Rerouted, ", "))
	}
	fmt.Fprintln(w)
	for _, id := range slices.Sorted(maps.Keys(res.Failures)) {
		fmt.Fprintf(w, "  %s failed: %s\n", id, res.Failures[id])
	}
	fmt.Fprintln(w)
	if res.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", res.Error)
		return
	}
	fmt.Fprintln(w, res.ExecutiveSummary)
	if res.Synthesis != nil && !res.Synthesis.Failed {
		for _, f := range res.Synthesis.CrossDomainFindings {
			fmt.Fprintf(w, "\n* %s\n", f.Title)
		}
	}
	for _, out := range res.Outputs {
		fmt.Fprintf(w, "\n## %s (%s, %d findings)\n%s\n", out.AgentID, out.Severity, len(out.Findings), out.Summary)
	}
}
