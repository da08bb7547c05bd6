package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/basket/go-inquest/internal/persistence"
	"github.com/basket/go-inquest/internal/shared"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	return tw
}

func row(tw *tabwriter.Writer, cols ...string) {
	fmt.Fprintln(tw, strings.Join(cols, "\t"))
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func stampPtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return stamp(*t)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printScan(w io.Writer, sc persistence.Scan) {
	fmt.Fprintf(w, "Scan %s (%s, trigger %s)\n", sc.ID, sc.Status, sc.Trigger)
	fmt.Fprintf(w, "Created %s  Started %s  Completed %s\n", stamp(sc.CreatedAt), stampPtr(sc.StartedAt), stampPtr(sc.CompletedAt))
	fmt.Fprintf(w, "Directives %d  Findings %d  Alerts %d  Briefs %d\n",
		len(sc.Directives), sc.FindingsCount, sc.AlertsCount, sc.BriefsCount)
	if sc.ErrorDetail != "" {
		fmt.Fprintf(w, "Detail: %s\n", sc.ErrorDetail)
	}
	if len(sc.AgentResults) > 0 {
		fmt.Fprintln(w)
		tw := newTable(w, "DIRECTIVE", "AGENT", "OK", "FINDINGS", "SEVERITY", "NOTE")
		for _, r := range sc.AgentResults {
			note := r.Summary
			if r.Error != "" {
				note = r.Error
			}
			row(tw, r.DirectiveID, r.AgentID, fmt.Sprint(r.Success), fmt.Sprint(r.Findings),
				orDash(r.Severity), shared.Truncate(oneLine(note), 60))
		}
		_ = tw.Flush()
	}
	if sc.Summary != "" {
		fmt.Fprintf(w, "\n%s\n", sc.Summary)
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
