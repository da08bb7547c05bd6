package findings

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-inquest/internal/agent"
	"github.com/basket/go-inquest/internal/persistence"
	"github.com/basket/go-inquest/internal/tools"
)

var observed = time.Date(2026, 10, 18, 23, 30, 0, 0, time.FixedZone("UTC-2", -2*3600))

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "inquest.db"), persistence.Options{PoolSize: 4})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleOutput() agent.Output {
	return agent.Output{
		AgentID:     "data_quality",
		AgentName:   "Data Quality",
		FindingType: "data_quality",
		Severity:    "high",
		DataSignals: map[string]tools.Result{"entry_lag": {ToolName: "entry_lag_by_site", Success: true, Data: json.RawMessage(`[]`)}},
		Findings: []agent.Finding{
			{EntityKey: "SITE-003", Title: "entry lag 12.4 days", Severity: "critical", Confidence: 0.9},
			{EntityKey: "SITE-003", Title: "open queries aging", Confidence: 0.6},
			{EntityKey: "", Title: "study-wide lag drift", Severity: "low", Confidence: 0.4},
		},
	}
}

func mustPersist(t *testing.T, p *Persister, out agent.Output, src Source) Result {
	t.Helper()
	res, err := p.Persist(context.Background(), out, src)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	return res
}

func TestDedupKey_Deterministic(t *testing.T) {
	base := DedupKey("data_quality", "SITE-003", "data_quality", 0, "2026-10-18")
	if base != DedupKey("data_quality", "SITE-003", "data_quality", 0, "2026-10-18") {
		t.Fatal("dedup key not deterministic")
	}
	if len(base) != 64 {
		t.Fatalf("key length = %d, want 64", len(base))
	}

	variants := []string{
		DedupKey("enrollment", "SITE-003", "data_quality", 0, "2026-10-18"),
		DedupKey("data_quality", "SITE-004", "data_quality", 0, "2026-10-18"),
		DedupKey("data_quality", "SITE-003", "enrollment", 0, "2026-10-18"),
		DedupKey("data_quality", "SITE-003", "data_quality", 1, "2026-10-18"),
		DedupKey("data_quality", "SITE-003", "data_quality", 0, "2026-10-19"),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d must change the key", i)
		}
	}
	// Empty entity and "none" are the same identity.
	if DedupKey("a", "", "t", 0, "d") != DedupKey("a", NoEntity, "t", 0, "d") {
		t.Fatal("empty entity should key like none")
	}
	if DedupKey("ab", "c", "t", 0, "d") == DedupKey("a", "bc", "t", 0, "d") {
		t.Fatal("field boundaries must affect the key")
	}
}

func TestDayBucket_UsesUTC(t *testing.T) {
	if got := DayBucket(observed); got != "2026-10-19" {
		t.Fatalf("bucket = %q, want 2026-10-19", got)
	}
}

func TestRecords_OccurrenceIndex(t *testing.T) {
	recs, err := Records(sampleOutput(), Source{ScanID: "scan-1"}, observed)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("records = %d, want 3", len(recs))
	}
	for i, want := range []int{0, 1, 0} {
		if recs[i].Occurrence != want {
			t.Errorf("record %d occurrence = %d, want %d", i, recs[i].Occurrence, want)
		}
	}
	if recs[0].Severity != "critical" {
		t.Fatalf("severity = %q", recs[0].Severity)
	}
	if recs[1].Severity != "high" {
		t.Fatalf("missing severity should fall back to the output severity, got %q", recs[1].Severity)
	}
	if recs[2].EntityKey != "" {
		t.Fatalf("entity = %q", recs[2].EntityKey)
	}
	if recs[2].DedupKey != DedupKey("data_quality", "none", "data_quality", 0, "2026-10-19") {
		t.Fatal("entity-less finding keyed unexpectedly")
	}
	if recs[0].DedupKey == recs[1].DedupKey {
		t.Fatal("occurrence must separate same-entity findings")
	}
}

func TestPersist_CreatesFindingsAndAlerts(t *testing.T) {
	store := openStore(t)
	p := NewPersister(store, Options{})
	ctx := context.Background()

	scan, err := store.CreateScan(ctx, "manual")
	if err != nil {
		t.Fatalf("create scan: %v", err)
	}

	res := mustPersist(t, p, sampleOutput(), Source{ScanID: scan.ID, DirectiveID: "dq-entry-lag", ObservedAt: observed})
	if res.Created != 3 || res.Duplicates != 0 {
		t.Fatalf("created=%d duplicates=%d", res.Created, res.Duplicates)
	}
	if res.Alerts != 2 {
		t.Fatalf("alerts = %d, want 2 for the critical and high findings", res.Alerts)
	}
	if len(res.Entities) != 1 || res.Entities[0] != "SITE-003" {
		t.Fatalf("entities = %v", res.Entities)
	}

	found, err := store.ListFindings(ctx, persistence.FindingFilter{ScanID: scan.ID})
	if err != nil {
		t.Fatalf("list findings: %v", err)
	}
	if len(found) != 3 {
		t.Fatalf("findings = %d, want 3", len(found))
	}

	alerts, err := store.ListAlerts(ctx, persistence.AlertOpen, 10)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("alerts = %d, want 2", len(alerts))
	}
	for _, a := range alerts {
		if !strings.Contains(a.Title, "Data Quality") {
			t.Errorf("alert title %q lacks the agent name", a.Title)
		}
	}
}

func TestPersist_RepeatIsIdempotent(t *testing.T) {
	store := openStore(t)
	p := NewPersister(store, Options{})
	src := Source{RunID: "run-1", ObservedAt: observed}

	mustPersist(t, p, sampleOutput(), src)
	again := mustPersist(t, p, sampleOutput(), src)
	if again.Created != 0 || again.Duplicates != 3 || again.Alerts != 0 {
		t.Fatalf("repeat = %+v", again)
	}
	if len(again.Entities) != 1 || again.Entities[0] != "SITE-003" {
		t.Fatalf("duplicates still count as affected entities, got %v", again.Entities)
	}

	n, err := store.CountFindings(context.Background(), persistence.FindingFilter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("stored findings = %d, want 3", n)
	}
}

func TestPersist_ConcurrentWritersProduceOneRow(t *testing.T) {
	store := openStore(t)
	p := NewPersister(store, Options{})
	ctx := context.Background()
	out := sampleOutput()
	out.Findings = out.Findings[:1]

	const writers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		errs    []error
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Persist(ctx, out, Source{ObservedAt: observed})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			created += res.Created
		}()
	}
	wg.Wait()
	if len(errs) != 0 {
		t.Fatalf("writer errors: %v", errs)
	}
	if created != 1 {
		t.Fatalf("created = %d, want exactly 1", created)
	}

	n, err := store.CountFindings(ctx, persistence.FindingFilter{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("stored findings = %d, want 1", n)
	}

	key := DedupKey("data_quality", "SITE-003", "data_quality", 0, DayBucket(observed))
	f, err := store.FindingByDedupKey(ctx, key)
	if err != nil {
		t.Fatalf("by dedup key: %v", err)
	}
	if f.Summary != "entry lag 12.4 days" {
		t.Fatalf("summary = %q", f.Summary)
	}

	alerts, err := store.ListAlerts(ctx, "", 10)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
}

func TestPersist_NextDayIsNewFinding(t *testing.T) {
	store := openStore(t)
	p := NewPersister(store, Options{})
	out := sampleOutput()

	mustPersist(t, p, out, Source{ObservedAt: observed})
	if res := mustPersist(t, p, out, Source{ObservedAt: observed.Add(24 * time.Hour)}); res.Created != 3 {
		t.Fatalf("next day created = %d, want 3", res.Created)
	}
}

func TestPersist_CustomAlertSeverities(t *testing.T) {
	store := openStore(t)
	p := NewPersister(store, Options{AlertSeverities: []string{"LOW"}})
	if res := mustPersist(t, p, sampleOutput(), Source{ObservedAt: observed}); res.Alerts != 1 {
		t.Fatalf("alerts = %d, want 1", res.Alerts)
	}
}

func TestPersist_NoFindingsSkipsStore(t *testing.T) {
	p := NewPersister(nil, Options{})
	if res := mustPersist(t, p, agent.Output{AgentID: "x"}, Source{}); res.Created != 0 {
		t.Fatalf("created = %d", res.Created)
	}
}

func TestPriorFindingsTool(t *testing.T) {
	store := openStore(t)
	p := NewPersister(store, Options{})
	ctx := context.Background()
	mustPersist(t, p, sampleOutput(), Source{ObservedAt: observed})

	reg := tools.NewRegistry(tools.Options{})
	if err := reg.Register(PriorFindingsTool(store)); err != nil {
		t.Fatalf("register: %v", err)
	}

	res := reg.Invoke(ctx, "prior_findings", map[string]any{"entity_key": "SITE-003"})
	if !res.Success {
		t.Fatalf("invoke: %s", res.Error)
	}
	if res.RowCount != 2 {
		t.Fatalf("rows = %d, want 2", res.RowCount)
	}

	var rows []map[string]any
	if err := json.Unmarshal(res.Data, &rows); err != nil {
		t.Fatalf("decode rows: %v", err)
	}
	if rows[0]["agent_id"] != "data_quality" {
		t.Fatalf("agent_id = %v", rows[0]["agent_id"])
	}
}
