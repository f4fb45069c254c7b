package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "decisions.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndQueryBySession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := DecisionRecord{
		SessionID: "session-1", ClientID: "client-1", Backend: "backend-1",
		Method: "POST", Path: "/api/v1/chat", Decision: "admit", Reason: "none",
		RiskLevel: "LOW", Confidence: 0.5, At: time.Now(),
	}
	if err := s.Record(ctx, rec); err != nil {
		t.Fatalf("Record: %v", err)
	}

	results, err := s.Query(QueryOptions{SessionID: "session-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len(results) = %d; want 1", len(results))
	}
	if results[0].Decision != "admit" {
		t.Errorf("Decision = %q; want admit", results[0].Decision)
	}
}

func TestQueryFiltersByDecision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, d := range []string{"admit", "deny", "admit"} {
		s.Record(ctx, DecisionRecord{
			SessionID: "session-x", ClientID: "client-x", Backend: "backend-1",
			Method: "POST", Path: "/api/v1/chat", Decision: d, Reason: "none",
			RiskLevel: "LOW", Confidence: 0.5, At: time.Now().Add(time.Duration(i) * time.Second),
		})
	}

	results, err := s.Query(QueryOptions{Decision: "admit"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("len(results) = %d; want 2", len(results))
	}
}

func TestSummarizeAggregatesByOutcome(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	decisions := []string{"admit", "admit", "deny", "throttle"}
	for _, d := range decisions {
		s.Record(ctx, DecisionRecord{
			SessionID: "s", ClientID: "c", Backend: "backend-1", Method: "GET", Path: "/x",
			Decision: d, Reason: "none", RiskLevel: "LOW", Confidence: 0.1, At: time.Now(),
		})
	}

	summary, err := s.Summarize(nil)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary.TotalDecisions != 4 {
		t.Errorf("TotalDecisions = %d; want 4", summary.TotalDecisions)
	}
	if summary.ByDecision["admit"] != 2 {
		t.Errorf("ByDecision[admit] = %d; want 2", summary.ByDecision["admit"])
	}
	if summary.ByDecision["deny"] != 1 {
		t.Errorf("ByDecision[deny] = %d; want 1", summary.ByDecision["deny"])
	}
}

func TestCleanupRemovesOldRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Record(ctx, DecisionRecord{
		SessionID: "old", ClientID: "c", Backend: "b", Method: "GET", Path: "/x",
		Decision: "admit", Reason: "none", RiskLevel: "LOW", Confidence: 0,
		At: time.Now().AddDate(0, 0, -30),
	})
	s.Record(ctx, DecisionRecord{
		SessionID: "new", ClientID: "c", Backend: "b", Method: "GET", Path: "/x",
		Decision: "admit", Reason: "none", RiskLevel: "LOW", Confidence: 0,
		At: time.Now(),
	})

	deleted, err := s.Cleanup(7)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d; want 1", deleted)
	}

	remaining, err := s.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(remaining) != 1 || remaining[0].SessionID != "new" {
		t.Errorf("remaining = %+v; want only the new record", remaining)
	}
}
