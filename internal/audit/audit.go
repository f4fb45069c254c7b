// Package audit persists protection decisions to SQLite: one row per
// Coordinator.Decide call, enough to answer "why was this request
// denied" after the fact without keeping a full request/response
// transcript. Schema and lifecycle follow storage.SQLiteStore's
// WAL-mode-plus-migrate pattern, narrowed to decision records.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// DecisionRecord is one admission decision, ready to persist.
type DecisionRecord struct {
	DecisionID   string
	SessionID    string
	ClientID     string
	Backend      string
	Method       string
	Path         string
	Decision     string
	Reason       string
	RiskLevel    string
	Confidence   float64
	Restrictions []string
	At           time.Time
}

// Store persists DecisionRecords to a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite-backed decision log at
// dbPath, enabling WAL mode for concurrent readers.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate decision log: %w", err)
	}
	slog.Info("decision log initialized", "path", dbPath)
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		decision_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		backend TEXT NOT NULL,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		decision TEXT NOT NULL,
		reason TEXT NOT NULL,
		risk_level TEXT NOT NULL,
		confidence REAL NOT NULL,
		restrictions TEXT,
		at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_decision_id ON decisions(decision_id);
	CREATE INDEX IF NOT EXISTS idx_decisions_session ON decisions(session_id);
	CREATE INDEX IF NOT EXISTS idx_decisions_client ON decisions(client_id);
	CREATE INDEX IF NOT EXISTS idx_decisions_at ON decisions(at);
	CREATE INDEX IF NOT EXISTS idx_decisions_decision ON decisions(decision);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record writes one decision to the log. Errors are the caller's to
// decide whether to treat as fatal; a protection decision should never
// be blocked on its own audit trail, so callers typically log and
// continue rather than fail the request.
func (s *Store) Record(ctx context.Context, rec DecisionRecord) error {
	restrictions, err := json.Marshal(rec.Restrictions)
	if err != nil {
		restrictions = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions
		(decision_id, session_id, client_id, backend, method, path, decision, reason, risk_level, confidence, restrictions, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.DecisionID, rec.SessionID, rec.ClientID, rec.Backend, rec.Method, rec.Path,
		rec.Decision, rec.Reason, rec.RiskLevel, rec.Confidence, string(restrictions), rec.At,
	)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

// QueryOptions filters a decision history lookup.
type QueryOptions struct {
	Limit     int
	Offset    int
	SessionID string
	ClientID  string
	Decision  string
	Since     *time.Time
}

// Query retrieves decision records matching the given filters, most
// recent first.
func (s *Store) Query(opts QueryOptions) ([]DecisionRecord, error) {
	query := `
		SELECT decision_id, session_id, client_id, backend, method, path, decision, reason, risk_level, confidence, restrictions, at
		FROM decisions WHERE 1=1`
	var args []any

	if opts.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if opts.ClientID != "" {
		query += " AND client_id = ?"
		args = append(args, opts.ClientID)
	}
	if opts.Decision != "" {
		query += " AND decision = ?"
		args = append(args, opts.Decision)
	}
	if opts.Since != nil {
		query += " AND at >= ?"
		args = append(args, *opts.Since)
	}
	query += " ORDER BY at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		var restrictions string
		if err := rows.Scan(&rec.DecisionID, &rec.SessionID, &rec.ClientID, &rec.Backend, &rec.Method, &rec.Path,
			&rec.Decision, &rec.Reason, &rec.RiskLevel, &rec.Confidence, &restrictions, &rec.At); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		if restrictions != "" {
			_ = json.Unmarshal([]byte(restrictions), &rec.Restrictions)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Summary is an aggregate count of decisions by outcome, used by the
// control API's metrics endpoint.
type Summary struct {
	TotalDecisions  int64            `json:"total_decisions"`
	ByDecision      map[string]int64 `json:"by_decision"`
	ByReason        map[string]int64 `json:"by_reason"`
	ByRiskLevel     map[string]int64 `json:"by_risk_level"`
}

// Summarize aggregates decisions recorded since the given time (all
// time if nil).
func (s *Store) Summarize(since *time.Time) (*Summary, error) {
	sum := &Summary{
		ByDecision:  make(map[string]int64),
		ByReason:    make(map[string]int64),
		ByRiskLevel: make(map[string]int64),
	}

	whereClause := "WHERE 1=1"
	var args []any
	if since != nil {
		whereClause += " AND at >= ?"
		args = append(args, *since)
	}

	row := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM decisions %s`, whereClause), args...)
	if err := row.Scan(&sum.TotalDecisions); err != nil {
		return nil, fmt.Errorf("summarize total: %w", err)
	}

	if err := groupCount(s.db, fmt.Sprintf(`SELECT decision, COUNT(*) FROM decisions %s GROUP BY decision`, whereClause), args, sum.ByDecision); err != nil {
		return nil, err
	}
	if err := groupCount(s.db, fmt.Sprintf(`SELECT reason, COUNT(*) FROM decisions %s GROUP BY reason`, whereClause), args, sum.ByReason); err != nil {
		return nil, err
	}
	if err := groupCount(s.db, fmt.Sprintf(`SELECT risk_level, COUNT(*) FROM decisions %s GROUP BY risk_level`, whereClause), args, sum.ByRiskLevel); err != nil {
		return nil, err
	}
	return sum, nil
}

func groupCount(db *sql.DB, query string, args []any, into map[string]int64) error {
	rows, err := db.Query(query, args...)
	if err != nil {
		return fmt.Errorf("group count: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("scan group count: %w", err)
		}
		into[key] = count
	}
	return nil
}

// Cleanup removes decision records older than retentionDays.
func (s *Store) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	result, err := s.db.Exec("DELETE FROM decisions WHERE at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup decisions: %w", err)
	}
	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		slog.Info("cleaned up old decision records", "deleted", deleted, "retention_days", retentionDays)
	}
	return deleted, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
