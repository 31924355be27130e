package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/researchd/internal/state"
)

// Store persists finalized state records and full traces in SQLite,
// keyed by trace_id. It is the durable side of the recorder: lookups
// remain available after the in-memory trace has been dropped.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the trace database at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating trace db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening trace db: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS traces (
			trace_id    TEXT PRIMARY KEY,
			query       TEXT NOT NULL,
			events_json TEXT NOT NULL,
			created_at  TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS records (
			trace_id    TEXT PRIMARY KEY,
			record_json TEXT NOT NULL,
			refusal     INTEGER NOT NULL,
			confidence  REAL NOT NULL,
			created_at  TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("initializing trace schema: %w", err)
	}
	return nil
}

// SaveTrace stores the full event sequence for a terminal run.
func (s *Store) SaveTrace(ctx context.Context, traceID, query string, events []Event) error {
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encoding trace events: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO traces (trace_id, query, events_json, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(trace_id) DO UPDATE SET
			query = excluded.query,
			events_json = excluded.events_json`,
		traceID, query, string(eventsJSON), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving trace %s: %w", traceID, err)
	}
	return nil
}

// StoredTrace is one persisted trace with its originating query.
type StoredTrace struct {
	TraceID string  `json:"trace_id"`
	Query   string  `json:"query"`
	Events  []Event `json:"events"`
}

// GetTrace returns the persisted trace, or ErrTraceNotFound.
func (s *Store) GetTrace(ctx context.Context, traceID string) (*StoredTrace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT query, events_json FROM traces WHERE trace_id = ?`, traceID)
	var query, eventsJSON string
	if err := row.Scan(&query, &eventsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTraceNotFound
		}
		return nil, fmt.Errorf("loading trace %s: %w", traceID, err)
	}
	var events []Event
	if err := json.Unmarshal([]byte(eventsJSON), &events); err != nil {
		return nil, fmt.Errorf("decoding trace %s: %w", traceID, err)
	}
	return &StoredTrace{TraceID: traceID, Query: query, Events: events}, nil
}

// SaveRecord stores a finalized (or refused) state record.
func (s *Store) SaveRecord(ctx context.Context, rec *state.Record) error {
	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	refusal := 0
	if rec.Refusal {
		refusal = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (trace_id, record_json, refusal, confidence, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(trace_id) DO UPDATE SET
			record_json = excluded.record_json,
			refusal = excluded.refusal,
			confidence = excluded.confidence`,
		rec.TraceID, string(recordJSON), refusal, rec.ConfidenceScore,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving record %s: %w", rec.TraceID, err)
	}
	return nil
}

// GetRecord returns the persisted state record for a trace, or
// ErrTraceNotFound when no terminal record exists.
func (s *Store) GetRecord(ctx context.Context, traceID string) (*state.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT record_json FROM records WHERE trace_id = ?`, traceID)
	var recordJSON string
	if err := row.Scan(&recordJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTraceNotFound
		}
		return nil, fmt.Errorf("loading record %s: %w", traceID, err)
	}
	var rec state.Record
	if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", traceID, err)
	}
	return &rec, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
