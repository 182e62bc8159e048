// Package store keeps a SQLite history of fingerprint runs.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"rs_osprobe/internal/output"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	target TEXT NOT NULL,
	port INTEGER,
	event TEXT NOT NULL,
	completed_at TEXT,
	responded INTEGER,
	probes INTEGER,
	ttl INTEGER,
	initial_ttl INTEGER,
	window INTEGER,
	layout TEXT,
	ops TEXT,
	win TEXT,
	error TEXT,
	elapsed_ms INTEGER,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS probe_records (
	run_id INTEGER NOT NULL,
	position INTEGER NOT NULL,
	fingerprint TEXT NOT NULL,
	PRIMARY KEY (run_id, position),
	FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS pattern_matches (
	run_id INTEGER NOT NULL,
	rank INTEGER NOT NULL,
	name TEXT NOT NULL,
	score REAL,
	confidence INTEGER,
	detail TEXT,
	FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS layout_matches (
	run_id INTEGER NOT NULL,
	rank INTEGER NOT NULL,
	signature TEXT NOT NULL,
	score REAL,
	matched INTEGER,
	FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_runs_target ON runs(target);
`

// Store is a run history database. It implements output.ResultWriter so it
// can sit in an output.OutputSink.
type Store struct {
	db *sql.DB
}

// Run is one stored run with its top candidates.
type Run struct {
	ID          int64
	Target      string
	Event       string
	CompletedAt string
	Responded   int
	Probes      int
	TopPattern  string
	TopScore    float64
	TopLayout   string
	Fingerprint []string
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}
	return &Store{db: db}, nil
}

// Write stores res; it satisfies output.ResultWriter.
func (s *Store) Write(res *output.Result) error {
	_, err := s.Save(context.Background(), res)
	return err
}

// Save inserts res and its candidates in one transaction and returns the
// run id.
func (s *Store) Save(ctx context.Context, res *output.Result) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	r, err := tx.ExecContext(ctx, `
		INSERT INTO runs
		(target, port, event, completed_at, responded, probes, ttl, initial_ttl, window, layout, ops, win, error, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.Target, res.Port, res.Event, res.Timestamp, res.Responded, res.Probes,
		res.TTL, res.InitialTTL, res.Window, strings.Join(res.Layout, ","),
		res.OPS, res.WIN, res.Error, res.Stats.ElapsedMS,
	)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := r.LastInsertId()
	if err != nil {
		return 0, err
	}

	for i, fp := range res.Fingerprint {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO probe_records (run_id, position, fingerprint) VALUES (?, ?, ?)`,
			id, i, fp); err != nil {
			return 0, fmt.Errorf("insert probe record: %w", err)
		}
	}
	for i, c := range res.PatternMatches {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pattern_matches (run_id, rank, name, score, confidence, detail) VALUES (?, ?, ?, ?, ?, ?)`,
			id, i+1, c.Name, c.Score, c.Confidence, c.Detail); err != nil {
			return 0, fmt.Errorf("insert pattern match: %w", err)
		}
	}
	for i, c := range res.LayoutMatches {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO layout_matches (run_id, rank, signature, score, matched) VALUES (?, ?, ?, ?, ?)`,
			id, i+1, c.Name, c.Score, c.Matched); err != nil {
			return 0, fmt.Errorf("insert layout match: %w", err)
		}
	}

	return id, tx.Commit()
}

// History returns the newest runs first, for target or for every target
// when target is empty.
func (s *Store) History(ctx context.Context, target string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.target, r.event, r.completed_at, r.responded, r.probes,
			COALESCE(p.name, ''), COALESCE(p.score, 0), COALESCE(l.signature, '')
		FROM runs r
		LEFT JOIN pattern_matches p ON p.run_id = r.id AND p.rank = 1
		LEFT JOIN layout_matches l ON l.run_id = r.id AND l.rank = 1
		WHERE ? = '' OR r.target = ?
		ORDER BY r.id DESC
		LIMIT ?`, target, target, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Target, &r.Event, &r.CompletedAt, &r.Responded, &r.Probes,
			&r.TopPattern, &r.TopScore, &r.TopLayout); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range runs {
		if runs[i].Fingerprint, err = s.fingerprint(ctx, runs[i].ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *Store) fingerprint(ctx context.Context, runID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint FROM probe_records WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, err
		}
		out = append(out, fp)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
