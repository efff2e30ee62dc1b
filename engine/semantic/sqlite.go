package semantic

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteFile is the database file created inside a persistence directory.
const sqliteFile = "advisories.db"

// SQLiteStore persists records in a single SQLite table and ranks them by
// brute-force cosine similarity.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the store at path. A path ending in ".db" is
// used as the database file; anything else is treated as a directory.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	file := path
	if !strings.HasSuffix(path, ".db") {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("semantic: create %s: %w", path, err)
		}
		file = filepath.Join(path, sqliteFile)
	}

	db, err := sql.Open("sqlite", file)
	if err != nil {
		return nil, fmt.Errorf("semantic: open %s: %w", file, err)
	}
	// One connection keeps writers serialized.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteOpener opens the store at path on first use.
func SQLiteOpener(path string) Opener {
	return func(ctx context.Context) (Backend, error) { return OpenSQLite(ctx, path) }
}

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	statements := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`CREATE TABLE IF NOT EXISTS advisories (
			id TEXT PRIMARY KEY,
			severity TEXT NOT NULL,
			score REAL NOT NULL,
			published TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding BLOB NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("semantic: schema: %w", err)
		}
	}
	return nil
}

// Upsert writes all records in one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, recs []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("semantic: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO advisories (id, severity, score, published, content, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			severity = excluded.severity,
			score = excluded.score,
			published = excluded.published,
			content = excluded.content,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("semantic: prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, r.ID, r.Severity, r.Score, r.Published, r.Text, encodeVector(r.Vector), now); err != nil {
			return fmt.Errorf("semantic: upsert %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("semantic: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, severity, score, published, content, embedding FROM advisories`)
	if err != nil {
		return nil, fmt.Errorf("semantic: scan advisories: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			r    Record
			blob []byte
		)
		if err := rows.Scan(&r.ID, &r.Severity, &r.Score, &r.Published, &r.Text, &blob); err != nil {
			return nil, fmt.Errorf("semantic: scan row: %w", err)
		}
		if r.Vector, err = decodeVector(blob); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("semantic: scan advisories: %w", err)
	}
	return topK(vector, recs, k)
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM advisories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("semantic: count: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
