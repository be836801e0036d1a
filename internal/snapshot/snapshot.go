// Package snapshot is a pre-overwrite safety net for workspace memory
// files and the persisted audit log for router decisions. Both live in
// one SQLite database; snapshot content is gzip-compressed, and the
// schema migrates on open.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// MaxPerFile bounds how many snapshots are retained per relative path.
const MaxPerFile = 10

// Snapshot is one captured prior version of a workspace file.
type Snapshot struct {
	ID        uuid.UUID
	Path      string // workspace-relative path
	CreatedAt time.Time
	Reason    string // e.g. "write_directive", "manual"
	Content   string
}

// Store persists file snapshots and router audit entries in a single
// SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens a snapshot store at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS file_snapshots (
			id         TEXT PRIMARY KEY,
			path       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			reason     TEXT NOT NULL,
			content_gz BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_file_snapshots_path
			ON file_snapshots(path, created_at DESC);

		CREATE TABLE IF NOT EXISTS router_audit (
			id              TEXT PRIMARY KEY,
			created_at      TEXT NOT NULL,
			invocation_type TEXT NOT NULL,
			model           TEXT NOT NULL,
			mode            TEXT NOT NULL,
			timeout_ms      INTEGER NOT NULL,
			overridden      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_router_audit_created
			ON router_audit(created_at DESC);
	`)
	return err
}

// Capture saves content as a new snapshot of path and prunes older
// snapshots of the same path beyond MaxPerFile.
func (s *Store) Capture(path, reason, content string) (*Snapshot, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("snapshot: generate id: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(content)); err != nil {
		return nil, fmt.Errorf("snapshot: compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("snapshot: close gzip: %w", err)
	}

	now := time.Now().UTC()
	snap := &Snapshot{ID: id, Path: path, CreatedAt: now, Reason: reason, Content: content}

	if _, err := s.db.Exec(
		`INSERT INTO file_snapshots (id, path, created_at, reason, content_gz) VALUES (?, ?, ?, ?, ?)`,
		id.String(), path, now.Format(time.RFC3339Nano), reason, buf.Bytes(),
	); err != nil {
		return nil, fmt.Errorf("snapshot: insert: %w", err)
	}

	if err := s.prune(path); err != nil {
		return nil, err
	}

	return snap, nil
}

func (s *Store) prune(path string) error {
	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM file_snapshots WHERE path = ?`, path).Scan(&total); err != nil {
		return fmt.Errorf("snapshot: count: %w", err)
	}
	if total <= MaxPerFile {
		return nil
	}
	_, err := s.db.Exec(`
		DELETE FROM file_snapshots
		WHERE id IN (
			SELECT id FROM file_snapshots
			WHERE path = ?
			ORDER BY created_at ASC
			LIMIT ?
		)
	`, path, total-MaxPerFile)
	if err != nil {
		return fmt.Errorf("snapshot: prune: %w", err)
	}
	return nil
}

// List returns snapshots of path, newest first, without decompressed
// content (use Get for that).
func (s *Store) List(path string) ([]Snapshot, error) {
	rows, err := s.db.Query(
		`SELECT id, path, created_at, reason FROM file_snapshots WHERE path = ? ORDER BY created_at DESC`,
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("snapshot: query: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var idStr, createdStr string
		if err := rows.Scan(&idStr, &snap.Path, &createdStr, &snap.Reason); err != nil {
			return nil, err
		}
		snap.ID, _ = uuid.Parse(idStr)
		snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Get retrieves one snapshot by ID with its decompressed content.
func (s *Store) Get(id uuid.UUID) (*Snapshot, error) {
	row := s.db.QueryRow(
		`SELECT id, path, created_at, reason, content_gz FROM file_snapshots WHERE id = ?`,
		id.String(),
	)
	var snap Snapshot
	var idStr, createdStr string
	var gzBytes []byte
	if err := row.Scan(&idStr, &snap.Path, &createdStr, &snap.Reason, &gzBytes); err != nil {
		return nil, fmt.Errorf("snapshot: get %s: %w", id, err)
	}
	snap.ID, _ = uuid.Parse(idStr)
	snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)

	gr, err := gzip.NewReader(bytes.NewReader(gzBytes))
	if err != nil {
		return nil, fmt.Errorf("snapshot: gzip reader: %w", err)
	}
	defer gr.Close()
	content, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("snapshot: decompress: %w", err)
	}
	snap.Content = string(content)
	return &snap, nil
}

// Latest returns the most recent snapshot of path, or nil if none
// exist.
func (s *Store) Latest(path string) (*Snapshot, error) {
	snaps, err := s.List(path)
	if err != nil || len(snaps) == 0 {
		return nil, err
	}
	return s.Get(snaps[0].ID)
}

// RouterAuditEntry is one persisted record of a router resolution
// decision.
type RouterAuditEntry struct {
	InvocationType string
	Model          string
	Mode           string
	TimeoutMs      int
	Overridden     bool
}

// RecordRouterDecision appends an audit row for one router resolution.
func (s *Store) RecordRouterDecision(entry RouterAuditEntry) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("snapshot: generate id: %w", err)
	}
	overridden := 0
	if entry.Overridden {
		overridden = 1
	}
	_, err = s.db.Exec(
		`INSERT INTO router_audit (id, created_at, invocation_type, model, mode, timeout_ms, overridden)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id.String(), time.Now().UTC().Format(time.RFC3339Nano),
		entry.InvocationType, entry.Model, entry.Mode, entry.TimeoutMs, overridden,
	)
	if err != nil {
		return fmt.Errorf("snapshot: record router decision: %w", err)
	}
	return nil
}

// RecentRouterDecisions returns up to limit of the most recent router
// audit entries, newest first.
func (s *Store) RecentRouterDecisions(limit int) ([]RouterAuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT invocation_type, model, mode, timeout_ms, overridden
		 FROM router_audit ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("snapshot: query router audit: %w", err)
	}
	defer rows.Close()

	var out []RouterAuditEntry
	for rows.Next() {
		var e RouterAuditEntry
		var overridden int
		if err := rows.Scan(&e.InvocationType, &e.Model, &e.Mode, &e.TimeoutMs, &overridden); err != nil {
			return nil, err
		}
		e.Overridden = overridden != 0
		out = append(out, e)
	}
	return out, rows.Err()
}
