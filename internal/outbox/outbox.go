// Package outbox is a durable, optional backing store for the panel
// client's report queue. Spec.md §9 notes that panel queue persistence is
// not required, but if added should use a local append-only store with a
// single-writer task; this uses SQLite in WAL mode for that, following the
// teacher's database package.
package outbox

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Entry is one durable, undelivered report awaiting retry.
type Entry struct {
	ID        int64
	SessionID string
	Payload   string
	Attempts  int
}

// Outbox is a single-writer durable queue backed by SQLite.
type Outbox struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the outbox database at path and runs migrations.
// It has no special handling for an empty path; main calls it only when a
// report-queue path is configured, and otherwise the panel client keeps
// undelivered reports in its own in-memory slice.
func Open(path string, logger *slog.Logger) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("outbox: creating data directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("outbox: opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("outbox: pinging database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ob := &Outbox{db: db, logger: logger.With("component", "outbox")}
	if err := ob.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("outbox: running migrations: %w", err)
	}
	return ob, nil
}

func (o *Outbox) migrate() error {
	if _, err := o.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := o.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := o.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}
		o.logger.Info("applied migration", "version", version)
	}
	return nil
}

// Enqueue durably stores a failed report payload for later retry.
func (o *Outbox) Enqueue(ctx context.Context, sessionID, payload string) error {
	_, err := o.db.ExecContext(ctx, `INSERT INTO pending_reports (session_id, payload) VALUES (?, ?)`, sessionID, payload)
	if err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// Pending returns every undelivered entry, oldest first.
func (o *Outbox) Pending(ctx context.Context) ([]Entry, error) {
	rows, err := o.db.QueryContext(ctx, `SELECT id, session_id, payload, attempts FROM pending_reports ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("outbox: listing pending: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Payload, &e.Attempts); err != nil {
			return nil, fmt.Errorf("outbox: scanning pending: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkDelivered removes a successfully delivered entry.
func (o *Outbox) MarkDelivered(ctx context.Context, id int64) error {
	_, err := o.db.ExecContext(ctx, `DELETE FROM pending_reports WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("outbox: mark delivered: %w", err)
	}
	return nil
}

// BumpAttempt increments an entry's retry counter after a failed delivery.
func (o *Outbox) BumpAttempt(ctx context.Context, id int64) error {
	_, err := o.db.ExecContext(ctx, `UPDATE pending_reports SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("outbox: bump attempt: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (o *Outbox) Close() error { return o.db.Close() }
