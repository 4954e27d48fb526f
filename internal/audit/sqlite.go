package audit

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteNotifier persists each Event as a row in an embedded SQLite
// database. Grounded on internal/ruriko/store/store.go's connection
// setup (single shared connection, WAL + busy_timeout pragmas) and
// runMigrations (schema_migrations bookkeeping table), re-pointed from a
// Matrix-room notifier to this daemon's own audit log.
type SQLiteNotifier struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenSQLiteNotifier opens (creating if necessary) the SQLite database
// at dbPath and runs any pending migrations.
func OpenSQLiteNotifier(dbPath string, log *slog.Logger) (*SQLiteNotifier, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}

	// SQLite is single-writer; keep one shared connection so
	// database/sql serializes callers instead of contending for locks
	// across multiple underlying connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: set pragma: %w", err)
		}
	}

	n := &SQLiteNotifier{db: db, log: log}
	if err := n.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: run migrations: %w", err)
	}
	return n, nil
}

// Close closes the underlying database connection.
func (n *SQLiteNotifier) Close() error {
	return n.db.Close()
}

// Notify inserts evt as a row. Failures are logged at WARN level; the
// caller is never blocked longer than the write itself takes, nor ever
// returned an error.
func (n *SQLiteNotifier) Notify(ctx context.Context, evt Event) {
	evt = resolveTraceID(ctx, evt)

	_, err := n.db.ExecContext(ctx, `
		INSERT INTO audit_log (ts, trace_id, kind, actor, target, message)
		VALUES (?, ?, ?, ?, ?, ?)
	`, evt.Timestamp, evt.TraceID, string(evt.Kind), evt.Actor, evt.Target, evt.Message)
	if err != nil && n.log != nil {
		n.log.Warn("audit: failed to write entry", "kind", evt.Kind, "error", err)
	}
}

// Entry is one row read back from the audit log.
type Entry struct {
	ID        int64
	Timestamp time.Time
	TraceID   string
	Kind      Kind
	Actor     string
	Target    string
	Message   string
}

// Recent returns the most recent entries, newest first, capped at limit
// (defaulting to 100).
func (n *SQLiteNotifier) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := n.db.QueryContext(ctx, `
		SELECT id, ts, trace_id, kind, actor, target, message
		FROM audit_log
		ORDER BY ts DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ByTrace returns every entry for a given trace ID, oldest first.
func (n *SQLiteNotifier) ByTrace(ctx context.Context, traceID string) ([]Entry, error) {
	rows, err := n.db.QueryContext(ctx, `
		SELECT id, ts, trace_id, kind, actor, target, message
		FROM audit_log
		WHERE trace_id = ?
		ORDER BY ts ASC
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("audit: query by trace: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var kind string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.TraceID, &kind, &e.Actor, &e.Target, &e.Message); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		e.Kind = Kind(kind)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate entries: %w", err)
	}
	return entries, nil
}

// runMigrations applies every embedded migration not yet recorded in
// schema_migrations, each inside its own transaction.
func (n *SQLiteNotifier) runMigrations() error {
	_, err := n.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var currentVersion int
	if err := n.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("read current schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(entry.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}
		description := strings.TrimSuffix(parts[1], ".sql")

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		tx, err := n.db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", version, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			version, time.Now(), description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
		if n.log != nil {
			n.log.Info("audit: applied migration", "version", fmt.Sprintf("%04d", version), "description", description)
		}
	}
	return nil
}
