package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Database struct {
	db *sql.DB
}

// Run is one recorded execution request and its outcome
type Run struct {
	ID           int64     `json:"id"`
	RoomID       string    `json:"room_id"`
	Language     string    `json:"language"`
	VersionIndex string    `json:"version_index"`
	Code         string    `json:"code,omitempty"`
	Output       string    `json:"output"`
	Failed       bool      `json:"failed"`
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// RoomRuns is the per-room aggregate used by retention and stats
type RoomRuns struct {
	RoomID string
	Count  int
}

func New(dbPath string) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}

	// WAL lets the retention sweep run alongside inserts
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		language TEXT NOT NULL,
		version_index TEXT NOT NULL,
		code TEXT NOT NULL,
		output TEXT NOT NULL,
		failed BOOLEAN NOT NULL DEFAULT FALSE,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_room_id ON runs(room_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// RecordRun stores run and returns its id
func (d *Database) RecordRun(ctx context.Context, run Run) (int64, error) {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	run.CreatedAt = run.CreatedAt.UTC()
	result, err := d.db.ExecContext(ctx, `
		INSERT INTO runs (room_id, language, version_index, code, output, failed, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RoomID, run.Language, run.VersionIndex, run.Code, run.Output, run.Failed, run.DurationMs, run.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	return result.LastInsertId()
}

const runColumns = `id, room_id, language, version_index, code, output, failed, duration_ms, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var r Run
	err := row.Scan(&r.ID, &r.RoomID, &r.Language, &r.VersionIndex, &r.Code, &r.Output, &r.Failed, &r.DurationMs, &r.CreatedAt)
	return r, err
}

// GetRun returns nil when no run has the given id
func (d *Database) GetRun(ctx context.Context, id int64) (*Run, error) {
	row := d.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)

	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns a room's runs, newest first
func (d *Database) ListRuns(ctx context.Context, roomID string, limit, offset int) ([]Run, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE room_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (d *Database) CountRuns(ctx context.Context, roomID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs WHERE room_id = ?", roomID).Scan(&count)
	return count, err
}

// RoomsWithRuns lists every room that has history, busiest first
func (d *Database) RoomsWithRuns(ctx context.Context) ([]RoomRuns, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT room_id, COUNT(*) AS n FROM runs GROUP BY room_id ORDER BY n DESC, room_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoomRuns
	for rows.Next() {
		var rr RoomRuns
		if err := rows.Scan(&rr.RoomID, &rr.Count); err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

// DeleteRunsBefore removes every run created before cutoff
func (d *Database) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx, "DELETE FROM runs WHERE created_at < ?", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// TrimRuns keeps only the newest keepCount runs of a room
func (d *Database) TrimRuns(ctx context.Context, roomID string, keepCount int) (int64, error) {
	result, err := d.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE room_id = ? AND id NOT IN (
			SELECT id FROM runs
			WHERE room_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
	`, roomID, roomID, keepCount)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Stats

func (d *Database) GetStats(ctx context.Context) (map[string]any, error) {
	stats := make(map[string]any)

	var runCount, failedCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(failed), 0) FROM runs").Scan(&runCount, &failedCount); err != nil {
		return nil, err
	}
	stats["run_count"] = runCount
	stats["failed_run_count"] = failedCount

	var roomCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT room_id) FROM runs").Scan(&roomCount); err != nil {
		return nil, err
	}
	stats["room_count"] = roomCount

	return stats, nil
}
