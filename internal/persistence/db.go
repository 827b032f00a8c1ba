// Package persistence provides the SQLite run index: runs, iterations,
// checkpoint files, reporter rows, and run metadata.
package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/covidsim/internal/engine"
)

// Run and iteration statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPartial   = "partial"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// DB wraps a SQLite connection for the run index.
type DB struct {
	conn *sqlx.DB
}

// Run is one row of the runs table.
type Run struct {
	ID         string       `db:"id"`
	Scenario   string       `db:"scenario"`
	Seed       int64        `db:"seed"`
	Workers    int          `db:"workers"`
	Steps      int          `db:"steps"`
	StartedAt  time.Time    `db:"started_at"`
	FinishedAt sql.NullTime `db:"finished_at"`
	Status     string       `db:"status"`
}

// Iteration is one row of the iterations table.
type Iteration struct {
	RunID     string `db:"run_id"`
	Iteration int    `db:"iteration"`
	Seed      int64  `db:"seed"`
	Status    string `db:"status"`
	Error     string `db:"error"`
	Rows      int    `db:"rows"`
}

// Checkpoint is one row of the checkpoints table.
type Checkpoint struct {
	RunID     string    `db:"run_id"`
	Iteration int       `db:"iteration"`
	Step      int       `db:"step"`
	Path      string    `db:"path"`
	Bytes     int64     `db:"bytes"`
	CreatedAt time.Time `db:"created_at"`
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Ensemble workers share one connection; SQLite serializes writers anyway.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		scenario TEXT NOT NULL,
		seed INTEGER NOT NULL,
		workers INTEGER NOT NULL,
		steps INTEGER NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		status TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS iterations (
		run_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		seed INTEGER NOT NULL,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		rows INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, iteration)
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		run_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		step INTEGER NOT NULL,
		path TEXT NOT NULL,
		bytes INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, iteration, step)
	);

	CREATE TABLE IF NOT EXISTS model_rows (
		run_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		step INTEGER NOT NULL,
		row_json TEXT NOT NULL,
		PRIMARY KEY (run_id, iteration, step)
	);

	CREATE TABLE IF NOT EXISTS run_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_lookup ON checkpoints(iteration, step);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// StartRun records a new run as running.
func (db *DB) StartRun(r Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = StatusRunning
	}
	_, err := db.conn.NamedExec(`INSERT INTO runs
		(id, scenario, seed, workers, steps, started_at, finished_at, status)
		VALUES (:id, :scenario, :seed, :workers, :steps, :started_at, :finished_at, :status)`, r)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

// FinishRun stamps a run's end time and final status.
func (db *DB) FinishRun(id, status string) error {
	_, err := db.conn.Exec("UPDATE runs SET finished_at = ?, status = ? WHERE id = ?",
		time.Now().UTC(), status, id)
	return err
}

// GetRun returns one run.
func (db *DB) GetRun(id string) (Run, error) {
	var r Run
	err := db.conn.Get(&r, "SELECT * FROM runs WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r, err
}

// Runs returns the most recent runs, newest first.
func (db *DB) Runs(limit int) ([]Run, error) {
	var runs []Run
	err := db.conn.Select(&runs, "SELECT * FROM runs ORDER BY started_at DESC LIMIT ?", limit)
	return runs, err
}

// BeginIteration records an iteration as running.
func (db *DB) BeginIteration(runID string, iteration int, seed uint64) error {
	_, err := db.conn.Exec(`INSERT OR REPLACE INTO iterations
		(run_id, iteration, seed, status, error, rows) VALUES (?, ?, ?, ?, '', 0)`,
		runID, iteration, int64(seed), StatusRunning)
	return err
}

// EndIteration records an iteration's outcome. A nil runErr marks it
// completed.
func (db *DB) EndIteration(runID string, iteration, rows int, runErr error) error {
	status, msg := StatusCompleted, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	_, err := db.conn.Exec(`UPDATE iterations SET status = ?, error = ?, rows = ?
		WHERE run_id = ? AND iteration = ?`, status, msg, rows, runID, iteration)
	return err
}

// Iterations returns a run's iterations in order.
func (db *DB) Iterations(runID string) ([]Iteration, error) {
	var out []Iteration
	err := db.conn.Select(&out,
		"SELECT * FROM iterations WHERE run_id = ? ORDER BY iteration", runID)
	return out, err
}

// RecordCheckpoint indexes a written checkpoint file.
func (db *DB) RecordCheckpoint(c Checkpoint) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := db.conn.NamedExec(`INSERT OR REPLACE INTO checkpoints
		(run_id, iteration, step, path, bytes, created_at)
		VALUES (:run_id, :iteration, :step, :path, :bytes, :created_at)`, c)
	if err != nil {
		return err
	}
	slog.Debug("checkpoint indexed", "run", c.RunID, "iteration", c.Iteration,
		"step", c.Step, "size", humanize.Bytes(uint64(c.Bytes)))
	return nil
}

// FindCheckpoint returns the checkpoint for iteration at step. An empty runID
// matches the most recent run that has one.
func (db *DB) FindCheckpoint(runID string, iteration, step int) (Checkpoint, error) {
	var c Checkpoint
	var err error
	if runID == "" {
		err = db.conn.Get(&c, `SELECT * FROM checkpoints WHERE iteration = ? AND step = ?
			ORDER BY created_at DESC LIMIT 1`, iteration, step)
	} else {
		err = db.conn.Get(&c, `SELECT * FROM checkpoints
			WHERE run_id = ? AND iteration = ? AND step = ?`, runID, iteration, step)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("checkpoint iteration %d step %d: %w", iteration, step, ErrNotFound)
	}
	return c, err
}

// SaveRows stores collected reporter rows as JSON keyed by name.
func (db *DB) SaveRows(runID string, names []string, rows []engine.Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := db.conn.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Preparex(`INSERT OR REPLACE INTO model_rows
		(run_id, iteration, step, row_json) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		values := make(map[string]float64, len(names))
		for i, n := range names {
			if i < len(r.Values) {
				values[n] = r.Values[i]
			}
		}
		b, err := json.Marshal(values)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(runID, r.Iteration, r.Step, string(b)); err != nil {
			return fmt.Errorf("insert row %d/%d: %w", r.Iteration, r.Step, err)
		}
	}
	return tx.Commit()
}

// Rows returns stored rows of one iteration as name→value maps, by step.
func (db *DB) Rows(runID string, iteration int) ([]map[string]float64, error) {
	var raw []string
	err := db.conn.Select(&raw, `SELECT row_json FROM model_rows
		WHERE run_id = ? AND iteration = ? ORDER BY step`, runID, iteration)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]float64, len(raw))
	for i, s := range raw {
		if err := json.Unmarshal([]byte(s), &out[i]); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
	}
	return out, nil
}

// SaveMeta stores a key-value pair in run metadata.
func (db *DB) SaveMeta(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT OR REPLACE INTO run_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(key string) (string, error) {
	var value string
	err := db.conn.Get(&value, "SELECT value FROM run_meta WHERE key = ?", key)
	return value, err
}
