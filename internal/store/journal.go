// Package store provides persistence for catmirror: the per-type snapshot
// files kept inside the mirror and the SQLite run journal kept in the state
// directory.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kilupskalvis/catmirror/internal/models"
	_ "modernc.org/sqlite"
)

const journalSchemaVersion = 2

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Run statuses recorded in the journal.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunPartial   = "partial"
	RunFailed    = "failed"
)

// ErrRunNotFound is returned when a run id is not in the journal.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is one journaled run.
type RunRecord struct {
	ID         string
	Rule       string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	CommitID   string
	DryRun     bool
	Error      string
	Passes     []PassRecord
}

// PassRecord is one journaled pass.
type PassRecord struct {
	Key          string
	Added        int
	Removed      int
	Changed      int
	Written      int
	Deleted      int
	FailedChunks int
	Error        string
}

// Journal records run history in SQLite.
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (creating if needed) the journal database and brings
// its schema up to date.
func OpenJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	j := &Journal{db: db}
	if err := j.RunMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the database connection
func (j *Journal) Close() error {
	return j.db.Close()
}

// RunMigrations applies any pending schema migrations
func (j *Journal) RunMigrations() error {
	version, err := j.getSchemaVersion()
	if err != nil {
		return err
	}
	if version > journalSchemaVersion {
		return fmt.Errorf("journal schema v%d is newer than supported v%d", version, journalSchemaVersion)
	}

	if version < 1 {
		if err := j.migrateToV1(); err != nil {
			return fmt.Errorf("migration to v1 failed: %w", err)
		}
	}

	if version < 2 {
		if err := j.migrateToV2(); err != nil {
			return fmt.Errorf("migration to v2 failed: %w", err)
		}
	}

	return nil
}

// getSchemaVersion returns the current schema version, 0 for a fresh database
func (j *Journal) getSchemaVersion() (int, error) {
	var tableName string
	err := j.db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='journal_schema_version'
	`).Scan(&tableName)

	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	if err := j.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM journal_schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// migrateToV1 creates the runs and passes tables
func (j *Journal) migrateToV1() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS journal_schema_version (
			version INTEGER PRIMARY KEY
		)`,

		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			rule TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			status TEXT NOT NULL,
			commit_id TEXT,
			error TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS passes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			key TEXT NOT NULL,
			added INTEGER NOT NULL,
			removed INTEGER NOT NULL,
			changed INTEGER NOT NULL,
			written INTEGER NOT NULL,
			deleted INTEGER NOT NULL,
			failed_chunks INTEGER NOT NULL,
			error TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_runs_rule ON runs(rule, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_passes_run ON passes(run_id)`,
	}

	for _, migration := range migrations {
		if _, err := j.db.Exec(migration); err != nil {
			return err
		}
	}

	_, err := j.db.Exec("INSERT OR REPLACE INTO journal_schema_version (version) VALUES (?)", 1)
	return err
}

// migrateToV2 adds the dry_run flag to runs
func (j *Journal) migrateToV2() error {
	var colCount int
	err := j.db.QueryRow(`
		SELECT COUNT(*) FROM pragma_table_info('runs')
		WHERE name='dry_run'
	`).Scan(&colCount)
	if err != nil {
		return err
	}
	if colCount == 0 {
		if _, err := j.db.Exec(`ALTER TABLE runs ADD COLUMN dry_run BOOLEAN DEFAULT FALSE`); err != nil {
			return err
		}
	}

	_, err = j.db.Exec("INSERT OR REPLACE INTO journal_schema_version (version) VALUES (?)", 2)
	return err
}

// BeginRun records the start of a run and returns its id.
func (j *Journal) BeginRun(rule string, startedAt time.Time, dryRun bool) (string, error) {
	id := uuid.NewString()
	_, err := j.db.Exec(
		"INSERT INTO runs (id, rule, started_at, status, dry_run) VALUES (?, ?, ?, ?, ?)",
		id, rule, startedAt.UTC().Format(timeLayout), RunRunning, dryRun,
	)
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

// FinishRun stores the passes and final status of a run. runErr is the
// error that terminated the run, if any.
func (j *Journal) FinishRun(runID string, result *models.RunResult, runErr error) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	defer tx.Rollback()

	finished := time.Now()
	status := RunSucceeded
	var commitID string

	if result != nil {
		if !result.FinishedAt.IsZero() {
			finished = result.FinishedAt
		}
		commitID = result.CommitID
		if len(result.FailedPasses()) > 0 {
			status = RunPartial
		}

		for _, p := range result.Passes {
			_, err := tx.Exec(`
				INSERT INTO passes (run_id, key, added, removed, changed, written, deleted, failed_chunks, error)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				runID, p.Key, p.Added, p.Removed, p.Changed, p.Written, p.Deleted, p.FailedChunks, errString(p.Err),
			)
			if err != nil {
				return fmt.Errorf("record pass %s: %w", p.Key, err)
			}
		}
	}
	if runErr != nil {
		status = RunFailed
	}

	res, err := tx.Exec(
		"UPDATE runs SET finished_at = ?, status = ?, commit_id = ?, error = ? WHERE id = ?",
		finished.UTC().Format(timeLayout), status, commitID, errString(runErr), runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}

	return tx.Commit()
}

// ListRuns returns the most recent runs, newest first. An empty rule lists
// all rules. limit <= 0 means no limit.
func (j *Journal) ListRuns(rule string, limit int) ([]*RunRecord, error) {
	query := `SELECT id, rule, started_at, COALESCE(finished_at, ''), status,
		COALESCE(commit_id, ''), COALESCE(dry_run, FALSE), COALESCE(error, '') FROM runs`
	var args []interface{}
	if rule != "" {
		query += " WHERE rule = ?"
		args = append(args, rule)
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	for _, run := range runs {
		passes, err := j.passes(run.ID)
		if err != nil {
			return nil, err
		}
		run.Passes = passes
	}
	return runs, nil
}

// GetRun returns a single run with its passes.
func (j *Journal) GetRun(runID string) (*RunRecord, error) {
	row := j.db.QueryRow(`SELECT id, rule, started_at, COALESCE(finished_at, ''), status,
		COALESCE(commit_id, ''), COALESCE(dry_run, FALSE), COALESCE(error, '') FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, err
	}
	if run.Passes, err = j.passes(runID); err != nil {
		return nil, err
	}
	return run, nil
}

func (j *Journal) passes(runID string) ([]PassRecord, error) {
	rows, err := j.db.Query(`
		SELECT key, added, removed, changed, written, deleted, failed_chunks, COALESCE(error, '')
		FROM passes WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list passes: %w", err)
	}
	defer rows.Close()

	var passes []PassRecord
	for rows.Next() {
		var p PassRecord
		if err := rows.Scan(&p.Key, &p.Added, &p.Removed, &p.Changed, &p.Written, &p.Deleted, &p.FailedChunks, &p.Error); err != nil {
			return nil, fmt.Errorf("scan pass: %w", err)
		}
		passes = append(passes, p)
	}
	return passes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var run RunRecord
	var started, finished string
	if err := row.Scan(&run.ID, &run.Rule, &started, &finished, &run.Status, &run.CommitID, &run.DryRun, &run.Error); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.StartedAt = parseTimestamp(started)
	if finished != "" {
		run.FinishedAt = parseTimestamp(finished)
	}
	return &run, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// parseTimestamp parses a timestamp string stored by the journal
func parseTimestamp(s string) time.Time {
	formats := []string{
		timeLayout,
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
