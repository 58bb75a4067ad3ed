// Package store provides SQLite-backed persistence for jobs, their runs,
// their logs and the scheduling audit trail.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/fentz26/tessera/internal/models"
)

const (
	defaultPageSize    = 10
	defaultLogPageSize = 100
)

// Store provides access to the Tessera SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "create db directory")
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		execute_user TEXT NOT NULL,
		create_user TEXT NOT NULL,
		tenancy TEXT,
		engine TEXT,
		command TEXT NOT NULL,
		args TEXT,
		status TEXT NOT NULL,
		progress REAL NOT NULL DEFAULT 0,
		error TEXT,
		exit_code INTEGER NOT NULL DEFAULT 0,
		executor_id TEXT,
		submitted_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		executor_id TEXT NOT NULL,
		command TEXT NOT NULL,
		args TEXT,
		exit_code INTEGER,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		FOREIGN KEY (job_id) REFERENCES jobs(id)
	);

	CREATE TABLE IF NOT EXISTS job_logs (
		job_id TEXT NOT NULL,
		line_no INTEGER NOT NULL,
		line TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (job_id, line_no)
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		job_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_submitted_at ON jobs(submitted_at);
	CREATE INDEX IF NOT EXISTS idx_runs_job_id ON runs(job_id);
	CREATE INDEX IF NOT EXISTS idx_decisions_job_id ON decisions(job_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Job Operations ---

const jobColumns = `id, name, execute_user, create_user, tenancy, engine, command, args, status,
	progress, error, exit_code, executor_id, submitted_at, started_at, finished_at`

// SaveJob inserts the job or replaces its stored state.
func (s *Store) SaveJob(job *models.Job) error {
	args, err := json.Marshal(job.Args)
	if err != nil {
		return errors.Wrap(err, "encode args")
	}
	_, err = s.db.Exec(
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenancy = excluded.tenancy,
			status = excluded.status,
			progress = excluded.progress,
			error = excluded.error,
			exit_code = excluded.exit_code,
			executor_id = excluded.executor_id,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		job.ID, job.Name, job.ExecuteUser, job.CreateUser, job.Tenancy, job.Engine, job.Command, string(args),
		job.State, job.Progress, job.Error, job.ExitCode, job.ExecutorID, job.SubmittedAt.UTC(),
		nullTime(job.StartedAt), nullTime(job.FinishedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "save job %s", job.ID)
	}
	return nil
}

// GetJob retrieves a job by ID. It returns nil when the job does not exist.
func (s *Store) GetJob(id string) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "query job")
	}
	return job, nil
}

// UpdateProgress stores the progress of a job.
func (s *Store) UpdateProgress(id string, progress float64) error {
	_, err := s.db.Exec(`UPDATE jobs SET progress = ? WHERE id = ?`, progress, id)
	return errors.Wrap(err, "update progress")
}

// ListJobs returns one page of jobs matching f, newest first, and the
// number of matching jobs.
func (s *Store) ListJobs(f models.JobFilter) ([]models.Job, int, error) {
	var where []string
	var args []interface{}
	if f.State != "" {
		where = append(where, "status = ?")
		args = append(args, f.State)
	}
	if name := strings.TrimSpace(f.Name); name != "" {
		where = append(where, "name LIKE ?")
		args = append(args, "%"+name+"%")
	}
	if f.LaunchStart != nil {
		where = append(where, "submitted_at >= ?")
		args = append(args, f.LaunchStart.UTC())
	}
	if f.LaunchEnd != nil {
		where = append(where, "submitted_at <= ?")
		args = append(args, f.LaunchEnd.UTC())
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs`+cond, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count jobs")
	}

	size := f.Size
	if size <= 0 {
		size = defaultPageSize
	}
	current := f.Current
	if current <= 0 {
		current = 1
	}
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM jobs`+cond+` ORDER BY submitted_at DESC, id LIMIT ? OFFSET ?`,
		append(args, size, (current-1)*size)...,
	)
	if err != nil {
		return nil, 0, errors.Wrap(err, "query jobs")
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// ListJobsByState returns every job in state, oldest submission first.
func (s *Store) ListJobsByState(state models.JobState) ([]models.Job, error) {
	rows, err := s.db.Query(
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY submitted_at ASC, rowid ASC`,
		state,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query jobs by state")
	}
	defer rows.Close()
	return scanJobs(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*models.Job, error) {
	var job models.Job
	var argsJSON, tenancy, engine, errMsg, executorID sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&job.ID, &job.Name, &job.ExecuteUser, &job.CreateUser, &tenancy, &engine, &job.Command,
		&argsJSON, &job.State, &job.Progress, &errMsg, &job.ExitCode, &executorID, &job.SubmittedAt,
		&startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}

	if argsJSON.Valid && argsJSON.String != "" {
		if err := json.Unmarshal([]byte(argsJSON.String), &job.Args); err != nil {
			return nil, errors.Wrapf(err, "decode args of job %s", job.ID)
		}
	}
	job.Tenancy = tenancy.String
	job.Engine = engine.String
	job.Error = errMsg.String
	job.ExecutorID = executorID.String
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]models.Job, error) {
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// --- Run Operations ---

// StartRun records an execution attempt of job on its executor.
func (s *Store) StartRun(job *models.Job) (*models.Run, error) {
	started := time.Now().UTC()
	if job.StartedAt != nil {
		started = job.StartedAt.UTC()
	}
	run := &models.Run{
		ID:         uuid.New().String(),
		JobID:      job.ID,
		ExecutorID: job.ExecutorID,
		Command:    job.Command,
		Args:       job.Args,
		State:      models.JobStateRunning,
		StartedAt:  started,
	}

	args, err := json.Marshal(run.Args)
	if err != nil {
		return nil, errors.Wrap(err, "encode args")
	}
	_, err = s.db.Exec(
		`INSERT INTO runs (id, job_id, executor_id, command, args, status, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.JobID, run.ExecutorID, run.Command, string(args), run.State, run.StartedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "insert run")
	}
	return run, nil
}

// EndRun records the outcome on the latest run of a job.
func (s *Store) EndRun(jobID string, state models.JobState, exitCode int, endedAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, exit_code = ?, ended_at = ?
		WHERE id = (SELECT id FROM runs WHERE job_id = ? ORDER BY started_at DESC, rowid DESC LIMIT 1)`,
		state, exitCode, endedAt.UTC(), jobID,
	)
	return errors.Wrap(err, "update run")
}

// GetRunsForJob returns all runs of a job, oldest first.
func (s *Store) GetRunsForJob(jobID string) ([]models.Run, error) {
	rows, err := s.db.Query(
		`SELECT id, job_id, executor_id, command, args, exit_code, status, started_at, ended_at
		FROM runs WHERE job_id = ? ORDER BY started_at ASC`,
		jobID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query runs")
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		var run models.Run
		var argsJSON sql.NullString
		var exitCode sql.NullInt64
		var endedAt sql.NullTime

		if err := rows.Scan(&run.ID, &run.JobID, &run.ExecutorID, &run.Command, &argsJSON, &exitCode,
			&run.State, &run.StartedAt, &endedAt); err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		if argsJSON.Valid && argsJSON.String != "" {
			if err := json.Unmarshal([]byte(argsJSON.String), &run.Args); err != nil {
				return nil, errors.Wrapf(err, "decode args of run %s", run.ID)
			}
		}
		if exitCode.Valid {
			run.ExitCode = int(exitCode.Int64)
		}
		if endedAt.Valid {
			run.EndedAt = &endedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Decision Operations ---

// WriteDecision writes an audit record of a scheduling decision.
func (s *Store) WriteDecision(action, inputsHash, outcome, jobID, details string) (*models.Decision, error) {
	d := &models.Decision{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		JobID:      jobID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO decisions (id, action, inputs_hash, outcome, job_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Action, d.InputsHash, d.Outcome, d.JobID, d.Details, d.Timestamp,
	)
	if err != nil {
		return nil, errors.Wrap(err, "insert decision")
	}
	return d, nil
}

// ListDecisions returns the decisions taken about a job, oldest first.
func (s *Store) ListDecisions(jobID string) ([]models.Decision, error) {
	rows, err := s.db.Query(
		`SELECT id, action, inputs_hash, outcome, job_id, details, timestamp
		FROM decisions WHERE job_id = ? ORDER BY timestamp ASC, rowid ASC`,
		jobID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query decisions")
	}
	defer rows.Close()

	var out []models.Decision
	for rows.Next() {
		var d models.Decision
		var job, details sql.NullString
		if err := rows.Scan(&d.ID, &d.Action, &d.InputsHash, &d.Outcome, &job, &details, &d.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scan decision")
		}
		d.JobID = job.String
		d.Details = details.String
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
