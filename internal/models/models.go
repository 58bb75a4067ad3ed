// Package models defines the core domain types for Tessera.
package models

import (
	"time"

	"github.com/google/uuid"
)

// JobState represents the current state of a job execution.
type JobState string

const (
	JobStateSubmitted JobState = "submitted"
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateKilled    JobState = "killed"
)

// IsTerminal reports whether no further transition can leave the state.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateKilled:
		return true
	}
	return false
}

// ParseJobState maps user input onto a known state. The empty string is accepted.
func ParseJobState(s string) (JobState, bool) {
	switch st := JobState(s); st {
	case "", JobStateSubmitted, JobStateQueued, JobStateRunning,
		JobStateSucceeded, JobStateFailed, JobStateKilled:
		return st, true
	}
	return "", false
}

// Job is one submitted execution of a data-exchange job.
type Job struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	ExecuteUser string     `json:"execute_user"`
	CreateUser  string     `json:"create_user"`
	Tenancy     string     `json:"tenancy,omitempty"`
	Engine      string     `json:"engine,omitempty"`
	Command     string     `json:"command"`
	Args        []string   `json:"args,omitempty"`
	State       JobState   `json:"status"`
	Progress    float64    `json:"progress"`
	Error       string     `json:"error,omitempty"`
	ExitCode    int        `json:"exit_code"`
	ExecutorID  string     `json:"executor_id,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// NewJob builds a job in the submitted state with a fresh id.
func NewJob(name, executeUser, createUser, command string, args []string) *Job {
	return &Job{
		ID:          uuid.New().String(),
		Name:        name,
		ExecuteUser: executeUser,
		CreateUser:  createUser,
		Command:     command,
		Args:        args,
		State:       JobStateSubmitted,
		SubmittedAt: time.Now().UTC(),
	}
}

// Clone returns a copy that is safe to hand outside the owning lock.
func (j *Job) Clone() *Job {
	c := *j
	if j.Args != nil {
		c.Args = append([]string(nil), j.Args...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Run represents an execution attempt of a job on one executor.
type Run struct {
	ID         string     `json:"id"`
	JobID      string     `json:"job_id"`
	ExecutorID string     `json:"executor_id"`
	Command    string     `json:"command"`
	Args       []string   `json:"args"`
	ExitCode   int        `json:"exit_code"`
	State      JobState   `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// LogPage is one window of a job's log lines.
type LogPage struct {
	Logs    []string `json:"logs"`
	EndLine int      `json:"endLine"`
	IsEnd   bool     `json:"isEnd"`
}

// LogQuery selects a window of log lines. Lines are numbered from 1.
type LogQuery struct {
	FromLine       int
	PageSize       int
	IgnoreKeywords []string
	OnlyKeywords   []string
	LastRows       int
}

// JobFilter narrows job listings.
type JobFilter struct {
	State       JobState
	Name        string
	LaunchStart *time.Time
	LaunchEnd   *time.Time
	Current     int
	Size        int
}

// TenancyStats is a point-in-time view of one tenancy group.
type TenancyStats struct {
	Tenancy     string    `json:"tenancy"`
	Queued      int       `json:"queued"`
	Running     int       `json:"running"`
	MaxCapacity int       `json:"max_capacity"`
	MaxRunning  int       `json:"max_running"`
	LastActive  time.Time `json:"last_active"`
}

// Decision is an audit record of a scheduling decision.
type Decision struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	JobID      string    `json:"job_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
