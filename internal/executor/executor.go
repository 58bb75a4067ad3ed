// Package executor defines the execution resources that run admitted jobs.
package executor

import (
	"context"

	"github.com/pkg/errors"

	"github.com/fentz26/tessera/internal/models"
)

// ErrExecutorUnavailable is returned by Acquire when every executor is busy.
// It is transient: callers retry later instead of failing the job.
var ErrExecutorUnavailable = errors.New("no executor available")

// Result holds what a runner observed about a finished command.
type Result struct {
	ExitCode int `json:"exit_code"`
}

// Reporter receives the log lines and progress updates of a running job.
type Reporter interface {
	Log(jobID, line string)
	Progress(jobID string, progress float64)
}

// Runner performs the actual work of a job.
type Runner interface {
	// Name returns the runner identifier.
	Name() string

	// Execute runs the job's command until it exits or ctx is cancelled.
	Execute(ctx context.Context, job *models.Job, r Reporter) (*Result, error)

	// IsAllowed checks if a command is allowed to execute.
	IsAllowed(cmd string, args []string) bool
}

// Outcome is the terminal notification of one execution.
type Outcome struct {
	State    models.JobState
	ExitCode int
	Err      error
}

// Executor runs one job at a time.
type Executor interface {
	ID() string

	// Run starts the job and returns a channel that receives exactly one
	// Outcome and is then closed. Cancelling ctx asks the execution to stop.
	Run(ctx context.Context, job *models.Job, r Reporter) <-chan Outcome
}

// Manager hands out executors.
type Manager interface {
	// Acquire returns a free executor or ErrExecutorUnavailable.
	Acquire(ctx context.Context) (Executor, error)

	// Release returns an executor obtained from Acquire.
	Release(e Executor)
}

// NopReporter discards everything.
type NopReporter struct{}

func (NopReporter) Log(string, string)       {}
func (NopReporter) Progress(string, float64) {}
