// Package controlplane provides the HTTP API and service layer of the Tessera daemon.
package controlplane

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fentz26/tessera/internal/models"
	"github.com/fentz26/tessera/internal/scheduler"
	"github.com/fentz26/tessera/internal/store"
)

// JobScheduler is the scheduling surface the control plane drives.
type JobScheduler interface {
	Submit(ctx context.Context, job *models.Job) (*scheduler.JobHandle, error)
	Kill(jobID string) error
	Status(jobID string) (*models.Job, error)
	Groups() []models.TenancyStats
}

// SubmitRequest describes a job to execute.
type SubmitRequest struct {
	Name        string   `json:"name"`
	ExecuteUser string   `json:"executeUser"`
	Engine      string   `json:"engine"`
	Command     string   `json:"command"`
	Args        []string `json:"args"`
}

// JobProgress is the status and progress of a job.
type JobProgress struct {
	Status   models.JobState `json:"status"`
	Progress float64         `json:"progress"`
}

// HealthResponse is the payload of the health endpoint.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

// Service provides the control plane business logic.
type Service struct {
	sched   JobScheduler
	store   *store.Store
	version string
}

// NewService creates a new control plane service.
func NewService(sched JobScheduler, s *store.Store, version string) *Service {
	return &Service{sched: sched, store: s, version: version}
}

// SubmitJob admits a new job on behalf of loginUser. The execute user
// defaults to the login user.
func (s *Service) SubmitJob(ctx context.Context, loginUser string, req SubmitRequest) (*scheduler.JobHandle, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, errors.Wrap(ErrInvalidJob, "command is required")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = req.Command
	}
	executeUser := strings.TrimSpace(req.ExecuteUser)
	if executeUser == "" {
		executeUser = loginUser
	}

	job := models.NewJob(name, executeUser, loginUser, req.Command, req.Args)
	job.Engine = req.Engine
	return s.sched.Submit(ctx, job)
}

// GetJob returns the live state of a job, falling back to the store for
// jobs the scheduler no longer tracks.
func (s *Service) GetJob(id string) (*models.Job, error) {
	job, err := s.sched.Status(id)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, scheduler.ErrJobNotFound) {
		return nil, err
	}
	job, err = s.store.GetJob(id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// ListJobs returns one page of jobs and the total number of matches.
func (s *Service) ListJobs(f models.JobFilter) ([]models.Job, int, error) {
	return s.store.ListJobs(f)
}

// GetTasks returns the execution attempts of a job.
func (s *Service) GetTasks(id string) ([]models.Run, error) {
	if _, err := s.GetJob(id); err != nil {
		return nil, err
	}
	return s.store.GetRunsForJob(id)
}

// GetProgress returns the status and progress of a job.
func (s *Service) GetProgress(id string) (*JobProgress, error) {
	job, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}
	return &JobProgress{Status: job.State, Progress: job.Progress}, nil
}

// GetLogs returns a window of the job log. Only the creator or the execute
// user of the job may read it.
func (s *Service) GetLogs(loginUser, id string, q models.LogQuery) (*models.LogPage, error) {
	job, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}
	if !hasAuthority(loginUser, job) {
		return nil, ErrAuthorizationDenied
	}
	return s.store.GetLogs(id, q)
}

// KillJob cancels a job on behalf of loginUser.
func (s *Service) KillJob(loginUser, id string) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	if !hasAuthority(loginUser, job) {
		return ErrAuthorizationDenied
	}

	err = s.sched.Kill(id)
	if errors.Is(err, scheduler.ErrJobNotFound) && job.State.IsTerminal() {
		return nil
	}
	if err == nil {
		log.WithFields(log.Fields{"job": id, "user": loginUser}).Info("kill requested")
	}
	return err
}

// Tenancies returns the live tenancy groups.
func (s *Service) Tenancies() []models.TenancyStats {
	return s.sched.Groups()
}

// Health reports whether the daemon can serve requests.
func (s *Service) Health(ctx context.Context) HealthResponse {
	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: s.version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.store.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = err.Error()
	}
	return resp
}

func hasAuthority(loginUser string, job *models.Job) bool {
	return loginUser != "" && (loginUser == job.CreateUser || loginUser == job.ExecuteUser)
}
