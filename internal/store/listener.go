package store

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fentz26/tessera/internal/models"
)

// JobTransitioned persists a job transition. Entering the running state opens
// a run; reaching a terminal state closes it.
func (s *Store) JobTransitioned(job *models.Job) {
	logger := log.WithFields(log.Fields{"job": job.ID, "state": job.State})
	if err := s.SaveJob(job); err != nil {
		logger.WithError(err).Error("failed to persist job transition")
		return
	}

	switch {
	case job.State == models.JobStateRunning:
		if _, err := s.StartRun(job); err != nil {
			logger.WithError(err).Error("failed to record run start")
		}
	case job.State.IsTerminal() && job.StartedAt != nil:
		ended := time.Now().UTC()
		if job.FinishedAt != nil {
			ended = *job.FinishedAt
		}
		if err := s.EndRun(job.ID, job.State, job.ExitCode, ended); err != nil {
			logger.WithError(err).Error("failed to record run end")
		}
	}
}

// JobProgressed persists the progress of a running job.
func (s *Store) JobProgressed(jobID string, progress float64) {
	if err := s.UpdateProgress(jobID, progress); err != nil {
		log.WithField("job", jobID).WithError(err).Error("failed to persist progress")
	}
}

// JobLogged appends a line to the job log.
func (s *Store) JobLogged(jobID, line string) {
	if err := s.AppendLog(jobID, line); err != nil {
		log.WithField("job", jobID).WithError(err).Error("failed to persist log line")
	}
}
