package controlplane

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fentz26/tessera/internal/models"
)

// InterruptedByRestart is the error recorded on jobs a previous daemon left running.
const InterruptedByRestart = "interrupted by restart"

// Recover resumes the work a previous daemon left behind. Jobs still
// running are failed since their process is gone. Jobs still queued are
// admitted again in submission order; those the scheduler refuses are failed.
func (s *Service) Recover(ctx context.Context) error {
	var result *multierror.Error
	now := time.Now().UTC()

	running, err := s.store.ListJobsByState(models.JobStateRunning)
	if err != nil {
		return errors.Wrap(err, "listing running jobs")
	}
	for i := range running {
		job := &running[i]
		if err := s.fail(job, InterruptedByRestart, now); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if job.StartedAt != nil {
			if err := s.store.EndRun(job.ID, job.State, -1, now); err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "closing run of job %s", job.ID))
			}
		}
	}

	queued, err := s.store.ListJobsByState(models.JobStateQueued)
	if err != nil {
		return errors.Wrap(err, "listing queued jobs")
	}
	requeued := 0
	for i := range queued {
		job := &queued[i]
		if _, err := s.sched.Submit(ctx, job); err != nil {
			log.WithField("job", job.ID).WithError(err).Warn("queued job could not be re-admitted")
			if err := s.fail(job, "not re-admitted after restart: "+err.Error(), now); err != nil {
				result = multierror.Append(result, err)
			}
			continue
		}
		requeued++
	}

	if len(running) > 0 || len(queued) > 0 {
		log.WithFields(log.Fields{
			"requeued":    requeued,
			"refused":     len(queued) - requeued,
			"interrupted": len(running),
		}).Info("recovered jobs from previous run")
	}
	return result.ErrorOrNil()
}

func (s *Service) fail(job *models.Job, reason string, at time.Time) error {
	job.State = models.JobStateFailed
	job.Error = reason
	job.ExitCode = -1
	job.FinishedAt = &at
	return errors.Wrapf(s.store.SaveJob(job), "failing job %s", job.ID)
}
