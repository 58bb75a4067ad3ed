// Package scheduler admits jobs into per-tenancy FIFO groups and dispatches
// them to executors under per-tenancy concurrency bounds.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/fentz26/tessera/internal/executor"
	"github.com/fentz26/tessera/internal/models"
)

// Name identifies this scheduler implementation.
const Name = "Tessera-Multi-Tenancy-Scheduler"

const defaultFinishedCacheSize = 1024

// StatusListener receives every job transition, progress update and log line.
// Transitions of one job are delivered in order.
//
// Calls are synchronous and made while the job's state lock is held, and on
// admission also while Submit holds the shutdown gate. A slow listener
// delays admission and dispatch of that job's tenancy, so implementations
// should return promptly.
type StatusListener interface {
	JobTransitioned(job *models.Job)
	JobProgressed(jobID string, progress float64)
	JobLogged(jobID, line string)
}

// DecisionRecorder keeps an audit trail of scheduling decisions.
type DecisionRecorder interface {
	Record(action string, inputs interface{}, outcome, jobID, details string) (*models.Decision, error)
}

// JobHandle is returned for an admitted job.
type JobHandle struct {
	JobID   string `json:"jobExecutionId"`
	Tenancy string `json:"tenancy"`
}

// Context aggregates the collaborators of a running scheduler.
type Context struct {
	groups    *GroupFactory
	executors executor.Manager
	consumers *ConsumerManager
}

// GroupFactory returns the tenancy group registry.
func (c *Context) GroupFactory() *GroupFactory { return c.groups }

// ExecutorManager returns the executor source.
func (c *Context) ExecutorManager() executor.Manager { return c.executors }

// ConsumerManager returns the worker manager.
func (c *Context) ConsumerManager() *ConsumerManager { return c.consumers }

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithStatusListener sets the receiver of job transitions.
func WithStatusListener(l StatusListener) Option {
	return func(s *Scheduler) { s.listener = l }
}

// WithDecisionRecorder sets the audit trail writer.
func WithDecisionRecorder(r DecisionRecorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithRegisterer registers the scheduler metrics with r on Init.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(s *Scheduler) { s.registerer = r }
}

// WithAcquireBackoff overrides the executor acquisition backoff.
func WithAcquireBackoff(b BackoffConfig) Option {
	return func(s *Scheduler) { s.backoff = b }
}

// WithFinishedCacheSize bounds how many finished jobs stay queryable in memory.
func WithFinishedCacheSize(n int) Option {
	return func(s *Scheduler) { s.finishedSize = n }
}

func withClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

type jobEntry struct {
	mu     sync.Mutex
	job    *models.Job
	group  *TenancyGroup
	cancel context.CancelFunc
}

// Scheduler is the multi-tenancy scheduler. Build it with New and start it
// with Init; Submit, Kill and Status may then be called concurrently.
type Scheduler struct {
	constraints  Constraints
	executors    executor.Manager
	listener     StatusListener
	recorder     DecisionRecorder
	registerer   prometheus.Registerer
	backoff      BackoffConfig
	finishedSize int
	now          func() time.Time

	initOnce     sync.Once
	initErr      error
	sctx         *Context
	metrics      *Metrics
	finished     *lru.Cache
	reaperCancel context.CancelFunc
	reaperDone   chan struct{}

	// admit is held shared by every admission and exclusively by Shutdown, so
	// that no job is enqueued after the pending jobs were collected.
	admit   sync.RWMutex
	stopped bool

	mu     sync.RWMutex
	active map[string]*jobEntry
}

// New creates a scheduler bound by c that runs jobs on executors from em.
func New(c Constraints, em executor.Manager, opts ...Option) (*Scheduler, error) {
	if em == nil {
		return nil, errors.New("executor manager is required")
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid scheduler constraints")
	}
	s := &Scheduler{
		constraints:  c,
		executors:    em,
		backoff:      DefaultBackoff(),
		finishedSize: defaultFinishedCacheSize,
		now:          time.Now,
		active:       make(map[string]*jobEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name returns the scheduler name.
func (s *Scheduler) Name() string {
	return Name
}

// Init builds the group registry and the consumer workers. It is safe to call
// more than once.
func (s *Scheduler) Init() error {
	s.initOnce.Do(func() {
		s.initErr = s.init()
	})
	return s.initErr
}

func (s *Scheduler) init() error {
	groups, err := NewGroupFactory(s.constraints)
	if err != nil {
		return err
	}
	groups.now = s.now

	finished, err := lru.New(s.finishedSize)
	if err != nil {
		return errors.Wrap(err, "creating finished job cache")
	}

	metrics := newMetrics(groups)
	if s.registerer != nil {
		if err := s.registerer.Register(metrics); err != nil {
			return errors.Wrap(err, "registering scheduler metrics")
		}
	}

	consumers := newConsumerManager(s.executors, s, s, s.backoff, metrics)
	groups.OnCreate(consumers.Attach)
	groups.OnRetire(consumers.Detach)

	ctx, cancel := context.WithCancel(context.Background())
	s.reaperCancel = cancel
	s.reaperDone = make(chan struct{})
	go func() {
		defer close(s.reaperDone)
		groups.Run(ctx)
	}()

	s.metrics = metrics
	s.finished = finished
	s.sctx = &Context{groups: groups, executors: s.executors, consumers: consumers}

	log.WithFields(log.Fields{
		"maxParallelTenancies": s.constraints.MaxParallelTenancies,
		"tenancies":            s.constraints.TenancyPattern,
		"groupMaxCapacity":     s.constraints.GroupMaxCapacity,
		"groupMaxRunningJobs":  s.constraints.GroupMaxRunningJobs,
	}).Infof("%s initialized", Name)
	return nil
}

// Context returns the scheduler context, or nil when Init failed.
func (s *Scheduler) Context() *Context {
	if s.Init() != nil {
		return nil
	}
	return s.sctx
}

// Submit admits job into its tenancy group. Admission errors are returned
// as is and never retried. The caller's job value is not modified.
func (s *Scheduler) Submit(ctx context.Context, job *models.Job) (*JobHandle, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if job == nil || job.ID == "" {
		return nil, errors.New("job must have an id")
	}

	s.admit.RLock()
	defer s.admit.RUnlock()
	if s.stopped {
		return nil, ErrSchedulerStopped
	}

	entry := &jobEntry{job: job.Clone()}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	s.mu.Lock()
	if _, dup := s.active[job.ID]; dup {
		s.mu.Unlock()
		return nil, errors.Errorf("job %s already submitted", job.ID)
	}
	s.active[job.ID] = entry
	s.mu.Unlock()

	g, err := s.enqueue(entry.job)
	if err != nil {
		s.mu.Lock()
		delete(s.active, job.ID)
		s.mu.Unlock()
		s.reject(entry.job, err)
		return nil, err
	}

	entry.group = g
	entry.job.Tenancy = g.Key()
	entry.job.State = models.JobStateQueued
	s.metrics.observeAdmitted(g.Key())
	s.transitioned(entry.job)
	s.record("job.admit", entry.job, "queued", fmt.Sprintf("queued in tenancy %s", g.Key()))

	log.WithFields(log.Fields{"tenancy": g.Key(), "job": job.ID}).Info("job admitted")
	return &JobHandle{JobID: job.ID, Tenancy: g.Key()}, nil
}

// enqueue resolves the group of job and appends it. A group retired between
// the two steps is resolved again.
func (s *Scheduler) enqueue(job *models.Job) (*TenancyGroup, error) {
	for {
		g, err := s.sctx.groups.ResolveGroup(job)
		if err != nil {
			return nil, err
		}
		err = g.Enqueue(job)
		if errors.Is(err, ErrGroupRetired) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return g, nil
	}
}

func (s *Scheduler) reject(job *models.Job, err error) {
	reason := "invalid"
	switch {
	case errors.Is(err, ErrTenancyLimitExceeded):
		reason = "tenancy_limit"
	case errors.Is(err, ErrQueueFull):
		reason = "queue_full"
	}
	s.metrics.observeRejected(reason)
	s.record("job.reject", job, reason, err.Error())
	log.WithFields(log.Fields{"job": job.ID, "executeUser": job.ExecuteUser}).WithError(err).Warn("job rejected")
}

// Kill cancels a job. A queued job is removed from its group at once; a
// running job has its execution cancelled and is reported killed without
// waiting for the executor. Killing a finished job is a no-op.
func (s *Scheduler) Kill(jobID string) error {
	if err := s.Init(); err != nil {
		return err
	}
	entry, ok := s.lookup(jobID)
	if !ok {
		if s.finished.Contains(jobID) {
			return nil
		}
		return ErrJobNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	logger := log.WithFields(log.Fields{"tenancy": entry.job.Tenancy, "job": jobID})
	switch entry.job.State {
	case models.JobStateQueued:
		// A job missing from the queue was just dequeued; begin will refuse it.
		if _, removed := entry.group.Remove(jobID); !removed {
			logger.Debug("killed job already left the queue")
		}
		s.terminate(entry.job, models.JobStateKilled, "killed while queued")
		s.retire(entry)
		logger.Info("queued job killed")
	case models.JobStateRunning:
		if entry.cancel != nil {
			entry.cancel()
		}
		s.terminate(entry.job, models.JobStateKilled, "killed while running")
		logger.Info("running job killed")
	}
	return nil
}

// Status returns a snapshot of the job.
func (s *Scheduler) Status(jobID string) (*models.Job, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}
	if entry, ok := s.lookup(jobID); ok {
		entry.mu.Lock()
		defer entry.mu.Unlock()
		return entry.job.Clone(), nil
	}
	if v, ok := s.finished.Get(jobID); ok {
		return v.(*models.Job).Clone(), nil
	}
	return nil, ErrJobNotFound
}

// Groups returns the stats of every active tenancy group.
func (s *Scheduler) Groups() []models.TenancyStats {
	if err := s.Init(); err != nil {
		return nil
	}
	groups := s.sctx.groups.Groups()
	out := make([]models.TenancyStats, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.Stats())
	}
	return out
}

// Shutdown stops admission, stops the workers from pulling new jobs and waits
// for running jobs until ctx expires. The jobs left queued are returned as
// unscheduled; they keep the queued state.
func (s *Scheduler) Shutdown(ctx context.Context) ([]*models.Job, error) {
	if err := s.Init(); err != nil {
		return nil, err
	}

	s.admit.Lock()
	if s.stopped {
		s.admit.Unlock()
		return nil, ErrSchedulerStopped
	}
	s.stopped = true
	s.admit.Unlock()

	s.reaperCancel()
	<-s.reaperDone

	var result *multierror.Error
	if err := s.sctx.consumers.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	var unscheduled []*models.Job
	for _, g := range s.sctx.groups.Groups() {
		for _, job := range g.Pending() {
			entry, ok := s.lookup(job.ID)
			if !ok {
				continue
			}
			entry.mu.Lock()
			unscheduled = append(unscheduled, entry.job.Clone())
			entry.mu.Unlock()
		}
	}
	for _, job := range unscheduled {
		log.WithFields(log.Fields{"tenancy": job.Tenancy, "job": job.ID}).Warn("job left unscheduled at shutdown")
	}
	log.Infof("%s stopped", Name)
	return unscheduled, result.ErrorOrNil()
}

func (s *Scheduler) begin(job *models.Job, e executor.Executor, cancel context.CancelFunc) bool {
	entry, ok := s.lookup(job.ID)
	if !ok {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.job.State != models.JobStateQueued {
		return false
	}
	now := s.now().UTC()
	entry.job.State = models.JobStateRunning
	entry.job.StartedAt = &now
	entry.job.ExecutorID = e.ID()
	entry.cancel = cancel
	s.transitioned(entry.job)
	s.record("job.dispatch", entry.job, "running", fmt.Sprintf("dispatched to executor %s", e.ID()))
	return true
}

func (s *Scheduler) finish(job *models.Job, out executor.Outcome) {
	entry, ok := s.lookup(job.ID)
	if !ok {
		log.WithField("job", job.ID).Warn("outcome for unknown job")
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.job.ExitCode = out.ExitCode
	entry.cancel = nil
	if entry.job.State == models.JobStateRunning {
		msg := ""
		if out.Err != nil {
			msg = out.Err.Error()
		}
		if out.State == models.JobStateSucceeded {
			entry.job.Progress = 1
		}
		s.terminate(entry.job, out.State, msg)
	} else {
		// Killed while running: the kill was already reported.
		s.transitioned(entry.job)
	}
	s.retire(entry)

	log.WithFields(log.Fields{
		"tenancy":  entry.job.Tenancy,
		"job":      entry.job.ID,
		"state":    entry.job.State,
		"exitCode": out.ExitCode,
	}).Info("job finished")
}

// terminate moves the job into a terminal state. entry.mu must be held.
func (s *Scheduler) terminate(job *models.Job, state models.JobState, msg string) {
	now := s.now().UTC()
	job.State = state
	job.FinishedAt = &now
	if msg != "" && state != models.JobStateSucceeded {
		job.Error = msg
	}
	s.metrics.observeFinished(job.Tenancy, string(state))
	s.transitioned(job)
	s.record("job."+string(state), job, string(state), msg)
}

// retire moves a terminal entry from the active set to the finished cache.
func (s *Scheduler) retire(entry *jobEntry) {
	s.finished.Add(entry.job.ID, entry.job.Clone())
	s.mu.Lock()
	delete(s.active, entry.job.ID)
	s.mu.Unlock()
}

func (s *Scheduler) lookup(jobID string) (*jobEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.active[jobID]
	return e, ok
}

// Log implements executor.Reporter.
func (s *Scheduler) Log(jobID, line string) {
	if s.listener != nil {
		s.listener.JobLogged(jobID, line)
	}
}

// Progress implements executor.Reporter. Non-finite values are dropped.
func (s *Scheduler) Progress(jobID string, progress float64) {
	if math.IsNaN(progress) || math.IsInf(progress, 0) {
		return
	}
	switch {
	case progress < 0:
		progress = 0
	case progress > 1:
		progress = 1
	}
	entry, ok := s.lookup(jobID)
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.job.State != models.JobStateRunning {
		return
	}
	entry.job.Progress = progress
	if s.listener != nil {
		s.listener.JobProgressed(jobID, progress)
	}
}

func (s *Scheduler) transitioned(job *models.Job) {
	if s.listener != nil {
		s.listener.JobTransitioned(job.Clone())
	}
}

func (s *Scheduler) record(action string, job *models.Job, outcome, details string) {
	if s.recorder == nil {
		return
	}
	inputs := map[string]interface{}{
		"job_id":       job.ID,
		"execute_user": job.ExecuteUser,
		"tenancy":      job.Tenancy,
		"command":      job.Command,
	}
	if _, err := s.recorder.Record(action, inputs, outcome, job.ID, details); err != nil {
		log.WithField("job", job.ID).WithError(err).Warn("failed to record decision")
	}
}
