package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fentz26/tessera/internal/executor"
	"github.com/fentz26/tessera/internal/models"
)

// BackoffConfig shapes the retry of executor acquisition.
type BackoffConfig struct {
	Initial time.Duration `mapstructure:"initial"`
	Max     time.Duration `mapstructure:"max"`
}

// abortGrace bounds the wait for aborted runs once a shutdown deadline passed.
const abortGrace = 5 * time.Second

// DefaultBackoff returns the default executor acquisition backoff.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Initial: 50 * time.Millisecond, Max: 2 * time.Second}
}

// dispatchTracker is told about every dispatch and completion.
type dispatchTracker interface {
	// begin marks the job running on e. It returns false when the job was
	// killed after leaving the queue; the caller then gives the slot back.
	begin(job *models.Job, e executor.Executor, cancel context.CancelFunc) bool
	// finish records the outcome of a job that begin accepted.
	finish(job *models.Job, out executor.Outcome)
}

// ConsumerManager runs one dedicated worker per active tenancy group. A
// worker pulls its group's jobs in FIFO order and hands them to executors.
type ConsumerManager struct {
	executors executor.Manager
	reporter  executor.Reporter
	tracker   dispatchTracker
	backoff   BackoffConfig
	metrics   *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	stopped  bool
	workers  map[string]context.CancelFunc
	runs     map[string]context.CancelFunc
	loops    sync.WaitGroup
	inflight sync.WaitGroup
	grace    time.Duration
}

func newConsumerManager(em executor.Manager, rep executor.Reporter, tr dispatchTracker, bo BackoffConfig, m *Metrics) *ConsumerManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConsumerManager{
		executors: em,
		reporter:  rep,
		tracker:   tr,
		backoff:   bo,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		workers:   make(map[string]context.CancelFunc),
		runs:      make(map[string]context.CancelFunc),
		grace:     abortGrace,
	}
}

// Attach starts the worker of g. Attaching after Shutdown is a no-op.
func (m *ConsumerManager) Attach(g *TenancyGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	if _, ok := m.workers[g.Key()]; ok {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.workers[g.Key()] = cancel
	m.loops.Add(1)
	go m.consume(ctx, g)
}

// Detach stops the worker of g.
func (m *ConsumerManager) Detach(g *TenancyGroup) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cancel, ok := m.workers[g.Key()]; ok {
		cancel()
		delete(m.workers, g.Key())
	}
}

// Workers returns the number of attached workers.
func (m *ConsumerManager) Workers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Shutdown stops every worker from pulling new jobs and waits for in-flight
// executions to finish. When ctx expires first, the remaining runs are
// cancelled and given a short grace period to report their outcome. Jobs
// still queued stay in their groups.
func (m *ConsumerManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	m.cancel()
	m.loops.Wait()

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	aborted := m.abortRuns()
	log.WithField("jobs", aborted).Warn("shutdown deadline passed, cancelling running jobs")
	select {
	case <-done:
	case <-time.After(m.grace):
		log.Warn("running jobs did not stop after cancellation")
	}
	return errors.Wrap(ctx.Err(), "waiting for running jobs")
}

func (m *ConsumerManager) abortRuns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cancel := range m.runs {
		cancel()
	}
	return len(m.runs)
}

func (m *ConsumerManager) consume(ctx context.Context, g *TenancyGroup) {
	defer m.loops.Done()
	logger := log.WithField("tenancy", g.Key())
	logger.Debug("consumer started")
	defer logger.Debug("consumer stopped")

	for {
		if !g.HasEligible() {
			select {
			case <-g.Ready():
				continue
			case <-g.Retired():
				return
			case <-ctx.Done():
				return
			}
		}

		e, err := m.acquire(ctx, g)
		if err != nil {
			return
		}
		if e == nil {
			continue
		}

		job, err := g.TryDequeue()
		if err != nil {
			m.executors.Release(e)
			if errors.Is(err, ErrGroupRetired) {
				return
			}
			continue
		}
		m.dispatch(g, job, e)
	}
}

// acquire obtains an executor, backing off while none is free. It returns a
// nil executor without error when the group stopped being eligible meanwhile,
// and an error only when ctx is done.
func (m *ConsumerManager) acquire(ctx context.Context, g *TenancyGroup) (executor.Executor, error) {
	start := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.backoff.Initial
	b.MaxInterval = m.backoff.Max
	b.MaxElapsedTime = 0

	var e executor.Executor
	op := func() error {
		if !g.HasEligible() {
			return nil
		}
		got, err := m.executors.Acquire(ctx)
		if err != nil {
			return err
		}
		e = got
		return nil
	}
	notify := func(err error, next time.Duration) {
		log.WithField("tenancy", g.Key()).WithError(err).Debugf("executor not acquired, retrying in %s", next)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if ctx.Err() != nil {
		if e != nil {
			m.executors.Release(e)
		}
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if e != nil && m.metrics != nil {
		m.metrics.observeAcquire(g.Key(), time.Since(start))
	}
	return e, nil
}

func (m *ConsumerManager) dispatch(g *TenancyGroup, job *models.Job, e executor.Executor) {
	// Running jobs outlive the pull context so that shutdown can drain them.
	runCtx, cancel := context.WithCancel(context.Background())
	if !m.tracker.begin(job, e, cancel) {
		cancel()
		m.executors.Release(e)
		g.OnJobFinished(job, models.JobStateKilled)
		return
	}

	log.WithFields(log.Fields{"tenancy": g.Key(), "job": job.ID, "executor": e.ID()}).Info("job dispatched")
	done := e.Run(runCtx, job, m.reporter)

	m.mu.Lock()
	m.runs[job.ID] = cancel
	m.mu.Unlock()

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		defer func() {
			m.mu.Lock()
			delete(m.runs, job.ID)
			m.mu.Unlock()
		}()
		out, ok := <-done
		if !ok {
			out = executor.Outcome{State: models.JobStateFailed, ExitCode: -1, Err: errors.New("executor closed without outcome")}
		}
		cancel()
		m.executors.Release(e)
		m.tracker.finish(job, out)
		g.OnJobFinished(job, out.State)
	}()
}
