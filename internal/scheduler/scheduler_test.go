package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/tessera/internal/executor"
	"github.com/fentz26/tessera/internal/models"
)

const waitFor = 2 * time.Second

// fakeExecutors hands out a configurable number of executors whose runs
// finish only when the test completes them or cancels them.
type fakeExecutors struct {
	mu      sync.Mutex
	slots   int
	busy    int
	seq     int
	runs    map[string]chan executor.Outcome
	started chan string
}

func newFakeExecutors(slots int) *fakeExecutors {
	return &fakeExecutors{
		slots:   slots,
		runs:    make(map[string]chan executor.Outcome),
		started: make(chan string, 100),
	}
}

func (f *fakeExecutors) Acquire(ctx context.Context) (executor.Executor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy >= f.slots {
		return nil, executor.ErrExecutorUnavailable
	}
	f.busy++
	f.seq++
	return &fakeExecutor{id: fmt.Sprintf("fake-%d", f.seq), f: f}, nil
}

func (f *fakeExecutors) Release(executor.Executor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busy--
}

func (f *fakeExecutors) setSlots(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slots = n
}

func (f *fakeExecutors) inUse() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *fakeExecutors) complete(t *testing.T, jobID string, out executor.Outcome) {
	t.Helper()
	f.mu.Lock()
	ch, ok := f.runs[jobID]
	f.mu.Unlock()
	require.True(t, ok, "job %s never ran", jobID)
	ch <- out
}

func (f *fakeExecutors) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case id := <-f.started:
		return id
	case <-time.After(waitFor):
		t.Fatal("no job started")
		return ""
	}
}

func (f *fakeExecutors) assertNoStart(t *testing.T) {
	t.Helper()
	select {
	case id := <-f.started:
		t.Fatalf("job %s started unexpectedly", id)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeExecutor struct {
	id string
	f  *fakeExecutors
}

func (e *fakeExecutor) ID() string { return e.id }

func (e *fakeExecutor) Run(ctx context.Context, job *models.Job, r executor.Reporter) <-chan executor.Outcome {
	finish := make(chan executor.Outcome, 1)
	e.f.mu.Lock()
	e.f.runs[job.ID] = finish
	e.f.mu.Unlock()

	out := make(chan executor.Outcome, 1)
	go func() {
		defer close(out)
		r.Log(job.ID, "started "+job.Name)
		select {
		case o := <-finish:
			out <- o
		case <-ctx.Done():
			out <- executor.Outcome{State: models.JobStateKilled, ExitCode: -1, Err: ctx.Err()}
		}
	}()
	e.f.started <- job.ID
	return out
}

type recordingListener struct {
	mu          sync.Mutex
	transitions map[string][]models.JobState
	progress    map[string]float64
	logs        map[string][]string
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		transitions: make(map[string][]models.JobState),
		progress:    make(map[string]float64),
		logs:        make(map[string][]string),
	}
}

func (l *recordingListener) JobTransitioned(job *models.Job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions[job.ID] = append(l.transitions[job.ID], job.State)
}

func (l *recordingListener) JobProgressed(jobID string, progress float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.progress[jobID] = progress
}

func (l *recordingListener) JobLogged(jobID, line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs[jobID] = append(l.logs[jobID], line)
}

func (l *recordingListener) states(jobID string) []models.JobState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.JobState(nil), l.transitions[jobID]...)
}

type recordingRecorder struct {
	mu      sync.Mutex
	actions []string
}

func (r *recordingRecorder) Record(action string, _ interface{}, outcome, jobID, _ string) (*models.Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
	return &models.Decision{Action: action, Outcome: outcome, JobID: jobID}, nil
}

func (r *recordingRecorder) has(action string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.actions {
		if a == action {
			return true
		}
	}
	return false
}

func newTestScheduler(t *testing.T, c Constraints, em executor.Manager, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithAcquireBackoff(BackoffConfig{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond})}, opts...)
	s, err := New(c, em, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Init())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, _ = s.Shutdown(ctx)
	})
	return s
}

func submit(t *testing.T, s *Scheduler, user string, n int) *models.Job {
	t.Helper()
	job := testJob(user, n)
	_, err := s.Submit(context.Background(), job)
	require.NoError(t, err)
	return job
}

func waitState(t *testing.T, s *Scheduler, jobID string, want models.JobState) {
	t.Helper()
	require.Eventually(t, func() bool {
		j, err := s.Status(jobID)
		return err == nil && j.State == want
	}, waitFor, 5*time.Millisecond, "job %s never reached %s", jobID, want)
}

func waitRunning(t *testing.T, g *TenancyGroup, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return g.Running() == want }, waitFor, 5*time.Millisecond)
}

func TestNewValidates(t *testing.T) {
	c := DefaultConstraints()
	c.GroupMaxRunningJobs = 0
	_, err := New(c, newFakeExecutors(1))
	assert.Error(t, err)

	c = DefaultConstraints()
	c.GroupMaxCapacity = 10
	c.GroupMaxRunningJobs = 11
	_, err = New(c, newFakeExecutors(1))
	assert.ErrorContains(t, err, "groupMaxRunningJobs must not exceed groupMaxCapacity")

	c.GroupMaxRunningJobs = 10
	_, err = New(c, newFakeExecutors(1))
	assert.NoError(t, err)

	_, err = New(DefaultConstraints(), nil)
	assert.Error(t, err)

	s, err := New(DefaultConstraints(), newFakeExecutors(1))
	require.NoError(t, err)
	assert.Equal(t, "Tessera-Multi-Tenancy-Scheduler", s.Name())
}

func TestContextAggregatesCollaborators(t *testing.T) {
	em := newFakeExecutors(1)
	s := newTestScheduler(t, DefaultConstraints(), em)

	sctx := s.Context()
	require.NotNil(t, sctx)
	assert.NotNil(t, sctx.GroupFactory())
	assert.NotNil(t, sctx.ConsumerManager())
	assert.Equal(t, executor.Manager(em), sctx.ExecutorManager())
	assert.Same(t, sctx, s.Context())
}

func TestQueueFullScenario(t *testing.T) {
	c := DefaultConstraints()
	c.MaxParallelTenancies = 1
	c.GroupInitCapacity = 1
	c.GroupMaxCapacity = 2
	c.GroupMaxRunningJobs = 1
	em := newFakeExecutors(10)
	s := newTestScheduler(t, c, em)

	j1 := submit(t, s, "hadoop", 1)
	assert.Equal(t, j1.ID, em.waitStarted(t))
	waitState(t, s, j1.ID, models.JobStateRunning)

	j2 := submit(t, s, "hadoop", 2)
	st, err := s.Status(j2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateQueued, st.State)

	_, err = s.Submit(context.Background(), testJob("hadoop", 3))
	assert.ErrorIs(t, err, ErrQueueFull)
	em.assertNoStart(t)

	em.complete(t, j1.ID, executor.Outcome{State: models.JobStateSucceeded})
	assert.Equal(t, j2.ID, em.waitStarted(t))
	waitState(t, s, j2.ID, models.JobStateRunning)
	waitState(t, s, j1.ID, models.JobStateSucceeded)
}

func TestTenancyLimitScenario(t *testing.T) {
	s := newTestScheduler(t, DefaultConstraints(), newFakeExecutors(1))

	h, err := s.Submit(context.Background(), testJob("hadoop", 1))
	require.NoError(t, err)
	assert.Equal(t, "hadoop", h.Tenancy)

	_, err = s.Submit(context.Background(), testJob("log", 2))
	assert.ErrorIs(t, err, ErrTenancyLimitExceeded)

	_, err = s.Submit(context.Background(), testJob("hadoop", 3))
	assert.NoError(t, err, "active tenancy must still admit at the cap")
}

func TestSubmitDoesNotModifyCallerJob(t *testing.T) {
	s := newTestScheduler(t, DefaultConstraints(), newFakeExecutors(0))
	job := testJob("hadoop", 1)
	_, err := s.Submit(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, models.JobStateSubmitted, job.State)
	assert.Empty(t, job.Tenancy)

	_, err = s.Submit(context.Background(), job)
	assert.Error(t, err, "duplicate submission")
}

func TestSubmitRejectsCancelledContext(t *testing.T) {
	s := newTestScheduler(t, DefaultConstraints(), newFakeExecutors(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Submit(ctx, testJob("hadoop", 1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDispatchFollowsFIFO(t *testing.T) {
	c := DefaultConstraints()
	c.GroupMaxRunningJobs = 1
	em := newFakeExecutors(0)
	s := newTestScheduler(t, c, em)

	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, submit(t, s, "hadoop", i).ID)
	}
	em.setSlots(1)

	var got []string
	for range want {
		id := em.waitStarted(t)
		got = append(got, id)
		em.complete(t, id, executor.Outcome{State: models.JobStateSucceeded})
	}
	assert.Equal(t, want, got)
}

func TestRunningLimitIsHonoured(t *testing.T) {
	c := DefaultConstraints()
	c.GroupMaxRunningJobs = 2
	em := newFakeExecutors(10)
	s := newTestScheduler(t, c, em)

	var jobs []*models.Job
	for i := 0; i < 4; i++ {
		jobs = append(jobs, submit(t, s, "hadoop", i))
	}
	first, second := em.waitStarted(t), em.waitStarted(t)
	em.assertNoStart(t)

	g, ok := s.Context().GroupFactory().Group("hadoop")
	require.True(t, ok)
	assert.Equal(t, 2, g.Running())
	assert.Equal(t, 2, g.Len())

	em.complete(t, first, executor.Outcome{State: models.JobStateFailed, ExitCode: 2})
	assert.Equal(t, jobs[2].ID, em.waitStarted(t))
	em.assertNoStart(t)
	assert.Equal(t, 2, g.Running())

	em.complete(t, second, executor.Outcome{State: models.JobStateSucceeded})
	assert.Equal(t, jobs[3].ID, em.waitStarted(t))
}

func TestOutcomesAreRecorded(t *testing.T) {
	l := newRecordingListener()
	rec := &recordingRecorder{}
	em := newFakeExecutors(2)
	c := DefaultConstraints()
	c.GroupMaxRunningJobs = 2
	s := newTestScheduler(t, c, em, WithStatusListener(l), WithDecisionRecorder(rec))

	ok := submit(t, s, "hadoop", 1)
	bad := submit(t, s, "hadoop", 2)
	em.waitStarted(t)
	em.waitStarted(t)

	s.Progress(ok.ID, 0.4)
	em.complete(t, ok.ID, executor.Outcome{State: models.JobStateSucceeded})
	em.complete(t, bad.ID, executor.Outcome{State: models.JobStateFailed, ExitCode: 3, Err: fmt.Errorf("exit code 3")})
	waitState(t, s, ok.ID, models.JobStateSucceeded)
	waitState(t, s, bad.ID, models.JobStateFailed)

	j, err := s.Status(ok.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, j.Progress)
	assert.NotNil(t, j.StartedAt)
	assert.NotNil(t, j.FinishedAt)
	assert.Equal(t, "hadoop", j.Tenancy)
	assert.NotEmpty(t, j.ExecutorID)

	j, err = s.Status(bad.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, j.ExitCode)
	assert.Equal(t, "exit code 3", j.Error)

	assert.Equal(t, []models.JobState{models.JobStateQueued, models.JobStateRunning, models.JobStateSucceeded}, l.states(ok.ID))
	assert.Equal(t, []models.JobState{models.JobStateQueued, models.JobStateRunning, models.JobStateFailed}, l.states(bad.ID))

	l.mu.Lock()
	assert.Equal(t, 0.4, l.progress[ok.ID])
	assert.Equal(t, []string{"started job-1"}, l.logs[ok.ID])
	l.mu.Unlock()

	for _, action := range []string{"job.admit", "job.dispatch", "job.succeeded", "job.failed"} {
		assert.True(t, rec.has(action), "missing decision %s", action)
	}

	g, _ := s.Context().GroupFactory().Group("hadoop")
	waitRunning(t, g, 0)
	require.Eventually(t, func() bool { return em.inUse() == 0 }, waitFor, 5*time.Millisecond)
}

func TestKillQueuedJob(t *testing.T) {
	c := DefaultConstraints()
	c.GroupMaxRunningJobs = 1
	em := newFakeExecutors(10)
	l := newRecordingListener()
	s := newTestScheduler(t, c, em, WithStatusListener(l))

	running := submit(t, s, "hadoop", 0)
	require.Equal(t, running.ID, em.waitStarted(t))

	var queued []*models.Job
	for i := 1; i <= 3; i++ {
		queued = append(queued, submit(t, s, "hadoop", i))
	}
	g, _ := s.Context().GroupFactory().Group("hadoop")
	require.Equal(t, 3, g.Len())

	require.NoError(t, s.Kill(queued[1].ID))
	assert.Equal(t, 2, g.Len())
	assert.Equal(t, 1, g.Running())

	j, err := s.Status(queued[1].ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateKilled, j.State)
	assert.Equal(t, []models.JobState{models.JobStateQueued, models.JobStateKilled}, l.states(queued[1].ID))

	pending := g.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, queued[0].ID, pending[0].ID)
	assert.Equal(t, queued[2].ID, pending[1].ID)

	em.complete(t, running.ID, executor.Outcome{State: models.JobStateSucceeded})
	assert.Equal(t, queued[0].ID, em.waitStarted(t))
	em.complete(t, queued[0].ID, executor.Outcome{State: models.JobStateSucceeded})
	assert.Equal(t, queued[2].ID, em.waitStarted(t))
}

func TestKillRunningJob(t *testing.T) {
	em := newFakeExecutors(1)
	l := newRecordingListener()
	s := newTestScheduler(t, DefaultConstraints(), em, WithStatusListener(l))

	job := submit(t, s, "hadoop", 1)
	em.waitStarted(t)
	waitState(t, s, job.ID, models.JobStateRunning)

	require.NoError(t, s.Kill(job.ID))
	j, err := s.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateKilled, j.State)

	g, _ := s.Context().GroupFactory().Group("hadoop")
	waitRunning(t, g, 0)
	require.Eventually(t, func() bool { return em.inUse() == 0 }, waitFor, 5*time.Millisecond)

	j, err = s.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateKilled, j.State)
	assert.Equal(t, -1, j.ExitCode)

	states := l.states(job.ID)
	require.NotEmpty(t, states)
	for _, st := range states[2:] {
		assert.Equal(t, models.JobStateKilled, st)
	}
}

func TestKillIsIdempotent(t *testing.T) {
	em := newFakeExecutors(1)
	s := newTestScheduler(t, DefaultConstraints(), em)

	assert.ErrorIs(t, s.Kill("missing"), ErrJobNotFound)
	_, err := s.Status("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	job := submit(t, s, "hadoop", 1)
	em.waitStarted(t)
	em.complete(t, job.ID, executor.Outcome{State: models.JobStateSucceeded})
	waitState(t, s, job.ID, models.JobStateSucceeded)

	assert.NoError(t, s.Kill(job.ID))
	j, err := s.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateSucceeded, j.State)
}

func TestExecutorUnavailableKeepsJobQueued(t *testing.T) {
	em := newFakeExecutors(0)
	s := newTestScheduler(t, DefaultConstraints(), em)

	job := submit(t, s, "hadoop", 1)
	em.assertNoStart(t)

	j, err := s.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateQueued, j.State)
	g, _ := s.Context().GroupFactory().Group("hadoop")
	assert.Equal(t, 0, g.Running())
	assert.Equal(t, 1, g.Len())

	em.setSlots(1)
	assert.Equal(t, job.ID, em.waitStarted(t))
	waitState(t, s, job.ID, models.JobStateRunning)
}

func TestKillWhileWaitingForExecutor(t *testing.T) {
	em := newFakeExecutors(0)
	s := newTestScheduler(t, DefaultConstraints(), em)

	killed := submit(t, s, "hadoop", 1)
	next := submit(t, s, "hadoop", 2)
	require.NoError(t, s.Kill(killed.ID))

	em.setSlots(1)
	assert.Equal(t, next.ID, em.waitStarted(t))
	em.assertNoStart(t)
}

func TestTenanciesRunIndependently(t *testing.T) {
	c := DefaultConstraints()
	c.MaxParallelTenancies = 2
	c.GroupMaxRunningJobs = 1
	em := newFakeExecutors(10)
	s := newTestScheduler(t, c, em)

	h1 := submit(t, s, "hadoop", 1)
	submit(t, s, "hadoop", 2)
	l1 := submit(t, s, "log", 3)

	started := map[string]bool{em.waitStarted(t): true, em.waitStarted(t): true}
	assert.True(t, started[h1.ID])
	assert.True(t, started[l1.ID])
	em.assertNoStart(t)

	stats := s.Groups()
	require.Len(t, stats, 2)
	assert.Equal(t, "hadoop", stats[0].Tenancy)
	assert.Equal(t, 1, stats[0].Queued)
	assert.Equal(t, 1, stats[0].Running)
	assert.Equal(t, "log", stats[1].Tenancy)
	assert.Equal(t, 0, stats[1].Queued)
	assert.Equal(t, 2, s.Context().ConsumerManager().Workers())
}

func TestGroupRetirementFreesTenancy(t *testing.T) {
	c := DefaultConstraints()
	c.GroupIdleTimeout = 30 * time.Millisecond
	em := newFakeExecutors(1)
	s := newTestScheduler(t, c, em)

	job := submit(t, s, "hadoop", 1)
	em.waitStarted(t)
	_, err := s.Submit(context.Background(), testJob("log", 2))
	require.ErrorIs(t, err, ErrTenancyLimitExceeded)

	em.complete(t, job.ID, executor.Outcome{State: models.JobStateSucceeded})
	require.Eventually(t, func() bool { return len(s.Groups()) == 0 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, s.Context().ConsumerManager().Workers())

	h, err := s.Submit(context.Background(), testJob("log", 3))
	require.NoError(t, err)
	assert.Equal(t, "log", h.Tenancy)
	em.waitStarted(t)
}

func TestGroupsKeptWithoutIdleTimeout(t *testing.T) {
	em := newFakeExecutors(1)
	s := newTestScheduler(t, DefaultConstraints(), em)

	job := submit(t, s, "hadoop", 1)
	em.waitStarted(t)
	em.complete(t, job.ID, executor.Outcome{State: models.JobStateSucceeded})
	waitState(t, s, job.ID, models.JobStateSucceeded)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, s.Groups(), 1)
	_, err := s.Submit(context.Background(), testJob("log", 2))
	assert.ErrorIs(t, err, ErrTenancyLimitExceeded)
}

func TestConcurrentSubmissions(t *testing.T) {
	c := DefaultConstraints()
	c.MaxParallelTenancies = 2
	c.GroupMaxCapacity = 40
	c.GroupMaxRunningJobs = 3
	em := newFakeExecutors(0)
	s := newTestScheduler(t, c, em)

	var wg sync.WaitGroup
	var mu sync.Mutex
	errs := map[error]int{}
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := "hadoop"
			if i%2 == 1 {
				user = "log"
			}
			_, err := s.Submit(context.Background(), testJob(user, i))
			mu.Lock()
			errs[err]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 80, errs[nil])
	assert.Equal(t, 20, errs[ErrQueueFull])
	for _, st := range s.Groups() {
		assert.Equal(t, 40, st.Queued)
		assert.Equal(t, 0, st.Running)
	}
}

func TestShutdownReturnsUnscheduledJobs(t *testing.T) {
	c := DefaultConstraints()
	c.GroupMaxRunningJobs = 1
	em := newFakeExecutors(10)
	s, err := New(c, em)
	require.NoError(t, err)
	require.NoError(t, s.Init())

	running := submit(t, s, "hadoop", 0)
	em.waitStarted(t)
	q1 := submit(t, s, "hadoop", 1)
	q2 := submit(t, s, "hadoop", 2)

	done := make(chan struct{})
	var unscheduled []*models.Job
	var shutdownErr error
	go func() {
		defer close(done)
		unscheduled, shutdownErr = s.Shutdown(context.Background())
	}()

	require.Eventually(t, func() bool {
		s.admit.RLock()
		defer s.admit.RUnlock()
		return s.stopped
	}, waitFor, 5*time.Millisecond)
	_, err = s.Submit(context.Background(), testJob("hadoop", 3))
	assert.ErrorIs(t, err, ErrSchedulerStopped)

	em.complete(t, running.ID, executor.Outcome{State: models.JobStateSucceeded})
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("shutdown did not return")
	}
	require.NoError(t, shutdownErr)
	em.assertNoStart(t)

	require.Len(t, unscheduled, 2)
	assert.Equal(t, q1.ID, unscheduled[0].ID)
	assert.Equal(t, q2.ID, unscheduled[1].ID)
	assert.Equal(t, models.JobStateQueued, unscheduled[0].State)

	j, err := s.Status(running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateSucceeded, j.State)

	_, err = s.Shutdown(context.Background())
	assert.ErrorIs(t, err, ErrSchedulerStopped)
}

func TestShutdownTimesOutOnStuckJob(t *testing.T) {
	em := newFakeExecutors(1)
	s, err := New(DefaultConstraints(), em)
	require.NoError(t, err)

	job := submit(t, s, "hadoop", 1)
	em.waitStarted(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The stuck run is cancelled rather than left running past shutdown.
	waitState(t, s, job.ID, models.JobStateKilled)
	j, err := s.Status(job.ID)
	require.NoError(t, err)
	assert.Contains(t, j.Error, context.Canceled.Error())
	assert.Equal(t, 0, em.inUse())
	g, _ := s.Context().GroupFactory().Group("hadoop")
	assert.Equal(t, 0, g.Running())
	assert.Zero(t, s.Context().ConsumerManager().abortRuns())
}

func TestProgressIgnoresNonFiniteValues(t *testing.T) {
	em := newFakeExecutors(1)
	l := newRecordingListener()
	s := newTestScheduler(t, DefaultConstraints(), em, WithStatusListener(l))

	job := submit(t, s, "hadoop", 1)
	em.waitStarted(t)
	waitState(t, s, job.ID, models.JobStateRunning)

	s.Progress(job.ID, 0.4)
	s.Progress(job.ID, math.NaN())
	s.Progress(job.ID, math.Inf(1))
	s.Progress(job.ID, math.Inf(-1))

	j, err := s.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.4, j.Progress)
	_, err = json.Marshal(j)
	assert.NoError(t, err)

	s.Progress(job.ID, 7)
	j, err = s.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.0, j.Progress)
}

func TestMetricsRegistered(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	em := newFakeExecutors(0)
	s := newTestScheduler(t, DefaultConstraints(), em, WithRegisterer(reg))

	submit(t, s, "hadoop", 1)
	_, err := s.Submit(context.Background(), testJob("log", 2))
	require.ErrorIs(t, err, ErrTenancyLimitExceeded)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.admitted.WithLabelValues("hadoop")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.rejected.WithLabelValues("tenancy_limit")))

	n, err := testutil.GatherAndCount(reg, "tessera_tenancy_queued_jobs", "tessera_active_tenancies")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// gatedListener holds transitions of one tenancy until released.
type gatedListener struct {
	*recordingListener
	tenancy string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (l *gatedListener) JobTransitioned(job *models.Job) {
	if job.Tenancy == l.tenancy {
		l.once.Do(func() { close(l.entered) })
		<-l.release
	}
	l.recordingListener.JobTransitioned(job)
}

func TestSlowListenerStallsOnlyItsTenancy(t *testing.T) {
	c := DefaultConstraints()
	c.MaxParallelTenancies = 2
	em := newFakeExecutors(2)
	l := &gatedListener{
		recordingListener: newRecordingListener(),
		tenancy:           "hadoop",
		entered:           make(chan struct{}),
		release:           make(chan struct{}),
	}
	s := newTestScheduler(t, c, em, WithStatusListener(l))

	stalled := testJob("hadoop", 1)
	admitted := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), stalled)
		admitted <- err
	}()
	select {
	case <-l.entered:
	case <-time.After(waitFor):
		t.Fatal("listener never saw the hadoop job")
	}

	other := submit(t, s, "log", 2)
	assert.Equal(t, other.ID, em.waitStarted(t))
	waitState(t, s, other.ID, models.JobStateRunning)

	close(l.release)
	require.NoError(t, <-admitted)
	assert.Equal(t, stalled.ID, em.waitStarted(t))
	assert.Equal(t, []models.JobState{models.JobStateQueued, models.JobStateRunning}, l.states(stalled.ID)[:2])
}
