package scheduler

import (
	"container/list"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fentz26/tessera/internal/models"
)

// TenancyGroup is the bounded FIFO queue and running-job gate of one tenancy.
// All state is guarded by the group's own mutex.
type TenancyGroup struct {
	key        string
	maxCap     int
	maxRunning int
	now        func() time.Time

	mu         sync.Mutex
	queue      *list.List
	index      map[string]*list.Element
	running    int
	dispatched map[string]struct{}
	lastActive time.Time
	retired    bool

	ready chan struct{}
	done  chan struct{}
}

func newTenancyGroup(key string, c Constraints, now func() time.Time) *TenancyGroup {
	hint := c.GroupInitCapacity
	if hint > c.GroupMaxCapacity {
		hint = c.GroupMaxCapacity
	}
	return &TenancyGroup{
		key:        key,
		maxCap:     c.GroupMaxCapacity,
		maxRunning: c.GroupMaxRunningJobs,
		now:        now,
		queue:      list.New(),
		index:      make(map[string]*list.Element, hint),
		dispatched: make(map[string]struct{}, c.GroupMaxRunningJobs),
		lastActive: now(),
		ready:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Key returns the tenancy key.
func (g *TenancyGroup) Key() string {
	return g.key
}

// Enqueue appends the job to the tail. It never blocks: a full group is
// reported with ErrQueueFull and left unchanged. Dispatched jobs keep
// counting against the capacity until they finish.
func (g *TenancyGroup) Enqueue(job *models.Job) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.retired {
		return ErrGroupRetired
	}
	if g.queue.Len()+g.running >= g.maxCap {
		return ErrQueueFull
	}
	if _, ok := g.index[job.ID]; ok {
		return errors.Errorf("job %s already queued", job.ID)
	}
	g.index[job.ID] = g.queue.PushBack(job)
	g.lastActive = g.now()
	g.signal()
	return nil
}

// TryDequeue removes and returns the head job when a running slot is free.
// The slot is taken in the same critical section as the removal.
func (g *TenancyGroup) TryDequeue() (*models.Job, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.retired {
		return nil, ErrGroupRetired
	}
	front := g.queue.Front()
	if front == nil {
		return nil, ErrGroupEmpty
	}
	if g.running >= g.maxRunning {
		return nil, ErrRunningLimitReached
	}
	job := g.queue.Remove(front).(*models.Job)
	delete(g.index, job.ID)
	g.running++
	g.dispatched[job.ID] = struct{}{}
	g.lastActive = g.now()
	return job, nil
}

// HasEligible reports whether TryDequeue would currently return a job.
func (g *TenancyGroup) HasEligible() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.retired && g.queue.Len() > 0 && g.running < g.maxRunning
}

// OnJobFinished frees the running slot held by a dispatched job. Only the
// first call for a job has an effect.
func (g *TenancyGroup) OnJobFinished(job *models.Job, outcome models.JobState) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.dispatched[job.ID]; !ok {
		log.WithFields(log.Fields{"tenancy": g.key, "job": job.ID}).
			Warnf("finish reported for job without a running slot (outcome %s)", outcome)
		return
	}
	delete(g.dispatched, job.ID)
	g.running--
	g.lastActive = g.now()
	g.signal()
}

// Remove takes a pending job out of the queue. The order of the remaining
// jobs is unchanged.
func (g *TenancyGroup) Remove(jobID string) (*models.Job, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	el, ok := g.index[jobID]
	if !ok {
		return nil, false
	}
	delete(g.index, jobID)
	g.lastActive = g.now()
	return g.queue.Remove(el).(*models.Job), true
}

// Ready is signalled whenever a job is enqueued or a running slot is freed.
func (g *TenancyGroup) Ready() <-chan struct{} {
	return g.ready
}

// Retired is closed once the group has been retired from the registry.
func (g *TenancyGroup) Retired() <-chan struct{} {
	return g.done
}

// Len returns the number of pending jobs.
func (g *TenancyGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queue.Len()
}

// Running returns the number of dispatched, unfinished jobs.
func (g *TenancyGroup) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Pending returns the queued jobs in dispatch order.
func (g *TenancyGroup) Pending() []*models.Job {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*models.Job, 0, g.queue.Len())
	for el := g.queue.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*models.Job))
	}
	return out
}

// Stats returns a snapshot of the group.
func (g *TenancyGroup) Stats() models.TenancyStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return models.TenancyStats{
		Tenancy:     g.key,
		Queued:      g.queue.Len(),
		Running:     g.running,
		MaxCapacity: g.maxCap,
		MaxRunning:  g.maxRunning,
		LastActive:  g.lastActive,
	}
}

// tryRetire retires the group if it has been empty and idle for at least idle.
func (g *TenancyGroup) tryRetire(idle time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.retired || g.queue.Len() > 0 || g.running > 0 {
		return false
	}
	if g.now().Sub(g.lastActive) < idle {
		return false
	}
	g.retired = true
	close(g.done)
	return true
}

// signal must be called with g.mu held.
func (g *TenancyGroup) signal() {
	select {
	case g.ready <- struct{}{}:
	default:
	}
}
