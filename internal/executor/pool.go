package executor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fentz26/tessera/internal/models"
)

// Pool is a Manager with a fixed number of executor slots, all backed by
// the same Runner.
type Pool struct {
	runner Runner
	slots  chan *slot
	size   int
	busy   int32
}

type slot struct {
	id    string
	pool  *Pool
	inUse int32
}

// NewPool creates a pool of size executors running jobs through runner.
func NewPool(runner Runner, size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		runner: runner,
		slots:  make(chan *slot, size),
		size:   size,
	}
	for i := 0; i < size; i++ {
		p.slots <- &slot{id: fmt.Sprintf("%s-%d", runner.Name(), i), pool: p}
	}
	return p
}

// Acquire takes a free slot without blocking.
func (p *Pool) Acquire(ctx context.Context) (Executor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case s := <-p.slots:
		atomic.StoreInt32(&s.inUse, 1)
		atomic.AddInt32(&p.busy, 1)
		return s, nil
	default:
		return nil, ErrExecutorUnavailable
	}
}

// Release puts a slot back. Releasing twice or releasing a foreign
// executor is ignored.
func (p *Pool) Release(e Executor) {
	s, ok := e.(*slot)
	if !ok || s.pool != p {
		log.WithField("executor", e.ID()).Warn("release of executor not owned by pool")
		return
	}
	if !atomic.CompareAndSwapInt32(&s.inUse, 1, 0) {
		return
	}
	atomic.AddInt32(&p.busy, -1)
	p.slots <- s
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return p.size
}

// Busy returns the number of slots currently acquired.
func (p *Pool) Busy() int {
	return int(atomic.LoadInt32(&p.busy))
}

func (s *slot) ID() string {
	return s.id
}

func (s *slot) Run(ctx context.Context, job *models.Job, r Reporter) <-chan Outcome {
	if r == nil {
		r = NopReporter{}
	}
	ch := make(chan Outcome, 1)
	go func() {
		defer close(ch)
		res, err := s.pool.runner.Execute(ctx, job, r)
		ch <- outcomeOf(ctx, res, err)
	}()
	return ch
}

func outcomeOf(ctx context.Context, res *Result, err error) Outcome {
	if ctx.Err() != nil {
		return Outcome{State: models.JobStateKilled, ExitCode: -1, Err: ctx.Err()}
	}
	if err != nil {
		return Outcome{State: models.JobStateFailed, ExitCode: -1, Err: err}
	}
	if res.ExitCode != 0 {
		return Outcome{
			State:    models.JobStateFailed,
			ExitCode: res.ExitCode,
			Err:      errors.Errorf("exit code %d", res.ExitCode),
		}
	}
	return Outcome{State: models.JobStateSucceeded}
}
