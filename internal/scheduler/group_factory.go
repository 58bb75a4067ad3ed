package scheduler

import (
	"context"
	"regexp"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fentz26/tessera/internal/models"
)

// GroupFactory maps jobs onto tenancy groups and owns the registry of
// active groups. The registry has its own lock, separate from every group's.
type GroupFactory struct {
	constraints Constraints
	tenancies   []*regexp.Regexp
	now         func() time.Time

	mu       sync.Mutex
	groups   map[string]*TenancyGroup
	onCreate []func(*TenancyGroup)
	onRetire []func(*TenancyGroup)
}

// NewGroupFactory creates a factory bound by c.
func NewGroupFactory(c Constraints) (*GroupFactory, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	tenancies, err := compileTenancies(c.TenancyPattern)
	if err != nil {
		return nil, err
	}
	return &GroupFactory{
		constraints: c,
		tenancies:   tenancies,
		now:         time.Now,
		groups:      make(map[string]*TenancyGroup),
	}, nil
}

// OnCreate registers a hook run, under the registry lock, for every new group.
func (f *GroupFactory) OnCreate(fn func(*TenancyGroup)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCreate = append(f.onCreate, fn)
}

// OnRetire registers a hook run, under the registry lock, for every retired group.
func (f *GroupFactory) OnRetire(fn func(*TenancyGroup)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRetire = append(f.onRetire, fn)
}

// TenancyOf returns the group key for an execute user.
func (f *GroupFactory) TenancyOf(executeUser string) string {
	if executeUser == "" {
		return DefaultTenancy
	}
	for _, re := range f.tenancies {
		if re.MatchString(executeUser) {
			return executeUser
		}
	}
	return DefaultTenancy
}

// ResolveGroup returns the job's group, creating it on first use. A new
// tenancy is refused with ErrTenancyLimitExceeded once MaxParallelTenancies
// groups are active; existing tenancies are always resolved.
func (f *GroupFactory) ResolveGroup(job *models.Job) (*TenancyGroup, error) {
	key := f.TenancyOf(job.ExecuteUser)

	f.mu.Lock()
	defer f.mu.Unlock()

	if g, ok := f.groups[key]; ok {
		return g, nil
	}
	if len(f.groups) >= f.constraints.MaxParallelTenancies {
		return nil, ErrTenancyLimitExceeded
	}

	g := newTenancyGroup(key, f.constraints, f.now)
	f.groups[key] = g
	for _, fn := range f.onCreate {
		fn(g)
	}
	log.WithField("tenancy", key).Info("tenancy group created")
	return g, nil
}

// Group looks up an active group.
func (f *GroupFactory) Group(key string) (*TenancyGroup, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[key]
	return g, ok
}

// Groups returns the active groups ordered by key.
func (f *GroupFactory) Groups() []*TenancyGroup {
	f.mu.Lock()
	out := make([]*TenancyGroup, 0, len(f.groups))
	for _, g := range f.groups {
		out = append(out, g)
	}
	f.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// RetireIdle removes every group that is empty, has nothing running and has
// been idle for at least GroupIdleTimeout. It returns the retired keys.
func (f *GroupFactory) RetireIdle() []string {
	idle := f.constraints.GroupIdleTimeout
	if idle <= 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var retired []string
	for key, g := range f.groups {
		if !g.tryRetire(idle) {
			continue
		}
		delete(f.groups, key)
		for _, fn := range f.onRetire {
			fn(g)
		}
		retired = append(retired, key)
	}
	sort.Strings(retired)
	for _, key := range retired {
		log.WithField("tenancy", key).Info("idle tenancy group retired")
	}
	return retired
}

// Run retires idle groups periodically until ctx is done. It returns at once
// when retirement is disabled.
func (f *GroupFactory) Run(ctx context.Context) {
	idle := f.constraints.GroupIdleTimeout
	if idle <= 0 {
		return
	}
	interval := idle / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.RetireIdle()
		}
	}
}
