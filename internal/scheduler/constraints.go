package scheduler

import (
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultTenancy is the group key for identities that match no configured tenancy.
const DefaultTenancy = "default"

// Constraints bound the scheduler. A value is built once at startup and never mutated.
type Constraints struct {
	// MaxParallelTenancies caps the number of simultaneously active tenancy groups.
	MaxParallelTenancies int `mapstructure:"maxParallelTenancies"`
	// TenancyPattern is a comma-separated list of recognized tenancies.
	// Each entry is an anchored regular expression; plain names match themselves.
	TenancyPattern string `mapstructure:"tenancies"`
	// GroupInitCapacity is the initial queue size hint of a group.
	GroupInitCapacity int `mapstructure:"groupInitCapacity"`
	// GroupMaxCapacity is the hard cap on unfinished (queued or running) jobs per group.
	GroupMaxCapacity int `mapstructure:"groupMaxCapacity"`
	// GroupMaxRunningJobs caps the jobs running concurrently per group.
	GroupMaxRunningJobs int `mapstructure:"groupMaxRunningJobs"`
	// GroupIdleTimeout retires empty idle groups after this long. Zero keeps groups forever.
	GroupIdleTimeout time.Duration `mapstructure:"groupIdleTimeout"`
}

// DefaultConstraints returns the default scheduler constraints.
func DefaultConstraints() Constraints {
	return Constraints{
		MaxParallelTenancies: 1,
		TenancyPattern:       "hadoop,log",
		GroupInitCapacity:    1000,
		GroupMaxCapacity:     5000,
		GroupMaxRunningJobs:  30,
	}
}

// Validate checks the constraints are usable.
func (c Constraints) Validate() error {
	if c.MaxParallelTenancies < 1 {
		return errors.Errorf("maxParallelTenancies must be positive, got %d", c.MaxParallelTenancies)
	}
	if c.GroupMaxCapacity < 1 {
		return errors.Errorf("groupMaxCapacity must be positive, got %d", c.GroupMaxCapacity)
	}
	if c.GroupInitCapacity < 0 || c.GroupInitCapacity > c.GroupMaxCapacity {
		return errors.Errorf("groupInitCapacity must be within [0, %d], got %d", c.GroupMaxCapacity, c.GroupInitCapacity)
	}
	if c.GroupMaxRunningJobs < 1 {
		return errors.Errorf("groupMaxRunningJobs must be positive, got %d", c.GroupMaxRunningJobs)
	}
	// Running jobs count against the capacity, so a smaller capacity would
	// silently lower the running limit.
	if c.GroupMaxRunningJobs > c.GroupMaxCapacity {
		return errors.Errorf("groupMaxRunningJobs must not exceed groupMaxCapacity (%d), got %d", c.GroupMaxCapacity, c.GroupMaxRunningJobs)
	}
	if c.GroupIdleTimeout < 0 {
		return errors.Errorf("groupIdleTimeout must not be negative, got %s", c.GroupIdleTimeout)
	}
	_, err := compileTenancies(c.TenancyPattern)
	return err
}

func compileTenancies(pattern string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, entry := range strings.Split(pattern, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		re, err := regexp.Compile("^(?:" + entry + ")$")
		if err != nil {
			return nil, errors.Wrapf(err, "invalid tenancy %q", entry)
		}
		out = append(out, re)
	}
	return out, nil
}
