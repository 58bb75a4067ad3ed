package scheduler

import (
	"github.com/pkg/errors"

	"github.com/fentz26/tessera/internal/executor"
)

// Sentinel errors for scheduler operations.
var (
	ErrTenancyLimitExceeded = errors.New("too many active tenancies")
	ErrQueueFull            = errors.New("tenancy queue is full")
	ErrExecutorUnavailable  = executor.ErrExecutorUnavailable
	ErrJobNotFound          = errors.New("job not found")
	ErrSchedulerStopped     = errors.New("scheduler is not accepting jobs")

	ErrGroupEmpty          = errors.New("tenancy queue is empty")
	ErrRunningLimitReached = errors.New("tenancy running limit reached")
	ErrGroupRetired        = errors.New("tenancy group retired")
)
