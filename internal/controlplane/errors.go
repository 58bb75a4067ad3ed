package controlplane

import (
	"github.com/pkg/errors"

	"github.com/fentz26/tessera/internal/scheduler"
)

// Sentinel errors for control plane operations.
var (
	ErrAuthorizationDenied = errors.New("user has no authority over this job")
	ErrInvalidJob          = errors.New("invalid job")
	ErrJobNotFound         = scheduler.ErrJobNotFound
)
