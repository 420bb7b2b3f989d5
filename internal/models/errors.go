package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCoordinates        = errors.New("invalid coordinates")
	ErrInvalidState              = errors.New("invalid trip state")
	ErrNotFound                  = errors.New("not found")
	ErrActorUnreachable          = errors.New("actor unreachable")
	ErrDriverSearchFailed        = errors.New("driver search failed")
	ErrReassignmentLimitExceeded = errors.New("reassignment limit exceeded")

	// ErrNoDriversAvailable matches ErrActorUnreachable under errors.Is.
	ErrNoDriversAvailable = fmt.Errorf("no drivers available: %w", ErrActorUnreachable)
)
