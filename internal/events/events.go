// Package events publishes trip lifecycle events to the collaborators that
// live outside the dispatch core: payments, notifications and analytics.
package events

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

type Publisher interface {
	Publish(ctx context.Context, ev models.TripEvent) error
}

// Multi publishes every event to all of its publishers and joins their
// errors. One failing sink does not stop the others.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev models.TripEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
