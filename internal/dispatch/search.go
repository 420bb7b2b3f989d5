package dispatch

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Fare prices a trip from the straight-line distance between its endpoints.
func (c Config) Fare(from, to models.Coord) float64 {
	km := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / 1000
	return math.Round((c.BaseFare+c.FarePerKm*km)*100) / 100
}

// search runs one nearby query, retrying transient failures once per
// configured backoff step before giving up with ErrDriverSearchFailed.
func (c *Coordinator) search(ctx context.Context, q geo.Query) ([]models.Candidate, error) {
	var lastErr error
	for attempt := 0; attempt <= len(c.Config.SearchBackoff); attempt++ {
		if attempt > 0 {
			observability.SearchRetries.Inc()
			c.Logger.Warn("driver search failed, retrying", "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", models.ErrDriverSearchFailed, ctx.Err())
			case <-time.After(c.Config.SearchBackoff[attempt-1]):
			}
		}
		start := time.Now()
		cands, err := c.Geo.Nearby(ctx, q)
		observability.SearchLatency.Observe(time.Since(start).Seconds())
		if err == nil {
			return cands, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", models.ErrDriverSearchFailed, lastErr)
}

// pickCandidate returns the nearest eligible driver that is connected and
// not already negotiating another trip. Candidates arrive nearest first, so
// the first one passing both checks wins.
func (c *Coordinator) pickCandidate(ctx context.Context, origin models.Coord, exclude []string) (models.Candidate, error) {
	cands, err := c.search(ctx, geo.Query{
		Origin:      origin,
		Exclude:     exclude,
		MaxDistance: c.Config.SearchRadius,
		Limit:       c.Config.SearchLimit,
	})
	if err != nil {
		return models.Candidate{}, err
	}
	if len(cands) == 0 {
		return models.Candidate{}, models.ErrNoDriversAvailable
	}
	for _, cand := range cands {
		if !c.Drivers.IsReachable(cand.ID) {
			c.Logger.Debug("candidate not connected", "driver_id", cand.ID)
			continue
		}
		busy, ok, err := c.Trips.ActiveForDriver(ctx, cand.ID)
		if err != nil {
			return models.Candidate{}, err
		}
		if ok {
			c.Logger.Debug("candidate busy", "driver_id", cand.ID, "trip_id", busy.ID)
			continue
		}
		return cand, nil
	}
	return models.Candidate{}, fmt.Errorf("%d candidates, none connected and free: %w", len(cands), models.ErrActorUnreachable)
}
