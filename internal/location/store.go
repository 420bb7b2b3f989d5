// Package location keeps the fast, in-memory tier of actor positions and
// hands every accepted update to a deferred durable writer.
package location

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Broadcaster fans a named event out to every reachable listener.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// ValidateCoordinates accepts exactly two finite numbers ordered
// [longitude, latitude] within WGS84 bounds.
func ValidateCoordinates(coords []float64) (models.Coord, error) {
	if len(coords) != 2 {
		return models.Coord{}, fmt.Errorf("%w: want [lon, lat], got %d values", models.ErrInvalidCoordinates, len(coords))
	}
	lon, lat := coords[0], coords[1]
	for _, v := range coords {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return models.Coord{}, fmt.Errorf("%w: non-finite value", models.ErrInvalidCoordinates)
		}
	}
	if math.Abs(lon) > 180 || math.Abs(lat) > 90 {
		return models.Coord{}, fmt.Errorf("%w: lon=%v lat=%v out of range", models.ErrInvalidCoordinates, lon, lat)
	}
	return models.Coord{Lat: lat, Lon: lon}, nil
}

// Store is the fast tier. Entries have no TTL unless one is configured, in
// which case stale entries read as absent and Sweep reclaims them.
type Store struct {
	queue  *Queue
	bcast  Broadcaster
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	live map[string]models.LocationMessage
}

func NewStore(queue *Queue, bcast Broadcaster, ttl time.Duration, logger *slog.Logger) *Store {
	return &Store{
		queue:  queue,
		bcast:  bcast,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		live:   make(map[string]models.LocationMessage),
	}
}

// Update validates coordinates, writes the fast tier, schedules the durable
// write, and broadcasts location_updated. It never waits for durability.
func (s *Store) Update(_ context.Context, actorID string, coordinates []float64) error {
	loc, err := ValidateCoordinates(coordinates)
	if err != nil {
		return err
	}
	msg := models.LocationMessage{ActorID: actorID, Loc: loc, Timestamp: s.now()}

	s.mu.Lock()
	s.live[actorID] = msg
	s.mu.Unlock()
	observability.LocationUpdates.Inc()

	if s.queue != nil {
		s.queue.Enqueue(msg)
	}
	if s.bcast != nil {
		s.bcast.Broadcast(models.EventLocationUpdated, models.LocationUpdatedEvent{ActorID: actorID, Coordinates: loc.LonLat()})
	}
	return nil
}

// ReadLive reads the fast tier only.
func (s *Store) ReadLive(actorID string) (models.LocationMessage, bool) {
	s.mu.RLock()
	msg, ok := s.live[actorID]
	s.mu.RUnlock()
	if !ok || s.expired(msg) {
		return models.LocationMessage{}, false
	}
	return msg, true
}

func (s *Store) expired(msg models.LocationMessage) bool {
	return s.ttl > 0 && s.now().Sub(msg.Timestamp) > s.ttl
}

// Sweep drops expired entries and reports how many were removed.
func (s *Store) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, msg := range s.live {
		if s.expired(msg) {
			delete(s.live, id)
			n++
		}
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is done. It returns
// immediately when no TTL is configured.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if s.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("live locations evicted", "count", n)
			}
		}
	}
}
