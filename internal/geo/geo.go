package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
)

// MaxResults caps every nearby query regardless of the requested limit.
const MaxResults = 5

// Query selects eligible drivers around Origin. Exclude lists driver ids
// that must never be returned (typically a trip's rejected drivers).
type Query struct {
	Origin      models.Coord
	Exclude     []string
	MaxDistance float64 // meters
	Limit       int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > MaxResults {
		return MaxResults
	}
	return q.Limit
}

func (q Query) excluded() map[string]struct{} {
	ex := make(map[string]struct{}, len(q.Exclude))
	for _, id := range q.Exclude {
		ex[id] = struct{}{}
	}
	return ex
}

// Index is the durable tier of driver locations plus the driver metadata
// needed to rank and describe candidates.
type Index interface {
	Nearby(ctx context.Context, q Query) ([]models.Candidate, error)
	SetLocation(ctx context.Context, driverID string, loc models.Coord) error
	UpsertDriver(ctx context.Context, p models.DriverProfile) error
	Driver(ctx context.Context, driverID string) (models.DriverProfile, error)
}

func eligible(p models.DriverProfile, ex map[string]struct{}) bool {
	if p.Role != models.RoleDriver || p.Availability != models.AvailabilityAvailable {
		return false
	}
	_, skip := ex[p.ID]
	return !skip
}

func candidateFor(p models.DriverProfile, loc models.Coord, dist float64) models.Candidate {
	return models.Candidate{
		ID:         p.ID,
		Name:       p.Name,
		Rating:     p.Rating,
		Distance:   dist,
		ETAMinutes: eta.Minutes(dist, eta.DefaultSpeedKmh),
		Vehicle:    p.Vehicle,
		Position:   loc,
	}
}

type entry struct {
	profile models.DriverProfile
	loc     models.Coord
	hasLoc  bool
	updated time.Time
}

// MemoryIndex is an in-process Index used when Redis is not configured.
// Drivers are scanned in first-seen order so distance ties stay stable.
type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]*entry
	order   []string
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]*entry)}
}

func (g *MemoryIndex) get(id string) *entry {
	e, ok := g.drivers[id]
	if !ok {
		e = &entry{profile: models.DriverProfile{ID: id}}
		g.drivers[id] = e
		g.order = append(g.order, id)
	}
	return e
}

func (g *MemoryIndex) SetLocation(_ context.Context, driverID string, loc models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.get(driverID)
	e.loc, e.hasLoc, e.updated = loc, true, time.Now()
	return nil
}

func (g *MemoryIndex) UpsertDriver(_ context.Context, p models.DriverProfile) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.get(p.ID).profile = p
	return nil
}

func (g *MemoryIndex) Driver(_ context.Context, driverID string) (models.DriverProfile, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.drivers[driverID]
	if !ok || e.profile.Role == "" {
		return models.DriverProfile{}, models.ErrNotFound
	}
	return e.profile, nil
}

// Location returns the last durably stored position of driverID.
func (g *MemoryIndex) Location(driverID string) (models.Coord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.drivers[driverID]
	if !ok || !e.hasLoc {
		return models.Coord{}, false
	}
	return e.loc, true
}

// naive scan; fine for a single process, Redis covers real fleets
func (g *MemoryIndex) Nearby(_ context.Context, q Query) ([]models.Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ex := q.excluded()
	out := make([]models.Candidate, 0, MaxResults)
	for _, id := range g.order {
		e := g.drivers[id]
		if !e.hasLoc || !eligible(e.profile, ex) {
			continue
		}
		dist := Haversine(q.Origin.Lat, q.Origin.Lon, e.loc.Lat, e.loc.Lon)
		if q.MaxDistance > 0 && dist > q.MaxDistance {
			continue
		}
		out = append(out, candidateFor(e.profile, e.loc, dist))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if n := q.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
