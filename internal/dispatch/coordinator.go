// Package dispatch matches trip requests to drivers and drives each offer
// cycle: pick a candidate, record the negotiation, send the offer, arm the
// expiry timer and react to the driver's answer or its absence.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/trip"
)

// Notifier is the presence surface the coordinator needs.
type Notifier interface {
	Send(actorID, event string, payload any) error
	IsReachable(actorID string) bool
}

// EventPublisher receives trip lifecycle events for downstream
// collaborators (payments, notifications, analytics).
type EventPublisher interface {
	Publish(ctx context.Context, ev models.TripEvent) error
}

// PaymentHolder places and releases funds holds for accepted trips.
type PaymentHolder interface {
	Hold(ctx context.Context, tripID string, amount int64, currency string) (string, error)
	Cancel(ctx context.Context, holdID string) error
}

type Config struct {
	OfferTimeout   time.Duration
	OfferExpiresIn int // seconds advertised to the driver
	SearchRadius   float64
	SearchLimit    int
	SearchBackoff  []time.Duration
	BaseFare       float64
	FarePerKm      float64
	Currency       string
}

func DefaultConfig() Config {
	return Config{
		OfferTimeout:   600 * time.Second,
		OfferExpiresIn: 30,
		SearchRadius:   5000,
		SearchLimit:    geo.MaxResults,
		SearchBackoff:  []time.Duration{time.Second, 2 * time.Second},
		BaseFare:       150,
		Currency:       "usd",
	}
}

// Trip lifecycle event types.
const (
	TripRequested  = "trip.requested"
	TripAccepted   = "trip.accepted"
	TripRejected   = "trip.rejected"
	TripReassigned = "trip.reassigned"
	TripCancelled  = "trip.cancelled"
)

// Coordinator is safe for concurrent use. Events and Payments are optional.
type Coordinator struct {
	Trips    *trip.Machine
	Geo      geo.Index
	Drivers  Notifier
	Riders   Notifier
	Timers   *trip.Timers
	Events   EventPublisher
	Payments PaymentHolder
	Config   Config
	Logger   *slog.Logger
}

// RequestTrip creates a negotiation for requesterID with the nearest
// eligible reachable driver and returns the trip id without waiting for
// the driver's answer.
func (c *Coordinator) RequestTrip(ctx context.Context, requesterID string, pickup, dest models.Point) (string, error) {
	if err := validatePoints(pickup, dest); err != nil {
		return "", err
	}
	if active, ok, err := c.Trips.ActiveForRequester(ctx, requesterID); err != nil {
		return "", err
	} else if ok {
		return "", fmt.Errorf("requester %s already has trip %s: %w", requesterID, active.ID, models.ErrInvalidState)
	}

	cand, err := c.pickCandidate(ctx, pickup.Coord, nil)
	if err != nil {
		return "", err
	}
	t, err := c.Trips.Create(ctx, requesterID, cand.ID, pickup, dest, c.Config.Fare(pickup.Coord, dest.Coord))
	if err != nil {
		return "", err
	}
	if err := c.offer(ctx, t, cand.ID); err != nil {
		if _, cerr := c.Trips.Cancel(ctx, t.ID, "", models.InitiatorSystem, "driver unreachable"); cerr != nil {
			c.Logger.Error("cancel unofferable trip", "trip_id", t.ID, "error", cerr)
		}
		return "", err
	}
	c.publish(ctx, TripRequested, t)
	c.Logger.Info("trip requested", "trip_id", t.ID, "requester_id", requesterID, "driver_id", cand.ID, "distance_m", cand.Distance)
	return t.ID, nil
}

// Reassign offers the requester's trip to another driver. An empty
// newDriverID lets the coordinator pick the nearest eligible driver not
// already on the trip's rejected list.
func (c *Coordinator) Reassign(ctx context.Context, requesterID, tripID, newDriverID string) (*models.Trip, error) {
	cur, err := c.Trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if cur.RequesterID != requesterID {
		return nil, fmt.Errorf("trip %s: %w", tripID, models.ErrNotFound)
	}
	if cur.Status.Terminal() {
		return nil, fmt.Errorf("trip %s is %s: %w", tripID, cur.Status, models.ErrInvalidState)
	}

	driverID := newDriverID
	if cur.ReassignmentAttempts < c.Trips.MaxAttempts() {
		if driverID, err = c.reassignTarget(ctx, cur, newDriverID); err != nil {
			return nil, err
		}
	}

	t, err := c.Trips.Reassign(ctx, tripID, requesterID, driverID)
	if errors.Is(err, models.ErrReassignmentLimitExceeded) {
		c.Timers.Cancel(tripID)
		c.notifyRequester(t, nil)
		c.publish(ctx, TripCancelled, t)
		return t, err
	}
	if err != nil {
		return nil, err
	}
	c.Timers.Cancel(tripID)
	if cur.DriverID != "" && cur.DriverID != driverID {
		_ = c.Drivers.Send(cur.DriverID, models.EventTripUpdate, models.TripUpdateEvent{
			TripID: tripID, Status: models.StatusCancelled, Reason: "trip reassigned", Timestamp: time.Now(),
		})
	}

	if err := c.offer(ctx, t, driverID); err != nil {
		return nil, err
	}
	c.publish(ctx, TripReassigned, t)
	c.Logger.Info("trip reassigned", "trip_id", tripID, "driver_id", driverID, "attempts", t.ReassignmentAttempts)
	return t, nil
}

func (c *Coordinator) reassignTarget(ctx context.Context, cur *models.Trip, newDriverID string) (string, error) {
	if newDriverID == "" {
		exclude := append([]string(nil), cur.RejectedDrivers...)
		if cur.DriverID != "" {
			exclude = append(exclude, cur.DriverID)
		}
		cand, err := c.pickCandidate(ctx, cur.Pickup.Coord, exclude)
		if err != nil {
			return "", err
		}
		return cand.ID, nil
	}
	if cur.HasRejected(newDriverID) {
		return "", fmt.Errorf("driver %s already declined trip %s: %w", newDriverID, cur.ID, models.ErrInvalidState)
	}
	if !c.Drivers.IsReachable(newDriverID) {
		return "", fmt.Errorf("driver %s: %w", newDriverID, models.ErrActorUnreachable)
	}
	if busy, ok, err := c.Trips.ActiveForDriver(ctx, newDriverID); err != nil {
		return "", err
	} else if ok && busy.ID != cur.ID {
		return "", fmt.Errorf("driver %s is on trip %s: %w", newDriverID, busy.ID, models.ErrInvalidState)
	}
	return newDriverID, nil
}

// RespondToOffer applies a driver's answer and always tells the requester
// the outcome.
func (c *Coordinator) RespondToOffer(ctx context.Context, driverID, tripID string, accepted bool) (*models.Trip, error) {
	if accepted {
		t, err := c.Trips.Accept(ctx, tripID, driverID)
		if err != nil {
			return nil, err
		}
		c.Timers.Cancel(tripID)
		c.notifyRequester(t, c.driverSummary(ctx, driverID))
		c.publish(ctx, TripAccepted, t)
		c.holdPayment(t)
		c.Logger.Info("offer accepted", "trip_id", tripID, "driver_id", driverID)
		return t, nil
	}

	t, err := c.Trips.Reject(ctx, tripID, driverID)
	if err != nil {
		return nil, err
	}
	c.Timers.Cancel(tripID)
	c.notifyRequester(t, nil)
	c.publish(ctx, outcomeEvent(t), t)
	c.Logger.Info("offer rejected", "trip_id", tripID, "driver_id", driverID, "status", t.Status, "attempts", t.ReassignmentAttempts)
	return t, nil
}

// Cancel terminates a trip on behalf of its requester (role rider) or its
// assigned driver (role driver) and tells the other party.
func (c *Coordinator) Cancel(ctx context.Context, actorID, role, tripID, reason string) (*models.Trip, error) {
	by := models.InitiatorRequester
	if role == models.RoleDriver {
		by = models.InitiatorDriver
	}
	cur, err := c.Trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	t, err := c.Trips.Cancel(ctx, tripID, actorID, by, reason)
	if err != nil {
		return nil, err
	}
	c.Timers.Cancel(tripID)

	update := models.TripUpdateEvent{TripID: t.ID, Status: t.Status, Reason: reason, Timestamp: time.Now()}
	if by == models.InitiatorRequester && cur.DriverID != "" {
		_ = c.Drivers.Send(cur.DriverID, models.EventTripUpdate, update)
	} else if by == models.InitiatorDriver {
		_ = c.Riders.Send(t.RequesterID, models.EventTripUpdate, update)
	}
	c.releasePayment(t)
	c.publish(ctx, TripCancelled, t)
	return t, nil
}

// Trip returns the trip to its requester or its assigned driver.
func (c *Coordinator) Trip(ctx context.Context, actorID, tripID string) (*models.Trip, error) {
	t, err := c.Trips.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if actorID != t.RequesterID && actorID != t.DriverID {
		return nil, fmt.Errorf("trip %s: %w", tripID, models.ErrNotFound)
	}
	return t, nil
}

// NearbyDrivers lists candidates around origin, excluding drivers who
// already declined tripID when one is given.
func (c *Coordinator) NearbyDrivers(ctx context.Context, requesterID string, origin models.Coord, tripID string) ([]models.Candidate, error) {
	if _, err := location.ValidateCoordinates(origin.LonLat()); err != nil {
		return nil, err
	}
	var exclude []string
	if tripID != "" {
		t, err := c.Trip(ctx, requesterID, tripID)
		if err != nil {
			return nil, err
		}
		exclude = t.RejectedDrivers
	}
	return c.search(ctx, geo.Query{Origin: origin, Exclude: exclude, MaxDistance: c.Config.SearchRadius, Limit: c.Config.SearchLimit})
}

// offer persists a fresh timer token, arms the timer and sends the offer.
// When the driver cannot be reached the offer cycle is settled as if it had
// timed out and ErrActorUnreachable is returned.
func (c *Coordinator) offer(ctx context.Context, t *models.Trip, driverID string) error {
	token := uuid.NewString()
	if err := c.Trips.ArmTimer(ctx, t.ID, driverID, token); err != nil {
		return err
	}
	tripID := t.ID
	c.Timers.Arm(tripID, token, c.Config.OfferTimeout, func() { c.expire(tripID, driverID, token) })

	ev := models.TripRequestEvent{
		TripID:      t.ID,
		RequesterID: t.RequesterID,
		Pickup:      t.Pickup,
		Price:       t.Price,
		ExpiresIn:   c.Config.OfferExpiresIn,
	}
	if err := c.Drivers.Send(driverID, models.EventTripRequest, ev); err != nil {
		c.Timers.Cancel(tripID)
		if settled, ok, xerr := c.Trips.Expire(ctx, tripID, driverID, token); xerr != nil {
			c.Logger.Error("settle unreachable offer", "trip_id", tripID, "error", xerr)
		} else if ok {
			c.notifyRequester(settled, nil)
		}
		return fmt.Errorf("offer trip %s to %s: %w", tripID, driverID, models.ErrActorUnreachable)
	}
	observability.OffersSent.Inc()
	return nil
}

// expire runs on the timer goroutine. Failures end here: they are logged
// and visible only through the trip's resulting state.
func (c *Coordinator) expire(tripID, driverID, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	t, applied, err := c.Trips.Expire(ctx, tripID, driverID, token)
	if err != nil {
		c.Logger.Error("offer expiry failed", "trip_id", tripID, "driver_id", driverID, "error", err)
		return
	}
	if !applied {
		c.Logger.Debug("offer settled before expiry", "trip_id", tripID, "driver_id", driverID)
		return
	}
	observability.OfferTimeouts.Inc()
	_ = c.Drivers.Send(driverID, models.EventTripUpdate, models.TripUpdateEvent{
		TripID: tripID, Status: models.StatusCancelled, Reason: trip.ReasonTimeout, Timestamp: time.Now(),
	})
	c.notifyRequester(t, nil)
	c.publish(ctx, outcomeEvent(t), t)
	c.Logger.Info("offer expired", "trip_id", tripID, "driver_id", driverID, "status", t.Status)
}

func (c *Coordinator) notifyRequester(t *models.Trip, driver *models.DriverSummary) {
	if t == nil {
		return
	}
	ev := models.TripUpdateEvent{TripID: t.ID, Status: t.Status, Driver: driver, Timestamp: time.Now()}
	if t.Cancellation != nil {
		ev.Reason = t.Cancellation.Reason
	}
	// best-effort: the requester can always poll the trip
	_ = c.Riders.Send(t.RequesterID, models.EventTripUpdate, ev)
}

func (c *Coordinator) driverSummary(ctx context.Context, driverID string) *models.DriverSummary {
	s := &models.DriverSummary{ID: driverID}
	p, err := c.Geo.Driver(ctx, driverID)
	if err != nil {
		c.Logger.Warn("driver profile unavailable", "driver_id", driverID, "error", err)
		return s
	}
	s.Name, s.Vehicle = p.Name, p.Vehicle
	return s
}

func (c *Coordinator) publish(ctx context.Context, typ string, t *models.Trip) {
	if c.Events == nil || t == nil {
		return
	}
	if err := c.Events.Publish(ctx, models.TripEvent{Type: typ, Trip: t, Timestamp: time.Now()}); err != nil {
		c.Logger.Warn("trip event publish failed", "type", typ, "trip_id", t.ID, "error", err)
	}
}

func outcomeEvent(t *models.Trip) string {
	if t.Status == models.StatusCancelled {
		return TripCancelled
	}
	return TripRejected
}

func validatePoints(points ...models.Point) error {
	for _, p := range points {
		if _, err := location.ValidateCoordinates(p.LonLat()); err != nil {
			return err
		}
	}
	return nil
}
