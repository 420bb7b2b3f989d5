// Package trip owns the negotiation lifecycle of a single trip request.
//
// Every transition is expressed as a conditional update against the trip
// store: the update only applies while the trip is still in one of the
// states the transition starts from. When an explicit driver response and
// an offer timeout race, the first to reach the store wins and the other
// observes a status mismatch. Explicit callers get ErrInvalidState; the
// timeout path is silently suppressed.
//
//	pending --accept--------------------------> accepted
//	pending --reject/timeout-----(attempts<max)-> rejected
//	pending --reject/timeout----(attempts==max)-> cancelled (system)
//	pending|accepted|rejected --reassign--------> pending
//	any non-terminal --cancel-------------------> cancelled
package trip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// DefaultMaxAttempts is the hard ceiling on reassignment attempts.
const DefaultMaxAttempts = 3

const (
	ReasonNoDrivers = "no drivers available"
	ReasonDeclined  = "driver declined the trip"
	ReasonTimeout   = "offer timed out"
)

var (
	fromOffer    = []models.Status{models.StatusPending}
	fromReassign = []models.Status{models.StatusPending, models.StatusAccepted, models.StatusRejected, models.StatusWaitingReassign}
	fromCancel   = []models.Status{models.StatusPending, models.StatusAccepted, models.StatusRejected, models.StatusInProgress, models.StatusWaitingReassign}
	fromPayment  = []models.Status{models.StatusAccepted, models.StatusInProgress}
)

// errStale marks a timer whose offer cycle has already been superseded.
var errStale = errors.New("stale offer")

type Machine struct {
	store       storage.TripStore
	maxAttempts int
	now         func() time.Time
}

func NewMachine(store storage.TripStore, maxAttempts int) *Machine {
	if maxAttempts <= 0 || maxAttempts > DefaultMaxAttempts {
		maxAttempts = DefaultMaxAttempts
	}
	return &Machine{store: store, maxAttempts: maxAttempts, now: time.Now}
}

func (m *Machine) MaxAttempts() int { return m.maxAttempts }

// Create persists a new trip in pending, already offered to driverID.
func (m *Machine) Create(ctx context.Context, requesterID, driverID string, pickup, dest models.Point, price float64) (*models.Trip, error) {
	if price < 0 {
		return nil, fmt.Errorf("negative price %v", price)
	}
	now := m.now()
	t := &models.Trip{
		ID:              uuid.NewString(),
		RequesterID:     requesterID,
		DriverID:        driverID,
		Pickup:          pickup,
		Destination:     dest,
		Price:           price,
		Status:          models.StatusPending,
		RejectedDrivers: []string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := m.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create trip: %w", err)
	}
	observability.TripTransitions.WithLabelValues(string(models.StatusPending)).Inc()
	return t, nil
}

func (m *Machine) Get(ctx context.Context, id string) (*models.Trip, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, translate("get", id, err)
	}
	return t, nil
}

// ActiveForRequester reports the requester's trip in pending or accepted, if any.
func (m *Machine) ActiveForRequester(ctx context.Context, requesterID string) (*models.Trip, bool, error) {
	return found(m.store.ActiveForRequester(ctx, requesterID))
}

func (m *Machine) ActiveForDriver(ctx context.Context, driverID string) (*models.Trip, bool, error) {
	return found(m.store.ActiveForDriver(ctx, driverID))
}

func found(t *models.Trip, err error) (*models.Trip, bool, error) {
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// ArmTimer records token as the live expiry timer of the current offer.
func (m *Machine) ArmTimer(ctx context.Context, id, driverID, token string) error {
	_, err := m.store.Update(ctx, id, fromOffer, func(t *models.Trip) error {
		if t.DriverID != driverID {
			return errStale
		}
		t.ActiveTimerToken = token
		return nil
	})
	if errors.Is(err, errStale) {
		return fmt.Errorf("arm timer on trip %s: %w", id, models.ErrInvalidState)
	}
	return translate("arm timer", id, err)
}

// Accept moves a pending trip offered to driverID into accepted.
func (m *Machine) Accept(ctx context.Context, id, driverID string) (*models.Trip, error) {
	t, err := m.store.Update(ctx, id, fromOffer, func(t *models.Trip) error {
		if t.DriverID != driverID {
			return storage.ErrNotFound
		}
		t.Status = models.StatusAccepted
		t.ActiveTimerToken = ""
		return nil
	})
	if err != nil {
		return nil, translate("accept", id, err)
	}
	observability.TripTransitions.WithLabelValues(string(t.Status)).Inc()
	return t, nil
}

// Reject records an explicit decline by the offered driver.
func (m *Machine) Reject(ctx context.Context, id, driverID string) (*models.Trip, error) {
	t, err := m.store.Update(ctx, id, fromOffer, func(t *models.Trip) error {
		if t.DriverID != driverID {
			return storage.ErrNotFound
		}
		m.applyRejection(t, driverID, models.InitiatorDriver, ReasonDeclined)
		return nil
	})
	if err != nil {
		return nil, translate("reject", id, err)
	}
	observability.TripTransitions.WithLabelValues(string(t.Status)).Inc()
	return t, nil
}

// Expire applies the timer-driven rejection for the offer armed with token.
// It reports false, without error, when the offer was already answered,
// reassigned or cancelled.
func (m *Machine) Expire(ctx context.Context, id, driverID, token string) (*models.Trip, bool, error) {
	t, err := m.store.Update(ctx, id, fromOffer, func(t *models.Trip) error {
		if t.DriverID != driverID || t.ActiveTimerToken != token {
			return errStale
		}
		m.applyRejection(t, driverID, models.InitiatorTimeout, ReasonTimeout)
		return nil
	})
	switch {
	case err == nil:
		observability.TripTransitions.WithLabelValues(string(t.Status)).Inc()
		return t, true, nil
	case errors.Is(err, errStale), errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrNotFound):
		return nil, false, nil
	default:
		return nil, false, err
	}
}

func (m *Machine) applyRejection(t *models.Trip, driverID string, by models.Initiator, reason string) {
	if !t.HasRejected(driverID) {
		t.RejectedDrivers = append(t.RejectedDrivers, driverID)
		if t.ReassignmentAttempts < m.maxAttempts {
			t.ReassignmentAttempts++
		}
	}
	t.DriverID = ""
	t.ActiveTimerToken = ""
	if t.ReassignmentAttempts >= m.maxAttempts {
		t.Status = models.StatusCancelled
		t.Cancellation = &models.CancellationDetails{Initiator: models.InitiatorSystem, Reason: ReasonNoDrivers, Timestamp: m.now()}
		return
	}
	t.Status = models.StatusRejected
	t.Cancellation = &models.CancellationDetails{Initiator: by, Reason: reason, Timestamp: m.now()}
}

// Reassign hands the trip to newDriverID and puts it back in pending. Only
// the owning requester may reassign. When the attempt ceiling has already
// been reached the trip is cancelled by the system instead and
// ErrReassignmentLimitExceeded is returned alongside it.
func (m *Machine) Reassign(ctx context.Context, id, requesterID, newDriverID string) (*models.Trip, error) {
	exhausted := false
	t, err := m.store.Update(ctx, id, fromReassign, func(t *models.Trip) error {
		if t.RequesterID != requesterID {
			return storage.ErrNotFound
		}
		if t.ReassignmentAttempts >= m.maxAttempts {
			exhausted = true
			t.Status = models.StatusCancelled
			t.DriverID = ""
			t.ActiveTimerToken = ""
			t.Cancellation = &models.CancellationDetails{Initiator: models.InitiatorSystem, Reason: ReasonNoDrivers, Timestamp: m.now()}
			return nil
		}
		if t.HasRejected(newDriverID) {
			return fmt.Errorf("driver %s already declined: %w", newDriverID, models.ErrInvalidState)
		}
		t.DriverID = newDriverID
		t.Status = models.StatusPending
		t.ActiveTimerToken = ""
		t.Cancellation = nil
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) && t != nil && t.RequesterID != requesterID {
			return nil, fmt.Errorf("reassign trip %s: %w", id, models.ErrNotFound)
		}
		return nil, translate("reassign", id, err)
	}
	observability.TripTransitions.WithLabelValues(string(t.Status)).Inc()
	if exhausted {
		return t, fmt.Errorf("trip %s: %w", id, models.ErrReassignmentLimitExceeded)
	}
	return t, nil
}

// Cancel terminates a non-terminal trip. A requester may cancel only
// their own trip and a driver only the trip currently assigned to them.
func (m *Machine) Cancel(ctx context.Context, id, actorID string, by models.Initiator, reason string) (*models.Trip, error) {
	t, err := m.store.Update(ctx, id, fromCancel, func(t *models.Trip) error {
		switch by {
		case models.InitiatorRequester:
			if t.RequesterID != actorID {
				return storage.ErrNotFound
			}
		case models.InitiatorDriver:
			if t.DriverID == "" || t.DriverID != actorID {
				return storage.ErrNotFound
			}
		}
		t.Status = models.StatusCancelled
		t.ActiveTimerToken = ""
		t.Cancellation = &models.CancellationDetails{Initiator: by, Reason: reason, Timestamp: m.now()}
		return nil
	})
	if err != nil {
		return nil, translate("cancel", id, err)
	}
	observability.TripTransitions.WithLabelValues(string(t.Status)).Inc()
	return t, nil
}

// AttachPaymentHold stores the payment hold placed for an accepted trip.
func (m *Machine) AttachPaymentHold(ctx context.Context, id, holdID string) error {
	_, err := m.store.Update(ctx, id, fromPayment, func(t *models.Trip) error {
		t.PaymentHoldID = holdID
		return nil
	})
	return translate("attach payment", id, err)
}

func translate(op, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%s trip %s: %w", op, id, models.ErrNotFound)
	case errors.Is(err, storage.ErrConflict):
		return fmt.Errorf("%s trip %s: %w", op, id, models.ErrInvalidState)
	default:
		return fmt.Errorf("%s trip %s: %w", op, id, err)
	}
}
