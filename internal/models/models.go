package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// LonLat returns the coordinate as a GeoJSON-ordered pair.
func (c Coord) LonLat() []float64 { return []float64{c.Lon, c.Lat} }

// Point is a route endpoint: a coordinate plus an optional address label.
type Point struct {
	Coord
	Address string `json:"address,omitempty"`
}

type Status string

const (
	StatusPending         Status = "pending"
	StatusAccepted        Status = "accepted"
	StatusRejected        Status = "rejected"
	StatusInProgress      Status = "in_progress"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
	StatusWaitingReassign Status = "waiting_reassign"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// Active reports whether the trip blocks its parties from another negotiation.
func (s Status) Active() bool { return s == StatusPending || s == StatusAccepted }

type Initiator string

const (
	InitiatorRequester Initiator = "requester"
	InitiatorDriver    Initiator = "driver"
	InitiatorSystem    Initiator = "system"
	InitiatorTimeout   Initiator = "timeout"
)

type CancellationDetails struct {
	Initiator Initiator `json:"initiator"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Trip is the negotiation record for one ride request.
type Trip struct {
	ID                   string               `json:"id"`
	RequesterID          string               `json:"requester_id"`
	DriverID             string               `json:"driver_id,omitempty"`
	Pickup               Point                `json:"pickup"`
	Destination          Point                `json:"destination"`
	Price                float64              `json:"price"`
	Status               Status               `json:"status"`
	RejectedDrivers      []string             `json:"rejected_drivers"`
	ReassignmentAttempts int                  `json:"reassignment_attempts"`
	Cancellation         *CancellationDetails `json:"cancellation_details,omitempty"`
	ActiveTimerToken     string               `json:"-"`
	PaymentHoldID        string               `json:"-"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// HasRejected reports whether driverID already declined or timed out on this trip.
func (t *Trip) HasRejected(driverID string) bool {
	for _, id := range t.RejectedDrivers {
		if id == driverID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never share slices with a store.
func (t *Trip) Clone() *Trip {
	c := *t
	c.RejectedDrivers = append([]string(nil), t.RejectedDrivers...)
	if t.Cancellation != nil {
		cd := *t.Cancellation
		c.Cancellation = &cd
	}
	return &c
}

type Vehicle struct {
	Model             string `json:"model"`
	Plate             string `json:"plate"`
	Type              string `json:"type"`
	PassengerCapacity int    `json:"passenger_capacity"`
}

// DriverProfile is the matching-relevant view of a driver account.
type DriverProfile struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	Availability string   `json:"availability"`
	Rating       float64  `json:"rating"` // 1..5
	Vehicle      *Vehicle `json:"vehicle,omitempty"`
}

const (
	RoleDriver = "driver"
	RoleRider  = "rider"

	AvailabilityAvailable = "available"
	AvailabilityBusy      = "busy"
	AvailabilityOffline   = "offline"
)

// Candidate is a search result projection; rebuilt on every query.
type Candidate struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Rating     float64  `json:"rating"`
	Distance   float64  `json:"distance"`
	ETAMinutes int      `json:"eta"`
	Vehicle    *Vehicle `json:"vehicle,omitempty"`
	Position   Coord    `json:"position"`
}

// LocationMessage is what the ingest pipeline carries between tiers.
type LocationMessage struct {
	ActorID   string    `json:"actor_id"`
	Loc       Coord     `json:"loc"`
	Timestamp time.Time `json:"timestamp"`
}
