package models

import "time"

// Real-time event names crossing the presence boundary.
const (
	EventTripRequest     = "trip_request"
	EventTripUpdate      = "trip_update"
	EventLocationUpdated = "location_updated"
)

// TripRequestEvent is the offer delivered to a candidate driver.
type TripRequestEvent struct {
	TripID      string  `json:"tripId"`
	RequesterID string  `json:"userId"`
	Pickup      Point   `json:"pickup"`
	Price       float64 `json:"price"`
	ExpiresIn   int     `json:"expiresIn"`
}

type DriverSummary struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Vehicle *Vehicle `json:"vehicle,omitempty"`
}

// TripUpdateEvent tells a party about the outcome of an offer cycle.
type TripUpdateEvent struct {
	TripID    string         `json:"tripId"`
	Status    Status         `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	Driver    *DriverSummary `json:"driver,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type LocationUpdatedEvent struct {
	ActorID     string    `json:"userId"`
	Coordinates []float64 `json:"coordinates"`
}

// TripEvent is the lifecycle record published to downstream collaborators.
type TripEvent struct {
	Type      string    `json:"type"`
	Trip      *Trip     `json:"trip"`
	Timestamp time.Time `json:"timestamp"`
}
