package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

// Deps are the core services the HTTP surface exposes.
type Deps struct {
	Coordinator *dispatch.Coordinator
	Locations   *location.Store
	Geo         geo.Index
	Drivers     *presence.Registry
	Riders      *presence.Registry
	JWTSecret   string
}

type Server struct {
	Deps
	secret []byte
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{Deps: deps, secret: []byte(deps.JWTSecret), logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/internal/drivers/{driver_id}", s.handleUpsertDriver).Methods("PUT")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/trips/request", s.authenticated(s.handleRequestTrip, models.RoleRider)).Methods("POST")
	api.HandleFunc("/trips/reassign", s.authenticated(s.handleReassign, models.RoleRider)).Methods("POST")
	api.HandleFunc("/trips/respond", s.authenticated(s.handleRespond, models.RoleDriver)).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/cancel", s.authenticated(s.handleCancel)).Methods("POST")
	api.HandleFunc("/trips/{trip_id}", s.authenticated(s.handleGetTrip)).Methods("GET")
	api.HandleFunc("/drivers/nearby", s.authenticated(s.handleNearby, models.RoleRider)).Methods("GET")
	api.HandleFunc("/drivers/{driver_id}/location", s.authenticated(s.handleDriverLocation)).Methods("GET")
	api.HandleFunc("/location", s.authenticated(s.handleUpdateLocation)).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// pointBody is a route endpoint on the wire: [lon, lat] plus a label.
type pointBody struct {
	Coordinates []float64 `json:"coordinates"`
	Address     string    `json:"address,omitempty"`
}

func (p pointBody) point() (models.Point, error) {
	c, err := location.ValidateCoordinates(p.Coordinates)
	if err != nil {
		return models.Point{}, err
	}
	return models.Point{Coord: c, Address: p.Address}, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleRequestTrip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Pickup      pointBody `json:"pickup"`
		Destination pointBody `json:"destination"`
	}
	if !decode(w, r, &body) {
		return
	}
	pickup, err := body.Pickup.point()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dest, err := body.Destination.point()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := identityFrom(r.Context())
	tripID, err := s.Coordinator.RequestTrip(r.Context(), id.ActorID, pickup, dest)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "tripId": tripID, "status": models.StatusPending})
}

func (s *Server) handleReassign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TripID   string `json:"tripId"`
		DriverID string `json:"driverId"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.TripID == "" {
		badRequest(w, "tripId is required")
		return
	}
	id := identityFrom(r.Context())
	t, err := s.Coordinator.Reassign(r.Context(), id.ActorID, body.TripID, body.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "trip": t})
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TripID   string `json:"tripId"`
		Accepted *bool  `json:"accepted"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.TripID == "" || body.Accepted == nil {
		badRequest(w, "tripId and accepted are required")
		return
	}
	id := identityFrom(r.Context())
	t, err := s.Coordinator.RespondToOffer(r.Context(), id.ActorID, body.TripID, *body.Accepted)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "trip": t})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	if body.Reason == "" {
		body.Reason = "cancelled by user"
	}
	id := identityFrom(r.Context())
	t, err := s.Coordinator.Cancel(r.Context(), id.ActorID, id.Role, mux.Vars(r)["trip_id"], body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "trip": t})
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	t, err := s.Coordinator.Trip(r.Context(), id.ActorID, mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "trip": t})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		badRequest(w, "lat and lon query parameters are required")
		return
	}
	id := identityFrom(r.Context())
	cands, err := s.Coordinator.NearbyDrivers(r.Context(), id.ActorID, models.Coord{Lat: lat, Lon: lon}, q.Get("tripId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if cands == nil {
		cands = []models.Candidate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(cands), "drivers": cands})
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Coordinates []float64 `json:"coordinates"`
	}
	if !decode(w, r, &body) {
		return
	}
	id := identityFrom(r.Context())
	if err := s.Locations.Update(r.Context(), id.ActorID, body.Coordinates); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	loc, ok := s.Locations.ReadLive(driverID)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no live location for " + driverID, Code: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"driverId":    driverID,
		"coordinates": loc.Loc.LonLat(),
		"timestamp":   loc.Timestamp,
		"isRealTime":  s.Drivers.IsReachable(driverID),
	})
}

// handleUpsertDriver lets the account service push the matching-relevant
// part of a driver profile (role, availability, rating, vehicle).
func (s *Server) handleUpsertDriver(w http.ResponseWriter, r *http.Request) {
	var p models.DriverProfile
	if !decode(w, r, &p) {
		return
	}
	p.ID = mux.Vars(r)["driver_id"]
	if p.Role == "" {
		p.Role = models.RoleDriver
	}
	if err := s.Geo.UpsertDriver(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
