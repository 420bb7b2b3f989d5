package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/presence"
)

// Inbound socket events.
const (
	wsOnline         = "online"
	wsTripResponse   = "trip_response"
	wsLocationUpdate = "location_update"
	wsError          = "error"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) registryFor(id Identity) *presence.Registry {
	if isDriver(id) {
		return s.Drivers
	}
	return s.Riders
}

// handleWS upgrades an authenticated caller. The connection becomes
// reachable only after it sends an online announcement, and it is
// forgotten when the read loop ends.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.identify(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error(), Code: "unauthenticated"})
		return
	}
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "actor_id", id.ActorID, "error", err)
		return
	}
	conn := presence.NewWSConn(raw)
	reg := s.registryFor(id)

	ctx, cancel := context.WithCancel(context.Background())
	go conn.KeepAlive(ctx)
	defer func() {
		cancel()
		reg.Forget(conn)
		_ = conn.Close()
	}()

	for {
		env, err := conn.Read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket closed", "actor_id", id.ActorID, "error", err)
			}
			return
		}
		if err := s.handleFrame(ctx, id, reg, conn, env); err != nil {
			_ = conn.Send(wsError, map[string]string{"event": env.Event, "error": err.Error()})
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, id Identity, reg *presence.Registry, conn *presence.WSConn, env presence.Envelope) error {
	switch env.Event {
	case wsOnline:
		reg.Announce(id.ActorID, conn)
		return nil
	case wsTripResponse:
		if !isDriver(id) {
			return errForbiddenEvent
		}
		var body struct {
			TripID   string `json:"tripId"`
			Accepted bool   `json:"accepted"`
		}
		if err := json.Unmarshal(env.Data, &body); err != nil {
			return err
		}
		_, err := s.Coordinator.RespondToOffer(ctx, id.ActorID, body.TripID, body.Accepted)
		return err
	case wsLocationUpdate:
		var body struct {
			Coordinates []float64 `json:"coordinates"`
		}
		if err := json.Unmarshal(env.Data, &body); err != nil {
			return err
		}
		return s.Locations.Update(ctx, id.ActorID, body.Coordinates)
	default:
		return errUnknownEvent
	}
}

var (
	errForbiddenEvent = errors.New("event not allowed for role")
	errUnknownEvent   = errors.New("unknown event")
)
