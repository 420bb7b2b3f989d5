// Package presence tracks which actors are reachable in real time and
// delivers named events to their live connections.
package presence

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Conn is a live connection handle. Implementations must be comparable
// (pointer types) because the registry indexes them by identity.
type Conn interface {
	Send(event string, payload any) error
}

// Registry maps actor ids to connection handles and back. One registry
// holds one kind of actor; drivers and riders live in separate registries.
type Registry struct {
	kind   string
	logger *slog.Logger

	mu      sync.RWMutex
	byActor map[string]Conn
	byConn  map[Conn]string
}

func NewRegistry(kind string, logger *slog.Logger) *Registry {
	return &Registry{
		kind:    kind,
		logger:  logger.With("registry", kind),
		byActor: make(map[string]Conn),
		byConn:  make(map[Conn]string),
	}
}

func (r *Registry) Kind() string { return r.kind }

// Announce registers conn as the live handle for actorID. A later announce
// for the same actor supersedes the earlier handle, and the superseded
// handle's eventual Forget no longer touches the new entry.
func (r *Registry) Announce(actorID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byActor[actorID]; ok && old != conn {
		delete(r.byConn, old)
	}
	if prev, ok := r.byConn[conn]; ok && prev != actorID {
		delete(r.byActor, prev)
	}
	r.byActor[actorID] = conn
	r.byConn[conn] = actorID
	observability.PresenceConnections.WithLabelValues(r.kind).Set(float64(len(r.byActor)))
	r.logger.Info("actor online", "actor_id", actorID)
}

// Forget removes whatever actor conn is registered for. It returns the
// actor id that went offline, or false if conn was unknown or superseded.
func (r *Registry) Forget(conn Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	actorID, ok := r.byConn[conn]
	if !ok {
		return "", false
	}
	delete(r.byConn, conn)
	if r.byActor[actorID] == conn {
		delete(r.byActor, actorID)
	}
	observability.PresenceConnections.WithLabelValues(r.kind).Set(float64(len(r.byActor)))
	r.logger.Info("actor offline", "actor_id", actorID)
	return actorID, true
}

func (r *Registry) IsReachable(actorID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byActor[actorID]
	return ok
}

// Send delivers one event best-effort. A missing entry is logged and
// reported as ErrActorUnreachable; nothing is queued for later delivery.
func (r *Registry) Send(actorID, event string, payload any) error {
	r.mu.RLock()
	conn, ok := r.byActor[actorID]
	r.mu.RUnlock()
	if !ok {
		observability.RealtimeDropped.WithLabelValues(event).Inc()
		r.logger.Warn("actor offline, message dropped", "actor_id", actorID, "event", event)
		return fmt.Errorf("%s %s: %w", r.kind, actorID, models.ErrActorUnreachable)
	}
	if err := conn.Send(event, payload); err != nil {
		observability.RealtimeDropped.WithLabelValues(event).Inc()
		r.logger.Warn("realtime send failed", "actor_id", actorID, "event", event, "error", err)
		return err
	}
	return nil
}

// Broadcast sends event to every connection currently registered.
func (r *Registry) Broadcast(event string, payload any) {
	r.mu.RLock()
	targets := make(map[string]Conn, len(r.byActor))
	for id, c := range r.byActor {
		targets[id] = c
	}
	r.mu.RUnlock()
	for id, c := range targets {
		if err := c.Send(event, payload); err != nil {
			r.logger.Debug("broadcast send failed", "actor_id", id, "event", event, "error", err)
		}
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byActor)
}

// Group broadcasts across several registries.
type Group []*Registry

func (g Group) Broadcast(event string, payload any) {
	for _, r := range g {
		r.Broadcast(event, payload)
	}
}
