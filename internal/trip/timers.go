package trip

import (
	"sync"
	"time"
)

type armed struct {
	token string
	timer *time.Timer
}

// Timers keeps at most one live expiry timer per trip. Arming a trip that
// already has a timer stops the old one first.
type Timers struct {
	mu     sync.Mutex
	timers map[string]armed
}

func NewTimers() *Timers {
	return &Timers{timers: make(map[string]armed)}
}

// Arm schedules fire after d under token, the value the trip record holds
// as its active timer token.
func (ts *Timers) Arm(tripID, token string, d time.Duration, fire func()) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if prev, ok := ts.timers[tripID]; ok {
		prev.timer.Stop()
	}
	ts.timers[tripID] = armed{
		token: token,
		timer: time.AfterFunc(d, func() {
			ts.release(tripID, token)
			fire()
		}),
	}
}

// Cancel stops the trip's timer. It reports whether a timer was stopped
// before firing.
func (ts *Timers) Cancel(tripID string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	a, ok := ts.timers[tripID]
	if !ok {
		return false
	}
	delete(ts.timers, tripID)
	return a.timer.Stop()
}

// Token returns the token of the trip's live timer.
func (ts *Timers) Token(tripID string) (string, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	a, ok := ts.timers[tripID]
	return a.token, ok
}

func (ts *Timers) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.timers)
}

// StopAll stops every pending timer; used on shutdown.
func (ts *Timers) StopAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for id, a := range ts.timers {
		a.timer.Stop()
		delete(ts.timers, id)
	}
}

func (ts *Timers) release(tripID, token string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if a, ok := ts.timers[tripID]; ok && a.token == token {
		delete(ts.timers, tripID)
	}
}
