package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trip"
)

var (
	pickup = models.Point{Coord: models.Coord{Lat: -34.6037, Lon: -58.3816}, Address: "Obelisco"}
	dest   = models.Point{Coord: models.Coord{Lat: -34.5875, Lon: -58.4200}}
)

type message struct {
	event   string
	payload any
}

// inbox is a connection handle that records what it was sent.
type inbox struct {
	mu   sync.Mutex
	msgs []message
}

func (b *inbox) Send(event string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, message{event, payload})
	return nil
}

func (b *inbox) all(event string) []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []any
	for _, m := range b.msgs {
		if m.event == event {
			out = append(out, m.payload)
		}
	}
	return out
}

func (b *inbox) updates() []models.TripUpdateEvent {
	var out []models.TripUpdateEvent
	for _, p := range b.all(models.EventTripUpdate) {
		out = append(out, p.(models.TripUpdateEvent))
	}
	return out
}

type eventLog struct {
	mu    sync.Mutex
	types []string
}

func (l *eventLog) Publish(_ context.Context, ev models.TripEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, ev.Type)
	return nil
}

func (l *eventLog) got() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.types...)
}

// flakyIndex fails the first n Nearby calls.
type flakyIndex struct {
	*geo.MemoryIndex
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakyIndex) Nearby(ctx context.Context, q geo.Query) ([]models.Candidate, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.fails
	f.mu.Unlock()
	if fail {
		return nil, errors.New("geo index timeout")
	}
	return f.MemoryIndex.Nearby(ctx, q)
}

type fakePayments struct {
	mu        sync.Mutex
	held      map[string]int64
	cancelled []string
}

func (p *fakePayments) Hold(_ context.Context, tripID string, amount int64, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.held == nil {
		p.held = map[string]int64{}
	}
	p.held[tripID] = amount
	return "pi_" + tripID, nil
}

func (p *fakePayments) Cancel(_ context.Context, holdID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, holdID)
	return nil
}

func (p *fakePayments) released() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.cancelled...)
}

type harness struct {
	c       *Coordinator
	index   *flakyIndex
	drivers *presence.Registry
	riders  *presence.Registry
	inboxes map[string]*inbox
	events  *eventLog
	ctx     context.Context
}

func newHarness(t *testing.T, offerTimeout time.Duration) *harness {
	t.Helper()
	log := logging.Discard()
	h := &harness{
		index:   &flakyIndex{MemoryIndex: geo.NewMemoryIndex()},
		drivers: presence.NewRegistry(models.RoleDriver, log),
		riders:  presence.NewRegistry(models.RoleRider, log),
		inboxes: map[string]*inbox{},
		events:  &eventLog{},
		ctx:     context.Background(),
	}
	cfg := DefaultConfig()
	cfg.OfferTimeout = offerTimeout
	cfg.SearchBackoff = []time.Duration{time.Millisecond, 2 * time.Millisecond}
	timers := trip.NewTimers()
	t.Cleanup(timers.StopAll)
	h.c = &Coordinator{
		Trips:   trip.NewMachine(storage.NewMemoryStore(), trip.DefaultMaxAttempts),
		Geo:     h.index,
		Drivers: h.drivers,
		Riders:  h.riders,
		Timers:  timers,
		Events:  h.events,
		Config:  cfg,
		Logger:  log,
	}
	return h
}

func (h *harness) connect(reg *presence.Registry, id string) *inbox {
	b := &inbox{}
	reg.Announce(id, b)
	h.inboxes[id] = b
	return b
}

// addDriver places an available, connected driver offsetMeters north of pickup.
func (h *harness) addDriver(t *testing.T, id string, offsetMeters float64) *inbox {
	t.Helper()
	require.NoError(t, h.index.UpsertDriver(h.ctx, models.DriverProfile{
		ID: id, Name: "Driver " + id, Role: models.RoleDriver, Availability: models.AvailabilityAvailable, Rating: 4.8,
		Vehicle: &models.Vehicle{Model: "Corolla", Plate: "AB123" + id, Type: "sedan", PassengerCapacity: 4},
	}))
	loc := models.Coord{Lat: pickup.Lat + offsetMeters/111_320, Lon: pickup.Lon}
	require.NoError(t, h.index.SetLocation(h.ctx, id, loc))
	return h.connect(h.drivers, id)
}

func (h *harness) trip(t *testing.T, id string) *models.Trip {
	t.Helper()
	tr, err := h.c.Trips.Get(h.ctx, id)
	require.NoError(t, err)
	return tr
}

func TestRequestTripOffersNearestDriver(t *testing.T) {
	h := newHarness(t, time.Hour)
	near := h.addDriver(t, "D", 100)
	far := h.addDriver(t, "F", 900)
	h.connect(h.riders, "R")

	id, err := h.c.RequestTrip(h.ctx, "R", pickup, dest)
	require.NoError(t, err)

	tr := h.trip(t, id)
	assert.Equal(t, models.StatusPending, tr.Status)
	assert.Equal(t, "D", tr.DriverID)
	assert.Equal(t, 150.0, tr.Price)

	offers := near.all(models.EventTripRequest)
	require.Len(t, offers, 1)
	offer := offers[0].(models.TripRequestEvent)
	assert.Equal(t, id, offer.TripID)
	assert.Equal(t, "R", offer.RequesterID)
	assert.Equal(t, 30, offer.ExpiresIn)
	assert.Empty(t, far.all(models.EventTripRequest))

	token, armed := h.c.Timers.Token(id)
	assert.True(t, armed)
	assert.Equal(t, tr.ActiveTimerToken, token)
	assert.Equal(t, []string{TripRequested}, h.events.got())
}

func TestRequestTripPreconditions(t *testing.T) {
	t.Run("requester already negotiating", func(t *testing.T) {
		h := newHarness(t, time.Hour)
		h.addDriver(t, "D1", 100)
		h.addDriver(t, "D2", 200)
		_, err := h.c.RequestTrip(h.ctx, "R", pickup, dest)
		require.NoError(t, err)

		_, err = h.c.RequestTrip(h.ctx, "R", pickup, dest)
		assert.ErrorIs(t, err, models.ErrInvalidState)
	})

	t.Run("busy driver is skipped", func(t *testing.T) {
		h := newHarness(t, time.Hour)
		h.addDriver(t, "D1", 100)
		h.addDriver(t, "D2", 200)
		first, err := h.c.RequestTrip(h.ctx, "R1", pickup, dest)
		require.NoError(t, err)
		second, err := h.c.RequestTrip(h.ctx, "R2", pickup, dest)
		require.NoError(t, err)

		assert.Equal(t, "D1", h.trip(t, first).DriverID)
		assert.Equal(t, "D2", h.trip(t, second).DriverID)
	})

	t.Run("offline driver is skipped", func(t *testing.T) {
		h := newHarness(t, time.Hour)
		offline := h.addDriver(t, "D1", 100)
		h.drivers.Forget(offline)
		h.addDriver(t, "D2", 200)

		id, err := h.c.RequestTrip(h.ctx, "R", pickup, dest)
		require.NoError(t, err)
		assert.Equal(t, "D2", h.trip(t, id).DriverID)
	})

	t.Run("nobody around", func(t *testing.T) {
		h := newHarness(t, time.Hour)
		_, err := h.c.RequestTrip(h.ctx, "R", pickup, dest)
		assert.ErrorIs(t, err, models.ErrNoDriversAvailable)
		assert.ErrorIs(t, err, models.ErrActorUnreachable)
	})

	t.Run("candidates but none connected", func(t *testing.T) {
		h := newHarness(t, time.Hour)
		h.drivers.Forget(h.addDriver(t, "D1", 100))
		_, err := h.c.RequestTrip(h.ctx, "R", pickup, dest)
		assert.ErrorIs(t, err, models.ErrActorUnreachable)
		_, active, _ := h.c.Trips.ActiveForRequester(h.ctx, "R")
		assert.False(t, active)
	})

	t.Run("invalid coordinates", func(t *testing.T) {
		h := newHarness(t, time.Hour)
		h.addDriver(t, "D1", 100)
		bad := models.Point{Coord: models.Coord{Lat: 10, Lon: 200}}
		_, err := h.c.RequestTrip(h.ctx, "R", bad, dest)
		assert.ErrorIs(t, err, models.ErrInvalidCoordinates)
		assert.Empty(t, h.inboxes["D1"].all(models.EventTripRequest))
	})
}

func TestSearchRetriesTransientFailures(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.addDriver(t, "D", 100)
	h.index.fails = 2

	id, err := h.c.RequestTrip(h.ctx, "R", pickup, dest)
	require.NoError(t, err)
	assert.Equal(t, "D", h.trip(t, id).DriverID)
	assert.Equal(t, 3, h.index.calls)
}

func TestSearchGivesUpAfterBackoffSteps(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.addDriver(t, "D", 100)
	h.index.fails = 3

	_, err := h.c.RequestTrip(h.ctx, "R", pickup, dest)
	assert.ErrorIs(t, err, models.ErrDriverSearchFailed)
	assert.Equal(t, 3, h.index.calls)
	_, active, _ := h.c.Trips.ActiveForRequester(h.ctx, "R")
	assert.False(t, active)
}

func TestAcceptNotifiesRequesterWithDriver(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.addDriver(t, "D", 100)
	rider := h.connect(h.riders, "R")
	pay := &fakePayments{}
	h.c.Payments = pay

	id, err := h.c.RequestTrip(h.ctx, "R", pickup, dest)
	require.NoError(t, err)

	tr, err := h.c.RespondToOffer(h.ctx, "D", id, true)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, tr.Status)
	assert.Zero(t, h.c.Timers.Len())

	updates := rider.updates()
	require.Len(t, updates, 1)
	assert.Equal(t, models.StatusAccepted, updates[0].Status)
	require.NotNil(t, updates[0].Driver)
	assert.Equal(t, "Driver D", updates[0].Driver.Name)
	assert.Equal(t, "Corolla", updates[0].Driver.Vehicle.Model)

	require.Eventually(t, func() bool {
		return h.trip(t, id).PaymentHoldID == "pi_"+id
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{TripRequested, TripAccepted}, h.events.got())

	_, err = h.c.RespondToOffer(h.ctx, "D", id, false)
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestRejectBeforeTimeout(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.addDriver(t, "D", 100)
	rider := h.connect(h.riders, "R")

	id, err := h.c.RequestTrip(h.ctx, "R", pickup, dest)
	require.NoError(t, err)

	tr, err := h.c.RespondToOffer(h.ctx, "D", id, false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, tr.Status)
	assert.Equal(t, []string{"D"}, tr.RejectedDrivers)
	assert.Equal(t, 1, tr.ReassignmentAttempts)
	assert.Zero(t, h.c.Timers.Len())

	updates := rider.updates()
	require.Len(t, updates, 1)
	assert.Equal(t, models.StatusRejected, updates[0].Status)
}

func TestRespondByWrongDriver(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.addDriver(t, "D", 100)
	h.addDriver(t, "X", 300)

	id, err := h.c.RequestTrip(h.ctx, "R", pickup, dest)
	require.NoError(t, err)

	_, err = h.c.RespondToOffer(h.ctx, "X", id, true)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, models.StatusPending, h.trip(t, id).Status)
}

func TestThreeRejectionsCancelTrip(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.addDriver(t, "D1", 100)
	h.addDriver(t, "D2", 200)
	h.addDriver(t, "D3", 300)
	h.addDriver(t, "D4", 400)
	rider := h.connect(h.riders, "R")

	id, err := h.c.RequestTrip(h.ctx, "R", pickup, dest)
	require.NoError(t, err)

	for i, driver := range []string{"D1", "D2", "D3"} {
		if i > 0 {
			tr, err := h.c.Reassign(h.ctx, "R", id, "")
			require.NoError(t, err)
			require.Equal(t, driver, tr.DriverID, "reassignment picks the nearest driver not yet rejected")
		}
		_, err := h.c.RespondToOffer(h.ctx, driver, id, false)
		require.NoError(t, err)
	}

	tr := h.trip(t, id)
	assert.Equal(t, models.StatusCancelled, tr.Status)
	assert.Equal(t, 3, tr.ReassignmentAttempts)
	assert.Equal(t, []string{"D1", "D2", "D3"}, tr.RejectedDrivers)
	require.NotNil(t, tr.Cancellation)
	assert.Equal(t, models.InitiatorSystem, tr.Cancellation.Initiator)
	assert.Equal(t, trip.ReasonNoDrivers, tr.Cancellation.Reason)
	assert.Empty(t, h.inboxes["D4"].all(models.EventTripRequest))

	updates := rider.updates()
	require.NotEmpty(t, updates)
	assert.Equal(t, models.StatusCancelled, updates[len(updates)-1].Status)

	_, err = h.c.Reassign(h.ctx, "R", id, "")
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestReassignToChosenDriver(t *testing.T) {
	h := newHarness(t, time.Hour)
	first := h.addDriver(t, "D1", 100)
	second := h.addDriver(t, "D2", 800)

	id, err := h.c.RequestTrip(h.ctx, "R", pickup, dest)
	require.NoError(t, err)

	_, err = h.c.Reassign(h.ctx, "OTHER", id, "D2")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = h.c.Reassign(h.ctx, "R", "missing", "D2")
	assert.ErrorIs(t, err, models.ErrNotFound)

	tr, err := h.c.Reassign(h.ctx, "R", id, "D2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, tr.Status)
	assert.Equal(t, "D2", tr.DriverID)
	assert.Len(t, second.all(models.EventTripRequest), 1)

	// the driver who lost the offer is told, and its answer no longer counts
	require.Len(t, first.updates(), 1)
	assert.Equal(t, models.StatusCancelled, first.updates()[0].Status)
	_, err = h.c.RespondToOffer(h.ctx, "D1", id, true)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, 1, h.c.Timers.Len())

	_, err = h.c.RespondToOffer(h.ctx, "D2", id, false)
	require.NoError(t, err)
	_, err = h.c.Reassign(h.ctx, "R", id, "D2")
	assert.ErrorIs(t, err, models.ErrInvalidState, "a driver who declined cannot be offered the trip again")
}

func TestTimeoutMatchesExplicitRejection(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	driver := h.addDriver(t, "D", 100)
	rider := h.connect(h.riders, "R")

	id, err := h.c.RequestTrip(h.ctx, "R", pickup, dest)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.trip(t, id).Status == models.StatusRejected
	}, time.Second, 5*time.Millisecond)

	tr := h.trip(t, id)
	assert.Equal(t, []string{"D"}, tr.RejectedDrivers)
	assert.Equal(t, 1, tr.ReassignmentAttempts)
	assert.Empty(t, tr.DriverID)
	require.NotNil(t, tr.Cancellation)
	assert.Equal(t, models.InitiatorTimeout, tr.Cancellation.Initiator)

	require.Eventually(t, func() bool { return len(rider.updates()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StatusRejected, rider.updates()[0].Status)
	assert.Len(t, driver.updates(), 1)
	assert.Zero(t, h.c.Timers.Len())

	_, err = h.c.RespondToOffer(h.ctx, "D", id, true)
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestAcceptRacingTimeoutMutatesOnce(t *testing.T) {
	for i := 0; i < 25; i++ {
		h := newHarness(t, time.Hour)
		h.addDriver(t, "D", 100)
		rider := h.connect(h.riders, "R")

		id, err := h.c.RequestTrip(h.ctx, "R", pickup, dest)
		require.NoError(t, err)
		token, ok := h.c.Timers.Token(id)
		require.True(t, ok)

		var (
			wg        sync.WaitGroup
			acceptErr error
		)
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, acceptErr = h.c.RespondToOffer(h.ctx, "D", id, true)
		}()
		go func() {
			defer wg.Done()
			<-start
			h.c.expire(id, "D", token)
		}()
		close(start)
		wg.Wait()

		tr := h.trip(t, id)
		if acceptErr == nil {
			assert.Equal(t, models.StatusAccepted, tr.Status)
			assert.Empty(t, tr.RejectedDrivers)
			assert.Zero(t, tr.ReassignmentAttempts)
		} else {
			assert.ErrorIs(t, acceptErr, models.ErrInvalidState)
			assert.Equal(t, models.StatusRejected, tr.Status)
			assert.Equal(t, []string{"D"}, tr.RejectedDrivers)
			assert.Equal(t, 1, tr.ReassignmentAttempts)
		}
		assert.Len(t, rider.updates(), 1, "exactly one outcome reaches the requester")
	}
}

func TestCancelByRequesterNotifiesDriverAndReleasesHold(t *testing.T) {
	h := newHarness(t, time.Hour)
	driver := h.addDriver(t, "D", 100)
	pay := &fakePayments{}
	h.c.Payments = pay

	id, err := h.c.RequestTrip(h.ctx, "R", pickup, dest)
	require.NoError(t, err)
	_, err = h.c.RespondToOffer(h.ctx, "D", id, true)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.trip(t, id).PaymentHoldID != "" }, time.Second, 5*time.Millisecond)

	_, err = h.c.Cancel(h.ctx, "OTHER", models.RoleRider, id, "changed my mind")
	assert.ErrorIs(t, err, models.ErrNotFound)

	tr, err := h.c.Cancel(h.ctx, "R", models.RoleRider, id, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, tr.Status)
	assert.Equal(t, models.InitiatorRequester, tr.Cancellation.Initiator)

	updates := driver.updates()
	require.Len(t, updates, 1)
	assert.Equal(t, "changed my mind", updates[0].Reason)
	require.Eventually(t, func() bool { return len(pay.released()) == 1 }, time.Second, 5*time.Millisecond)

	_, err = h.c.Cancel(h.ctx, "R", models.RoleRider, id, "again")
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestCancelByDriverStopsTimer(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.addDriver(t, "D", 100)
	rider := h.connect(h.riders, "R")

	id, err := h.c.RequestTrip(h.ctx, "R", pickup, dest)
	require.NoError(t, err)
	require.Equal(t, 1, h.c.Timers.Len())

	tr, err := h.c.Cancel(h.ctx, "D", models.RoleDriver, id, "car trouble")
	require.NoError(t, err)
	assert.Equal(t, models.InitiatorDriver, tr.Cancellation.Initiator)
	assert.Zero(t, h.c.Timers.Len())
	require.Len(t, rider.updates(), 1)
	assert.Equal(t, models.StatusCancelled, rider.updates()[0].Status)
}

func TestNearbyDriversExcludesRejected(t *testing.T) {
	h := newHarness(t, time.Hour)
	for i, id := range []string{"D1", "D2", "D3", "D4", "D5", "D6"} {
		h.addDriver(t, id, float64(100*(i+1)))
	}
	id, err := h.c.RequestTrip(h.ctx, "R", pickup, dest)
	require.NoError(t, err)
	_, err = h.c.RespondToOffer(h.ctx, "D1", id, false)
	require.NoError(t, err)

	cands, err := h.c.NearbyDrivers(h.ctx, "R", pickup.Coord, id)
	require.NoError(t, err)
	require.Len(t, cands, 5)
	assert.Equal(t, "D2", cands[0].ID)
	for _, c := range cands {
		assert.NotEqual(t, "D1", c.ID)
	}

	_, err = h.c.NearbyDrivers(h.ctx, "STRANGER", pickup.Coord, id)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = h.c.NearbyDrivers(h.ctx, "R", models.Coord{Lat: 95, Lon: 0}, "")
	assert.ErrorIs(t, err, models.ErrInvalidCoordinates)
}

func TestTripVisibleToPartiesOnly(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.addDriver(t, "D", 100)
	id, err := h.c.RequestTrip(h.ctx, "R", pickup, dest)
	require.NoError(t, err)

	for _, actor := range []string{"R", "D"} {
		_, err := h.c.Trip(h.ctx, actor, id)
		assert.NoError(t, err, actor)
	}
	_, err = h.c.Trip(h.ctx, "X", id)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestFare(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 150.0, cfg.Fare(pickup.Coord, dest.Coord))

	cfg.BaseFare, cfg.FarePerKm = 100, 50
	km := geo.Haversine(pickup.Lat, pickup.Lon, dest.Lat, dest.Lon) / 1000
	assert.InDelta(t, 100+50*km, cfg.Fare(pickup.Coord, dest.Coord), 0.01)
}
