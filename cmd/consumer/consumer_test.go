package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

// fakeSetter implements LocationSetter for tests
type fakeSetter struct {
	fail  int // number of times to fail before succeeding
	calls int
	last  models.Coord
}

func (f *fakeSetter) SetLocation(_ context.Context, _ string, loc models.Coord) error {
	f.calls++
	if f.calls <= f.fail {
		return errors.New("geo fail")
	}
	f.last = loc
	return nil
}

func sampleMsg() models.LocationMessage {
	return models.LocationMessage{ActorID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}, Timestamp: time.Now()}
}

func TestWriteWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeSetter{fail: 2}
	start := time.Now()
	require.NoError(t, writeWithRetry(context.Background(), f, sampleMsg(), 3, 10*time.Millisecond))
	assert.Equal(t, 3, f.calls)
	assert.Equal(t, models.Coord{Lat: 1, Lon: 2}, f.last)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "expected doubling backoff")
}

func TestWriteWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeSetter{fail: 5}
	err := writeWithRetry(context.Background(), f, sampleMsg(), 3, time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, 3, f.calls)
}

func TestWriteWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeSetter{fail: 5}
	err := writeWithRetry(ctx, f, sampleMsg(), 3, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.calls)
}
