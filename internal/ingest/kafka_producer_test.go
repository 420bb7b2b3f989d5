package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

type captureWriter struct{ msgs []kafka.Message }

func (c *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	c.msgs = append(c.msgs, msgs...)
	return nil
}

func (c *captureWriter) Close() error { return nil }

func TestWriteLocationThenDecode(t *testing.T) {
	w := &captureWriter{}
	p := &LocationProducer{writer: w}
	msg := models.LocationMessage{ActorID: "d1", Loc: models.Coord{Lat: -34.6, Lon: -58.4}, Timestamp: time.Unix(1700000000, 0).UTC()}

	require.NoError(t, p.WriteLocation(context.Background(), msg))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "d1", string(w.msgs[0].Key))

	got, err := Decode(w.msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, msg.Loc, got.Loc)
	assert.True(t, msg.Timestamp.Equal(got.Timestamp))
}

func TestDecodeRejectsMessagesWithoutActor(t *testing.T) {
	_, err := Decode([]byte(`{"loc":{"lat":1,"lon":2}}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}
