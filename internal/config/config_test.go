package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 600*time.Second, cfg.OfferTimeout)
	assert.Equal(t, 30, cfg.OfferExpiresIn)
	assert.Equal(t, 5, cfg.SearchLimit)
	assert.Equal(t, 5000.0, cfg.SearchRadiusMeters)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, cfg.SearchBackoff)
	assert.Equal(t, 3, cfg.MaxReassignments)
	assert.Equal(t, 150.0, cfg.BaseFare)
	assert.Equal(t, 24*time.Hour, cfg.TripRetention)
	assert.Zero(t, cfg.LocationCacheTTL)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("OFFER_TIMEOUT", "45s")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MIGRATE", "true")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 45*time.Second, cfg.OfferTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.RunMigrations)
}

func TestLoadServerConfigRejectsBadDuration(t *testing.T) {
	t.Setenv("OFFER_TIMEOUT", "soon")
	_, err := LoadServerConfig()
	assert.Error(t, err)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)

	cfg.SearchLimit = 9
	cfg.MaxReassignments = 0
	cfg.LocationWorkers = 0

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SEARCH_LIMIT")
	assert.Contains(t, err.Error(), "MAX_REASSIGNMENTS")
	assert.Contains(t, err.Error(), "LOCATION_WORKERS")
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092")
	t.Setenv("CONSUMER_RETRY_DELAY", "50ms")

	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "driver-locations", cfg.KafkaLocationTopic)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 3, cfg.WriteRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryDelay)
}
