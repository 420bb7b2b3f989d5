package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/subosito/gotenv"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are loaded from the environment (optionally seeded from a .env
// file) with defaults that let the binary run locally with in-memory
// backends only.
type ServerConfig struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"5s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout     time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisGeoKey   string `envconfig:"REDIS_GEO_KEY" default:"drivers_geo"`

	KafkaBrokers         []string `envconfig:"KAFKA_BROKERS"`
	KafkaLocationTopic   string   `envconfig:"KAFKA_LOCATION_TOPIC" default:"driver-locations"`
	KafkaTripEventsTopic string   `envconfig:"KAFKA_TRIP_EVENTS_TOPIC" default:"trip-events"`
	KafkaGroup           string   `envconfig:"KAFKA_GROUP" default:"ride-dispatch-consumer"`

	RabbitURL      string `envconfig:"RABBIT_URL"`
	RabbitExchange string `envconfig:"RABBIT_EXCHANGE" default:"notifications_fanout"`

	PGDSN         string `envconfig:"PG_DSN"`
	RunMigrations bool   `envconfig:"MIGRATE"`

	JWTSecret string `envconfig:"JWT_SECRET"`

	StripeAPIKey    string `envconfig:"STRIPE_API_KEY"`
	PaymentCurrency string `envconfig:"PAYMENT_CURRENCY" default:"usd"`

	OfferTimeout       time.Duration   `envconfig:"OFFER_TIMEOUT" default:"600s"`
	OfferExpiresIn     int             `envconfig:"OFFER_EXPIRES_IN" default:"30"`
	SearchRadiusMeters float64         `envconfig:"SEARCH_RADIUS_METERS" default:"5000"`
	SearchLimit        int             `envconfig:"SEARCH_LIMIT" default:"5"`
	SearchBackoff      []time.Duration `envconfig:"SEARCH_BACKOFF" default:"1s,2s"`
	MaxReassignments   int             `envconfig:"MAX_REASSIGNMENTS" default:"3"`
	BaseFare           float64         `envconfig:"BASE_FARE" default:"150"`
	FarePerKm          float64         `envconfig:"FARE_PER_KM" default:"0"`
	TripRetention      time.Duration   `envconfig:"TRIP_RETENTION" default:"24h"`

	LocationQueueSize int           `envconfig:"LOCATION_QUEUE_SIZE" default:"1024"`
	LocationWorkers   int           `envconfig:"LOCATION_WORKERS" default:"2"`
	LocationCacheTTL  time.Duration `envconfig:"LOCATION_CACHE_TTL" default:"0"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadServerConfig reads an optional .env file and then the process
// environment. Every validation problem is reported, not just the first.
func LoadServerConfig() (ServerConfig, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := gotenv.Load(); err != nil {
			return ServerConfig{}, fmt.Errorf("load .env: %w", err)
		}
	}
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	return cfg, cfg.Validate()
}

func (c ServerConfig) Validate() error {
	var errs []error
	if c.SearchLimit <= 0 || c.SearchLimit > 5 {
		errs = append(errs, fmt.Errorf("SEARCH_LIMIT must be in 1..5"))
	}
	if c.SearchRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_RADIUS_METERS must be > 0"))
	}
	if c.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TIMEOUT must be > 0"))
	}
	if c.MaxReassignments <= 0 || c.MaxReassignments > 3 {
		errs = append(errs, fmt.Errorf("MAX_REASSIGNMENTS must be in 1..3"))
	}
	if c.BaseFare < 0 || c.FarePerKm < 0 {
		errs = append(errs, fmt.Errorf("fares must be >= 0"))
	}
	if c.LocationWorkers <= 0 {
		errs = append(errs, fmt.Errorf("LOCATION_WORKERS must be > 0"))
	}
	if c.LocationQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("LOCATION_QUEUE_SIZE must be > 0"))
	}
	if c.LocationCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("LOCATION_CACHE_TTL must be >= 0"))
	}
	for _, d := range c.SearchBackoff {
		if d < 0 {
			errs = append(errs, fmt.Errorf("SEARCH_BACKOFF entries must be >= 0"))
			break
		}
	}
	return errors.Join(errs...)
}

// ConsumerConfig configures the location ingest consumer.
type ConsumerConfig struct {
	KafkaBrokers       []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaLocationTopic string   `envconfig:"KAFKA_LOCATION_TOPIC" default:"driver-locations"`
	KafkaGroup         string   `envconfig:"KAFKA_GROUP" default:"ride-dispatch-consumer"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisGeoKey   string `envconfig:"REDIS_GEO_KEY" default:"drivers_geo"`

	MetricsAddr  string        `envconfig:"METRICS_ADDR" default:":2112"`
	WriteRetries int           `envconfig:"CONSUMER_WRITE_RETRIES" default:"3"`
	RetryDelay   time.Duration `envconfig:"CONSUMER_RETRY_DELAY" default:"200ms"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := gotenv.Load(); err != nil {
			return ConsumerConfig{}, fmt.Errorf("load .env: %w", err)
		}
	}
	var cfg ConsumerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	if len(cfg.KafkaBrokers) == 0 {
		return cfg, fmt.Errorf("KAFKA_BROKERS must not be empty")
	}
	if cfg.WriteRetries <= 0 {
		return cfg, fmt.Errorf("CONSUMER_WRITE_RETRIES must be > 0")
	}
	return cfg, nil
}
