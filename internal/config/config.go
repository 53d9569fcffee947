// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/darkden-lab/quakewatch/internal/bus"
	"github.com/darkden-lab/quakewatch/internal/subscriber"
)

type Config struct {
	ServiceName string
	LogLevel    string
	LogPretty   bool

	// API
	Port           string
	DatabaseURL    string
	MigrationsPath string
	SampleLimit    int
	RateLimitRPS   float64
	RateLimitBurst int
	MetricsAddr    string
	RegionsFile    string
	AllowedOrigins []string

	// Bus
	BusBackend         string
	AMQPHost           string
	AMQPPort           int
	AMQPUser           string
	AMQPPass           string
	AMQPVHost          string
	KafkaBrokers       string
	ConnectMaxAttempts int

	// Subscriber
	HTTPBase      string
	LookupURL     string
	AggregatorURL string
	LookupTimeout time.Duration
	ReportTimeout time.Duration
	RegionName    string
	RegionLat     *float64
	RegionLon     *float64
	ThresholdKm   float64
}

// Load reads the configuration. Unparsable numeric or duration values are
// reported together.
func Load() (*Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "quakewatch"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		Port:           getEnv("PORT", "8000"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),
		MetricsAddr:    getEnv("METRICS_ADDR", ""),
		RegionsFile:    getEnv("REGIONS_FILE", ""),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),

		BusBackend:   strings.ToLower(getEnv("BUS_BACKEND", bus.BackendAMQP)),
		AMQPHost:     getEnv("AMQP_HOST", "rabbitmq"),
		AMQPUser:     getEnv("AMQP_USER", "guest"),
		AMQPPass:     getEnv("AMQP_PASS", "guest"),
		AMQPVHost:    getEnv("AMQP_VHOST", "/"),
		KafkaBrokers: getEnv("KAFKA_BROKERS", "localhost:9092"),

		HTTPBase:   strings.TrimRight(getEnv("HTTP_BASE", "http://api:8000"), "/"),
		RegionName: strings.TrimSpace(getEnv("REGION_NAME", "")),
	}

	var err error
	cfg.LogPretty, err = getBool("LOG_PRETTY", false)
	collect(err)
	cfg.SampleLimit, err = getInt("SAMPLE_LIMIT", 0)
	collect(err)
	cfg.RateLimitRPS, err = getFloat("RATE_LIMIT_RPS", 50)
	collect(err)
	cfg.RateLimitBurst, err = getInt("RATE_LIMIT_BURST", 100)
	collect(err)
	cfg.AMQPPort, err = getInt("AMQP_PORT", 5672)
	collect(err)
	cfg.ConnectMaxAttempts, err = getInt("CONNECT_MAX_ATTEMPTS", 30)
	collect(err)
	cfg.LookupTimeout, err = getDuration("LOOKUP_TIMEOUT", 5*time.Second)
	collect(err)
	cfg.ReportTimeout, err = getDuration("REPORT_TIMEOUT", 3*time.Second)
	collect(err)
	cfg.ThresholdKm, err = getFloat("THRESHOLD_KM", subscriber.DefaultThresholdKm)
	collect(err)
	cfg.RegionLat, err = getOptionalFloat("REGION_LAT")
	collect(err)
	cfg.RegionLon, err = getOptionalFloat("REGION_LON")
	collect(err)

	cfg.LookupURL = strings.TrimRight(getEnv("LOOKUP_URL", cfg.HTTPBase), "/")
	cfg.AggregatorURL = strings.TrimRight(getEnv("AGGREGATOR_URL", cfg.HTTPBase), "/")

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Bus returns the bus settings.
func (c *Config) Bus() bus.Config {
	return bus.Config{
		Backend: c.BusBackend,
		AMQP: bus.AMQPConfig{
			Host:           c.AMQPHost,
			Port:           c.AMQPPort,
			User:           c.AMQPUser,
			Password:       c.AMQPPass,
			VHost:          c.AMQPVHost,
			ConnectionName: c.ServiceName,
		},
		Kafka: bus.KafkaConfig{
			Brokers: splitList(c.KafkaBrokers),
		},
	}
}

// RetryPolicy returns the connection retry policy.
func (c *Config) RetryPolicy() bus.RetryPolicy {
	p := bus.DefaultRetryPolicy()
	if c.ConnectMaxAttempts > 0 {
		p.MaxAttempts = c.ConnectMaxAttempts
	}
	return p
}

// Regions returns the subscriber roster, from RegionsFile when set.
func (c *Config) Regions() ([]Region, error) {
	if c.RegionsFile == "" {
		return DefaultRegions(), nil
	}
	return LoadRegions(c.RegionsFile)
}

// Subscription builds the subscriber's region from REGION_NAME, REGION_LAT,
// REGION_LON and THRESHOLD_KM. Missing coordinates are taken from the roster
// entry with the same name.
func (c *Config) Subscription() (subscriber.Subscription, error) {
	if c.RegionName == "" {
		return subscriber.Subscription{}, fmt.Errorf("REGION_NAME is required")
	}
	sub := subscriber.Subscription{Region: c.RegionName, ThresholdKm: c.ThresholdKm}

	if c.RegionLat != nil && c.RegionLon != nil {
		sub.Lat, sub.Lon = *c.RegionLat, *c.RegionLon
		return sub, sub.Validate()
	}

	regions, err := c.Regions()
	if err != nil {
		return subscriber.Subscription{}, err
	}
	r, ok := FindRegion(regions, c.RegionName)
	if !ok {
		return subscriber.Subscription{}, fmt.Errorf("REGION_LAT and REGION_LON are required for unknown region %q", c.RegionName)
	}
	sub.Lat, sub.Lon = r.Lat, r.Lon
	if r.ThresholdKm > 0 && os.Getenv("THRESHOLD_KM") == "" {
		sub.ThresholdKm = r.ThresholdKm
	}
	return sub, sub.Validate()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return fallback, fmt.Errorf("%s: invalid number %q", key, v)
	}
	return f, nil
}

func getOptionalFloat(key string) (*float64, error) {
	if os.Getenv(key) == "" {
		return nil, nil
	}
	f, err := getFloat(key, 0)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback, fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	return b, nil
}

// getDuration accepts Go durations ("5s") and plain numbers of seconds.
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return fallback, fmt.Errorf("%s: invalid duration %q", key, v)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
