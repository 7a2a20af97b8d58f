package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Server
	Port     string
	HTTPPort string

	// Database journal; empty disables it.
	DatabaseURL string

	// Redis archive, event bus and metrics feed; empty disables them.
	RedisURL string

	// MQTT event bridge; empty disables it.
	MQTTBroker      string
	MQTTTopicPrefix string

	// TemplatesFile is an optional YAML catalog layered over the built-ins.
	TemplatesFile string
	// MetricsSource is "redis", "docker" or "none".
	MetricsSource string

	// Logging
	LogLevel  slog.Level
	LogFormat string // "json" or "text"

	// Tracing
	OTLPEndpoint string
	ServiceName  string

	// Features
	EnableMetrics bool
	EnableTracing bool

	Fleet Fleet
}

// Fleet holds the manager's tunables.
type Fleet struct {
	DrainTimeout      time.Duration
	HealthInterval    time.Duration
	HeartbeatTimeout  time.Duration
	AutoscaleInterval time.Duration
	ScaleHighWater    float64
	ScaleLowWater     float64
	ScaleStep         int
	HealthFloor       float64
	HealthWindow      int
	TrendThreshold    float64
	IssueThreshold    float64
	PersistTimeout    time.Duration
	MetricsTimeout    time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", "9000"),
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		DatabaseURL:     getEnv("DB_URL", ""),
		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379/0"),
		MQTTBroker:      getEnv("MQTT_BROKER", ""),
		MQTTTopicPrefix: getEnv("MQTT_TOPIC_PREFIX", "fleet"),
		TemplatesFile:   getEnv("TEMPLATES_FILE", ""),
		MetricsSource:   getEnv("METRICS_SOURCE", "redis"),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		OTLPEndpoint:    getEnv("OTLP_ENDPOINT", ""),
		ServiceName:     getEnv("SERVICE_NAME", "fleetd"),
		EnableMetrics:   getEnvBool("ENABLE_METRICS", true),
		EnableTracing:   getEnvBool("ENABLE_TRACING", false),
	}

	var errs []error
	cfg.Fleet = Fleet{
		DrainTimeout:      getEnvDuration("DRAIN_TIMEOUT", 30*time.Second, &errs),
		HealthInterval:    getEnvDuration("HEALTH_INTERVAL", 15*time.Second, &errs),
		HeartbeatTimeout:  getEnvDuration("HEARTBEAT_TIMEOUT", 90*time.Second, &errs),
		AutoscaleInterval: getEnvDuration("AUTOSCALE_INTERVAL", 10*time.Second, &errs),
		ScaleHighWater:    getEnvFloat("SCALE_HIGH_WATER", 0.8, &errs),
		ScaleLowWater:     getEnvFloat("SCALE_LOW_WATER", 0.3, &errs),
		ScaleStep:         getEnvInt("SCALE_STEP", 1, &errs),
		HealthFloor:       getEnvFloat("HEALTH_FLOOR", 0.3, &errs),
		HealthWindow:      getEnvInt("HEALTH_WINDOW", 5, &errs),
		TrendThreshold:    getEnvFloat("TREND_THRESHOLD", 0.02, &errs),
		IssueThreshold:    getEnvFloat("ISSUE_THRESHOLD", 0.6, &errs),
		PersistTimeout:    getEnvDuration("PERSIST_TIMEOUT", 5*time.Second, &errs),
		MetricsTimeout:    getEnvDuration("METRICS_TIMEOUT", 2*time.Second, &errs),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	// Parse log level
	logLevelStr := getEnv("LOG_LEVEL", "info")
	switch logLevelStr {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "info":
		cfg.LogLevel = slog.LevelInfo
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the fleet cannot run with.
func (c *Config) Validate() error {
	var errs []error
	f := c.Fleet

	for name, d := range map[string]time.Duration{
		"DRAIN_TIMEOUT":      f.DrainTimeout,
		"HEALTH_INTERVAL":    f.HealthInterval,
		"HEARTBEAT_TIMEOUT":  f.HeartbeatTimeout,
		"AUTOSCALE_INTERVAL": f.AutoscaleInterval,
		"PERSIST_TIMEOUT":    f.PersistTimeout,
		"METRICS_TIMEOUT":    f.MetricsTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if f.ScaleLowWater < 0 || f.ScaleHighWater > 1 {
		errs = append(errs, fmt.Errorf("water marks must lie in [0,1], got low=%v high=%v", f.ScaleLowWater, f.ScaleHighWater))
	}
	if f.ScaleLowWater >= f.ScaleHighWater {
		errs = append(errs, fmt.Errorf("SCALE_LOW_WATER (%v) must be below SCALE_HIGH_WATER (%v)", f.ScaleLowWater, f.ScaleHighWater))
	}
	if f.ScaleStep <= 0 {
		errs = append(errs, fmt.Errorf("SCALE_STEP must be positive, got %d", f.ScaleStep))
	}
	if f.HealthWindow < 2 {
		errs = append(errs, fmt.Errorf("HEALTH_WINDOW must be at least 2, got %d", f.HealthWindow))
	}
	if f.HealthFloor <= 0 || f.HealthFloor >= 1 {
		errs = append(errs, fmt.Errorf("HEALTH_FLOOR must lie in (0,1), got %v", f.HealthFloor))
	}
	if f.IssueThreshold <= 0 || f.IssueThreshold > 1 {
		errs = append(errs, fmt.Errorf("ISSUE_THRESHOLD must lie in (0,1], got %v", f.IssueThreshold))
	}
	if f.TrendThreshold <= 0 {
		errs = append(errs, fmt.Errorf("TREND_THRESHOLD must be positive, got %v", f.TrendThreshold))
	}
	switch c.MetricsSource {
	case "redis", "docker", "none":
	default:
		errs = append(errs, fmt.Errorf("METRICS_SOURCE must be redis, docker or none, got %q", c.MetricsSource))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return defaultValue
		}
		return parsed
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return parsed
}

func getEnvFloat(key string, defaultValue float64, errs *[]error) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return parsed
}

func getEnvInt(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return parsed
}
