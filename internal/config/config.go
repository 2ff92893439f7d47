package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all application configuration.
// We use a struct (not globals) so it's testable and explicit.
type Config struct {
	// Server
	Port        string
	Env         string // "development" or "production"
	FrontendURL string

	// WebRTC
	RTCMinPort  uint16
	RTCMaxPort  uint16
	AnnouncedIP string

	// Document store
	StoreBackend string // "file", "postgres" or "redis"
	StorePath    string
	DatabaseURL  string
	RedisURL     string

	// PubSub (for horizontal scaling of text/domain events)
	PubSubType string // "memory" or "redis"

	// Avatar storage (optional; disabled when credentials are absent)
	S3Endpoint        string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Bucket          string
	S3PublicURL       string
	AvatarsEnabled    bool

	// REST rate limiting
	RateLimitPerMin int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnvOrDefault("PORT", "3000"),
		Env:         getEnvOrDefault("APP_ENV", "development"),
		FrontendURL: getEnvOrDefault("FRONTEND_URL", "http://localhost:5173"),
		AnnouncedIP: getEnvOrDefault("ANNOUNCED_IP", "127.0.0.1"),

		StoreBackend: getEnvOrDefault("STORE_BACKEND", "file"),
		StorePath:    getEnvOrDefault("STORE_PATH", "data/parley.json"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),

		PubSubType: getEnvOrDefault("PUBSUB_TYPE", "memory"),
	}

	var err error
	if cfg.RTCMinPort, err = getEnvPort("RTC_MIN_PORT", 40000); err != nil {
		return nil, err
	}
	if cfg.RTCMaxPort, err = getEnvPort("RTC_MAX_PORT", 49999); err != nil {
		return nil, err
	}

	cfg.S3Endpoint = os.Getenv("S3_ENDPOINT")
	cfg.S3Region = os.Getenv("S3_REGION")
	cfg.S3AccessKeyID = os.Getenv("S3_ACCESS_KEY_ID")
	cfg.S3SecretAccessKey = os.Getenv("S3_SECRET_ACCESS_KEY")
	cfg.S3Bucket = os.Getenv("S3_BUCKET")
	cfg.S3PublicURL = os.Getenv("S3_PUBLIC_URL")
	cfg.AvatarsEnabled = cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" && cfg.S3Bucket != ""

	rateLimit := getEnvOrDefault("RATE_LIMIT_PER_MIN", "120")
	n, err := strconv.Atoi(rateLimit)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_PER_MIN must be a positive integer, got %q", rateLimit)
	}
	cfg.RateLimitPerMin = n

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RTCMinPort > c.RTCMaxPort {
		return fmt.Errorf("RTC_MIN_PORT (%d) must not exceed RTC_MAX_PORT (%d)", c.RTCMinPort, c.RTCMaxPort)
	}
	switch c.StoreBackend {
	case "file":
		if c.StorePath == "" {
			return fmt.Errorf("STORE_PATH is required for the file store")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.PubSubType {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis pubsub")
		}
	default:
		return fmt.Errorf("unknown PUBSUB_TYPE %q", c.PubSubType)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvPort(key string, defaultVal uint16) (uint16, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseUint(val, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%s must be a port number, got %q", key, val)
	}
	return uint16(n), nil
}
