package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all agent configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Remote       RemoteConfig       `yaml:"remote"`
	Store        StoreConfig        `yaml:"store"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`

	// DeviceID is resolved at startup, never read from the file.
	DeviceID string `yaml:"-"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type RemoteConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"`
	Burst     int           `yaml:"burst"`
}

type StoreConfig struct {
	// Backend is one of memory, redis, postgres.
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	PostgresURL   string `yaml:"postgres_url"`
	DataDir       string `yaml:"data_dir"`
}

type SyncConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	Interval     time.Duration `yaml:"interval"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
	StartupDelay time.Duration `yaml:"startup_delay"`
	RetryBase    time.Duration `yaml:"retry_base"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
	DedupEnqueue bool          `yaml:"dedup_enqueue"`
	TriggerRate  float64       `yaml:"trigger_rate"`
	TriggerBurst int           `yaml:"trigger_burst"`

	DeadLetterRetention time.Duration `yaml:"dead_letter_retention"`
	JanitorInterval     time.Duration `yaml:"janitor_interval"`
}

type ConnectivityConfig struct {
	// ProbeURL defaults to <remote.base_url>/health.
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           "127.0.0.1:8787",
			AllowedOrigins: []string{"http://localhost:5173"},
		},
		Remote: RemoteConfig{
			BaseURL:   "http://localhost:3000/api",
			Timeout:   30 * time.Second,
			RateLimit: 10,
			Burst:     20,
		},
		Store: StoreConfig{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
			DataDir:   ".fieldsync",
		},
		Sync: SyncConfig{
			MaxRetries:          3,
			Interval:            5 * time.Minute,
			SettleDelay:         2 * time.Second,
			StartupDelay:        time.Second,
			RetryBase:           30 * time.Second,
			LeaseTTL:            30 * time.Second,
			DedupEnqueue:        true,
			TriggerRate:         0.1,
			TriggerBurst:        2,
			DeadLetterRetention: 7 * 24 * time.Hour,
			JanitorInterval:     time.Minute,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (or
// $FIELDSYNC_CONFIG), then .env, then FIELDSYNC_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("FIELDSYNC_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Ignoring .env: %v", err)
	}
	cfg.applyEnv()

	if cfg.Connectivity.ProbeURL == "" {
		cfg.Connectivity.ProbeURL = strings.TrimRight(cfg.Remote.BaseURL, "/") + "/health"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = getEnv("FIELDSYNC_ADDR", c.Server.Addr)
	if v := os.Getenv("FIELDSYNC_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = parseStringSlice(v)
	}

	c.Remote.BaseURL = getEnv("FIELDSYNC_API_URL", c.Remote.BaseURL)
	c.Remote.Timeout = parseDuration(os.Getenv("FIELDSYNC_API_TIMEOUT"), c.Remote.Timeout)
	c.Remote.RateLimit = parseFloat(os.Getenv("FIELDSYNC_API_RATE_LIMIT"), c.Remote.RateLimit)

	c.Store.Backend = getEnv("FIELDSYNC_STORE", c.Store.Backend)
	c.Store.RedisAddr = getEnv("FIELDSYNC_REDIS_ADDR", c.Store.RedisAddr)
	c.Store.RedisPassword = getEnv("FIELDSYNC_REDIS_PASSWORD", c.Store.RedisPassword)
	c.Store.RedisDB = parseInt(os.Getenv("FIELDSYNC_REDIS_DB"), c.Store.RedisDB)
	c.Store.PostgresURL = getEnv("FIELDSYNC_POSTGRES_URL", c.Store.PostgresURL)
	c.Store.DataDir = getEnv("FIELDSYNC_DATA_DIR", c.Store.DataDir)

	c.Sync.MaxRetries = parseInt(os.Getenv("FIELDSYNC_MAX_RETRIES"), c.Sync.MaxRetries)
	c.Sync.Interval = parseDuration(os.Getenv("FIELDSYNC_SYNC_INTERVAL"), c.Sync.Interval)
	c.Sync.SettleDelay = parseDuration(os.Getenv("FIELDSYNC_SETTLE_DELAY"), c.Sync.SettleDelay)
	c.Sync.LeaseTTL = parseDuration(os.Getenv("FIELDSYNC_LEASE_TTL"), c.Sync.LeaseTTL)
	c.Sync.DedupEnqueue = parseBool(os.Getenv("FIELDSYNC_DEDUP_ENQUEUE"), c.Sync.DedupEnqueue)

	c.Connectivity.ProbeURL = getEnv("FIELDSYNC_PROBE_URL", c.Connectivity.ProbeURL)
	c.Connectivity.ProbeInterval = parseDuration(os.Getenv("FIELDSYNC_PROBE_INTERVAL"), c.Connectivity.ProbeInterval)
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr must be set for the redis backend")
		}
	case "postgres":
		if c.Store.PostgresURL == "" {
			return errors.New("store.postgres_url must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url must be set")
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync.max_retries must be at least 1, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.Interval <= 0 {
		return errors.New("sync.interval must be positive")
	}
	if c.Sync.LeaseTTL < time.Second {
		return fmt.Errorf("sync.lease_ttl must be at least 1s, got %v", c.Sync.LeaseTTL)
	}
	return nil
}

// EnsureDeviceID returns the device id stored in dataDir, creating one on
// first run.
func EnsureDeviceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "device_id")
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read device id: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write device id: %w", err)
	}
	log.Printf("Generated device id %s", id)
	return id, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(s string, defaultValue int) int {
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	return defaultValue
}

func parseFloat(s string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultValue
}

func parseBool(s string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultValue
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	// Bare numbers are seconds
	if i, err := strconv.Atoi(s); err == nil {
		return time.Duration(i) * time.Second
	}
	return defaultValue
}

func parseStringSlice(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
