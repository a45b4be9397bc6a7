package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the jobwatchd server configuration.
type Config struct {
	ListenAddr      string
	APIKeys         []string
	DBPath          string
	Concurrency     int
	QueueSize       int
	ExtractorPath   string
	CORSOrigins     []string
	RateLimitRPS    int
	JobTTL          time.Duration
	NotificationTTL time.Duration
	CleanupInterval time.Duration
	RedisURL        string
}

// ObserverConfig is the jobwatch CLI configuration.
type ObserverConfig struct {
	ServerURL     string
	APIKey        string
	UserID        string
	PollInterval  time.Duration
	EstimateTick  time.Duration
	CancelTimeout time.Duration
}

// Load reads the server configuration. Variables from envFile are applied first
// without overriding the process environment; a missing file is not an error.
func Load(envFile string) (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddr:    getEnv("JOBWATCH_LISTEN_ADDR", ":8080"),
		DBPath:        getEnv("JOBWATCH_DB_PATH", "jobwatch.db"),
		ExtractorPath: getEnv("JOBWATCH_EXTRACTOR_PATH", "/usr/local/bin/jobwatch-extract"),
		RedisURL:      getEnv("JOBWATCH_REDIS_URL", ""),
	}

	cfg.APIKeys = splitList(getEnv("JOBWATCH_API_KEYS", ""))
	if len(cfg.APIKeys) == 0 {
		return nil, errors.New("JOBWATCH_API_KEYS must contain at least one key")
	}
	cfg.CORSOrigins = splitList(getEnv("JOBWATCH_CORS_ORIGINS", ""))

	var err error
	cfg.Concurrency, err = getEnvInt("JOBWATCH_CONCURRENCY", 2)
	if err != nil {
		return nil, fmt.Errorf("JOBWATCH_CONCURRENCY: %w", err)
	}
	if cfg.Concurrency < 1 {
		return nil, errors.New("JOBWATCH_CONCURRENCY must be > 0")
	}

	cfg.QueueSize, err = getEnvInt("JOBWATCH_QUEUE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("JOBWATCH_QUEUE_SIZE: %w", err)
	}
	if cfg.QueueSize < 1 {
		return nil, errors.New("JOBWATCH_QUEUE_SIZE must be > 0")
	}

	cfg.RateLimitRPS, err = getEnvInt("JOBWATCH_RATE_LIMIT_RPS", 10)
	if err != nil {
		return nil, fmt.Errorf("JOBWATCH_RATE_LIMIT_RPS: %w", err)
	}

	jobTTL, err := getEnvInt("JOBWATCH_JOB_TTL_HOURS", 168)
	if err != nil {
		return nil, fmt.Errorf("JOBWATCH_JOB_TTL_HOURS: %w", err)
	}
	cfg.JobTTL = time.Duration(jobTTL) * time.Hour

	notifTTL, err := getEnvInt("JOBWATCH_NOTIFICATION_TTL_HOURS", 720)
	if err != nil {
		return nil, fmt.Errorf("JOBWATCH_NOTIFICATION_TTL_HOURS: %w", err)
	}
	cfg.NotificationTTL = time.Duration(notifTTL) * time.Hour

	cleanup, err := getEnvInt("JOBWATCH_CLEANUP_INTERVAL_MINUTES", 60)
	if err != nil {
		return nil, fmt.Errorf("JOBWATCH_CLEANUP_INTERVAL_MINUTES: %w", err)
	}
	if cleanup < 1 {
		return nil, errors.New("JOBWATCH_CLEANUP_INTERVAL_MINUTES must be > 0")
	}
	cfg.CleanupInterval = time.Duration(cleanup) * time.Minute

	return cfg, nil
}

// LoadObserver reads the CLI configuration. Flags may override the result.
func LoadObserver(envFile string) (*ObserverConfig, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	cfg := &ObserverConfig{
		ServerURL: getEnv("JOBWATCH_SERVER_URL", "http://localhost:8080"),
		APIKey:    getEnv("JOBWATCH_API_KEY", ""),
		UserID:    getEnv("JOBWATCH_USER_ID", ""),
	}

	var err error
	if cfg.PollInterval, err = getEnvDuration("JOBWATCH_POLL_INTERVAL", 10*time.Second); err != nil {
		return nil, fmt.Errorf("JOBWATCH_POLL_INTERVAL: %w", err)
	}
	if cfg.EstimateTick, err = getEnvDuration("JOBWATCH_ESTIMATE_TICK", time.Second); err != nil {
		return nil, fmt.Errorf("JOBWATCH_ESTIMATE_TICK: %w", err)
	}
	if cfg.CancelTimeout, err = getEnvDuration("JOBWATCH_CANCEL_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("JOBWATCH_CANCEL_TIMEOUT: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings every CLI command needs.
func (c *ObserverConfig) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server url must not be empty")
	}
	if c.APIKey == "" {
		return errors.New("api key must not be empty (JOBWATCH_API_KEY or --api-key)")
	}
	if c.UserID == "" {
		return errors.New("user id must not be empty (JOBWATCH_USER_ID or --user)")
	}
	if c.PollInterval <= 0 || c.EstimateTick <= 0 || c.CancelTimeout <= 0 {
		return errors.New("intervals must be positive")
	}
	return nil
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
