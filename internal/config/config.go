package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHTTPAddr    = ":8080"
	defaultMetricsAddr = ":9090"

	defaultScheduleTickInterval = time.Minute
	defaultScheduleTolerance    = time.Minute
	defaultScheduleDamping      = 5 * time.Minute

	defaultCredentialTimeout = 30 * time.Second
	defaultCheckTimeout      = 5 * time.Minute
	defaultCheckWorkers      = 1
)

type Config struct {
	DatabaseURL string
	HTTPAddr    string
	MetricsAddr string

	AWSRegion string

	VaultAddr  string
	VaultToken string

	ScheduleTickInterval time.Duration
	ScheduleTolerance    time.Duration
	ScheduleDamping      time.Duration

	CredentialTimeout time.Duration
	CheckTimeout      time.Duration
	CheckWorkers      int
}

type LoadOptions struct {
	RequireDatabaseURL bool
}

func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: true})
}

func LoadOptionalDB() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: false})
}

func LoadWithOptions(opts LoadOptions) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, err
		}
	}

	cfg := Config{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		HTTPAddr:             getenvDefault("HTTP_ADDR", defaultHTTPAddr),
		MetricsAddr:          getenvDefault("METRICS_ADDR", defaultMetricsAddr),
		AWSRegion:            getenvDefault("AWS_REGION", "us-east-1"),
		VaultAddr:            strings.TrimSpace(os.Getenv("VAULT_ADDR")),
		VaultToken:           strings.TrimSpace(os.Getenv("VAULT_TOKEN")),
		ScheduleTickInterval: getenvDurationDefault("SCHEDULE_TICK_INTERVAL", defaultScheduleTickInterval),
		ScheduleTolerance:    getenvDurationDefault("SCHEDULE_TOLERANCE", defaultScheduleTolerance),
		ScheduleDamping:      getenvDurationDefault("SCHEDULE_DAMPING", defaultScheduleDamping),
		CredentialTimeout:    getenvDurationDefault("CREDENTIAL_TIMEOUT", defaultCredentialTimeout),
		CheckTimeout:         getenvDurationDefault("CHECK_TIMEOUT", defaultCheckTimeout),
		CheckWorkers:         getenvIntDefault("CHECK_WORKERS", defaultCheckWorkers),
	}

	if opts.RequireDatabaseURL && cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func getenvDurationDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
