// Package config provides configuration loading and management for the sharedrop service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load() does not override already-set environment variables,
// preserving OS env > .env precedence.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// .env.local holds gitignored local overrides
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the sharedrop service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // PostgreSQL connection string (empty selects the in-memory store)
	NATSURL     string // NATS server URL (empty selects the in-process queue)

	S3Endpoint  string // S3-compatible storage endpoint
	S3Region    string // S3 region
	S3Bucket    string // S3 bucket name
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key

	// Upload limits
	MaxFileSizeFree    int64    // Size ceiling for free uploads, bytes
	MaxFileSizePremium int64    // Size ceiling for premium uploads, bytes
	AllowedMimeTypes   []string // Allowed MIME patterns (exact or "type/*"); empty means no restriction
	UploadURLTTL       time.Duration
	RetentionDays      int // Default file retention; 0 disables expiry

	// Download gate
	FreeWaitSeconds  int           // Client-enforced wait for non-premium downloads
	RateLimitPerIP   int           // Download grants allowed per IP per window
	RateLimitWindow  time.Duration // Trailing rate-limit window
	DownloadURLTTL   time.Duration
	GrantSecret      string        // HMAC secret for download grant tokens
	GrantTTL         time.Duration // Lifetime of a download grant token

	// Earnings ledger
	CompletionThreshold      float64 // Fraction of bytes that must be served to count as completed
	EarningsPerDownloadCents int64   // Flat credit per completed download
	MinPayoutThresholdCents  int64   // Minimum available balance for a payout request

	// Remote fetch ceilings
	RemoteFetchMaxBytes int64
	RemoteFetchTimeout  time.Duration

	// Virus scanning
	VirusScanEnabled bool
	ScannerURL       string // Remote scanner endpoint; required when scanning is enabled

	// Ingestion workers
	WorkerCount    int // Concurrent job consumers
	JobMaxAttempts int // Delivery attempts before a job is terminal-failed
}

// Default configuration values used when environment variables are not set
const (
	defaultPort     = "8080"
	defaultS3Region = "us-east-1"
	defaultEnv      = "dev"

	defaultMaxFileSizeFree    = int64(100 * 1024 * 1024)      // 100MB
	defaultMaxFileSizePremium = int64(10 * 1024 * 1024 * 1024) // 10GB
	defaultFreeWaitSeconds    = 9
	defaultRateLimitPerIP     = 10
	defaultRateLimitWindow    = 15 * time.Minute
	defaultCompletionThresh   = 0.8
	defaultEarningsCents      = int64(10)
	defaultMinPayoutCents     = int64(5000)
	defaultRetentionDays      = 90
	defaultRemoteFetchBytes   = int64(10 * 1024 * 1024 * 1024) // 10GB
	defaultRemoteFetchTimeout = 5 * time.Minute
	defaultUploadURLTTL       = time.Hour
	defaultDownloadURLTTL     = time.Hour
	defaultGrantTTL           = 2 * time.Hour
	defaultWorkerCount        = 4
	defaultJobMaxAttempts     = 5
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:                      getEnv("SD_ENV", defaultEnv),
		Port:                     getEnv("SD_PORT", defaultPort),
		DatabaseDSN:              os.Getenv("SD_DB_DSN"),
		NATSURL:                  os.Getenv("SD_NATS_URL"),
		S3Endpoint:               os.Getenv("SD_S3_ENDPOINT"),
		S3Region:                 getEnv("SD_S3_REGION", defaultS3Region),
		S3Bucket:                 os.Getenv("SD_S3_BUCKET"),
		S3AccessKey:              os.Getenv("SD_S3_ACCESS_KEY"),
		S3SecretKey:              os.Getenv("SD_S3_SECRET_KEY"),
		MaxFileSizeFree:          getInt64("SD_MAX_FILE_SIZE_FREE", defaultMaxFileSizeFree),
		MaxFileSizePremium:       getInt64("SD_MAX_FILE_SIZE_PREMIUM", defaultMaxFileSizePremium),
		UploadURLTTL:             getDuration("SD_UPLOAD_URL_TTL", defaultUploadURLTTL),
		RetentionDays:            getInt("SD_FILE_RETENTION_DAYS", defaultRetentionDays),
		FreeWaitSeconds:          getInt("SD_FREE_WAIT_SECONDS", defaultFreeWaitSeconds),
		RateLimitPerIP:           getInt("SD_DOWNLOAD_RATE_LIMIT_PER_IP", defaultRateLimitPerIP),
		RateLimitWindow:          getDuration("SD_DOWNLOAD_RATE_LIMIT_WINDOW", defaultRateLimitWindow),
		DownloadURLTTL:           getDuration("SD_DOWNLOAD_URL_TTL", defaultDownloadURLTTL),
		GrantSecret:              os.Getenv("SD_GRANT_SECRET"),
		GrantTTL:                 getDuration("SD_GRANT_TTL", defaultGrantTTL),
		CompletionThreshold:      getFloat("SD_COMPLETION_THRESHOLD", defaultCompletionThresh),
		EarningsPerDownloadCents: getInt64("SD_EARNINGS_PER_DOWNLOAD_CENTS", defaultEarningsCents),
		MinPayoutThresholdCents:  getInt64("SD_MIN_PAYOUT_THRESHOLD_CENTS", defaultMinPayoutCents),
		RemoteFetchMaxBytes:      getInt64("SD_REMOTE_FETCH_MAX_BYTES", defaultRemoteFetchBytes),
		RemoteFetchTimeout:       getDuration("SD_REMOTE_FETCH_TIMEOUT", defaultRemoteFetchTimeout),
		VirusScanEnabled:         parseBool(os.Getenv("SD_VIRUS_SCAN_ENABLED")),
		ScannerURL:               os.Getenv("SD_SCANNER_URL"),
		WorkerCount:              getInt("SD_WORKER_COUNT", defaultWorkerCount),
		JobMaxAttempts:           getInt("SD_JOB_MAX_ATTEMPTS", defaultJobMaxAttempts),
	}

	if mimeTypes, exists := os.LookupEnv("SD_ALLOWED_MIME_TYPES"); exists {
		cfg.AllowedMimeTypes = strings.Split(mimeTypes, ",")
		for i, pattern := range cfg.AllowedMimeTypes {
			cfg.AllowedMimeTypes[i] = strings.TrimSpace(pattern)
		}
	}

	// Validate required parameters
	if cfg.GrantSecret == "" {
		return cfg, fmt.Errorf("SD_GRANT_SECRET is required")
	}

	if cfg.CompletionThreshold <= 0 || cfg.CompletionThreshold > 1 {
		return cfg, fmt.Errorf("SD_COMPLETION_THRESHOLD must be in (0, 1], got %v", cfg.CompletionThreshold)
	}

	if cfg.VirusScanEnabled && cfg.ScannerURL == "" {
		return cfg, fmt.Errorf("SD_SCANNER_URL is required when SD_VIRUS_SCAN_ENABLED is set")
	}

	return cfg, nil
}

// RetentionWindow returns the default expiry offset for stored files,
// or zero when retention is disabled.
func (c Config) RetentionWindow() time.Duration {
	if c.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// getInt parses an integer environment variable, returning a fallback on absence or parse failure
func getInt(key string, fallback int) int {
	if v, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// getInt64 parses a 64-bit integer environment variable
func getInt64(key string, fallback int64) int64 {
	if v, exists := os.LookupEnv(key); exists {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

// getFloat parses a float environment variable
func getFloat(key string, fallback float64) float64 {
	if v, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getDuration parses a duration environment variable (Go duration syntax)
func getDuration(key string, fallback time.Duration) time.Duration {
	if v, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
