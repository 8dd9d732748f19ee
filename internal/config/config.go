package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sstlabs/esocial-engine/internal/model"
)

type Config struct {
	DatabaseURL string            // ESOCIAL_DATABASE_URL (required)
	Environment model.Environment // ESOCIAL_ENVIRONMENT (required, never defaulted)
	HTTPAddr    string            // ESOCIAL_HTTP_ADDR (default ":8080")
	AuthToken   string            // ESOCIAL_AUTH_TOKEN (optional, empty = auth disabled)
	NATSURL     string            // ESOCIAL_NATS_URL (optional, empty = no events)
	RedisAddr   string            // ESOCIAL_REDIS_ADDR (optional, empty = in-process job claims)
	LogLevel    string            // ESOCIAL_LOG_LEVEL (default "info")
	AppVersion  string            // ESOCIAL_APP_VERSION (verProc, default "esocial-engine")

	// Blob storage
	BlobBucket   string        // ESOCIAL_BLOB_BUCKET (enables S3 when set)
	BlobRegion   string        // ESOCIAL_BLOB_REGION (default "us-east-1")
	BlobEndpoint string        // ESOCIAL_BLOB_ENDPOINT (custom endpoint for MinIO)
	BlobURLTTL   time.Duration // ESOCIAL_BLOB_URL_TTL (default 15m)
	// Static credentials for S3-compatible endpoints; empty = default AWS chain.
	BlobAccessKey string // ESOCIAL_BLOB_ACCESS_KEY
	BlobSecretKey string // ESOCIAL_BLOB_SECRET_KEY

	SecretsRegion string // ESOCIAL_SECRETS_REGION (enables Secrets Manager when set)

	// Remote webservice
	SubmitTimeout    time.Duration // ESOCIAL_SUBMIT_TIMEOUT (default 30s)
	SubmitMaxRetries int           // ESOCIAL_SUBMIT_MAX_RETRIES (default 3)
	RemoteRate       float64       // ESOCIAL_REMOTE_RATE requests/s (default 5)
	TLSInsecure      bool          // ESOCIAL_TLS_INSECURE (default false)

	// Sync scheduler
	SyncInterval      time.Duration // ESOCIAL_SYNC_INTERVAL (default 6h; 0 = disabled)
	SyncRetention     time.Duration // ESOCIAL_SYNC_RETENTION (default 24h)
	SyncMaxConcurrent int           // ESOCIAL_SYNC_MAX_CONCURRENT (default 3)
	// Queue a sync when admissions reach processed; needs NATS.
	SyncOnProcessed bool // ESOCIAL_SYNC_ON_PROCESSED (default true)

	HTTPRateLimit int // ESOCIAL_HTTP_RATE_LIMIT requests per minute per client IP (default 600; 0 = disabled)
}

// fileConfig mirrors Config for ESOCIAL_CONFIG_FILE. Keys are the env
// names without the prefix, lower-cased.
type fileConfig struct {
	DatabaseURL       string `toml:"database_url"`
	Environment       string `toml:"environment"`
	HTTPAddr          string `toml:"http_addr"`
	AuthToken         string `toml:"auth_token"`
	NATSURL           string `toml:"nats_url"`
	RedisAddr         string `toml:"redis_addr"`
	LogLevel          string `toml:"log_level"`
	AppVersion        string `toml:"app_version"`
	BlobBucket        string `toml:"blob_bucket"`
	BlobRegion        string `toml:"blob_region"`
	BlobEndpoint      string `toml:"blob_endpoint"`
	BlobURLTTL        string `toml:"blob_url_ttl"`
	BlobAccessKey     string `toml:"blob_access_key"`
	BlobSecretKey     string `toml:"blob_secret_key"`
	SecretsRegion     string `toml:"secrets_region"`
	SubmitTimeout     string `toml:"submit_timeout"`
	SubmitMaxRetries  string `toml:"submit_max_retries"`
	RemoteRate        string `toml:"remote_rate"`
	TLSInsecure       string `toml:"tls_insecure"`
	SyncInterval      string `toml:"sync_interval"`
	SyncRetention     string `toml:"sync_retention"`
	SyncMaxConcurrent string `toml:"sync_max_concurrent"`
	SyncOnProcessed   string `toml:"sync_on_processed"`
	HTTPRateLimit     string `toml:"http_rate_limit"`
}

// Load reads configuration from ESOCIAL_* environment variables layered
// over the optional TOML file named by ESOCIAL_CONFIG_FILE.
func Load() (*Config, error) {
	var f fileConfig
	if path := os.Getenv("ESOCIAL_CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return nil, fmt.Errorf("ESOCIAL_CONFIG_FILE: %w", err)
		}
	}

	c := &Config{
		DatabaseURL:   value("ESOCIAL_DATABASE_URL", f.DatabaseURL, ""),
		HTTPAddr:      value("ESOCIAL_HTTP_ADDR", f.HTTPAddr, ":8080"),
		AuthToken:     value("ESOCIAL_AUTH_TOKEN", f.AuthToken, ""),
		NATSURL:       value("ESOCIAL_NATS_URL", f.NATSURL, ""),
		RedisAddr:     value("ESOCIAL_REDIS_ADDR", f.RedisAddr, ""),
		LogLevel:      value("ESOCIAL_LOG_LEVEL", f.LogLevel, "info"),
		AppVersion:    value("ESOCIAL_APP_VERSION", f.AppVersion, "esocial-engine"),
		BlobBucket:    value("ESOCIAL_BLOB_BUCKET", f.BlobBucket, ""),
		BlobRegion:    value("ESOCIAL_BLOB_REGION", f.BlobRegion, "us-east-1"),
		BlobEndpoint:  value("ESOCIAL_BLOB_ENDPOINT", f.BlobEndpoint, ""),
		BlobAccessKey: value("ESOCIAL_BLOB_ACCESS_KEY", f.BlobAccessKey, ""),
		BlobSecretKey: value("ESOCIAL_BLOB_SECRET_KEY", f.BlobSecretKey, ""),
		SecretsRegion: value("ESOCIAL_SECRETS_REGION", f.SecretsRegion, ""),
	}
	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("ESOCIAL_DATABASE_URL is required")
	}
	env, err := model.ParseEnvironment(value("ESOCIAL_ENVIRONMENT", f.Environment, ""))
	if err != nil {
		return nil, fmt.Errorf("ESOCIAL_ENVIRONMENT: %w", err)
	}
	c.Environment = env

	for _, d := range []struct {
		key  string
		file string
		def  string
		dst  *time.Duration
	}{
		{"ESOCIAL_BLOB_URL_TTL", f.BlobURLTTL, "15m", &c.BlobURLTTL},
		{"ESOCIAL_SUBMIT_TIMEOUT", f.SubmitTimeout, "30s", &c.SubmitTimeout},
		{"ESOCIAL_SYNC_INTERVAL", f.SyncInterval, "6h", &c.SyncInterval},
		{"ESOCIAL_SYNC_RETENTION", f.SyncRetention, "24h", &c.SyncRetention},
	} {
		v, err := time.ParseDuration(value(d.key, d.file, d.def))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}

	for _, i := range []struct {
		key  string
		file string
		def  string
		dst  *int
	}{
		{"ESOCIAL_SUBMIT_MAX_RETRIES", f.SubmitMaxRetries, "3", &c.SubmitMaxRetries},
		{"ESOCIAL_SYNC_MAX_CONCURRENT", f.SyncMaxConcurrent, "3", &c.SyncMaxConcurrent},
		{"ESOCIAL_HTTP_RATE_LIMIT", f.HTTPRateLimit, "600", &c.HTTPRateLimit},
	} {
		v, err := strconv.Atoi(value(i.key, i.file, i.def))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", i.key, err)
		}
		*i.dst = v
	}
	if c.SyncMaxConcurrent < 1 {
		return nil, fmt.Errorf("ESOCIAL_SYNC_MAX_CONCURRENT must be at least 1")
	}

	if c.RemoteRate, err = strconv.ParseFloat(value("ESOCIAL_REMOTE_RATE", f.RemoteRate, "5"), 64); err != nil {
		return nil, fmt.Errorf("ESOCIAL_REMOTE_RATE: %w", err)
	}
	if c.TLSInsecure, err = strconv.ParseBool(value("ESOCIAL_TLS_INSECURE", f.TLSInsecure, "false")); err != nil {
		return nil, fmt.Errorf("ESOCIAL_TLS_INSECURE: %w", err)
	}
	if c.SyncOnProcessed, err = strconv.ParseBool(value("ESOCIAL_SYNC_ON_PROCESSED", f.SyncOnProcessed, "true")); err != nil {
		return nil, fmt.Errorf("ESOCIAL_SYNC_ON_PROCESSED: %w", err)
	}
	if c.HTTPRateLimit < 0 {
		return nil, fmt.Errorf("ESOCIAL_HTTP_RATE_LIMIT must not be negative")
	}

	return c, nil
}

// value returns the env var, else the file value, else fallback.
func value(key, file, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if file != "" {
		return file
	}
	return fallback
}
