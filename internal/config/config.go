// Package config provides configuration loading for the recording exporter.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/model"
	"github.com/RegistryAccord/registryaccord-ccrec-go/internal/timeframe"
)

// init loads environment variables from .env files during package initialization.
// In development, it loads .env and .env.local files if they exist.
// In production, it relies solely on system environment variables.
// godotenv.Load() does not override already-set variables, so the
// process environment always takes precedence over the files.
func init() {
	// Load .env file if it exists (shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the exporter.
// It is constructed once at startup and passed explicitly to each component.
type Config struct {
	Env string `env:"CCREC_ENV" envDefault:"prod"` // Deployment environment (dev, prod)

	// Server-to-server OAuth app credentials
	AccountID    string `env:"ZOOM_ACCOUNT_ID"`
	ClientID     string `env:"ZOOM_CLIENT_ID"`
	ClientSecret string `env:"ZOOM_CLIENT_SECRET"`

	// API endpoints
	BaseURL  string `env:"CCREC_BASE_URL" envDefault:"https://api.zoom.us/v2"`
	TokenURL string `env:"CCREC_TOKEN_URL" envDefault:"https://zoom.us/oauth/token"`

	// Listing
	RecordingPath string `env:"CCREC_RECORDING_PATH"` // Target directory, defaults to ~/Desktop/Recordings
	ChannelType   string `env:"CCREC_CHANNEL_TYPE" envDefault:"voice"`
	Timeframe     string `env:"CCREC_TIMEFRAME" envDefault:"last_week"`
	From          string `env:"CCREC_FROM"` // Explicit range start, overrides Timeframe with To
	To            string `env:"CCREC_TO"`   // Explicit range end
	PageSize      int    `env:"CCREC_PAGE_SIZE" envDefault:"100"`

	// Transfers
	HTTPTimeout  time.Duration `env:"CCREC_HTTP_TIMEOUT" envDefault:"50m"`
	SkipExisting bool          `env:"CCREC_SKIP_EXISTING" envDefault:"false"`

	// Download ledger (PostgreSQL, in-memory when empty)
	DatabaseDSN string `env:"CCREC_DB_DSN"`

	// Event stream (disabled when empty)
	NATSURL string `env:"CCREC_NATS_URL"`

	// S3 mirror of saved recordings (disabled when bucket is empty)
	S3Endpoint  string `env:"CCREC_S3_ENDPOINT"`
	S3Region    string `env:"CCREC_S3_REGION" envDefault:"us-east-1"`
	S3Bucket    string `env:"CCREC_S3_BUCKET"`
	S3Prefix    string `env:"CCREC_S3_PREFIX" envDefault:"recordings"`
	S3AccessKey string `env:"CCREC_S3_ACCESS_KEY"`
	S3SecretKey string `env:"CCREC_S3_SECRET_KEY"`

	// Observability
	MetricsFile string `env:"CCREC_METRICS_FILE"` // Prometheus textfile written after each run
	MetricsAddr string `env:"CCREC_METRICS_ADDR" envDefault:":9090"`
	TraceFile   string `env:"CCREC_TRACE_FILE"` // Span output, tracing disabled when empty

	// Daemon mode: cron expression, one-shot run when empty
	Schedule string `env:"CCREC_SCHEDULE"`
}

// defaultRecordingDir is the directory under $HOME used when no path is configured.
var defaultRecordingDir = filepath.Join("Desktop", "Recordings")

// Load reads environment variables and produces a Config suitable for wiring the exporter.
// Returns an error if the environment cannot be parsed.
// Required parameters are checked by Validate, after command-line overrides are applied.
func Load() (Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.RecordingPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return cfg, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.RecordingPath = filepath.Join(home, defaultRecordingDir)
	}

	cfg.ChannelType = strings.ToLower(strings.TrimSpace(cfg.ChannelType))
	return cfg, nil
}

// Credentials returns the OAuth app credentials.
func (c Config) Credentials() model.Credentials {
	return model.Credentials{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		AccountID:    c.AccountID,
	}
}

// S3Enabled reports whether saved recordings should be mirrored to S3.
func (c Config) S3Enabled() bool {
	return c.S3Bucket != ""
}

// TimeRange resolves the listing range: an explicit From/To pair wins,
// otherwise the named Timeframe is evaluated at now.
func (c Config) TimeRange(now time.Time) (model.TimeRange, error) {
	if c.From != "" || c.To != "" {
		tr := model.TimeRange{From: c.From, To: c.To}
		if err := tr.Validate(); err != nil {
			return tr, err
		}
		return tr, nil
	}
	f, err := timeframe.ByName(c.Timeframe)
	if err != nil {
		return model.TimeRange{}, err
	}
	return f(now), nil
}

// Validate checks required parameters and value ranges.
func (c Config) Validate() error {
	if err := c.Credentials().Validate(); err != nil {
		return fmt.Errorf("ZOOM_ACCOUNT_ID, ZOOM_CLIENT_ID and ZOOM_CLIENT_SECRET are required: %w", err)
	}
	switch c.ChannelType {
	case model.ChannelVoice, model.ChannelVideo, model.ChannelChat, model.ChannelSMS:
	default:
		return fmt.Errorf("CCREC_CHANNEL_TYPE %q must be one of voice, video, chat, sms", c.ChannelType)
	}
	if c.RecordingPath == "" {
		return fmt.Errorf("CCREC_RECORDING_PATH is required")
	}
	if (c.From == "") != (c.To == "") {
		return fmt.Errorf("CCREC_FROM and CCREC_TO must be set together")
	}
	if _, err := c.TimeRange(time.Now()); err != nil {
		return fmt.Errorf("invalid time range: %w", err)
	}
	if c.PageSize < 0 {
		return fmt.Errorf("CCREC_PAGE_SIZE must not be negative")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("CCREC_HTTP_TIMEOUT must be positive")
	}
	return nil
}
