// Package config loads engine configuration from the environment.
// A .env file in the working directory is honored for local development.
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration for the KiraPilot AI engine.
type Config struct {
	Port    int    `envconfig:"PORT" default:"8317"`
	Version string `envconfig:"VERSION" default:"0.4.0"`

	// AI settings
	DefaultProvider    string `envconfig:"DEFAULT_PROVIDER" default:"gemini"`
	MaxRetries         int    `envconfig:"MAX_RETRIES" default:"3"`
	ProviderTimeoutSec int    `envconfig:"PROVIDER_TIMEOUT_SECONDS" default:"30"`
	RequestTimeoutSec  int    `envconfig:"REQUEST_TIMEOUT_SECONDS" default:"60"`
	MaxSteps           int    `envconfig:"MAX_STEPS" default:"8"`
	DetailedLogging    bool   `envconfig:"DETAILED_LOGGING" default:"false"`
	MaxHistory         int    `envconfig:"MAX_CONVERSATION_HISTORY" default:"100"`
	MaxLogCount        int    `envconfig:"MAX_LOG_COUNT" default:"10000"`

	Gemini GeminiConfig `envconfig:"GEMINI"`
	Local  LocalConfig  `envconfig:"LOCAL"`

	Store     StoreConfig     `envconfig:"STORE"`
	Telemetry TelemetryConfig `envconfig:"OTEL"`
}

// GeminiConfig configures the remote Gemini provider.
type GeminiConfig struct {
	Enabled  bool   `envconfig:"ENABLED" default:"true"`
	APIKey   string `envconfig:"API_KEY"`
	Model    string `envconfig:"MODEL" default:"gemini-2.0-flash"`
	Endpoint string `envconfig:"ENDPOINT" default:"https://generativelanguage.googleapis.com/v1beta"`
}

// LocalConfig configures the on-device provider.
type LocalConfig struct {
	Enabled   bool   `envconfig:"ENABLED" default:"false"`
	ModelPath string `envconfig:"MODEL_PATH"`
	Model     string `envconfig:"MODEL" default:"kirapilot-local"`
	Endpoint  string `envconfig:"ENDPOINT" default:"http://localhost:11434"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver      string `envconfig:"DRIVER" default:"sqlite"` // sqlite | postgres | memory
	SQLitePath  string `envconfig:"SQLITE_PATH"`             // empty = ~/.kirapilot/engine.db
	PostgresURL string `envconfig:"POSTGRES_URL"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool   `envconfig:"ENABLED" default:"false"`
	OTLPEndpoint string `envconfig:"EXPORTER_OTLP_ENDPOINT" default:"localhost:4317"`
	ServiceName  string `envconfig:"SERVICE_NAME" default:"kirapilot-engine"`
}

// Load reads configuration from a .env file (if present) and the environment.
// Engine variables are prefixed KIRAPILOT_; the telemetry group reads the
// standard OTEL_* names.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env file")
	}

	var cfg Config
	if err := envconfig.Process("KIRAPILOT", &cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := envconfig.Process("OTEL", &cfg.Telemetry); err != nil {
		return nil, fmt.Errorf("parse telemetry environment: %w", err)
	}
	return &cfg, nil
}
