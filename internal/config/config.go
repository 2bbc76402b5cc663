package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the interview gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// AI backend connection
	BackendURL         string `envconfig:"BACKEND_URL" default:"ws://localhost:9090/session"`
	BackendAPIKey      string `envconfig:"BACKEND_API_KEY" required:"true"`
	BackendDialTimeout int    `envconfig:"BACKEND_DIAL_TIMEOUT" default:"10"` // seconds
	CustomPrompt       string `envconfig:"CUSTOM_PROMPT" default:""` // prompt used when no preparation is selected

	// Persisted UI selections, read once at session start
	SelectedPreparation string `envconfig:"SELECTED_PREPARATION" default:""`
	SelectedLanguage    string `envconfig:"SELECTED_LANGUAGE" default:"en"`
	SelectedPurpose     string `envconfig:"SELECTED_PURPOSE" default:"interview"`

	// Audio capture configuration
	Packaged           bool   `envconfig:"PACKAGED" default:"false"`          // packaged build vs development tree
	ResourcesDir       string `envconfig:"RESOURCES_DIR" default:"resources"` // capture binaries in packaged builds
	AssetsDir          string `envconfig:"ASSETS_DIR" default:"assets"`       // capture binaries in development
	CaptureSampleRate  int    `envconfig:"CAPTURE_SAMPLE_RATE" default:"24000"`
	CaptureChannels    int    `envconfig:"CAPTURE_CHANNELS" default:"2"`
	CaptureBitDepth    int    `envconfig:"CAPTURE_BIT_DEPTH" default:"16"`
	CaptureKillWait    int    `envconfig:"CAPTURE_KILL_WAIT_MS" default:"2000"`    // bound on the kill-existing step
	CaptureSettleDelay int    `envconfig:"CAPTURE_SETTLE_DELAY_MS" default:"1000"` // device driver settle time after spawn
	CaptureProcessName string `envconfig:"CAPTURE_PROCESS_NAME" default:"AudioService"`

	// Stderr fault signatures per platform (comma separated substrings)
	DarwinFaultSignatures  []string `envconfig:"DARWIN_FAULT_SIGNATURES" default:"stream stopped with error,kAudioHardwareBadDeviceError,HALC_ProxyIOContext"`
	WindowsFaultSignatures []string `envconfig:"WINDOWS_FAULT_SIGNATURES" default:"AUDCLNT_E_DEVICE_INVALIDATED,device lost,stream stopped with error"`

	// Session behaviour
	ConnectExitDelay int `envconfig:"CONNECT_EXIT_DELAY_MS" default:"800"` // toast render time before exit on connect failure
	ClosedExitDelay  int `envconfig:"CLOSED_EXIT_DELAY_MS" default:"1500"` // toast render time before exit on unsolicited close
	HistoryCapacity  int `envconfig:"HISTORY_CAPACITY" default:"100"`      // conversation entries kept (FIFO eviction)

	// Resilience configuration
	RetryMaxAttempts     int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`      // Maximum retry attempts
	RetryInitialBackoff  int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // Initial backoff in milliseconds
	ReconnectMaxAttempts int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`  // Maximum reconnection attempts
	ReconnectBackoff     int `envconfig:"RECONNECT_BACKOFF" default:"1000"`    // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	SentryDSN      string `envconfig:"SENTRY_DSN" default:""`          // Sentry error reporting (disabled when empty)
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Validate required fields
	if cfg.BackendAPIKey == "" {
		return nil, fmt.Errorf("BACKEND_API_KEY is required")
	}
	// Frame alignment assumes 16-bit samples throughout the pipeline
	if cfg.CaptureBitDepth != 16 {
		return nil, fmt.Errorf("CAPTURE_BIT_DEPTH must be 16, got %d", cfg.CaptureBitDepth)
	}

	return &cfg, nil
}

// Selection returns the persisted UI selection stored under the given key.
// Unknown keys return an empty string.
func (c *Config) Selection(key string) string {
	switch key {
	case "selected-preparation":
		// A selected preparation wins; the custom prompt is the fallback.
		if c.SelectedPreparation != "" {
			return c.SelectedPreparation
		}
		return c.CustomPrompt
	case "selected-language":
		return c.SelectedLanguage
	case "selected-purpose":
		return c.SelectedPurpose
	}
	return ""
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
