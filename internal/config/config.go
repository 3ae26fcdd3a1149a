// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	BlobDir     string

	// DisconnectGrace is how long a dropped connection may stay silent
	// before the session is marked disconnected. Short, to absorb
	// transient network blips without flapping state.
	DisconnectGrace time.Duration

	// AbandonAfter completes sessions that stayed disconnected for this
	// long. Zero disables the sweep: an abandoned session then stays
	// disconnected indefinitely.
	AbandonAfter time.Duration

	// ResumeReplayWindow bounds how much resent audio a resume_session
	// re-accepts to cover the gap around a transient disconnect.
	ResumeReplayWindow time.Duration

	// SubscriberQueueSize caps each fan-out subscriber's pending events;
	// on overflow the oldest event is evicted.
	SubscriberQueueSize int

	// MaxConcurrentTranscribes caps in-flight transcription sends across
	// all sessions.
	MaxConcurrentTranscribes int64

	STT      STTConfig
	Workflow WorkflowConfig
}

// STTConfig configures the transcription backend connection.
type STTConfig struct {
	URL    string
	APIKey string
}

// WorkflowConfig configures dispatch to the external workflow engine.
type WorkflowConfig struct {
	URL     string
	Timeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                     getEnv("PORT", "8080"),
		FrontendURL:              getEnv("FRONTEND_URL", ""),
		DBPath:                   getEnv("DB_PATH", "./data/memoist.db"),
		BlobDir:                  getEnv("BLOB_DIR", "./data/blobs"),
		DisconnectGrace:          getEnvDuration("DISCONNECT_GRACE", 15*time.Second),
		AbandonAfter:             getEnvDuration("ABANDON_AFTER", 0),
		ResumeReplayWindow:       getEnvDuration("RESUME_REPLAY_WINDOW", 2*time.Second),
		SubscriberQueueSize:      getEnvInt("SUBSCRIBER_QUEUE_SIZE", 256),
		MaxConcurrentTranscribes: int64(getEnvInt("MAX_CONCURRENT_TRANSCRIBES", 64)),
		STT: STTConfig{
			URL:    getEnv("STT_URL", ""),
			APIKey: getEnv("STT_API_KEY", ""),
		},
		Workflow: WorkflowConfig{
			URL:     getEnv("WORKFLOW_ENGINE_URL", ""),
			Timeout: getEnvDuration("WORKFLOW_DISPATCH_TIMEOUT", 10*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.BlobDir == "" {
		return fmt.Errorf("BLOB_DIR cannot be empty")
	}
	if c.DisconnectGrace <= 0 {
		return fmt.Errorf("DISCONNECT_GRACE must be > 0")
	}
	if c.AbandonAfter < 0 {
		return fmt.Errorf("ABANDON_AFTER cannot be negative")
	}
	if c.AbandonAfter > 0 && c.AbandonAfter <= c.DisconnectGrace {
		return fmt.Errorf("ABANDON_AFTER must exceed DISCONNECT_GRACE")
	}
	if c.ResumeReplayWindow < 0 {
		return fmt.Errorf("RESUME_REPLAY_WINDOW cannot be negative")
	}
	if c.SubscriberQueueSize <= 0 {
		return fmt.Errorf("SUBSCRIBER_QUEUE_SIZE must be > 0")
	}
	if c.MaxConcurrentTranscribes <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_TRANSCRIBES must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
