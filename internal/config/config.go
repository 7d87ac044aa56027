// Package config holds watcher configuration with JSON file loading.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Retention policy names accepted in config files and flags.
const (
	RetentionFull    = "full"
	RetentionSliding = "sliding"
	RetentionNone    = "none"
)

// Config holds all watcher configuration.
type Config struct {
	// BasePath is the assistant's data directory; transcripts live under
	// BasePath/projects/<slug>/*.jsonl.
	BasePath string `json:"base_path"`

	PollInterval Duration `json:"poll_interval"`
	IdleTimeout  Duration `json:"idle_timeout"`
	EndTimeout   Duration `json:"end_timeout"`

	// ProcessExisting replays content already present in transcript files
	// at startup. When false, tailers start at the current end of file.
	ProcessExisting   bool `json:"process_existing"`
	EmitSessionEvents bool `json:"emit_session_events"`

	TruncateInputs bool `json:"truncate_inputs"`
	MaxInputLength int  `json:"max_input_length"`

	// StateFile persists tailer positions across restarts; empty disables
	// persistence.
	StateFile    string   `json:"state_file"`
	SaveInterval Duration `json:"save_interval"`

	RetentionPolicy string `json:"retention_policy"`
	MaxMessages     int    `json:"max_messages"`

	AsyncQueueCapacity int `json:"async_queue_capacity"`
}

// DefaultBasePath returns the assistant's default data directory (~/.claude).
func DefaultBasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".claude")
}

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		BasePath:           DefaultBasePath(),
		PollInterval:       Duration{500 * time.Millisecond},
		IdleTimeout:        Duration{2 * time.Minute},
		EndTimeout:         Duration{5 * time.Minute},
		ProcessExisting:    true,
		EmitSessionEvents:  true,
		TruncateInputs:     true,
		MaxInputLength:     1024,
		StateFile:          "",
		SaveInterval:       Duration{30 * time.Second},
		RetentionPolicy:    RetentionFull,
		MaxMessages:        500,
		AsyncQueueCapacity: 1024,
	}
}

// Load reads configuration from a JSON file, falling back to defaults for
// any unset fields. A missing file is fine and yields pure defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the watcher cannot run with.
func (c *Config) Validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("base_path must not be empty")
	}
	if c.PollInterval.Duration <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.IdleTimeout.Duration <= 0 || c.EndTimeout.Duration <= 0 {
		return fmt.Errorf("idle_timeout and end_timeout must be positive")
	}
	switch c.RetentionPolicy {
	case RetentionFull, RetentionSliding, RetentionNone:
	default:
		return fmt.Errorf("unknown retention_policy %q", c.RetentionPolicy)
	}
	if c.RetentionPolicy == RetentionSliding && c.MaxMessages <= 0 {
		return fmt.Errorf("sliding retention needs max_messages > 0, got %d", c.MaxMessages)
	}
	if c.MaxInputLength <= 0 {
		return fmt.Errorf("max_input_length must be positive, got %d", c.MaxInputLength)
	}
	if c.AsyncQueueCapacity <= 0 {
		return fmt.Errorf("async_queue_capacity must be positive, got %d", c.AsyncQueueCapacity)
	}
	return nil
}

// ProjectsDir returns the directory scanned for transcript files.
func (c *Config) ProjectsDir() string {
	return filepath.Join(c.BasePath, "projects")
}

// Duration wraps time.Duration so config files can use strings like
// "500ms" or "2m". Bare JSON numbers are taken as seconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", value, err)
		}
		d.Duration = parsed
	case float64:
		d.Duration = time.Duration(value * float64(time.Second))
	default:
		return fmt.Errorf("duration must be a string or number, got %T", v)
	}
	return nil
}
