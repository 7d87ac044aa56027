package watcher

import (
	"os"
	"path/filepath"
	"time"

	"github.com/sessionwatch/sessionwatch/internal/live"
)

// Defaults for the knobs a zero Config leaves unset.
const (
	DefaultPollInterval   = 500 * time.Millisecond
	DefaultIdleTimeout    = 2 * time.Minute
	DefaultEndTimeout     = 5 * time.Minute
	DefaultMaxInputLength = 1024
)

// Config controls a Watcher. The zero value is not usable; start from
// DefaultConfig and override fields.
type Config struct {
	// BasePath is the assistant's home directory. Transcripts live under
	// BasePath/projects/<slug>/*.jsonl.
	BasePath string

	// PollInterval is the tick of the read loop. Filesystem notifications
	// wake the loop earlier but never replace it.
	PollInterval time.Duration

	// IdleTimeout is how long a session may be quiet before session_idle.
	IdleTimeout time.Duration

	// EndTimeout is how long past going idle a session may stay quiet
	// before session_end(idle_timeout).
	EndTimeout time.Duration

	// ProcessExisting replays transcript content already on disk at
	// startup. When false, tailers seek to the end of existing files and
	// only new entries produce events.
	ProcessExisting bool

	// EmitSessionEvents gates delivery of session_start, session_idle,
	// session_resume and session_end to handlers. Lifecycle tracking
	// itself always runs.
	EmitSessionEvents bool

	// TruncateInputs caps oversized tool_use input values at
	// MaxInputLength bytes.
	TruncateInputs bool
	MaxInputLength int

	// StateFile persists tailer positions across restarts. Empty disables
	// persistence.
	StateFile string

	// SaveInterval is how often dirty positions are flushed to StateFile.
	SaveInterval time.Duration

	// LiveSessions enables in-memory session tracking (message history,
	// tool pairing). Disabling it also disables tool_call_completed.
	LiveSessions bool
	LiveConfig   live.Config

	// EventQueue bounds the buffer behind Events when the caller passes
	// no explicit capacity. Zero means DefaultEventQueue.
	EventQueue int
}

// DefaultConfig returns the stock configuration: watch ~/.claude, poll
// twice a second, idle after two minutes, end five minutes later.
func DefaultConfig() Config {
	base := ".claude"
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".claude")
	}
	return Config{
		BasePath:          base,
		PollInterval:      DefaultPollInterval,
		IdleTimeout:       DefaultIdleTimeout,
		EndTimeout:        DefaultEndTimeout,
		ProcessExisting:   true,
		EmitSessionEvents: true,
		TruncateInputs:    true,
		MaxInputLength:    DefaultMaxInputLength,
		SaveInterval:      0, // state.DefaultSaveInterval when a StateFile is set
		LiveSessions:      true,
		LiveConfig:        live.DefaultConfig(),
		EventQueue:        DefaultEventQueue,
	}
}

// ProjectsPath returns the directory scanned for project subdirectories.
func (c Config) ProjectsPath() string {
	return filepath.Join(c.BasePath, "projects")
}

// withDefaults fills unset numeric fields. Booleans are taken literally;
// a caller who builds Config by hand gets exactly what they wrote.
func (c Config) withDefaults() Config {
	if c.BasePath == "" {
		c.BasePath = DefaultConfig().BasePath
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.EndTimeout <= 0 {
		c.EndTimeout = DefaultEndTimeout
	}
	if c.MaxInputLength <= 0 {
		c.MaxInputLength = DefaultMaxInputLength
	}
	if c.LiveSessions && c.LiveConfig.MaxMessages == 0 && c.LiveConfig.Retention == "" {
		c.LiveConfig = live.DefaultConfig()
	}
	if c.EventQueue <= 0 {
		c.EventQueue = DefaultEventQueue
	}
	return c
}
