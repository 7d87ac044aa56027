// Package event defines the typed records the pipeline emits and their
// serialized form. Events are immutable once constructed.
package event

import (
	"time"

	"github.com/sessionwatch/sessionwatch/internal/model"
)

// Kind tags an event type.
type Kind string

const (
	KindMessage           Kind = "message"
	KindToolUse           Kind = "tool_use"
	KindToolResult        Kind = "tool_result"
	KindToolCallCompleted Kind = "tool_call_completed"
	KindError             Kind = "error"
	KindSessionStart      Kind = "session_start"
	KindSessionIdle       Kind = "session_idle"
	KindSessionResume     Kind = "session_resume"
	KindSessionEnd        Kind = "session_end"
)

// Kinds returns every event kind, in pipeline order.
func Kinds() []Kind {
	return []Kind{
		KindMessage, KindToolUse, KindToolResult, KindToolCallCompleted,
		KindError, KindSessionStart, KindSessionIdle, KindSessionResume,
		KindSessionEnd,
	}
}

// ValidKind reports whether k names a known event kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindMessage, KindToolUse, KindToolResult, KindToolCallCompleted,
		KindError, KindSessionStart, KindSessionIdle, KindSessionResume,
		KindSessionEnd:
		return true
	}
	return false
}

// Meta carries the fields common to every event.
type Meta struct {
	Timestamp time.Time
	SessionID string
	AgentID   string // empty on the main thread
}

func (m Meta) Time() time.Time { return m.Timestamp }
func (m Meta) Session() string { return m.SessionID }
func (m Meta) Agent() string   { return m.AgentID }

// Event is implemented by every record the pipeline emits.
type Event interface {
	Kind() Kind
	Time() time.Time
	Session() string
	Agent() string
}

// Message is emitted once per parsed transcript entry.
type Message struct {
	Meta
	Message model.Message
}

func (*Message) Kind() Kind { return KindMessage }

// ToolUse is emitted for each tool_use content block. The request message
// rides along for pairing; it is not part of the serialized form.
type ToolUse struct {
	Meta
	ToolName     string
	ToolCategory string
	ToolInput    map[string]any
	ToolUseID    string
	Message      model.Message
}

func (*ToolUse) Kind() Kind { return KindToolUse }

// ToolResult is emitted for each tool_result content block. The response
// message rides along for pairing; it is not part of the serialized form.
type ToolResult struct {
	Meta
	ToolUseID string
	Content   string
	IsError   bool
	Message   model.Message
}

func (*ToolResult) Kind() Kind { return KindToolResult }

// ToolCallCompleted is emitted when a tool_result closes its pending
// tool_use, always after the tool_result event itself.
type ToolCallCompleted struct {
	Meta
	ToolCall model.ToolCall
	ToolName string
	IsError  bool
	Duration time.Duration
}

func (*ToolCallCompleted) Kind() Kind { return KindToolCallCompleted }

// Error reports a recoverable pipeline failure: malformed lines, schema
// violations, pairing collisions, handler panics.
type Error struct {
	Meta
	ErrorMessage string
	RawEntry     string
}

func (*Error) Kind() Kind { return KindError }

// SessionStart is emitted before the first event of a newly observed
// session.
type SessionStart struct {
	Meta
	ProjectSlug string
	FilePath    string
	CWD         string
}

func (*SessionStart) Kind() Kind { return KindSessionStart }

// SessionIdle is emitted when a session has been quiet past the idle
// timeout. IdleSince is the time of its last activity.
type SessionIdle struct {
	Meta
	IdleSince time.Time
}

func (*SessionIdle) Kind() Kind { return KindSessionIdle }

// SessionResume is emitted before the events of an entry that wakes an
// idle session.
type SessionResume struct {
	Meta
	IdleDuration time.Duration
}

func (*SessionResume) Kind() Kind { return KindSessionResume }

// EndReason explains why a session ended.
type EndReason string

const (
	EndIdleTimeout EndReason = "idle_timeout"
	EndFileGone    EndReason = "file_gone"
	EndShutdown    EndReason = "shutdown"
)

// SessionEnd is the last event of a session.
type SessionEnd struct {
	Meta
	Reason       EndReason
	IdleDuration time.Duration
	MessageCount int
	ToolCount    int

	// ProjectSlug feeds metrics labels and project filters; it is not part
	// of the serialized form.
	ProjectSlug string
}

func (*SessionEnd) Kind() Kind { return KindSessionEnd }
