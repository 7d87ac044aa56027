package event

import (
	"encoding/json"
	"time"

	"github.com/sessionwatch/sessionwatch/internal/model"
)

// envelope is the serialized header shared by every event.
type envelope struct {
	EventType string  `json:"event_type"`
	Timestamp string  `json:"timestamp"`
	SessionID string  `json:"session_id"`
	AgentID   *string `json:"agent_id"`
}

func (m Meta) envelope(kind Kind) envelope {
	env := envelope{
		EventType: string(kind),
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
		SessionID: m.SessionID,
	}
	if m.AgentID != "" {
		env.AgentID = &m.AgentID
	}
	return env
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// messageJSON is the serialized form of a message body.
type messageJSON struct {
	UUID        string                  `json:"uuid"`
	ParentUUID  *string                 `json:"parent_uuid"`
	Role        string                  `json:"role"`
	Model       *string                 `json:"model"`
	Text        string                  `json:"text"`
	ToolUses    []model.ToolUseBlock    `json:"tool_uses"`
	ToolResults []model.ToolResultBlock `json:"tool_results"`
	CWD         *string                 `json:"cwd"`
	GitBranch   *string                 `json:"git_branch"`
}

func encodeMessage(m model.Message) messageJSON {
	uses := m.ToolUses()
	if uses == nil {
		uses = []model.ToolUseBlock{}
	}
	results := m.ToolResults()
	if results == nil {
		results = []model.ToolResultBlock{}
	}
	return messageJSON{
		UUID:        m.UUID,
		ParentUUID:  nullable(m.ParentUUID),
		Role:        m.Role,
		Model:       nullable(m.Model),
		Text:        m.TextContent(),
		ToolUses:    uses,
		ToolResults: results,
		CWD:         nullable(m.CWD),
		GitBranch:   nullable(m.GitBranch),
	}
}

func (e *Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		envelope
		Message messageJSON `json:"message"`
	}{e.Meta.envelope(KindMessage), encodeMessage(e.Message)})
}

func (e *ToolUse) MarshalJSON() ([]byte, error) {
	input := e.ToolInput
	if input == nil {
		input = map[string]any{}
	}
	return json.Marshal(struct {
		envelope
		ToolName     string         `json:"tool_name"`
		ToolCategory string         `json:"tool_category"`
		ToolInput    map[string]any `json:"tool_input"`
		ToolUseID    string         `json:"tool_use_id"`
	}{e.Meta.envelope(KindToolUse), e.ToolName, e.ToolCategory, input, e.ToolUseID})
}

func (e *ToolResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		envelope
		ToolUseID string `json:"tool_use_id"`
		Content   string `json:"content"`
		IsError   bool   `json:"is_error"`
	}{e.Meta.envelope(KindToolResult), e.ToolUseID, e.Content, e.IsError})
}

func (e *ToolCallCompleted) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		envelope
		ToolName        string  `json:"tool_name"`
		IsError         bool    `json:"is_error"`
		DurationSeconds float64 `json:"duration_seconds"`
	}{e.Meta.envelope(KindToolCallCompleted), e.ToolName, e.IsError, e.Duration.Seconds()})
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		envelope
		ErrorMessage string  `json:"error_message"`
		RawEntry     *string `json:"raw_entry"`
	}{e.Meta.envelope(KindError), e.ErrorMessage, nullable(e.RawEntry)})
}

func (e *SessionStart) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		envelope
		ProjectSlug string  `json:"project_slug"`
		FilePath    string  `json:"file_path"`
		CWD         *string `json:"cwd"`
	}{e.Meta.envelope(KindSessionStart), e.ProjectSlug, e.FilePath, nullable(e.CWD)})
}

func (e *SessionIdle) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		envelope
		IdleSince string `json:"idle_since"`
	}{e.Meta.envelope(KindSessionIdle), e.IdleSince.UTC().Format(time.RFC3339Nano)})
}

func (e *SessionResume) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		envelope
		IdleDurationSeconds float64 `json:"idle_duration_seconds"`
	}{e.Meta.envelope(KindSessionResume), e.IdleDuration.Seconds()})
}

func (e *SessionEnd) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		envelope
		Reason              string  `json:"reason"`
		IdleDurationSeconds float64 `json:"idle_duration_seconds"`
		MessageCount        int     `json:"message_count"`
		ToolCount           int     `json:"tool_count"`
	}{e.Meta.envelope(KindSessionEnd), string(e.Reason), e.IdleDuration.Seconds(), e.MessageCount, e.ToolCount})
}
