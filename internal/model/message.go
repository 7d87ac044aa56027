package model

import (
	"strings"
	"time"
)

// Message is one transcript entry in parsed form. Messages are treated as
// immutable once built; consumers copy rather than mutate.
type Message struct {
	UUID        string
	ParentUUID  string // empty when the message roots its tree
	Timestamp   time.Time
	Role        string
	Content     []ContentBlock
	SessionID   string
	AgentID     string // empty on the main thread
	IsSidechain bool
	Model       string
	CWD         string
	GitBranch   string
	Version     string // writing tool version, from the entry envelope

	// Usage carries the assistant's token accounting verbatim. Present only
	// on assistant messages; not part of the serialized event form.
	Usage map[string]any
}

// TextContent concatenates the text blocks of the message.
func (m *Message) TextContent() string {
	var b strings.Builder
	for _, block := range m.Content {
		if t, ok := block.(TextBlock); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// ToolUses returns the tool_use blocks of the message in content order.
func (m *Message) ToolUses() []ToolUseBlock {
	var uses []ToolUseBlock
	for _, block := range m.Content {
		if u, ok := block.(ToolUseBlock); ok {
			uses = append(uses, u)
		}
	}
	return uses
}

// ToolResults returns the tool_result blocks of the message in content order.
func (m *Message) ToolResults() []ToolResultBlock {
	var results []ToolResultBlock
	for _, block := range m.Content {
		if r, ok := block.(ToolResultBlock); ok {
			results = append(results, r)
		}
	}
	return results
}

// ToolCall pairs a tool_use block with its eventual tool_result. The request
// and response messages are value snapshots, not back-pointers, so the shape
// stays acyclic. A call is pending until its result arrives.
type ToolCall struct {
	ToolUse         ToolUseBlock
	ToolResult      *ToolResultBlock
	RequestMessage  Message
	ResponseMessage *Message
}

// Timestamp is the time of the request message.
func (c *ToolCall) Timestamp() time.Time {
	return c.RequestMessage.Timestamp
}

// Closed reports whether the result has arrived.
func (c *ToolCall) Closed() bool {
	return c.ToolResult != nil
}

// IsError reports whether the paired result carried is_error.
func (c *ToolCall) IsError() bool {
	return c.ToolResult != nil && c.ToolResult.IsError
}

// Duration is the wall time between request and response message
// timestamps, clamped at zero. Pending calls report zero.
func (c *ToolCall) Duration() time.Duration {
	if c.ResponseMessage == nil {
		return 0
	}
	d := c.ResponseMessage.Timestamp.Sub(c.RequestMessage.Timestamp)
	if d < 0 {
		return 0
	}
	return d
}
