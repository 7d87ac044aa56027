// Package model defines the wire schema of assistant transcript entries and
// the data shapes built from them: messages with their tagged content blocks,
// tool calls, and immutable session snapshots.
package model

import (
	"encoding/json"
	"strings"
)

// Entry is one line of a transcript JSONL file. Only the fields the pipeline
// consumes are declared; unknown fields are ignored by the decoder.
type Entry struct {
	UUID        string          `json:"uuid"`
	ParentUUID  string          `json:"parentUuid"`
	Timestamp   string          `json:"timestamp"`
	Type        string          `json:"type"`
	SessionID   string          `json:"sessionId"`
	AgentID     string          `json:"agentId"`
	IsSidechain bool            `json:"isSidechain"`
	CWD         string          `json:"cwd"`
	GitBranch   string          `json:"gitBranch"`
	Version     string          `json:"version"`
	Message     json.RawMessage `json:"message"`
}

// EntryMessage is the message sub-object of an Entry.
type EntryMessage struct {
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
	Usage   map[string]any  `json:"usage"`
}

// DecodeMessage unmarshals the entry's message sub-object. A missing or
// null message yields a zero EntryMessage and no error.
func (e *Entry) DecodeMessage() (EntryMessage, error) {
	var em EntryMessage
	if len(e.Message) == 0 {
		return em, nil
	}
	if err := json.Unmarshal(e.Message, &em); err != nil {
		return em, err
	}
	return em, nil
}

// ContentBlock is one item of a message's content array: a tagged union of
// text, tool_use, and tool_result. Blocks with unrecognized tags are dropped
// at decode time.
type ContentBlock interface {
	isContentBlock()
}

// TextBlock is a plain text segment of a message.
type TextBlock struct {
	Text string `json:"text"`
}

// ToolUseBlock is a tool invocation requested by the assistant.
type ToolUseBlock struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResultBlock is the outcome of a tool invocation, echoed back in a
// later (usually user-typed) entry and linked by ToolUseID.
type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

func (TextBlock) isContentBlock()       {}
func (ToolUseBlock) isContentBlock()    {}
func (ToolResultBlock) isContentBlock() {}

// rawBlock mirrors the wire form of a single content block.
type rawBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

// ParseContent decodes a message content payload. The payload is either a
// bare string (plain text user message) or an array of tagged blocks.
func ParseContent(raw json.RawMessage) []ContentBlock {
	if len(raw) == 0 {
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []ContentBlock{TextBlock{Text: s}}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}

	var blocks []ContentBlock
	for _, item := range items {
		// Bare strings occasionally appear inside content arrays.
		var text string
		if err := json.Unmarshal(item, &text); err == nil {
			blocks = append(blocks, TextBlock{Text: text})
			continue
		}

		var rb rawBlock
		if err := json.Unmarshal(item, &rb); err != nil {
			continue
		}

		switch rb.Type {
		case "text":
			blocks = append(blocks, TextBlock{Text: rb.Text})
		case "tool_use":
			input := rb.Input
			if input == nil {
				input = map[string]any{}
			}
			blocks = append(blocks, ToolUseBlock{ID: rb.ID, Name: rb.Name, Input: input})
		case "tool_result":
			blocks = append(blocks, ToolResultBlock{
				ToolUseID: rb.ToolUseID,
				Content:   coerceResultContent(rb.Content),
				IsError:   rb.IsError,
			})
		default:
			// Unknown tag: forward-compatible, drop the block.
		}
	}
	return blocks
}

// coerceResultContent normalizes a tool_result content payload to a string.
// The wire form is a string or a list of parts; parts that are objects
// contribute their text field, parts that are strings contribute themselves.
func coerceResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		// Neither string nor list: keep the raw JSON text.
		return string(raw)
	}

	parts := make([]string, 0, len(items))
	for _, item := range items {
		var text string
		if err := json.Unmarshal(item, &text); err == nil {
			parts = append(parts, text)
			continue
		}
		var part struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(item, &part); err == nil {
			parts = append(parts, part.Text)
		}
	}
	return strings.Join(parts, "\n")
}
