// Package parser turns single transcript lines into pipeline events.
// The parser is stateless across entries; tool pairing lives in the live
// session tracker.
package parser

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/sessionwatch/sessionwatch/internal/event"
	"github.com/sessionwatch/sessionwatch/internal/model"
)

// Parser converts one JSONL object into zero or more events.
type Parser struct {
	truncateInputs bool
	maxInput       int
}

// New creates a parser. maxInput bounds the serialized size of tool inputs
// when truncation is enabled; values <= 0 fall back to 1024.
func New(truncateInputs bool, maxInput int) *Parser {
	if maxInput <= 0 {
		maxInput = 1024
	}
	return &Parser{truncateInputs: truncateInputs, maxInput: maxInput}
}

// ParseLine parses one line. Valid entries yield a message event followed
// by one tool_use event per tool_use block and one tool_result event per
// tool_result block, in content order. Malformed lines, schema violations,
// and unknown entry types yield a single error event carrying the raw line.
//
// defaultAgentID fills the agent id of sidechain entries that omit it; the
// watcher keeps it sticky per file. A sidechain entry with no agent id from
// either source is dropped with an error event.
func (p *Parser) ParseLine(line []byte, defaultAgentID string) []event.Event {
	line = trimLine(line)
	if len(line) == 0 {
		return nil
	}

	var entry model.Entry
	if err := json.Unmarshal(line, &entry); err != nil {
		return []event.Event{errorEvent("", "", time.Now().UTC(),
			fmt.Sprintf("malformed JSON line: %v", err), line)}
	}

	if missing := missingFields(&entry); missing != "" {
		return []event.Event{errorEvent(entry.SessionID, "", time.Now().UTC(),
			"entry missing required field "+missing, line)}
	}

	if entry.Type != "user" && entry.Type != "assistant" {
		return []event.Event{errorEvent(entry.SessionID, "", time.Now().UTC(),
			fmt.Sprintf("unknown entry type %q", entry.Type), line)}
	}

	ts, err := parseTimestamp(entry.Timestamp)
	if err != nil {
		return []event.Event{errorEvent(entry.SessionID, "", time.Now().UTC(),
			fmt.Sprintf("bad timestamp %q: %v", entry.Timestamp, err), line)}
	}

	agentID := entry.AgentID
	if entry.IsSidechain && agentID == "" {
		agentID = defaultAgentID
		if agentID == "" {
			return []event.Event{errorEvent(entry.SessionID, "", ts,
				"sidechain entry missing agentId", line)}
		}
	}

	em, err := entry.DecodeMessage()
	if err != nil {
		return []event.Event{errorEvent(entry.SessionID, agentID, ts,
			fmt.Sprintf("bad message object: %v", err), line)}
	}

	role := em.Role
	if role == "" {
		role = entry.Type
	}

	msg := model.Message{
		UUID:        entry.UUID,
		ParentUUID:  entry.ParentUUID,
		Timestamp:   ts,
		Role:        role,
		Content:     model.ParseContent(em.Content),
		SessionID:   entry.SessionID,
		AgentID:     agentID,
		IsSidechain: entry.IsSidechain,
		Model:       em.Model,
		CWD:         entry.CWD,
		GitBranch:   entry.GitBranch,
		Version:     entry.Version,
	}
	if entry.Type == "assistant" {
		msg.Usage = em.Usage
	}

	meta := event.Meta{Timestamp: ts, SessionID: entry.SessionID, AgentID: agentID}
	events := []event.Event{&event.Message{Meta: meta, Message: msg}}

	for _, use := range msg.ToolUses() {
		if p.truncateInputs {
			p.truncateInput(use.Input)
		}
		events = append(events, &event.ToolUse{
			Meta:         meta,
			ToolName:     use.Name,
			ToolCategory: model.CategoryFor(use.Name),
			ToolInput:    use.Input,
			ToolUseID:    use.ID,
			Message:      msg,
		})
	}

	for _, res := range msg.ToolResults() {
		events = append(events, &event.ToolResult{
			Meta:      meta,
			ToolUseID: res.ToolUseID,
			Content:   res.Content,
			IsError:   res.IsError,
			Message:   msg,
		})
	}

	return events
}

func missingFields(e *model.Entry) string {
	switch {
	case e.UUID == "":
		return "uuid"
	case e.Timestamp == "":
		return "timestamp"
	case e.Type == "":
		return "type"
	case e.SessionID == "":
		return "sessionId"
	}
	return ""
}

// parseTimestamp accepts RFC3339 with or without fractional seconds.
func parseTimestamp(s string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

func errorEvent(sessionID, agentID string, ts time.Time, msg string, raw []byte) *event.Error {
	return &event.Error{
		Meta:         event.Meta{Timestamp: ts, SessionID: sessionID, AgentID: agentID},
		ErrorMessage: msg,
		RawEntry:     string(raw),
	}
}

// truncateInput shortens oversized string values once the serialized input
// exceeds the configured bound. The map is mutated in place: the original
// value is not retained anywhere.
func (p *Parser) truncateInput(input map[string]any) {
	if len(input) == 0 {
		return
	}
	data, err := json.Marshal(input)
	if err != nil || len(data) <= p.maxInput {
		return
	}
	truncateValues(input, p.maxInput)
}

func truncateValues(m map[string]any, max int) {
	for k, v := range m {
		m[k] = truncateValue(v, max)
	}
}

func truncateValue(v any, max int) any {
	switch value := v.(type) {
	case string:
		if len(value) > max {
			return truncateString(value, max)
		}
	case map[string]any:
		truncateValues(value, max)
	case []any:
		for i, item := range value {
			value[i] = truncateValue(item, max)
		}
	}
	return v
}

// truncateString cuts s at the last rune boundary within max bytes and
// appends a marker naming the original size.
func truncateString(s string, max int) string {
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return fmt.Sprintf("%s…[truncated %d bytes]", s[:cut], len(s))
}

// trimLine strips a UTF-8 BOM and surrounding whitespace.
func trimLine(line []byte) []byte {
	if len(line) >= 3 && line[0] == 0xEF && line[1] == 0xBB && line[2] == 0xBF {
		line = line[3:]
	}
	start := 0
	for start < len(line) && isSpace(line[start]) {
		start++
	}
	end := len(line)
	for end > start && isSpace(line[end-1]) {
		end--
	}
	return line[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
