package parser

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sessionwatch/sessionwatch/internal/event"
)

func TestParseSimpleMessage(t *testing.T) {
	p := New(true, 1024)

	line := []byte(`{"uuid":"u1","parentUuid":null,"timestamp":"2025-01-05T20:19:25.839Z","type":"user","sessionId":"s","isSidechain":false,"message":{"role":"user","content":[{"type":"text","text":"hi"}]}}`)
	events := p.ParseLine(line, "")

	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	msg, ok := events[0].(*event.Message)
	if !ok {
		t.Fatalf("events[0] = %T, want *event.Message", events[0])
	}
	if msg.Message.UUID != "u1" || msg.Message.Role != "user" {
		t.Errorf("message = %q/%q, want u1/user", msg.Message.UUID, msg.Message.Role)
	}
	if got := msg.Message.TextContent(); got != "hi" {
		t.Errorf("text = %q, want hi", got)
	}
	if msg.Session() != "s" {
		t.Errorf("session = %q, want s", msg.Session())
	}
	want := time.Date(2025, 1, 5, 20, 19, 25, 839000000, time.UTC)
	if !msg.Time().Equal(want) {
		t.Errorf("timestamp = %v, want %v", msg.Time(), want)
	}
}

func TestParseToolUseAndResult(t *testing.T) {
	p := New(true, 1024)

	use := []byte(`{"uuid":"a1","timestamp":"2025-01-05T20:19:26Z","type":"assistant","sessionId":"s","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`)
	events := p.ParseLine(use, "")
	if len(events) != 2 {
		t.Fatalf("assistant events = %d, want message + tool_use", len(events))
	}
	if events[0].Kind() != event.KindMessage || events[1].Kind() != event.KindToolUse {
		t.Fatalf("kinds = %s, %s", events[0].Kind(), events[1].Kind())
	}
	tu := events[1].(*event.ToolUse)
	if tu.ToolUseID != "t1" || tu.ToolName != "Bash" || tu.ToolCategory != "bash" {
		t.Errorf("tool_use = %+v", tu)
	}
	if tu.ToolInput["command"] != "ls" {
		t.Errorf("input = %v", tu.ToolInput)
	}

	result := []byte(`{"uuid":"u2","timestamp":"2025-01-05T20:19:27Z","type":"user","sessionId":"s","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"file.txt","is_error":false}]}}`)
	events = p.ParseLine(result, "")
	if len(events) != 2 {
		t.Fatalf("user events = %d, want message + tool_result", len(events))
	}
	tr := events[1].(*event.ToolResult)
	if tr.ToolUseID != "t1" || tr.Content != "file.txt" || tr.IsError {
		t.Errorf("tool_result = %+v", tr)
	}
}

func TestParseOversizedInputTruncated(t *testing.T) {
	p := New(true, 1024)

	long := strings.Repeat("a", 5000)
	line := []byte(fmt.Sprintf(`{"uuid":"a1","timestamp":"2025-01-05T20:19:26Z","type":"assistant","sessionId":"s","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":%q}}]}}`, long))

	events := p.ParseLine(line, "")
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	tu := events[1].(*event.ToolUse)
	command, ok := tu.ToolInput["command"].(string)
	if !ok {
		t.Fatalf("command = %T, want string", tu.ToolInput["command"])
	}
	if !strings.HasSuffix(command, "…[truncated 5000 bytes]") {
		t.Errorf("command does not end with truncation marker: %q", command[len(command)-40:])
	}
	marker := "…[truncated 5000 bytes]"
	if len(command) > 1024+len(marker) {
		t.Errorf("command length = %d, want <= %d", len(command), 1024+len(marker))
	}

	// The message event shares the same input map.
	msg := events[0].(*event.Message)
	shared := msg.Message.ToolUses()[0].Input["command"].(string)
	if !strings.HasSuffix(shared, marker) {
		t.Error("original input retained on the message event")
	}
}

func TestTruncateCutsAtRuneBoundary(t *testing.T) {
	// Multi-byte runes across the cut point must not be split.
	s := strings.Repeat("é", 600) // 2 bytes each, 1200 bytes total
	got := truncateString(s, 1024)

	prefix := strings.TrimSuffix(got, "…[truncated 1200 bytes]")
	if prefix == got {
		t.Fatalf("marker missing: %q", got[len(got)-30:])
	}
	if !json.Valid([]byte(fmt.Sprintf("%q", prefix))) {
		t.Error("truncated prefix is not valid")
	}
	for _, r := range prefix {
		if r == '�' {
			t.Fatal("replacement rune found; cut split a rune")
		}
	}
	if len(prefix) != 1024 {
		t.Errorf("prefix length = %d, want 1024 (rune boundary lands exactly)", len(prefix))
	}
}

func TestSmallInputsNotTruncated(t *testing.T) {
	p := New(true, 1024)
	line := []byte(`{"uuid":"a1","timestamp":"2025-01-05T20:19:26Z","type":"assistant","sessionId":"s","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls -la"}}]}}`)

	events := p.ParseLine(line, "")
	tu := events[1].(*event.ToolUse)
	if tu.ToolInput["command"] != "ls -la" {
		t.Errorf("command = %v, want untouched", tu.ToolInput["command"])
	}
}

func TestTruncationDisabled(t *testing.T) {
	p := New(false, 1024)
	long := strings.Repeat("b", 3000)
	line := []byte(fmt.Sprintf(`{"uuid":"a1","timestamp":"2025-01-05T20:19:26Z","type":"assistant","sessionId":"s","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":%q}}]}}`, long))

	events := p.ParseLine(line, "")
	tu := events[1].(*event.ToolUse)
	if got := tu.ToolInput["command"].(string); len(got) != 3000 {
		t.Errorf("command length = %d, want 3000 untouched", len(got))
	}
}

func TestParseMalformedLine(t *testing.T) {
	p := New(true, 1024)
	events := p.ParseLine([]byte(`{"uuid":"u1",`), "")

	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	errEv, ok := events[0].(*event.Error)
	if !ok {
		t.Fatalf("events[0] = %T, want *event.Error", events[0])
	}
	if !strings.Contains(errEv.ErrorMessage, "malformed JSON") {
		t.Errorf("error = %q", errEv.ErrorMessage)
	}
	if errEv.RawEntry != `{"uuid":"u1",` {
		t.Errorf("raw = %q", errEv.RawEntry)
	}
}

func TestParseMissingRequiredFields(t *testing.T) {
	p := New(true, 1024)

	cases := []struct {
		name string
		line string
		want string
	}{
		{"no uuid", `{"timestamp":"2025-01-05T20:19:25Z","type":"user","sessionId":"s"}`, "uuid"},
		{"no timestamp", `{"uuid":"u1","type":"user","sessionId":"s"}`, "timestamp"},
		{"no type", `{"uuid":"u1","timestamp":"2025-01-05T20:19:25Z","sessionId":"s"}`, "type"},
		{"no session", `{"uuid":"u1","timestamp":"2025-01-05T20:19:25Z","type":"user"}`, "sessionId"},
	}
	for _, tc := range cases {
		events := p.ParseLine([]byte(tc.line), "")
		if len(events) != 1 {
			t.Fatalf("%s: events = %d, want 1", tc.name, len(events))
		}
		errEv, ok := events[0].(*event.Error)
		if !ok {
			t.Fatalf("%s: events[0] = %T", tc.name, events[0])
		}
		if !strings.Contains(errEv.ErrorMessage, tc.want) {
			t.Errorf("%s: error = %q, want mention of %q", tc.name, errEv.ErrorMessage, tc.want)
		}
	}
}

func TestParseUnknownEntryType(t *testing.T) {
	p := New(true, 1024)
	line := []byte(`{"uuid":"u1","timestamp":"2025-01-05T20:19:25Z","type":"summary","sessionId":"s"}`)

	events := p.ParseLine(line, "")
	if len(events) != 1 || events[0].Kind() != event.KindError {
		t.Fatalf("events = %+v, want single error", events)
	}
	errEv := events[0].(*event.Error)
	if !strings.Contains(errEv.ErrorMessage, "summary") {
		t.Errorf("error = %q, want the offending type named", errEv.ErrorMessage)
	}
	if errEv.Session() != "s" {
		t.Errorf("session = %q, want s", errEv.Session())
	}
}

func TestParseBadTimestamp(t *testing.T) {
	p := New(true, 1024)
	line := []byte(`{"uuid":"u1","timestamp":"yesterday","type":"user","sessionId":"s"}`)

	events := p.ParseLine(line, "")
	if len(events) != 1 || events[0].Kind() != event.KindError {
		t.Fatalf("events = %+v, want single error", events)
	}
}

func TestSidechainRequiresAgentID(t *testing.T) {
	p := New(true, 1024)
	line := []byte(`{"uuid":"u1","timestamp":"2025-01-05T20:19:25Z","type":"user","sessionId":"s","isSidechain":true,"message":{"role":"user","content":"side"}}`)

	events := p.ParseLine(line, "")
	if len(events) != 1 || events[0].Kind() != event.KindError {
		t.Fatalf("events = %+v, want single error", events)
	}
	if !strings.Contains(events[0].(*event.Error).ErrorMessage, "agentId") {
		t.Errorf("error = %q", events[0].(*event.Error).ErrorMessage)
	}
}

func TestSidechainFallbackAgentID(t *testing.T) {
	p := New(true, 1024)
	line := []byte(`{"uuid":"u1","timestamp":"2025-01-05T20:19:25Z","type":"user","sessionId":"s","isSidechain":true,"message":{"role":"user","content":"side"}}`)

	events := p.ParseLine(line, "a7")
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	msg := events[0].(*event.Message)
	if msg.Agent() != "a7" {
		t.Errorf("agent = %q, want fallback a7", msg.Agent())
	}
	if !msg.Message.IsSidechain {
		t.Error("IsSidechain lost")
	}
}

func TestSidechainExplicitAgentIDWins(t *testing.T) {
	p := New(true, 1024)
	line := []byte(`{"uuid":"u1","timestamp":"2025-01-05T20:19:25Z","type":"user","sessionId":"s","isSidechain":true,"agentId":"a1","message":{"role":"user","content":"side"}}`)

	events := p.ParseLine(line, "a7")
	if events[0].Agent() != "a1" {
		t.Errorf("agent = %q, want a1 from the entry", events[0].Agent())
	}
}

func TestRoleFallsBackToEntryType(t *testing.T) {
	p := New(true, 1024)
	line := []byte(`{"uuid":"u1","timestamp":"2025-01-05T20:19:25Z","type":"assistant","sessionId":"s","message":{"content":[{"type":"text","text":"x"}]}}`)

	events := p.ParseLine(line, "")
	msg := events[0].(*event.Message)
	if msg.Message.Role != "assistant" {
		t.Errorf("role = %q, want entry type fallback", msg.Message.Role)
	}
}

func TestBOMAndWhitespaceTolerated(t *testing.T) {
	p := New(true, 1024)
	line := []byte("\xEF\xBB\xBF  {\"uuid\":\"u1\",\"timestamp\":\"2025-01-05T20:19:25Z\",\"type\":\"user\",\"sessionId\":\"s\",\"message\":{\"role\":\"user\",\"content\":\"hi\"}}  \r\n")

	events := p.ParseLine(line, "")
	if len(events) != 1 || events[0].Kind() != event.KindMessage {
		t.Fatalf("events = %+v, want one message", events)
	}
}

func TestEmptyLineYieldsNothing(t *testing.T) {
	p := New(true, 1024)
	if events := p.ParseLine([]byte("   \n"), ""); events != nil {
		t.Errorf("events = %+v, want nil", events)
	}
}
