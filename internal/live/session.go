// Package live tracks in-progress sessions as events arrive: message
// history per thread, tool_use/tool_result pairing, and activity
// timestamps. A Session is the mutable accumulator; Manager routes
// events to sessions and archives ended ones.
package live

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sessionwatch/sessionwatch/internal/event"
	"github.com/sessionwatch/sessionwatch/internal/model"
)

// Retention selects how much message history a live session keeps.
// Counters and tool-call pairing state are maintained under every policy.
type Retention string

const (
	// RetentionFull keeps every message. Unbounded.
	RetentionFull Retention = "full"
	// RetentionSliding keeps the last MaxMessages per thread.
	RetentionSliding Retention = "sliding"
	// RetentionNone keeps no messages, only counters and pending calls.
	RetentionNone Retention = "none"
)

// Results arriving before their tool_use are held back for late pairing,
// bounded so a stream of unmatched results cannot grow without limit.
const orphanLimit = 1024

// ErrNoHistory is returned by ToSession when the retention policy stored
// no messages.
var ErrNoHistory = errors.New("live: no messages retained under policy none")

// Config controls history retention for live sessions.
type Config struct {
	Retention   Retention
	MaxMessages int // per-thread bound, used only with RetentionSliding
}

// DefaultConfig retains full history.
func DefaultConfig() Config {
	return Config{Retention: RetentionFull, MaxMessages: 500}
}

type pendingCall struct {
	use model.ToolUseBlock
	msg model.Message
}

type orphanResult struct {
	result model.ToolResultBlock
	msg    model.Message
}

// Session is the mutable state of one in-progress conversation. All
// methods are safe for concurrent use.
type Session struct {
	mu  sync.Mutex
	cfg Config

	id          string
	projectSlug string

	mainMessages  []model.Message
	agentMessages map[string][]model.Message

	pending     map[string]pendingCall
	closed      map[string]bool
	completed   []model.ToolCall
	orphans     map[string]orphanResult
	orphanOrder []string

	startTime    time.Time
	lastActivity time.Time

	cwd       string
	gitBranch string
	version   string

	messageCount int
	toolCount    int

	now func() time.Time
}

// NewSession creates a tracker for the given session id and project slug.
func NewSession(id, projectSlug string, cfg Config) *Session {
	if cfg.Retention == "" {
		cfg.Retention = RetentionFull
	}
	now := time.Now().UTC()
	return &Session{
		cfg:           cfg,
		id:            id,
		projectSlug:   projectSlug,
		agentMessages: make(map[string][]model.Message),
		pending:       make(map[string]pendingCall),
		closed:        make(map[string]bool),
		orphans:       make(map[string]orphanResult),
		startTime:     now,
		lastActivity:  now,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Ingest processes one parsed event and returns the events to deliver in
// its place, in order. Usually that is the event itself; a tool_result
// that closes a pending call is followed by a tool_call_completed, and a
// tool_use reusing an already-seen id is replaced by an error event.
func (s *Session) Ingest(ev event.Event) []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = s.now()

	switch e := ev.(type) {
	case *event.Message:
		s.ingestMessage(e)
		return []event.Event{ev}
	case *event.ToolUse:
		return s.ingestToolUse(e)
	case *event.ToolResult:
		return s.ingestToolResult(e)
	}
	return []event.Event{ev}
}

func (s *Session) ingestMessage(e *event.Message) {
	msg := e.Message
	s.messageCount++

	if s.messageCount == 1 {
		if msg.CWD != "" {
			s.cwd = msg.CWD
		}
		s.gitBranch = msg.GitBranch
		s.version = msg.Version
	}

	if s.cfg.Retention == RetentionNone {
		return
	}

	if msg.AgentID != "" && msg.IsSidechain {
		s.agentMessages[msg.AgentID] = append(s.agentMessages[msg.AgentID], msg)
	} else {
		s.mainMessages = append(s.mainMessages, msg)
	}

	if s.cfg.Retention == RetentionSliding {
		s.enforceSlidingWindow()
	}
}

func (s *Session) ingestToolUse(e *event.ToolUse) []event.Event {
	id := e.ToolUseID
	if _, dup := s.pending[id]; dup || s.closed[id] {
		// A tool_use_id is paired at most once. Keep the first use;
		// report the duplicate instead of emitting it.
		return []event.Event{&event.Error{
			Meta: event.Meta{
				Timestamp: e.Time(),
				SessionID: e.Session(),
				AgentID:   e.Agent(),
			},
			ErrorMessage: fmt.Sprintf("tool_use_id collision: %q already used by tool %q", id, e.ToolName),
		}}
	}

	s.toolCount++

	use := model.ToolUseBlock{ID: id, Name: e.ToolName, Input: e.ToolInput}

	// A result may already be waiting if it was read before its use,
	// e.g. after resuming mid-session. Close the call immediately.
	if orphan, ok := s.orphans[id]; ok {
		delete(s.orphans, id)
		s.removeOrphanOrder(id)
		call := s.closeCall(use, e.Message, orphan.result, orphan.msg)
		return []event.Event{e, s.completedEvent(e.Meta, call)}
	}

	s.pending[id] = pendingCall{use: use, msg: e.Message}
	return []event.Event{e}
}

func (s *Session) ingestToolResult(e *event.ToolResult) []event.Event {
	id := e.ToolUseID
	result := model.ToolResultBlock{ToolUseID: id, Content: e.Content, IsError: e.IsError}

	if pc, ok := s.pending[id]; ok {
		delete(s.pending, id)
		call := s.closeCall(pc.use, pc.msg, result, e.Message)
		return []event.Event{e, s.completedEvent(e.Meta, call)}
	}

	if s.closed[id] {
		// Already paired once; pass the extra result through unpaired.
		return []event.Event{e}
	}

	s.orphans[id] = orphanResult{result: result, msg: e.Message}
	s.orphanOrder = append(s.orphanOrder, id)
	if len(s.orphanOrder) > orphanLimit {
		oldest := s.orphanOrder[0]
		s.orphanOrder = s.orphanOrder[1:]
		delete(s.orphans, oldest)
	}
	return []event.Event{e}
}

func (s *Session) closeCall(use model.ToolUseBlock, reqMsg model.Message, result model.ToolResultBlock, respMsg model.Message) model.ToolCall {
	call := model.ToolCall{
		ToolUse:         use,
		ToolResult:      &result,
		RequestMessage:  reqMsg,
		ResponseMessage: &respMsg,
	}
	s.completed = append(s.completed, call)
	s.closed[use.ID] = true
	return call
}

func (s *Session) completedEvent(meta event.Meta, call model.ToolCall) *event.ToolCallCompleted {
	return &event.ToolCallCompleted{
		Meta: event.Meta{
			Timestamp: meta.Timestamp,
			SessionID: meta.SessionID,
			AgentID:   meta.AgentID,
		},
		ToolCall: call,
		ToolName: call.ToolUse.Name,
		IsError:  call.IsError(),
		Duration: call.Duration(),
	}
}

func (s *Session) removeOrphanOrder(id string) {
	for i, v := range s.orphanOrder {
		if v == id {
			s.orphanOrder = append(s.orphanOrder[:i], s.orphanOrder[i+1:]...)
			return
		}
	}
}

func (s *Session) enforceSlidingWindow() {
	max := s.cfg.MaxMessages
	if max <= 0 {
		return
	}
	if len(s.mainMessages) > max {
		s.mainMessages = append([]model.Message(nil), s.mainMessages[len(s.mainMessages)-max:]...)
	}
	for id, msgs := range s.agentMessages {
		if len(msgs) > max {
			s.agentMessages[id] = append([]model.Message(nil), msgs[len(msgs)-max:]...)
		}
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// ProjectSlug returns the owning project directory name.
func (s *Session) ProjectSlug() string { return s.projectSlug }

// StartTime is when this tracker first saw the session.
func (s *Session) StartTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime
}

// LastActivity is when the most recent event was ingested.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// MessageCount is the number of messages seen, accurate under every
// retention policy.
func (s *Session) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageCount
}

// ToolCount is the number of tool uses seen.
func (s *Session) ToolCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolCount
}

// PendingToolCount is the number of tool calls awaiting results.
func (s *Session) PendingToolCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// CompletedToolCount is the number of matched tool call pairs.
func (s *Session) CompletedToolCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

// CWD is the working directory recorded from the first message.
func (s *Session) CWD() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cwd
}

// Messages returns a copy of the main-thread messages.
func (s *Session) Messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.mainMessages...)
}

// AgentIDs returns the ids of sidechains with messages, sorted.
func (s *Session) AgentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.agentMessages))
	for id := range s.agentMessages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AgentMessages returns a copy of one sidechain's messages.
func (s *Session) AgentMessages(agentID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.agentMessages[agentID]...)
}

// CompletedToolCalls returns a copy of the matched tool call pairs.
func (s *Session) CompletedToolCalls() []model.ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ToolCall(nil), s.completed...)
}

// Stats is a point-in-time summary of a live session.
type Stats struct {
	SessionID      string
	ProjectSlug    string
	MessageCount   int
	ToolCount      int
	PendingTools   int
	CompletedTools int
	AgentCount     int
	StartTime      time.Time
	LastActivity   time.Time
	CWD            string
}

// Stats snapshots the session's counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		SessionID:      s.id,
		ProjectSlug:    s.projectSlug,
		MessageCount:   s.messageCount,
		ToolCount:      s.toolCount,
		PendingTools:   len(s.pending),
		CompletedTools: len(s.completed),
		AgentCount:     len(s.agentMessages),
		StartTime:      s.startTime,
		LastActivity:   s.lastActivity,
		CWD:            s.cwd,
	}
}

// ToSession deep-copies the tracked state into an immutable snapshot,
// grouping sidechain messages into Agent objects. Returns ErrNoHistory
// under RetentionNone since there are no messages to copy.
func (s *Session) ToSession() (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Retention == RetentionNone {
		return nil, ErrNoHistory
	}

	agents := make(map[string]model.Agent, len(s.agentMessages))
	for id, msgs := range s.agentMessages {
		agents[id] = model.Agent{
			ID:        id,
			SessionID: s.id,
			Thread:    model.Thread{Messages: append([]model.Message(nil), msgs...)},
		}
	}

	return &model.Session{
		ID:           s.id,
		ProjectSlug:  s.projectSlug,
		MainThread:   model.Thread{Messages: append([]model.Message(nil), s.mainMessages...)},
		Agents:       agents,
		CWD:          s.cwd,
		GitBranch:    s.gitBranch,
		Version:      s.version,
		StartTime:    s.startTime,
		LastActivity: s.lastActivity,
		MessageCount: s.messageCount,
		ToolCount:    s.toolCount,
	}, nil
}
