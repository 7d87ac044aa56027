package model

import (
	"sort"
	"time"
)

// Thread is a linear sequence of messages in one conversational line.
type Thread struct {
	Messages []Message
}

// Root returns the first message without a parent, or the first message
// when every entry carries one. Nil for an empty thread.
func (t *Thread) Root() *Message {
	for i := range t.Messages {
		if t.Messages[i].ParentUUID == "" {
			return &t.Messages[i]
		}
	}
	if len(t.Messages) == 0 {
		return nil
	}
	return &t.Messages[0]
}

// ToolCalls pairs tool_use blocks from assistant messages with tool_result
// blocks from later user messages. Duplicate tool_use ids keep the first
// occurrence. Unmatched uses appear as pending calls. Calls are ordered by
// request timestamp.
func (t *Thread) ToolCalls() []ToolCall {
	type pendingUse struct {
		use ToolUseBlock
		msg Message
	}

	var calls []ToolCall
	seen := make(map[string]bool)
	pending := make(map[string]pendingUse)
	var pendingOrder []string

	for _, msg := range t.Messages {
		switch msg.Role {
		case "assistant":
			for _, use := range msg.ToolUses() {
				if seen[use.ID] {
					continue
				}
				seen[use.ID] = true
				pending[use.ID] = pendingUse{use: use, msg: msg}
				pendingOrder = append(pendingOrder, use.ID)
			}
		case "user":
			for _, res := range msg.ToolResults() {
				pu, ok := pending[res.ToolUseID]
				if !ok {
					continue
				}
				delete(pending, res.ToolUseID)
				res := res
				msg := msg
				calls = append(calls, ToolCall{
					ToolUse:         pu.use,
					ToolResult:      &res,
					RequestMessage:  pu.msg,
					ResponseMessage: &msg,
				})
			}
		}
	}

	for _, id := range pendingOrder {
		pu, ok := pending[id]
		if !ok {
			continue
		}
		calls = append(calls, ToolCall{ToolUse: pu.use, RequestMessage: pu.msg})
	}

	sort.SliceStable(calls, func(i, j int) bool {
		return calls[i].Timestamp().Before(calls[j].Timestamp())
	})
	return calls
}

// FilterByRole returns the messages with the given role, in thread order.
func (t *Thread) FilterByRole(role string) []Message {
	var out []Message
	for _, m := range t.Messages {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

// Agent is a sub-agent (sidechain) conversation spawned by the Task tool.
// It has its own thread but belongs to the parent session.
type Agent struct {
	ID        string
	SessionID string
	Thread    Thread
}

// MessageCount returns the number of messages in the agent's thread.
func (a *Agent) MessageCount() int {
	return len(a.Thread.Messages)
}

// Session is an immutable snapshot of one conversation: the main thread
// plus any sidechain agents. Counters are recorded explicitly so they stay
// truthful when a retention policy trimmed the message lists.
type Session struct {
	ID          string
	ProjectSlug string
	MainThread  Thread
	Agents      map[string]Agent

	CWD       string
	GitBranch string
	Version   string

	StartTime    time.Time
	LastActivity time.Time
	MessageCount int
	ToolCount    int
}

// AllMessages merges main-thread and agent messages, sorted by timestamp.
func (s *Session) AllMessages() []Message {
	msgs := make([]Message, 0, len(s.MainThread.Messages))
	msgs = append(msgs, s.MainThread.Messages...)
	for _, agent := range s.Agents {
		msgs = append(msgs, agent.Thread.Messages...)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs
}

// AllToolCalls merges main-thread and agent tool calls, ordered by request
// timestamp.
func (s *Session) AllToolCalls() []ToolCall {
	calls := s.MainThread.ToolCalls()
	for _, agent := range s.Agents {
		calls = append(calls, agent.Thread.ToolCalls()...)
	}
	sort.SliceStable(calls, func(i, j int) bool {
		return calls[i].Timestamp().Before(calls[j].Timestamp())
	})
	return calls
}

// Duration is the time between session start and last activity.
func (s *Session) Duration() time.Duration {
	if s.StartTime.IsZero() || s.LastActivity.IsZero() {
		return 0
	}
	return s.LastActivity.Sub(s.StartTime)
}

// Agent returns the sidechain with the given id, if present.
func (s *Session) Agent(id string) (Agent, bool) {
	a, ok := s.Agents[id]
	return a, ok
}

// Project groups session snapshots under one project directory slug. The
// slug is an opaque directory name; no path decoding happens here.
type Project struct {
	Slug     string
	Sessions []*Session
}

// GroupByProject buckets sessions by project slug, sorted by slug, with
// each bucket's sessions ordered by start time.
func GroupByProject(sessions []*Session) []Project {
	bySlug := make(map[string][]*Session)
	for _, s := range sessions {
		bySlug[s.ProjectSlug] = append(bySlug[s.ProjectSlug], s)
	}

	slugs := make([]string, 0, len(bySlug))
	for slug := range bySlug {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	projects := make([]Project, 0, len(slugs))
	for _, slug := range slugs {
		group := bySlug[slug]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].StartTime.Before(group[j].StartTime)
		})
		projects = append(projects, Project{Slug: slug, Sessions: group})
	}
	return projects
}
