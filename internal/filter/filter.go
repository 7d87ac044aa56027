// Package filter provides composable event predicates and a filtered
// dispatch pipeline.
//
// Predicates are pure functions from an event to a bool. Factories build
// the common ones (by project, session, tool, role); And, Or and Not
// combine them. A Pipeline gates an emitter with a predicate so that
// registered handlers only see matching events.
package filter

import (
	"strings"

	"github.com/sessionwatch/sessionwatch/internal/emitter"
	"github.com/sessionwatch/sessionwatch/internal/event"
	"github.com/sessionwatch/sessionwatch/internal/model"
)

// Predicate reports whether an event should pass a filter. Predicates
// must be side-effect free.
type Predicate func(event.Event) bool

// Project matches lifecycle events belonging to the given project slug.
func Project(slug string) Predicate {
	return func(ev event.Event) bool {
		switch e := ev.(type) {
		case *event.SessionStart:
			return e.ProjectSlug == slug
		case *event.SessionEnd:
			return e.ProjectSlug == slug
		}
		return false
	}
}

// Session matches events from the session with the given id.
func Session(id string) Predicate {
	return func(ev event.Event) bool {
		return ev.Session() == id
	}
}

// SessionPrefix matches events whose session id starts with prefix.
// Useful for short ids copied from logs.
func SessionPrefix(prefix string) Predicate {
	return func(ev event.Event) bool {
		return strings.HasPrefix(ev.Session(), prefix)
	}
}

// EventType matches events of any of the given kinds.
func EventType(kinds ...event.Kind) Predicate {
	set := make(map[event.Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return func(ev event.Event) bool {
		_, ok := set[ev.Kind()]
		return ok
	}
}

// ToolName matches tool_use and tool_call_completed events invoking any
// of the given tools.
func ToolName(names ...string) Predicate {
	set := stringSet(names)
	return func(ev event.Event) bool {
		switch e := ev.(type) {
		case *event.ToolUse:
			_, ok := set[e.ToolName]
			return ok
		case *event.ToolCallCompleted:
			_, ok := set[e.ToolName]
			return ok
		}
		return false
	}
}

// ToolCategory matches tool_use events in any of the given categories
// (bash, file_read, file_write, search, agent, planning, web,
// interaction, other).
func ToolCategory(categories ...string) Predicate {
	set := stringSet(categories)
	return func(ev event.Event) bool {
		tu, ok := ev.(*event.ToolUse)
		if !ok {
			return false
		}
		_, ok = set[tu.ToolCategory]
		return ok
	}
}

// Agent matches events from any sub-agent sidechain.
func Agent() Predicate {
	return func(ev event.Event) bool {
		return ev.Agent() != ""
	}
}

// AgentID matches events from one specific sub-agent.
func AgentID(id string) Predicate {
	return func(ev event.Event) bool {
		return ev.Agent() == id
	}
}

// MainThread matches events from the main conversation thread.
func MainThread() Predicate {
	return func(ev event.Event) bool {
		return ev.Agent() == ""
	}
}

// HasError matches error events, failed tool results, and completed tool
// calls whose result was an error.
func HasError() Predicate {
	return func(ev event.Event) bool {
		switch e := ev.(type) {
		case *event.Error:
			return true
		case *event.ToolResult:
			return e.IsError
		case *event.ToolCallCompleted:
			return e.IsError
		}
		return false
	}
}

// Role matches events carrying a message with the given role ("user" or
// "assistant"). This includes tool_use and tool_result events, which
// reference their containing message.
func Role(role string) Predicate {
	return func(ev event.Event) bool {
		msg, ok := messageOf(ev)
		return ok && msg.Role == role
	}
}

func messageOf(ev event.Event) (model.Message, bool) {
	switch e := ev.(type) {
	case *event.Message:
		return e.Message, true
	case *event.ToolUse:
		return e.Message, true
	case *event.ToolResult:
		return e.Message, true
	}
	return model.Message{}, false
}

func stringSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// And matches when every predicate matches. Evaluation short-circuits on
// the first false. With no arguments it matches everything.
func And(preds ...Predicate) Predicate {
	return func(ev event.Event) bool {
		for _, p := range preds {
			if !p(ev) {
				return false
			}
		}
		return true
	}
}

// Or matches when any predicate matches. Evaluation short-circuits on
// the first true. With no arguments it matches nothing.
func Or(preds ...Predicate) Predicate {
	return func(ev event.Event) bool {
		for _, p := range preds {
			if p(ev) {
				return true
			}
		}
		return false
	}
}

// Not inverts a predicate.
func Not(pred Predicate) Predicate {
	return func(ev event.Event) bool {
		return !pred(ev)
	}
}

// Always matches every event.
func Always() Predicate {
	return func(event.Event) bool { return true }
}

// Never matches no event.
func Never() Predicate {
	return func(event.Event) bool { return false }
}

// Pipeline dispatches events to handlers only when they pass a base
// predicate. Route a watcher's OnAny into Process to fan out a filtered
// view:
//
//	writes := filter.NewPipeline(filter.ToolCategory("file_write"))
//	writes.OnAny(logWrite)
//	w.OnAny(func(ev event.Event) { writes.Process(ev) })
type Pipeline struct {
	pred Predicate
	em   *emitter.Emitter
}

// NewPipeline builds a pipeline gated by the given predicates, combined
// with And. No predicates means every event passes.
func NewPipeline(preds ...Predicate) *Pipeline {
	var pred Predicate
	switch len(preds) {
	case 0:
		pred = Always()
	case 1:
		pred = preds[0]
	default:
		pred = And(preds...)
	}
	return &Pipeline{pred: pred, em: emitter.New()}
}

// Matches reports whether ev passes the pipeline's predicate without
// dispatching it.
func (p *Pipeline) Matches(ev event.Event) bool {
	return p.pred(ev)
}

// On registers fn for matching events of the given kind.
func (p *Pipeline) On(kind event.Kind, fn emitter.Handler) int {
	return p.em.On(kind, fn)
}

// OnAny registers fn for every matching event.
func (p *Pipeline) OnAny(fn emitter.Handler) int {
	return p.em.OnAny(fn)
}

// Off removes a handler registered with On or OnAny.
func (p *Pipeline) Off(id int) bool {
	return p.em.Off(id)
}

// Clear removes all handlers.
func (p *Pipeline) Clear() {
	p.em.Clear()
}

// HandlerCount returns the number of registered handlers.
func (p *Pipeline) HandlerCount() int {
	return p.em.HandlerCount()
}

// Process dispatches ev to the pipeline's handlers if it matches. It
// reports whether the event passed the predicate.
func (p *Pipeline) Process(ev event.Event) bool {
	if !p.pred(ev) {
		return false
	}
	p.em.Emit(ev)
	return true
}
