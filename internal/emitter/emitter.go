// Package emitter routes events to registered handlers.
//
// Handlers registered for a specific kind run before wildcard handlers,
// each group in registration order. A panicking handler never takes down
// the dispatch loop or its neighbors; the panic surfaces as a synthesized
// error event after the round completes.
package emitter

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sessionwatch/sessionwatch/internal/event"
)

// Handler consumes a single event. Handlers run synchronously on the
// emitting goroutine and must not block for long.
type Handler func(event.Event)

type registration struct {
	id   int
	kind event.Kind // empty matches every kind
	fn   Handler
}

// Emitter is a synchronous fan-out point for events. The zero value is
// not usable; call New.
type Emitter struct {
	mu     sync.Mutex
	nextID int
	regs   []registration
}

func New() *Emitter {
	return &Emitter{nextID: 1}
}

// On registers fn for events of the given kind and returns a handle
// usable with Off.
func (e *Emitter) On(kind event.Kind, fn Handler) int {
	return e.register(kind, fn)
}

// OnAny registers fn for every event regardless of kind.
func (e *Emitter) OnAny(fn Handler) int {
	return e.register("", fn)
}

func (e *Emitter) register(kind event.Kind, fn Handler) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.regs = append(e.regs, registration{id: id, kind: kind, fn: fn})
	return id
}

// Off removes the handler with the given id. It reports whether a
// handler was removed.
func (e *Emitter) Off(id int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.regs {
		if r.id == id {
			e.regs = append(e.regs[:i], e.regs[i+1:]...)
			return true
		}
	}
	return false
}

// Clear removes every registered handler.
func (e *Emitter) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.regs = nil
}

// HandlerCount returns the number of registered handlers.
func (e *Emitter) HandlerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.regs)
}

// Emit dispatches ev to all matching handlers: kind-specific first, then
// wildcard, each in registration order. Handlers run outside the lock so
// they may register or remove handlers; such changes take effect on the
// next Emit.
func (e *Emitter) Emit(ev event.Event) {
	e.mu.Lock()
	snapshot := make([]registration, len(e.regs))
	copy(snapshot, e.regs)
	e.mu.Unlock()

	var firstPanic any
	run := func(r registration) {
		if p := e.dispatch(r.fn, ev); p != nil {
			log.Printf("emitter: handler %d panicked on %s event: %v", r.id, ev.Kind(), p)
			if firstPanic == nil {
				firstPanic = p
			}
		}
	}
	for _, r := range snapshot {
		if r.kind == ev.Kind() {
			run(r)
		}
	}
	for _, r := range snapshot {
		if r.kind == "" {
			run(r)
		}
	}

	if firstPanic == nil {
		return
	}
	// A panic while handling an error event is only logged. Re-emitting
	// would let one bad handler recurse forever.
	if ev.Kind() == event.KindError {
		return
	}
	e.Emit(e.panicEvent(ev, firstPanic))
}

func (e *Emitter) dispatch(fn Handler, ev event.Event) (panicked any) {
	defer func() {
		panicked = recover()
	}()
	fn(ev)
	return nil
}

func (e *Emitter) panicEvent(ev event.Event, p any) *event.Error {
	raw := ""
	if b, err := json.Marshal(ev); err == nil {
		raw = string(b)
	}
	return &event.Error{
		Meta: event.Meta{
			Timestamp: time.Now().UTC(),
			SessionID: ev.Session(),
			AgentID:   ev.Agent(),
		},
		ErrorMessage: fmt.Sprintf("handler panic on %s event: %v", ev.Kind(), p),
		RawEntry:     raw,
	}
}
