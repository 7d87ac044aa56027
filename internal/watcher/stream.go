package watcher

import (
	"context"
	"sync"

	"github.com/sessionwatch/sessionwatch/internal/event"
)

// DefaultEventQueue bounds the Events buffer when the caller passes no
// capacity.
const DefaultEventQueue = 1024

// Events adapts the handler pipeline to a channel for consumers that want
// to select on the stream. Events are buffered up to capacity (0 means the
// configured EventQueue); when the consumer falls behind, the oldest
// buffered event is dropped and the drop hook fires. The channel closes
// after ctx is cancelled, or once the watcher has stopped and the
// remaining buffered events were delivered. Handlers registered with On
// and OnAny are unaffected and never block on a slow Events consumer.
func (w *Watcher) Events(ctx context.Context, capacity int) <-chan event.Event {
	if capacity <= 0 {
		capacity = w.cfg.EventQueue
	}
	buf := &eventBuffer{limit: capacity}
	kick := make(chan struct{}, 1)
	out := make(chan event.Event)

	id := w.OnAny(func(ev event.Event) {
		if buf.push(ev) {
			w.noteDropped()
		}
		select {
		case kick <- struct{}{}:
		default:
		}
	})

	send := func(ev event.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(out)
		defer w.Off(id)
		for {
			ev, ok := buf.pop()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-kick:
					continue
				case <-w.doneCh:
					// The watcher stopped; nothing new will be pushed.
					// Hand over what is left, then close.
					for {
						ev, ok := buf.pop()
						if !ok || !send(ev) {
							return
						}
					}
				}
			}
			if !send(ev) {
				return
			}
		}
	}()
	return out
}

// eventBuffer is a bounded FIFO that sheds its oldest entry on overflow.
type eventBuffer struct {
	mu    sync.Mutex
	queue []event.Event
	limit int
}

// push appends ev, reporting whether the oldest buffered event had to be
// dropped to make room.
func (b *eventBuffer) push(ev event.Event) (dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) >= b.limit {
		b.queue = b.queue[1:]
		dropped = true
	}
	b.queue = append(b.queue, ev)
	return dropped
}

func (b *eventBuffer) pop() (event.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil, false
	}
	ev := b.queue[0]
	b.queue = b.queue[1:]
	return ev, true
}
