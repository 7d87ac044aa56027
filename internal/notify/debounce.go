package notify

import (
	"sync"
	"time"
)

// Change is one debounced filesystem observation.
type Change struct {
	Path string
	Op   string // "create" or "write"
}

// Debouncer collapses rapid changes to the same path into a single
// emission after a configurable quiet window. It is safe for concurrent use.
type Debouncer struct {
	window time.Duration
	emit   func(Change)

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]Change
	stopped bool
}

// NewDebouncer creates a Debouncer that waits for `window` of silence on a
// given path before emitting the most recent change for that path.
func NewDebouncer(window time.Duration, emit func(Change)) *Debouncer {
	return &Debouncer{
		window:  window,
		emit:    emit,
		timers:  make(map[string]*time.Timer),
		pending: make(map[string]Change),
	}
}

// Feed receives a raw change. If a timer already exists for the change's
// path, it is reset and the stored change is updated. Otherwise a new
// timer is started.
func (d *Debouncer) Feed(c Change) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.pending[c.Path] = c

	if t, ok := d.timers[c.Path]; ok {
		t.Reset(d.window)
		return
	}

	path := c.Path
	d.timers[path] = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		c, ok := d.pending[path]
		delete(d.timers, path)
		delete(d.pending, path)
		d.mu.Unlock()
		if ok {
			d.emit(c)
		}
	})
}

// Stop cancels all pending timers and immediately emits their changes.
// After Stop returns, subsequent Feed calls are no-ops.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true

	var toEmit []Change
	for path, t := range d.timers {
		t.Stop()
		if c, ok := d.pending[path]; ok {
			toEmit = append(toEmit, c)
		}
	}
	d.timers = nil
	d.pending = nil
	d.mu.Unlock()

	// Emit outside the lock to avoid potential deadlocks in callbacks.
	for _, c := range toEmit {
		d.emit(c)
	}
}
