// Package watcher discovers transcript files under the assistant's
// projects directory, tails them, and turns appended entries into typed
// events: parsing, tool pairing, session lifecycle and position
// persistence are orchestrated here.
//
// The core is synchronous. One poll goroutine owns every tailer and runs
// the full cycle (discover, read, parse, deliver, check timeouts);
// handlers run inline on that goroutine. Events() adapts the same stream
// to a channel for consumers that want to select on it.
package watcher

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/sessionwatch/sessionwatch/internal/emitter"
	"github.com/sessionwatch/sessionwatch/internal/event"
	"github.com/sessionwatch/sessionwatch/internal/live"
	"github.com/sessionwatch/sessionwatch/internal/notify"
	"github.com/sessionwatch/sessionwatch/internal/parser"
	"github.com/sessionwatch/sessionwatch/internal/state"
	"github.com/sessionwatch/sessionwatch/internal/tailer"
)

// stalePositionAge is how old a persisted position may be before a fresh
// start discards it.
const stalePositionAge = 7 * 24 * time.Hour

// Watcher tails every transcript under one projects directory and emits
// events in per-session file order. Construct with New, register handlers,
// then call Run.
type Watcher struct {
	cfg     Config
	emitter *emitter.Emitter
	parser  *parser.Parser
	live    *live.Manager

	mu       sync.RWMutex
	sessions map[string]*trackedSession // session id → session, ended husks included
	byPath   map[string]*trackedSession // main file path → live session

	// Poll-goroutine state. Not guarded: only the poll loop touches it.
	agentPaths   map[string]bool            // sidechain paths already attached
	agentPending map[string]*tailer.Tailer  // sidechain tailers awaiting a parent
	resume       map[string]tailer.Position // path to position to resume from
	initial      bool                       // first refresh since startup
	dirty        bool                       // positions changed since last checkpoint

	saver    *state.Saver
	listener *notify.Listener

	stopCh   chan struct{}
	doneCh   chan struct{} // closed after Run's shutdown completes
	stopOnce sync.Once

	dropMu sync.Mutex
	dropFn func()

	now func() time.Time // test seam
}

// New builds a Watcher from cfg. Missing numeric fields fall back to
// defaults; an unreadable state file is logged and ignored.
func New(cfg Config) *Watcher {
	cfg = cfg.withDefaults()
	w := &Watcher{
		cfg:          cfg,
		emitter:      emitter.New(),
		parser:       parser.New(cfg.TruncateInputs, cfg.MaxInputLength),
		sessions:     make(map[string]*trackedSession),
		byPath:       make(map[string]*trackedSession),
		agentPaths:   make(map[string]bool),
		agentPending: make(map[string]*tailer.Tailer),
		resume:       make(map[string]tailer.Position),
		initial:      true,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		now:          time.Now,
	}
	if cfg.LiveSessions {
		w.live = live.NewManager(cfg.LiveConfig)
	}
	if cfg.StateFile != "" {
		positions, err := state.Load(cfg.StateFile)
		if err != nil {
			log.Printf("watcher: ignoring state file: %v", err)
		}
		for _, pos := range state.PruneStale(positions, stalePositionAge) {
			w.resume[pos.Path] = pos
		}
		w.saver = state.NewSaver(cfg.StateFile, cfg.SaveInterval)
	}
	return w
}

// Config returns the effective configuration, defaults applied.
func (w *Watcher) Config() Config { return w.cfg }

// Live returns the live session manager, or nil when LiveSessions is off.
func (w *Watcher) Live() *live.Manager { return w.live }

// On registers fn for one event kind and returns its registration id.
func (w *Watcher) On(kind event.Kind, fn emitter.Handler) int {
	return w.emitter.On(kind, fn)
}

// OnAny registers fn for every event kind.
func (w *Watcher) OnAny(fn emitter.Handler) int {
	return w.emitter.OnAny(fn)
}

// Off removes a registration by id.
func (w *Watcher) Off(id int) bool { return w.emitter.Off(id) }

// OnEventDropped registers fn to run whenever an Events() consumer falls
// behind and the oldest buffered event is discarded.
func (w *Watcher) OnEventDropped(fn func()) {
	w.dropMu.Lock()
	w.dropFn = fn
	w.dropMu.Unlock()
}

func (w *Watcher) noteDropped() {
	w.dropMu.Lock()
	fn := w.dropFn
	w.dropMu.Unlock()
	if fn != nil {
		fn()
	}
}

// Run executes the poll loop until ctx is cancelled or Stop is called.
// On return every non-ended session has been closed out with
// session_end(shutdown) and the final positions are persisted. Run may be
// called once per Watcher.
func (w *Watcher) Run(ctx context.Context) error {
	w.startup()
	defer close(w.doneCh)
	defer w.shutdown()

	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()

	var wake <-chan struct{}
	if w.listener != nil {
		wake = w.listener.C()
	}

	for {
		w.pollCycle()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.cfg.PollInterval)

		select {
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil
		case <-wake:
		case <-timer.C:
		}
	}
}

// RunFor runs the poll loop for at most d, then returns.
func (w *Watcher) RunFor(d time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return w.Run(ctx)
}

// Stop asks Run to return. Safe to call from any goroutine, more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Watcher) startup() {
	listener, err := notify.Start(w.cfg.ProjectsPath())
	if err != nil {
		log.Printf("watcher: filesystem notifications unavailable, polling only: %v", err)
	} else {
		w.listener = listener
	}
	if w.saver != nil {
		w.saver.Start()
	}
}

func (w *Watcher) shutdown() {
	if w.listener != nil {
		w.listener.Stop()
		w.listener = nil
	}

	now := w.now()
	for _, ts := range w.activeSorted() {
		w.endSession(ts, event.EndShutdown, now)
	}
	for path, tl := range w.agentPending {
		w.resume[path] = tl.Position()
		tl.Close()
		delete(w.agentPending, path)
	}

	if w.saver != nil {
		w.saver.Update(w.positionSnapshot())
		if err := w.saver.Stop(); err != nil {
			log.Printf("watcher: final state save: %v", err)
		}
	}
}

// activeSorted returns the non-ended sessions ordered by id. Poll
// goroutine and shutdown only.
func (w *Watcher) activeSorted() []*trackedSession {
	w.mu.RLock()
	out := make([]*trackedSession, 0, len(w.byPath))
	for _, ts := range w.byPath {
		out = append(out, ts)
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// ActiveSessions lists the non-ended sessions, ordered by session id.
func (w *Watcher) ActiveSessions() []SessionStats {
	w.mu.RLock()
	out := make([]SessionStats, 0, len(w.byPath))
	for _, ts := range w.byPath {
		out = append(out, ts.stats())
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Stats returns the snapshot for one session id, ended sessions included.
func (w *Watcher) Stats(sessionID string) (SessionStats, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ts, ok := w.sessions[sessionID]
	if !ok {
		return SessionStats{}, false
	}
	return ts.stats(), true
}
