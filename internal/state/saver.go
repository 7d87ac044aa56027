package state

import (
	"log"
	"sync"
	"time"

	"github.com/sessionwatch/sessionwatch/internal/tailer"
)

// DefaultSaveInterval is how often the Saver writes dirty state.
const DefaultSaveInterval = 30 * time.Second

// Saver writes position snapshots to disk in the background. The owner
// feeds it the latest positions with Update; the save loop only touches
// disk when something changed since the last write.
type Saver struct {
	path     string
	interval time.Duration

	mu     sync.Mutex
	latest []tailer.Position
	dirty  bool

	stop chan struct{}
	done chan struct{}
}

// NewSaver creates a saver for path. A non-positive interval means
// DefaultSaveInterval.
func NewSaver(path string, interval time.Duration) *Saver {
	if interval <= 0 {
		interval = DefaultSaveInterval
	}
	return &Saver{path: path, interval: interval}
}

// Path returns the state file location.
func (s *Saver) Path() string { return s.path }

// Start launches the periodic save loop. Calling Start twice is a no-op.
func (s *Saver) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
}

// Stop halts the loop and performs a final save if there are unsaved
// changes. Safe to call without Start.
func (s *Saver) Stop() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return s.saveIfDirty()
}

// Update records the latest position snapshot. The copy is written on
// the next tick, or by SaveNow or Stop.
func (s *Saver) Update(positions []tailer.Position) {
	cp := make([]tailer.Position, len(positions))
	copy(cp, positions)

	s.mu.Lock()
	s.latest = cp
	s.dirty = true
	s.mu.Unlock()
}

// SaveNow writes the current snapshot immediately.
func (s *Saver) SaveNow() error {
	s.mu.Lock()
	s.dirty = false
	positions := s.latest
	s.mu.Unlock()

	if err := Save(s.path, positions); err != nil {
		s.markDirty()
		return err
	}
	return nil
}

func (s *Saver) saveIfDirty() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	s.dirty = false
	positions := s.latest
	s.mu.Unlock()

	if err := Save(s.path, positions); err != nil {
		s.markDirty()
		return err
	}
	return nil
}

func (s *Saver) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

func (s *Saver) loop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.saveIfDirty(); err != nil {
				log.Printf("state: autosave: %v", err)
			}
		case <-stop:
			return
		}
	}
}
