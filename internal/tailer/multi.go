package tailer

import (
	"sort"
	"time"
)

// Record is one complete line read from one tailed file.
type Record struct {
	Path string
	Line []byte
}

// Multi owns one Tailer per file path and polls them as a set. Order
// within one poll cycle is deterministic per file (byte order) and sorted
// by path across files, stable relative to the set of paths known before
// the cycle began. Not safe for concurrent use.
type Multi struct {
	pollInterval time.Duration
	tailers      map[string]*Tailer
}

// NewMulti creates an empty multi-file tailer.
func NewMulti(pollInterval time.Duration) *Multi {
	return &Multi{
		pollInterval: pollInterval,
		tailers:      make(map[string]*Tailer),
	}
}

// Add creates and registers a tailer for path, or returns the existing one.
func (m *Multi) Add(path string) *Tailer {
	if t, ok := m.tailers[path]; ok {
		return t
	}
	t := New(path, m.pollInterval)
	m.tailers[path] = t
	return t
}

// AddTailer registers an externally constructed tailer (one carrying a
// resume position, say). Returns false if the path is already tracked.
func (m *Multi) AddTailer(t *Tailer) bool {
	if _, ok := m.tailers[t.Path()]; ok {
		return false
	}
	m.tailers[t.Path()] = t
	return true
}

// Remove closes and forgets the tailer for path.
func (m *Multi) Remove(path string) {
	if t, ok := m.tailers[path]; ok {
		t.Close()
		delete(m.tailers, path)
	}
}

// Get returns the tailer for path.
func (m *Multi) Get(path string) (*Tailer, bool) {
	t, ok := m.tailers[path]
	return t, ok
}

// Len returns the number of tracked files.
func (m *Multi) Len() int { return len(m.tailers) }

// Paths returns the tracked paths, sorted.
func (m *Multi) Paths() []string {
	paths := make([]string, 0, len(m.tailers))
	for p := range m.tailers {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Poll reads new lines from every tracked file. Per-file I/O errors are
// not fatal to the cycle: the failing tailer records its own backoff and
// health state for the owner to inspect.
func (m *Multi) Poll() []Record {
	var records []Record
	for _, path := range m.Paths() {
		t := m.tailers[path]
		lines, err := t.ReadNew()
		if err != nil {
			// Health is tracked on the tailer (FailingSince); keep polling
			// the rest of the set.
			continue
		}
		for _, line := range lines {
			records = append(records, Record{Path: path, Line: line})
		}
	}
	return records
}

// Positions snapshots the checkpoints of every tailer that has completed
// at least one stat, sorted by path.
func (m *Multi) Positions() []Position {
	var positions []Position
	for _, path := range m.Paths() {
		t := m.tailers[path]
		if !t.initialized {
			continue
		}
		positions = append(positions, t.Position())
	}
	return positions
}

// Close releases every file handle. Tailers stay registered and reopen on
// the next poll.
func (m *Multi) Close() {
	for _, t := range m.tailers {
		t.Close()
	}
}
