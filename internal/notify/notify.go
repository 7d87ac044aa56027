// Package notify wakes the poll loop early when transcript files change.
// Notifications are advisory only: the poll loop remains the source of
// truth, so a missed filesystem event costs at most one poll interval of
// latency, never a lost entry.
package notify

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow is the quiet period before a changed path is recorded.
// Appends to one transcript arrive in bursts; one wakeup per burst is
// enough.
const debounceWindow = 100 * time.Millisecond

// Listener watches a projects directory tree and records which transcript
// files changed. New project subdirectories are picked up automatically.
type Listener struct {
	fsw       *fsnotify.Watcher
	debouncer *Debouncer

	mu      sync.Mutex
	touched map[string]struct{}

	wake chan struct{}
	done chan struct{}
}

// Start watches root and its existing subdirectories. The returned
// Listener runs until Stop.
func Start(root string) (*Listener, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("notify: watch %s: %w", root, err)
	}

	l := &Listener{
		fsw:     fsw,
		touched: make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	l.debouncer = NewDebouncer(debounceWindow, l.note)

	// Project directories that already exist. Ones created later arrive
	// as Create events on root.
	if entries, err := os.ReadDir(root); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				if err := fsw.Add(filepath.Join(root, e.Name())); err != nil {
					log.Printf("notify: watch %s: %v", filepath.Join(root, e.Name()), err)
				}
			}
		}
	}

	go l.loop()
	return l, nil
}

// C returns the wakeup channel. It carries at most one pending signal;
// call Drain to collect the paths behind it.
func (l *Listener) C() <-chan struct{} { return l.wake }

// Drain returns the set of paths with debounced activity since the last
// call, sorted, and clears the set.
func (l *Listener) Drain() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.touched) == 0 {
		return nil
	}
	paths := make([]string, 0, len(l.touched))
	for p := range l.touched {
		paths = append(paths, p)
	}
	l.touched = make(map[string]struct{})
	sort.Strings(paths)
	return paths
}

// Stop closes the filesystem watcher and flushes the debouncer.
func (l *Listener) Stop() {
	l.fsw.Close()
	<-l.done
	l.debouncer.Stop()
}

func (l *Listener) loop() {
	defer close(l.done)
	for {
		select {
		case ev, ok := <-l.fsw.Events:
			if !ok {
				return
			}
			l.handle(ev)

		case err, ok := <-l.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("notify: fsnotify error: %v", err)
		}
	}
}

func (l *Listener) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := l.fsw.Add(ev.Name); err != nil {
				log.Printf("notify: watch %s: %v", ev.Name, err)
			}
			return
		}
	}

	if !IsTranscript(ev.Name) {
		return
	}
	switch {
	case ev.Has(fsnotify.Create):
		l.debouncer.Feed(Change{Path: ev.Name, Op: "create"})
	case ev.Has(fsnotify.Write):
		l.debouncer.Feed(Change{Path: ev.Name, Op: "write"})
	}
}

// note records a debounced change and nudges the wakeup channel.
func (l *Listener) note(c Change) {
	l.mu.Lock()
	l.touched[c.Path] = struct{}{}
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// IsTranscript reports whether path names a transcript file worth
// reading: a .jsonl file that is neither hidden nor a temp file left by
// an editor or a writer's rename dance.
func IsTranscript(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	if strings.Contains(base, ".tmp.") {
		return false
	}
	return filepath.Ext(base) == ".jsonl"
}
