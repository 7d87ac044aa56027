package watcher

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/sessionwatch/sessionwatch/internal/tailer"
)

// trackedSession is the watcher's bookkeeping for one transcript file and
// its sidechain files. The tailers belong to the poll goroutine and the
// agent set is mutated only under the watcher's lock; the remaining fields
// are read by accessors and are guarded by the watcher's lock.
type trackedSession struct {
	id          string
	projectSlug string
	filePath    string

	main   *tailer.Tailer
	agents *tailer.Multi  // sidechain files, keyed by path

	discoveredAt time.Time
	lastActivity time.Time
	idleSince    time.Time
	idle         bool
	ended        bool

	// started flips when the session's first event is delivered; the
	// session_start event is withheld until then so it can carry the
	// working directory of the opening entry.
	started bool

	messageCount int
	toolCount    int
}

// markActive records activity at now and reports whether the session was
// idle, along with how long it had been.
func (ts *trackedSession) markActive(now time.Time) (wasIdle bool, idleFor time.Duration) {
	if ts.idle {
		wasIdle = true
		idleFor = now.Sub(ts.idleSince)
		ts.idle = false
		ts.idleSince = time.Time{}
	}
	ts.lastActivity = now
	return wasIdle, idleFor
}

// checkIdle flips the session to idle once the quiet span reaches timeout.
// It reports whether the transition happened on this call.
func (ts *trackedSession) checkIdle(now time.Time, timeout time.Duration) bool {
	if ts.idle || ts.ended {
		return false
	}
	if now.Sub(ts.lastActivity) < timeout {
		return false
	}
	ts.idle = true
	ts.idleSince = ts.lastActivity
	return true
}

// endDue reports whether the session has been quiet long enough to end.
// Pure; the caller performs the transition.
func (ts *trackedSession) endDue(now time.Time, idleTimeout, endTimeout time.Duration) bool {
	return !ts.ended && now.Sub(ts.lastActivity) >= idleTimeout+endTimeout
}

// agentIDFromPath maps a sidechain file path to its agent id: the
// filename stem without the agent- prefix.
func agentIDFromPath(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	return strings.TrimPrefix(stem, "agent-")
}

// SessionStats is a point-in-time snapshot of one tracked session.
type SessionStats struct {
	SessionID    string
	ProjectSlug  string
	FilePath     string
	DiscoveredAt time.Time
	LastActivity time.Time
	Idle         bool
	Ended        bool
	MessageCount int
	ToolCount    int
	AgentCount   int
}

func (ts *trackedSession) stats() SessionStats {
	return SessionStats{
		SessionID:    ts.id,
		ProjectSlug:  ts.projectSlug,
		FilePath:     ts.filePath,
		DiscoveredAt: ts.discoveredAt,
		LastActivity: ts.lastActivity,
		Idle:         ts.idle,
		Ended:        ts.ended,
		MessageCount: ts.messageCount,
		ToolCount:    ts.toolCount,
		AgentCount:   ts.agents.Len(),
	}
}
