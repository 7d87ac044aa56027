package watcher

import (
	"bufio"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sessionwatch/sessionwatch/internal/event"
	"github.com/sessionwatch/sessionwatch/internal/notify"
	"github.com/sessionwatch/sessionwatch/internal/tailer"
)

// pollCycle runs one pass of the loop: refresh the tracked set from disk,
// read every live tailer, apply the idle and end timeouts, checkpoint
// positions. Notifications only wake the loop early; discovery always
// rescans the directory so a lost notification costs latency, not data.
func (w *Watcher) pollCycle() {
	if w.listener != nil {
		w.listener.Drain()
	}
	now := w.now()
	w.refresh(now)
	w.readAll(now)
	w.checkTimeouts(now)
	w.checkpoint()
}

// refresh walks the projects directory, starts tailing new transcripts,
// attaches new sidechain files, and closes out sessions whose transcript
// vanished.
func (w *Watcher) refresh(now time.Time) {
	projects := w.cfg.ProjectsPath()
	dirs, err := os.ReadDir(projects)
	if err != nil && !os.IsNotExist(err) {
		log.Printf("watcher: scan %s: %v", projects, err)
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		slug := d.Name()
		dir := filepath.Join(projects, slug)
		files, err := os.ReadDir(dir)
		if err != nil {
			log.Printf("watcher: scan %s: %v", dir, err)
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			path := filepath.Join(dir, f.Name())
			if !notify.IsTranscript(path) {
				continue
			}
			stem := strings.TrimSuffix(f.Name(), ".jsonl")
			if strings.HasPrefix(stem, "agent-") {
				w.attachAgent(path, stem)
			} else {
				w.trackSession(path, stem, slug, now)
			}
		}
	}
	w.initial = false

	// Confirmed deletions. Anything less certain (permission errors,
	// transient stat failures) is left to the failing-tailer backstop.
	for _, ts := range w.activeSorted() {
		if _, err := os.Stat(ts.filePath); os.IsNotExist(err) {
			w.endSession(ts, event.EndFileGone, now)
			continue
		}
		for _, path := range ts.agents.Paths() {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				w.detachAgent(ts, path)
			}
		}
	}
	for path, tl := range w.agentPending {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			w.resume[path] = tl.Position()
			tl.Close()
			delete(w.agentPending, path)
			w.dirty = true
		}
	}
}

// trackSession begins tailing a main transcript. Repeat sightings of a
// live session are no-ops. An ended session whose file changed size again
// is revived as a fresh session that resumes from the banked offset, so
// nothing is replayed and later entries get their own session_start.
func (w *Watcher) trackSession(path, id, slug string, now time.Time) {
	w.mu.RLock()
	existing := w.sessions[id]
	w.mu.RUnlock()
	if existing != nil && !existing.ended {
		return
	}
	if existing != nil {
		pos, ok := w.resume[path]
		if !ok {
			return
		}
		fi, err := os.Stat(path)
		if err != nil || fi.Size() == pos.Offset {
			return
		}
	}

	ts := &trackedSession{
		id:           id,
		projectSlug:  slug,
		filePath:     path,
		agents:       tailer.NewMulti(w.cfg.PollInterval),
		discoveredAt: now,
		lastActivity: now,
	}
	ts.main = w.openTailer(path)

	w.mu.Lock()
	w.sessions[id] = ts
	w.byPath[path] = ts
	w.mu.Unlock()
	w.dirty = true
	log.Printf("watcher: tracking session %s in %s", id, slug)
}

// attachAgent wires a sidechain file to its parent session. The parent is
// named by the sessionId of the file's first entry. A file whose first
// line is still incomplete, or whose parent is not tracked yet, gets a
// parked tailer so no appended entry is lost while it waits; attachment
// is retried every cycle.
func (w *Watcher) attachAgent(path, stem string) {
	if w.agentPaths[path] {
		return
	}
	tl, parked := w.agentPending[path]
	if !parked {
		tl = w.openTailer(path)
		w.agentPending[path] = tl
		w.dirty = true
	}

	sid, ok := probeSessionID(path)
	if !ok {
		return
	}
	w.mu.RLock()
	parent := w.sessions[sid]
	w.mu.RUnlock()
	if parent == nil || parent.ended {
		return
	}

	delete(w.agentPending, path)
	w.mu.Lock()
	parent.agents.AddTailer(tl)
	w.mu.Unlock()
	w.agentPaths[path] = true
	log.Printf("watcher: attached sidechain %s to session %s", stem, sid)
}

// detachAgent drops a vanished sidechain tailer, banking its position in
// case the file comes back.
func (w *Watcher) detachAgent(ts *trackedSession, path string) {
	if tl, ok := ts.agents.Get(path); ok {
		w.resume[path] = tl.Position()
	}
	w.mu.Lock()
	ts.agents.Remove(path)
	w.mu.Unlock()
	delete(w.agentPaths, path)
	w.dirty = true
}

// openTailer builds a tailer for path, resuming from a banked position
// when one exists. Files already on disk at startup are skipped entirely
// when ProcessExisting is off.
func (w *Watcher) openTailer(path string) *tailer.Tailer {
	if pos, ok := w.resume[path]; ok {
		delete(w.resume, path)
		return tailer.NewResuming(path, w.cfg.PollInterval, pos)
	}
	tl := tailer.New(path, w.cfg.PollInterval)
	if w.initial && !w.cfg.ProcessExisting {
		tl.SeekEnd()
	}
	return tl
}

// probeSessionID reads the first line of a sidechain file and extracts
// its sessionId. ok is false while the file has no complete first line.
func probeSessionID(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()
	line, err := bufio.NewReaderSize(f, 64*1024).ReadBytes('\n')
	if err != nil {
		return "", false
	}
	var head struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(line, &head); err != nil || head.SessionID == "" {
		return "", false
	}
	return head.SessionID, true
}

func (w *Watcher) readAll(now time.Time) {
	for _, ts := range w.activeSorted() {
		w.readSession(ts, now)
	}
}

// readSession drains new lines from the session's main transcript and its
// sidechain set, parses them in file order, and delivers the resulting
// events.
func (w *Watcher) readSession(ts *trackedSession, now time.Time) {
	var batch []event.Event

	lines, err := ts.main.ReadNew()
	if err != nil {
		log.Printf("watcher: read %s: %v", ts.filePath, err)
	}
	for _, line := range lines {
		batch = append(batch, w.parser.ParseLine(line, "")...)
	}
	if len(lines) > 0 {
		w.dirty = true
	}

	records := ts.agents.Poll()
	for _, rec := range records {
		batch = append(batch, w.parser.ParseLine(rec.Line, agentIDFromPath(rec.Path))...)
	}
	if len(records) > 0 {
		w.dirty = true
	}

	if len(batch) == 0 {
		return
	}
	w.deliver(ts, batch, now)
}

// deliver marks the session active and pushes one batch of parsed events
// through the pipeline. The first batch of a session is preceded by
// session_start; a batch that wakes an idle session is preceded by
// session_resume.
func (w *Watcher) deliver(ts *trackedSession, batch []event.Event, now time.Time) {
	w.mu.Lock()
	wasIdle, idleFor := ts.markActive(now)
	first := !ts.started
	ts.started = true
	w.mu.Unlock()

	if first {
		w.lifecycle(&event.SessionStart{
			Meta:        event.Meta{Timestamp: now, SessionID: ts.id},
			ProjectSlug: ts.projectSlug,
			FilePath:    ts.filePath,
			CWD:         firstCWD(batch),
		})
	}
	if wasIdle {
		w.lifecycle(&event.SessionResume{
			Meta:         event.Meta{Timestamp: now, SessionID: ts.id},
			IdleDuration: idleFor,
		})
	}
	for _, ev := range batch {
		w.routeEntry(ts, ev)
	}
}

// routeEntry feeds one parsed event through the live manager and emits
// everything that comes out, bumping the session counters.
func (w *Watcher) routeEntry(ts *trackedSession, ev event.Event) {
	out := []event.Event{ev}
	if w.live != nil {
		out = w.live.Ingest(ev)
	}
	for _, e := range out {
		switch e.(type) {
		case *event.Message:
			w.mu.Lock()
			ts.messageCount++
			w.mu.Unlock()
		case *event.ToolUse:
			w.mu.Lock()
			ts.toolCount++
			w.mu.Unlock()
		}
		w.emitter.Emit(e)
	}
}

// lifecycle feeds a session lifecycle event to the live manager and, when
// EmitSessionEvents is on, to handlers. Tracking is never gated; only
// delivery is.
func (w *Watcher) lifecycle(ev event.Event) {
	if w.live != nil {
		w.live.Ingest(ev)
	}
	if w.cfg.EmitSessionEvents {
		w.emitter.Emit(ev)
	}
}

// checkTimeouts applies the idle and end thresholds to every live
// session. Decisions are pure functions of last_activity and now; there
// are no timers to race with.
func (w *Watcher) checkTimeouts(now time.Time) {
	for _, ts := range w.activeSorted() {
		if fs := ts.main.FailingSince(); !fs.IsZero() && now.Sub(fs) >= w.cfg.EndTimeout {
			w.endSession(ts, event.EndFileGone, now)
			continue
		}

		w.mu.Lock()
		idledNow := false
		if ts.started {
			idledNow = ts.checkIdle(now, w.cfg.IdleTimeout)
		}
		idleSince := ts.idleSince
		w.mu.Unlock()

		if idledNow {
			w.lifecycle(&event.SessionIdle{
				Meta:      event.Meta{Timestamp: now, SessionID: ts.id},
				IdleSince: idleSince,
			})
		}
		if ts.endDue(now, w.cfg.IdleTimeout, w.cfg.EndTimeout) {
			w.endSession(ts, event.EndIdleTimeout, now)
		}
	}
}

// endSession closes out one session: tailer positions are banked for a
// possible revival, the live manager archives its state, and session_end
// goes out unless the session never produced an event.
func (w *Watcher) endSession(ts *trackedSession, reason event.EndReason, now time.Time) {
	w.mu.Lock()
	if ts.ended {
		w.mu.Unlock()
		return
	}
	ts.ended = true
	var idleFor time.Duration
	if ts.idle {
		idleFor = now.Sub(ts.idleSince)
	}
	started := ts.started
	messages, tools := ts.messageCount, ts.toolCount
	delete(w.byPath, ts.filePath)
	w.mu.Unlock()

	w.resume[ts.filePath] = ts.main.Position()
	if err := ts.main.Close(); err != nil {
		log.Printf("watcher: close %s: %v", ts.filePath, err)
	}
	for _, pos := range ts.agents.Positions() {
		w.resume[pos.Path] = pos
	}
	for _, path := range ts.agents.Paths() {
		delete(w.agentPaths, path)
	}
	ts.agents.Close()
	w.dirty = true

	// A session nobody heard from ends without ceremony: no session_start
	// was emitted, so no session_end either.
	if !started {
		return
	}

	w.lifecycle(&event.SessionEnd{
		Meta:         event.Meta{Timestamp: now, SessionID: ts.id},
		Reason:       reason,
		IdleDuration: idleFor,
		MessageCount: messages,
		ToolCount:    tools,
		ProjectSlug:  ts.projectSlug,
	})
	log.Printf("watcher: session %s ended (%s)", ts.id, reason)
}

// checkpoint hands the current positions to the saver, once per cycle and
// only when something moved.
func (w *Watcher) checkpoint() {
	if !w.dirty || w.saver == nil {
		return
	}
	w.dirty = false
	w.saver.Update(w.positionSnapshot())
}

// positionSnapshot collects every known file position: live tailers plus
// banked positions of ended or not-yet-tracked files. Poll goroutine only.
func (w *Watcher) positionSnapshot() []tailer.Position {
	out := make([]tailer.Position, 0, len(w.resume))
	for _, pos := range w.resume {
		out = append(out, pos)
	}
	for _, tl := range w.agentPending {
		out = append(out, tl.Position())
	}
	for _, ts := range w.activeSorted() {
		out = append(out, ts.main.Position())
		out = append(out, ts.agents.Positions()...)
	}
	return out
}

// firstCWD returns the working directory of the first event in batch that
// carries one.
func firstCWD(batch []event.Event) string {
	for _, ev := range batch {
		switch v := ev.(type) {
		case *event.Message:
			if v.Message.CWD != "" {
				return v.Message.CWD
			}
		case *event.ToolUse:
			if v.Message.CWD != "" {
				return v.Message.CWD
			}
		}
	}
	return ""
}
