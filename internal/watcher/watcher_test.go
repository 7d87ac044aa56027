package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sessionwatch/sessionwatch/internal/event"
)

// testClock is a manual clock the tests advance explicitly, so idle and
// end decisions never depend on wall time.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 1, 5, 20, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recorder collects every emitted event.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) record(ev event.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) kinds() []event.Kind {
	evs := r.all()
	out := make([]event.Kind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind()
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type fixture struct {
	w     *Watcher
	clock *testClock
	rec   *recorder
	base  string
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BasePath = t.TempDir()
	cfg.PollInterval = 10 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	w := New(cfg)
	clock := newTestClock()
	w.now = clock.Now
	rec := &recorder{}
	w.OnAny(rec.record)
	return &fixture{w: w, clock: clock, rec: rec, base: cfg.BasePath}
}

func (f *fixture) transcript(t *testing.T, slug, name string) string {
	t.Helper()
	dir := filepath.Join(f.base, "projects", slug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	return filepath.Join(dir, name)
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fh.WriteString(line + "\n"); err != nil {
		t.Fatal(err)
	}
	if err := fh.Close(); err != nil {
		t.Fatal(err)
	}
}

func userEntry(session, uuid, text string) string {
	return fmt.Sprintf(`{"uuid":%q,"parentUuid":null,"timestamp":"2025-01-05T20:19:25.839Z","type":"user","sessionId":%q,"cwd":"/home/dev/demo","isSidechain":false,"message":{"role":"user","content":[{"type":"text","text":%q}]}}`,
		uuid, session, text)
}

func toolUseEntry(session, uuid, toolID, command string) string {
	return fmt.Sprintf(`{"uuid":%q,"timestamp":"2025-01-05T20:19:26Z","type":"assistant","sessionId":%q,"message":{"role":"assistant","content":[{"type":"tool_use","id":%q,"name":"Bash","input":{"command":%q}}]}}`,
		uuid, session, toolID, command)
}

func toolResultEntry(session, uuid, toolID, content string) string {
	return fmt.Sprintf(`{"uuid":%q,"timestamp":"2025-01-05T20:19:27Z","type":"user","sessionId":%q,"message":{"role":"user","content":[{"type":"tool_result","tool_use_id":%q,"content":%q,"is_error":false}]}}`,
		uuid, session, toolID, content)
}

func sidechainEntry(session, uuid, text string) string {
	return fmt.Sprintf(`{"uuid":%q,"timestamp":"2025-01-05T20:19:28Z","type":"assistant","sessionId":%q,"isSidechain":true,"message":{"role":"assistant","content":[{"type":"text","text":%q}]}}`,
		uuid, session, text)
}

func wantKinds(t *testing.T, got []event.Kind, want ...event.Kind) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kinds[%d] = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDiscoverEmitsStartAndMessages(t *testing.T) {
	f := newFixture(t, nil)
	path := f.transcript(t, "demo-project", "s1.jsonl")
	appendLine(t, path, userEntry("s1", "u1", "hello"))
	appendLine(t, path, userEntry("s1", "u2", "again"))

	f.w.pollCycle()

	wantKinds(t, f.rec.kinds(), event.KindSessionStart, event.KindMessage, event.KindMessage)
	start := f.rec.all()[0].(*event.SessionStart)
	if start.ProjectSlug != "demo-project" || start.FilePath != path {
		t.Errorf("start = %+v", start)
	}
	if start.CWD != "/home/dev/demo" {
		t.Errorf("cwd = %q, want /home/dev/demo", start.CWD)
	}
	if start.Session() != "s1" {
		t.Errorf("session = %q, want s1", start.Session())
	}

	active := f.w.ActiveSessions()
	if len(active) != 1 {
		t.Fatalf("active = %d, want 1", len(active))
	}
	if active[0].SessionID != "s1" || active[0].MessageCount != 2 || active[0].ToolCount != 0 {
		t.Errorf("stats = %+v", active[0])
	}
}

func TestStartDeferredUntilFirstEntry(t *testing.T) {
	f := newFixture(t, nil)
	path := f.transcript(t, "p", "s1.jsonl")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	f.w.pollCycle()
	if got := f.rec.kinds(); len(got) != 0 {
		t.Fatalf("events before first entry = %v", got)
	}
	if len(f.w.ActiveSessions()) != 1 {
		t.Fatal("empty transcript should still be tracked")
	}

	appendLine(t, path, userEntry("s1", "u1", "hi"))
	f.w.pollCycle()
	wantKinds(t, f.rec.kinds(), event.KindSessionStart, event.KindMessage)
}

func TestToolPairingPipeline(t *testing.T) {
	f := newFixture(t, nil)
	path := f.transcript(t, "p", "s1.jsonl")
	appendLine(t, path, toolUseEntry("s1", "a1", "t1", "ls"))
	appendLine(t, path, toolResultEntry("s1", "u1", "t1", "file.txt"))

	f.w.pollCycle()

	wantKinds(t, f.rec.kinds(),
		event.KindSessionStart,
		event.KindMessage, event.KindToolUse,
		event.KindMessage, event.KindToolResult,
		event.KindToolCallCompleted,
	)
	evs := f.rec.all()
	done := evs[5].(*event.ToolCallCompleted)
	if done.ToolName != "Bash" || done.IsError {
		t.Errorf("completion = %+v", done)
	}
	if done.Duration < 0 {
		t.Errorf("duration = %v", done.Duration)
	}

	stats, ok := f.w.Stats("s1")
	if !ok || stats.MessageCount != 2 || stats.ToolCount != 1 {
		t.Errorf("stats = %+v, ok=%v", stats, ok)
	}
}

func TestDuplicateToolUseCollision(t *testing.T) {
	f := newFixture(t, nil)
	path := f.transcript(t, "p", "s1.jsonl")
	appendLine(t, path, toolUseEntry("s1", "a1", "t1", "ls"))
	appendLine(t, path, toolUseEntry("s1", "a2", "t1", "pwd"))
	appendLine(t, path, toolResultEntry("s1", "u1", "t1", "file.txt"))

	f.w.pollCycle()

	wantKinds(t, f.rec.kinds(),
		event.KindSessionStart,
		event.KindMessage, event.KindToolUse,
		event.KindMessage, event.KindError,
		event.KindMessage, event.KindToolResult,
		event.KindToolCallCompleted,
	)
}

func TestIdleThenResume(t *testing.T) {
	f := newFixture(t, nil)
	path := f.transcript(t, "p", "s1.jsonl")
	appendLine(t, path, userEntry("s1", "u1", "hi"))
	f.w.pollCycle()
	activityAt := f.clock.Now()
	f.rec.reset()

	f.clock.Advance(f.w.Config().IdleTimeout)
	f.w.pollCycle()
	wantKinds(t, f.rec.kinds(), event.KindSessionIdle)
	idle := f.rec.all()[0].(*event.SessionIdle)
	if !idle.IdleSince.Equal(activityAt) {
		t.Errorf("IdleSince = %v, want %v", idle.IdleSince, activityAt)
	}
	f.rec.reset()

	f.clock.Advance(30 * time.Second)
	appendLine(t, path, userEntry("s1", "u2", "back"))
	f.w.pollCycle()
	wantKinds(t, f.rec.kinds(), event.KindSessionResume, event.KindMessage)
	resume := f.rec.all()[0].(*event.SessionResume)
	want := f.w.Config().IdleTimeout + 30*time.Second
	if resume.IdleDuration != want {
		t.Errorf("IdleDuration = %v, want %v", resume.IdleDuration, want)
	}
}

func TestIdleTimeoutEndsSession(t *testing.T) {
	f := newFixture(t, nil)
	path := f.transcript(t, "p", "s1.jsonl")
	appendLine(t, path, userEntry("s1", "u1", "hi"))
	appendLine(t, path, toolUseEntry("s1", "a1", "t1", "ls"))
	f.w.pollCycle()
	f.rec.reset()

	total := f.w.Config().IdleTimeout + f.w.Config().EndTimeout
	f.clock.Advance(total)
	f.w.pollCycle()

	wantKinds(t, f.rec.kinds(), event.KindSessionIdle, event.KindSessionEnd)
	end := f.rec.all()[1].(*event.SessionEnd)
	if end.Reason != event.EndIdleTimeout {
		t.Errorf("reason = %s, want %s", end.Reason, event.EndIdleTimeout)
	}
	if end.MessageCount != 2 || end.ToolCount != 1 {
		t.Errorf("counts = %d/%d, want 2/1", end.MessageCount, end.ToolCount)
	}
	if end.IdleDuration != total {
		t.Errorf("IdleDuration = %v, want %v", end.IdleDuration, total)
	}
	if end.ProjectSlug != "p" {
		t.Errorf("slug = %q", end.ProjectSlug)
	}

	if got := len(f.w.ActiveSessions()); got != 0 {
		t.Errorf("active after end = %d", got)
	}
	if f.w.Live().EndedCount() != 1 {
		t.Errorf("live ended = %d, want 1", f.w.Live().EndedCount())
	}
}

func TestNeverStartedSessionEndsSilently(t *testing.T) {
	f := newFixture(t, nil)
	path := f.transcript(t, "p", "s1.jsonl")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	f.w.pollCycle()

	f.clock.Advance(f.w.Config().IdleTimeout + f.w.Config().EndTimeout)
	f.w.pollCycle()

	if got := f.rec.kinds(); len(got) != 0 {
		t.Fatalf("silent session emitted %v", got)
	}
	if got := len(f.w.ActiveSessions()); got != 0 {
		t.Errorf("active = %d, want 0", got)
	}
}

func TestFileGoneEndsSession(t *testing.T) {
	f := newFixture(t, nil)
	path := f.transcript(t, "p", "s1.jsonl")
	appendLine(t, path, userEntry("s1", "u1", "hi"))
	f.w.pollCycle()
	f.rec.reset()

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	f.w.pollCycle()

	wantKinds(t, f.rec.kinds(), event.KindSessionEnd)
	end := f.rec.all()[0].(*event.SessionEnd)
	if end.Reason != event.EndFileGone {
		t.Errorf("reason = %s, want %s", end.Reason, event.EndFileGone)
	}
}

func TestShutdownEndsAllSessions(t *testing.T) {
	f := newFixture(t, nil)
	appendLine(t, f.transcript(t, "p", "s1.jsonl"), userEntry("s1", "u1", "hi"))
	appendLine(t, f.transcript(t, "p", "s2.jsonl"), userEntry("s2", "u2", "ho"))
	f.w.pollCycle()
	f.rec.reset()

	f.w.shutdown()

	kinds := f.rec.kinds()
	wantKinds(t, kinds, event.KindSessionEnd, event.KindSessionEnd)
	evs := f.rec.all()
	if evs[0].Session() != "s1" || evs[1].Session() != "s2" {
		t.Errorf("end order = %s, %s", evs[0].Session(), evs[1].Session())
	}
	for _, ev := range evs {
		if ev.(*event.SessionEnd).Reason != event.EndShutdown {
			t.Errorf("reason = %s", ev.(*event.SessionEnd).Reason)
		}
	}
}

func TestEmitSessionEventsDisabled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.EmitSessionEvents = false })
	path := f.transcript(t, "p", "s1.jsonl")
	appendLine(t, path, userEntry("s1", "u1", "hi"))
	f.w.pollCycle()

	wantKinds(t, f.rec.kinds(), event.KindMessage)
	if f.w.Live().ActiveCount() != 1 {
		t.Error("live tracking should run regardless")
	}
	f.rec.reset()

	f.clock.Advance(f.w.Config().IdleTimeout + f.w.Config().EndTimeout)
	f.w.pollCycle()
	if got := f.rec.kinds(); len(got) != 0 {
		t.Fatalf("lifecycle leaked: %v", got)
	}
	if got := len(f.w.ActiveSessions()); got != 0 {
		t.Errorf("session should still end internally, active = %d", got)
	}
	if f.w.Live().EndedCount() != 1 {
		t.Errorf("live ended = %d, want 1", f.w.Live().EndedCount())
	}
}

func TestProcessExistingDisabled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ProcessExisting = false })
	path := f.transcript(t, "p", "s1.jsonl")
	appendLine(t, path, userEntry("s1", "u1", "old"))
	appendLine(t, path, userEntry("s1", "u2", "old too"))

	f.w.pollCycle()
	if got := f.rec.kinds(); len(got) != 0 {
		t.Fatalf("pre-existing content delivered: %v", got)
	}

	appendLine(t, path, userEntry("s1", "u3", "new"))
	f.w.pollCycle()
	wantKinds(t, f.rec.kinds(), event.KindSessionStart, event.KindMessage)
	msg := f.rec.all()[1].(*event.Message)
	if msg.Message.UUID != "u3" {
		t.Errorf("uuid = %q, want u3", msg.Message.UUID)
	}
}

func TestLiveSessionsDisabled(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.LiveSessions = false })
	path := f.transcript(t, "p", "s1.jsonl")
	appendLine(t, path, toolUseEntry("s1", "a1", "t1", "ls"))
	appendLine(t, path, toolResultEntry("s1", "u1", "t1", "ok"))

	f.w.pollCycle()

	wantKinds(t, f.rec.kinds(),
		event.KindSessionStart,
		event.KindMessage, event.KindToolUse,
		event.KindMessage, event.KindToolResult,
	)
	if f.w.Live() != nil {
		t.Error("Live() should be nil")
	}
}

func TestTruncationApplied(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxInputLength = 64 })
	path := f.transcript(t, "p", "s1.jsonl")
	appendLine(t, path, toolUseEntry("s1", "a1", "t1", strings.Repeat("x", 2000)))

	f.w.pollCycle()

	var use *event.ToolUse
	for _, ev := range f.rec.all() {
		if v, ok := ev.(*event.ToolUse); ok {
			use = v
		}
	}
	if use == nil {
		t.Fatal("no tool_use event")
	}
	cmd, _ := use.ToolInput["command"].(string)
	if !strings.Contains(cmd, "[truncated") {
		t.Errorf("command not truncated: %d bytes", len(cmd))
	}
}

func TestRotationDoesNotReplay(t *testing.T) {
	f := newFixture(t, nil)
	path := f.transcript(t, "p", "s1.jsonl")
	for i := 1; i <= 3; i++ {
		appendLine(t, path, userEntry("s1", fmt.Sprintf("u%d", i), "old"))
	}
	f.w.pollCycle()
	wantKinds(t, f.rec.kinds(),
		event.KindSessionStart, event.KindMessage, event.KindMessage, event.KindMessage)
	f.rec.reset()

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	appendLine(t, path, userEntry("s1", "r1", "fresh"))
	appendLine(t, path, userEntry("s1", "r2", "fresh"))
	f.w.pollCycle()

	wantKinds(t, f.rec.kinds(), event.KindMessage, event.KindMessage)
	evs := f.rec.all()
	if evs[0].(*event.Message).Message.UUID != "r1" || evs[1].(*event.Message).Message.UUID != "r2" {
		t.Errorf("uuids = %s, %s", evs[0].(*event.Message).Message.UUID, evs[1].(*event.Message).Message.UUID)
	}
}

func TestSidechainAttachesBySessionID(t *testing.T) {
	f := newFixture(t, nil)
	main := f.transcript(t, "p", "s1.jsonl")
	agent := f.transcript(t, "p", "agent-a1.jsonl")
	appendLine(t, main, userEntry("s1", "u1", "hi"))
	appendLine(t, agent, sidechainEntry("s1", "x1", "inner"))

	// First cycle: the sidechain is seen before its parent and parks.
	f.w.pollCycle()
	wantKinds(t, f.rec.kinds(), event.KindSessionStart, event.KindMessage)
	f.rec.reset()

	// Second cycle: the parked tailer attaches and its entry arrives.
	f.w.pollCycle()
	wantKinds(t, f.rec.kinds(), event.KindMessage)
	msg := f.rec.all()[0].(*event.Message)
	if msg.Agent() != "a1" {
		t.Errorf("agent = %q, want a1", msg.Agent())
	}
	if msg.Session() != "s1" {
		t.Errorf("session = %q, want s1", msg.Session())
	}

	stats, _ := f.w.Stats("s1")
	if stats.AgentCount != 1 {
		t.Errorf("AgentCount = %d, want 1", stats.AgentCount)
	}
}

func TestRevivedSessionGetsNewStart(t *testing.T) {
	f := newFixture(t, nil)
	path := f.transcript(t, "p", "s1.jsonl")
	appendLine(t, path, userEntry("s1", "u1", "before"))
	f.w.pollCycle()

	f.clock.Advance(f.w.Config().IdleTimeout + f.w.Config().EndTimeout)
	f.w.pollCycle()
	f.rec.reset()

	appendLine(t, path, userEntry("s1", "u2", "after"))
	f.w.pollCycle()

	wantKinds(t, f.rec.kinds(), event.KindSessionStart, event.KindMessage)
	msg := f.rec.all()[1].(*event.Message)
	if msg.Message.UUID != "u2" {
		t.Errorf("uuid = %q, want u2 only", msg.Message.UUID)
	}
	stats, ok := f.w.Stats("s1")
	if !ok || stats.Ended || stats.MessageCount != 1 {
		t.Errorf("revived stats = %+v, ok=%v", stats, ok)
	}
	if f.w.Live().EndedCount() != 1 || f.w.Live().ActiveCount() != 1 {
		t.Errorf("live = %d ended / %d active",
			f.w.Live().EndedCount(), f.w.Live().ActiveCount())
	}
}

func TestStateResumeAcrossRestarts(t *testing.T) {
	base := t.TempDir()
	stateFile := filepath.Join(base, "state.json")
	mkWatcher := func() (*Watcher, *recorder) {
		cfg := DefaultConfig()
		cfg.BasePath = base
		cfg.PollInterval = 10 * time.Millisecond
		cfg.StateFile = stateFile
		w := New(cfg)
		w.now = newTestClock().Now
		rec := &recorder{}
		w.OnAny(rec.record)
		return w, rec
	}

	dir := filepath.Join(base, "projects", "p")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "s1.jsonl")
	appendLine(t, path, userEntry("s1", "u1", "first"))
	appendLine(t, path, userEntry("s1", "u2", "second"))

	w1, rec1 := mkWatcher()
	w1.pollCycle()
	w1.shutdown()
	wantKinds(t, rec1.kinds(),
		event.KindSessionStart, event.KindMessage, event.KindMessage, event.KindSessionEnd)
	if _, err := os.Stat(stateFile); err != nil {
		t.Fatalf("state file not written: %v", err)
	}

	w2, rec2 := mkWatcher()
	w2.pollCycle()
	if got := rec2.kinds(); len(got) != 0 {
		t.Fatalf("restart replayed events: %v", got)
	}

	appendLine(t, path, userEntry("s1", "u3", "third"))
	w2.pollCycle()
	wantKinds(t, rec2.kinds(), event.KindSessionStart, event.KindMessage)
	msg := rec2.all()[1].(*event.Message)
	if msg.Message.UUID != "u3" {
		t.Errorf("uuid = %q, want u3", msg.Message.UUID)
	}
}

func TestRunDeliversAndStops(t *testing.T) {
	f := newFixture(t, nil)
	path := f.transcript(t, "p", "s1.jsonl")
	appendLine(t, path, userEntry("s1", "u1", "hi"))

	done := make(chan error, 1)
	go func() { done <- f.w.Run(context.Background()) }()

	waitFor(t, 3*time.Second, func() bool {
		return len(f.rec.kinds()) >= 2
	}, "no events from Run loop")

	f.w.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	kinds := f.rec.kinds()
	if kinds[len(kinds)-1] != event.KindSessionEnd {
		t.Fatalf("last kind = %s, want session_end", kinds[len(kinds)-1])
	}
	last := f.rec.all()[len(kinds)-1].(*event.SessionEnd)
	if last.Reason != event.EndShutdown {
		t.Errorf("reason = %s, want %s", last.Reason, event.EndShutdown)
	}
}

func TestEventsChannel(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.w.Events(ctx, 16)

	path := f.transcript(t, "p", "s1.jsonl")
	appendLine(t, path, userEntry("s1", "u1", "hi"))
	f.w.pollCycle()

	for _, want := range []event.Kind{event.KindSessionStart, event.KindMessage} {
		select {
		case ev := <-ch:
			if ev.Kind() != want {
				t.Fatalf("kind = %s, want %s", ev.Kind(), want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestEventsChannelClosesOnStop(t *testing.T) {
	f := newFixture(t, nil)
	path := f.transcript(t, "p", "s1.jsonl")
	appendLine(t, path, userEntry("s1", "u1", "hi"))

	ch := f.w.Events(context.Background(), 16)
	done := make(chan error, 1)
	go func() { done <- f.w.Run(context.Background()) }()

	waitFor(t, 3*time.Second, func() bool {
		return len(f.rec.kinds()) >= 2
	}, "no events from Run loop")
	f.w.Stop()
	<-done

	// Everything emitted before the stop, including the shutdown
	// session_end, drains through before the channel closes.
	var got []event.Kind
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				if len(got) == 0 || got[len(got)-1] != event.KindSessionEnd {
					t.Fatalf("drained kinds = %v, want trailing session_end", got)
				}
				return
			}
			got = append(got, ev.Kind())
		case <-deadline:
			t.Fatalf("channel never closed; got %v", got)
		}
	}
}

func TestEventsChannelShedsOldest(t *testing.T) {
	f := newFixture(t, nil)
	var drops int
	var dropMu sync.Mutex
	f.w.OnEventDropped(func() {
		dropMu.Lock()
		drops++
		dropMu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := f.w.Events(ctx, 2)

	path := f.transcript(t, "p", "s1.jsonl")
	const n = 50
	for i := 1; i <= n; i++ {
		appendLine(t, path, userEntry("s1", fmt.Sprintf("u%d", i), "spam"))
	}
	f.w.pollCycle() // session_start + n messages, nobody reading yet

	// At most one event is in flight and two are buffered; the rest must
	// have been shed, newest kept.
	var received []event.Event
drain:
	for {
		select {
		case ev := <-ch:
			received = append(received, ev)
		case <-time.After(200 * time.Millisecond):
			break drain
		}
	}
	if len(received) == 0 || len(received) > 3 {
		t.Fatalf("received = %d, want 1..3", len(received))
	}
	lastMsg, ok := received[len(received)-1].(*event.Message)
	if !ok || lastMsg.Message.UUID != fmt.Sprintf("u%d", n) {
		t.Errorf("last received = %+v, want u%d", received[len(received)-1], n)
	}
	dropMu.Lock()
	got := drops
	dropMu.Unlock()
	if got < n+1-3 {
		t.Errorf("drops = %d, want at least %d", got, n+1-3)
	}
}

func TestEventBufferShedsOldest(t *testing.T) {
	b := &eventBuffer{limit: 2}
	e1 := &event.SessionIdle{Meta: event.Meta{SessionID: "1"}}
	e2 := &event.SessionIdle{Meta: event.Meta{SessionID: "2"}}
	e3 := &event.SessionIdle{Meta: event.Meta{SessionID: "3"}}

	if b.push(e1) || b.push(e2) {
		t.Fatal("pushes within limit should not drop")
	}
	if !b.push(e3) {
		t.Fatal("overflow push should report a drop")
	}
	if ev, ok := b.pop(); !ok || ev.Session() != "2" {
		t.Fatalf("pop = %v, want session 2", ev)
	}
	if ev, ok := b.pop(); !ok || ev.Session() != "3" {
		t.Fatalf("pop = %v, want session 3", ev)
	}
	if _, ok := b.pop(); ok {
		t.Fatal("buffer should be empty")
	}
}

func TestTrackedSessionTimeouts(t *testing.T) {
	t0 := time.Date(2025, 1, 5, 20, 0, 0, 0, time.UTC)
	ts := &trackedSession{lastActivity: t0, started: true}

	if ts.checkIdle(t0.Add(time.Minute), 2*time.Minute) {
		t.Error("idled below threshold")
	}
	if !ts.checkIdle(t0.Add(2*time.Minute), 2*time.Minute) {
		t.Error("no idle at threshold")
	}
	if ts.checkIdle(t0.Add(3*time.Minute), 2*time.Minute) {
		t.Error("idle fired twice")
	}
	if !ts.idleSince.Equal(t0) {
		t.Errorf("idleSince = %v, want %v", ts.idleSince, t0)
	}

	wasIdle, idleFor := ts.markActive(t0.Add(5 * time.Minute))
	if !wasIdle || idleFor != 5*time.Minute {
		t.Errorf("markActive = %v, %v", wasIdle, idleFor)
	}
	if ts.idle {
		t.Error("still idle after activity")
	}

	last := t0.Add(5 * time.Minute)
	if ts.endDue(last.Add(7*time.Minute-time.Second), 2*time.Minute, 5*time.Minute) {
		t.Error("ended below threshold")
	}
	if !ts.endDue(last.Add(7*time.Minute), 2*time.Minute, 5*time.Minute) {
		t.Error("no end at threshold")
	}
}

func TestConfigDefaults(t *testing.T) {
	w := New(Config{})
	cfg := w.Config()
	if cfg.PollInterval != DefaultPollInterval {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.IdleTimeout != DefaultIdleTimeout || cfg.EndTimeout != DefaultEndTimeout {
		t.Errorf("timeouts = %v / %v", cfg.IdleTimeout, cfg.EndTimeout)
	}
	if cfg.MaxInputLength != DefaultMaxInputLength {
		t.Errorf("MaxInputLength = %d", cfg.MaxInputLength)
	}
	if cfg.EventQueue != DefaultEventQueue {
		t.Errorf("EventQueue = %d", cfg.EventQueue)
	}
	if filepath.Base(cfg.BasePath) != ".claude" {
		t.Errorf("BasePath = %q", cfg.BasePath)
	}
	if filepath.Base(cfg.ProjectsPath()) != "projects" {
		t.Errorf("ProjectsPath = %q", cfg.ProjectsPath())
	}
}
