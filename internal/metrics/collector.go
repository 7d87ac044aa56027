// Package metrics aggregates pipeline events into Prometheus metrics and
// a few derived rates. Collector is an event handler; Server exposes the
// registry over HTTP.
package metrics

import (
	"bytes"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	"github.com/sessionwatch/sessionwatch/internal/event"
)

// DurationBuckets are the histogram bounds for tool_duration_seconds, in
// seconds. Most tool calls finish well under a second; the long tail is
// agent tasks.
var DurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// rateWindow is the time constant for the per-minute rate estimates.
const rateWindow = time.Minute

// Collector turns events into metric updates. It owns a private registry
// so tests and embedders never fight over the global one. Register it
// with a watcher via HandleEvent:
//
//	col := metrics.NewCollector()
//	w.OnAny(col.HandleEvent)
type Collector struct {
	reg *prometheus.Registry

	messages      *prometheus.CounterVec
	toolCalls     *prometheus.CounterVec
	toolErrors    *prometheus.CounterVec
	sessionStarts *prometheus.CounterVec
	sessionEnds   *prometheus.CounterVec
	parseErrors   prometheus.Counter
	webhookDrops  *prometheus.CounterVec
	eventsDropped prometheus.Counter

	activeSessions prometheus.Gauge
	toolDuration   prometheus.Histogram

	mu         sync.Mutex
	activeIDs  map[string]struct{}
	msgRate    *ewmaRate
	toolRate   *ewmaRate
	toolCount  uint64
	errCount   uint64
	msgCount   uint64
	parseCount uint64
	startCount uint64
	endCount   uint64
	dropCount  uint64
	toolUsage  map[string]uint64

	now func() time.Time
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		reg: reg,
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Messages parsed from session transcripts.",
		}, []string{"role"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tool_calls_total",
			Help: "Tool invocations observed.",
		}, []string{"tool", "category"}),
		toolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tool_errors_total",
			Help: "Completed tool calls whose result carried is_error.",
		}, []string{"tool"}),
		sessionStarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "session_starts_total",
			Help: "Sessions discovered.",
		}, []string{"project"}),
		sessionEnds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "session_ends_total",
			Help: "Sessions ended, by reason.",
		}, []string{"project", "reason"}),
		parseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "parse_errors_total",
			Help: "Lines or entries that failed to parse.",
		}),
		webhookDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_drop_total",
			Help: "Webhook batches dropped, by failure kind.",
		}, []string{"kind"}),
		eventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "events_dropped_total",
			Help: "Events dropped from bounded consumer queues.",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "active_sessions",
			Help: "Sessions currently active or idle.",
		}),
		toolDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tool_duration_seconds",
			Help:    "Wall time between a tool use and its result.",
			Buckets: DurationBuckets,
		}),
		activeIDs: make(map[string]struct{}),
		msgRate:   newEWMARate(rateWindow),
		toolRate:  newEWMARate(rateWindow),
		toolUsage: make(map[string]uint64),
		now:       func() time.Time { return time.Now() },
	}
}

// Registry exposes the collector's private registry for HTTP export.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// HandleEvent updates metrics for one event. Compatible with OnAny.
func (c *Collector) HandleEvent(ev event.Event) {
	switch e := ev.(type) {
	case *event.Message:
		role := e.Message.Role
		if role == "" {
			role = "unknown"
		}
		c.messages.WithLabelValues(role).Inc()
		c.mu.Lock()
		c.msgCount++
		c.msgRate.tick(c.now())
		c.mu.Unlock()

	case *event.ToolUse:
		c.toolCalls.WithLabelValues(e.ToolName, e.ToolCategory).Inc()
		c.mu.Lock()
		c.toolCount++
		c.toolUsage[e.ToolName]++
		c.toolRate.tick(c.now())
		c.mu.Unlock()

	case *event.ToolCallCompleted:
		c.toolDuration.Observe(e.Duration.Seconds())
		if e.IsError {
			c.toolErrors.WithLabelValues(e.ToolName).Inc()
			c.mu.Lock()
			c.errCount++
			c.mu.Unlock()
		}

	case *event.Error:
		c.parseErrors.Inc()
		c.mu.Lock()
		c.parseCount++
		c.mu.Unlock()

	case *event.SessionStart:
		c.sessionStarts.WithLabelValues(e.ProjectSlug).Inc()
		c.mu.Lock()
		c.startCount++
		c.activeIDs[e.Session()] = struct{}{}
		c.activeSessions.Set(float64(len(c.activeIDs)))
		c.mu.Unlock()

	case *event.SessionEnd:
		c.sessionEnds.WithLabelValues(e.ProjectSlug, string(e.Reason)).Inc()
		c.mu.Lock()
		c.endCount++
		delete(c.activeIDs, e.Session())
		c.activeSessions.Set(float64(len(c.activeIDs)))
		c.mu.Unlock()
	}
}

// WebhookDropped records a dropped webhook batch. Kinds are "queue_full",
// "4xx", "5xx" and "network".
func (c *Collector) WebhookDropped(kind string) {
	c.webhookDrops.WithLabelValues(kind).Inc()
}

// EventDropped records an event evicted from a bounded consumer queue.
func (c *Collector) EventDropped() {
	c.eventsDropped.Inc()
	c.mu.Lock()
	c.dropCount++
	c.mu.Unlock()
}

// MessagesPerMinute is the exponentially weighted message rate.
func (c *Collector) MessagesPerMinute() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgRate.perMinute(c.now())
}

// ToolsPerMinute is the exponentially weighted tool invocation rate.
func (c *Collector) ToolsPerMinute() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toolRate.perMinute(c.now())
}

// ErrorRate is the fraction of completed tool calls that failed. Zero
// when no tools have been called.
func (c *Collector) ErrorRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.toolCount == 0 {
		return 0
	}
	return float64(c.errCount) / float64(c.toolCount)
}

// ActiveSessionCount returns the number of sessions currently tracked as
// active or idle.
func (c *Collector) ActiveSessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.activeIDs)
}

// Summary is a point-in-time snapshot of the headline counters, used for
// the CLI exit report.
type Summary struct {
	Messages          uint64
	ToolCalls         uint64
	ToolErrors        uint64
	ParseErrors       uint64
	SessionStarts     uint64
	SessionEnds       uint64
	EventsDropped     uint64
	ActiveSessions    int
	MessagesPerMinute float64
	ToolsPerMinute    float64
	ErrorRate         float64
	ToolUsage         map[string]uint64
}

// Snapshot copies the headline counters.
func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	usage := make(map[string]uint64, len(c.toolUsage))
	for k, v := range c.toolUsage {
		usage[k] = v
	}
	errorRate := 0.0
	if c.toolCount > 0 {
		errorRate = float64(c.errCount) / float64(c.toolCount)
	}
	return Summary{
		Messages:          c.msgCount,
		ToolCalls:         c.toolCount,
		ToolErrors:        c.errCount,
		ParseErrors:       c.parseCount,
		SessionStarts:     c.startCount,
		SessionEnds:       c.endCount,
		EventsDropped:     c.dropCount,
		ActiveSessions:    len(c.activeIDs),
		MessagesPerMinute: c.msgRate.perMinute(c.now()),
		ToolsPerMinute:    c.toolRate.perMinute(c.now()),
		ErrorRate:         errorRate,
		ToolUsage:         usage,
	}
}

// Text renders every registered metric in the Prometheus text exposition
// format, HELP and TYPE lines included.
func (c *Collector) Text() (string, error) {
	families, err := c.reg.Gather()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, fam := range families {
		if err := enc.Encode(fam); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// ewmaRate estimates an event rate with exponential decay over a fixed
// time constant. Each arrival folds the instantaneous rate (1/gap) into
// the running estimate; reads decay the estimate across the quiet gap so
// a stopped stream converges to zero.
type ewmaRate struct {
	tau    float64 // seconds
	rate   float64 // events per second
	last   time.Time
	primed bool
}

func newEWMARate(window time.Duration) *ewmaRate {
	return &ewmaRate{tau: window.Seconds()}
}

func (r *ewmaRate) tick(now time.Time) {
	if !r.primed {
		r.primed = true
		r.last = now
		return
	}
	dt := now.Sub(r.last).Seconds()
	if dt < 1e-3 {
		dt = 1e-3
	}
	alpha := 1 - math.Exp(-dt/r.tau)
	r.rate += alpha * (1/dt - r.rate)
	r.last = now
}

func (r *ewmaRate) perMinute(now time.Time) float64 {
	if !r.primed {
		return 0
	}
	dt := now.Sub(r.last).Seconds()
	if dt < 0 {
		dt = 0
	}
	return r.rate * math.Exp(-dt/r.tau) * 60
}
