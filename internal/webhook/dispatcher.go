// Package webhook delivers events to HTTP endpoints in batches. Each
// endpoint gets its own queue and worker; batches flush on size or age
// and retry transient failures with exponential backoff.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sessionwatch/sessionwatch/internal/event"
	"github.com/sessionwatch/sessionwatch/internal/filter"
)

const (
	defaultBatchSize    = 10
	defaultBatchTimeout = 5 * time.Second
	defaultMaxRetries   = 3
	defaultRetryBackoff = time.Second
	defaultTimeout      = 30 * time.Second

	// Per-endpoint queue bound. A full queue drops the incoming event
	// rather than blocking the dispatch loop.
	queueCapacity = 10000
)

// Config describes one webhook endpoint.
type Config struct {
	URL     string
	Headers map[string]string

	// Filter, when set, selects which events this endpoint receives.
	Filter filter.Predicate

	BatchSize    int
	BatchTimeout time.Duration
	// MaxRetries is the number of retry attempts after the first try.
	// Zero means the default; negative disables retries.
	MaxRetries   int
	RetryBackoff time.Duration
	Timeout      time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = defaultBatchTimeout
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = defaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
}

// Stats counts one endpoint's outcomes. Sent and Failed count batches;
// Filtered counts events the endpoint's filter rejected.
type Stats struct {
	Sent     uint64
	Failed   uint64
	Filtered uint64
}

type endpoint struct {
	cfg    Config
	queue  chan json.RawMessage
	client *http.Client

	sent     uint64
	failed   uint64
	filtered uint64
}

// payload is the POST body: the batched events in their serialized form.
type payload struct {
	Events []json.RawMessage `json:"events"`
}

// Dispatcher fans events out to configured endpoints. Add endpoints,
// then Start; HandleEvent is safe to call from the watcher's dispatch
// goroutine and never blocks on the network.
type Dispatcher struct {
	mu        sync.RWMutex
	endpoints []*endpoint
	running   bool
	stop      chan struct{}
	wg        sync.WaitGroup
	dropHook  func(kind string)
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// OnDrop registers a hook invoked with a drop kind ("queue_full", "4xx",
// "5xx", "network") whenever events are discarded. Wire it to the
// metrics collector. Must be set before Start.
func (d *Dispatcher) OnDrop(fn func(kind string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropHook = fn
}

// Add registers an endpoint. Endpoints cannot be added after Start.
func (d *Dispatcher) Add(cfg Config) error {
	if cfg.URL == "" {
		return fmt.Errorf("webhook: endpoint url is required")
	}
	cfg.applyDefaults()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("webhook: cannot add endpoint %s after start", cfg.URL)
	}
	d.endpoints = append(d.endpoints, &endpoint{
		cfg:    cfg,
		queue:  make(chan json.RawMessage, queueCapacity),
		client: &http.Client{Timeout: cfg.Timeout},
	})
	return nil
}

// EndpointCount returns the number of configured endpoints.
func (d *Dispatcher) EndpointCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.endpoints)
}

// Start launches one worker per endpoint.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stop = make(chan struct{})
	for _, ep := range d.endpoints {
		d.wg.Add(1)
		go d.worker(ep)
	}
}

// Stop signals the workers, then waits for them to drain their queues.
// The grace period is twice the largest configured batch timeout; a
// worker stuck in retries past that is abandoned.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stop)
	grace := time.Duration(0)
	for _, ep := range d.endpoints {
		if g := 2 * ep.cfg.BatchTimeout; g > grace {
			grace = g
		}
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Printf("webhook: shutdown grace of %v expired with batches still in flight", grace)
	}
}

// HandleEvent serializes ev once and enqueues it for every endpoint
// whose filter accepts it. Compatible with OnAny. Events arriving while
// an endpoint's queue is full are dropped for that endpoint.
func (d *Dispatcher) HandleEvent(ev event.Event) {
	d.mu.RLock()
	running := d.running
	endpoints := d.endpoints
	hook := d.dropHook
	d.mu.RUnlock()
	if !running {
		return
	}

	var raw json.RawMessage
	for _, ep := range endpoints {
		if ep.cfg.Filter != nil && !ep.cfg.Filter(ev) {
			atomic.AddUint64(&ep.filtered, 1)
			continue
		}
		if raw == nil {
			b, err := json.Marshal(ev)
			if err != nil {
				log.Printf("webhook: marshal %s event: %v", ev.Kind(), err)
				return
			}
			raw = b
		}
		select {
		case ep.queue <- raw:
		default:
			log.Printf("webhook: queue full for %s, dropping %s event", ep.cfg.URL, ev.Kind())
			if hook != nil {
				hook("queue_full")
			}
		}
	}
}

// Statistics returns per-URL delivery counters.
func (d *Dispatcher) Statistics() map[string]Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]Stats, len(d.endpoints))
	for _, ep := range d.endpoints {
		out[ep.cfg.URL] = Stats{
			Sent:     atomic.LoadUint64(&ep.sent),
			Failed:   atomic.LoadUint64(&ep.failed),
			Filtered: atomic.LoadUint64(&ep.filtered),
		}
	}
	return out
}

func (d *Dispatcher) worker(ep *endpoint) {
	defer d.wg.Done()

	var batch []json.RawMessage
	var timer *time.Timer
	var timeout <-chan time.Time

	disarm := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timeout = nil
		}
	}
	flush := func() {
		disarm()
		if len(batch) == 0 {
			return
		}
		d.sendBatch(ep, batch)
		batch = nil
	}

	for {
		select {
		case raw := <-ep.queue:
			batch = append(batch, raw)
			if len(batch) == 1 {
				timer = time.NewTimer(ep.cfg.BatchTimeout)
				timeout = timer.C
			}
			if len(batch) >= ep.cfg.BatchSize {
				flush()
			}

		case <-timeout:
			timer = nil
			timeout = nil
			flush()

		case <-d.stop:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case raw := <-ep.queue:
					batch = append(batch, raw)
					if len(batch) >= ep.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// sendBatch posts one batch, retrying transient failures. 4xx responses
// are permanent: the batch is dropped after the first attempt.
func (d *Dispatcher) sendBatch(ep *endpoint, batch []json.RawMessage) {
	body, err := json.Marshal(payload{Events: batch})
	if err != nil {
		log.Printf("webhook: marshal batch for %s: %v", ep.cfg.URL, err)
		atomic.AddUint64(&ep.failed, 1)
		return
	}

	var dropKind string
	for attempt := 0; attempt <= ep.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(ep.cfg.RetryBackoff << (attempt - 1))
		}

		status, err := d.post(ep, body)
		switch {
		case err != nil:
			dropKind = "network"
			log.Printf("webhook: %s attempt %d/%d: %v", ep.cfg.URL, attempt+1, ep.cfg.MaxRetries+1, err)
		case status >= 200 && status < 300:
			atomic.AddUint64(&ep.sent, 1)
			return
		case status >= 400 && status < 500:
			log.Printf("webhook: %s rejected batch with status %d, dropping", ep.cfg.URL, status)
			atomic.AddUint64(&ep.failed, 1)
			d.drop("4xx")
			return
		default:
			dropKind = "5xx"
			log.Printf("webhook: %s attempt %d/%d: status %d", ep.cfg.URL, attempt+1, ep.cfg.MaxRetries+1, status)
		}
	}

	log.Printf("webhook: dropping %d events for %s after %d attempts", len(batch), ep.cfg.URL, ep.cfg.MaxRetries+1)
	atomic.AddUint64(&ep.failed, 1)
	d.drop(dropKind)
}

func (d *Dispatcher) post(ep *endpoint, body []byte) (int, error) {
	req, err := http.NewRequest(http.MethodPost, ep.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ep.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ep.client.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}

func (d *Dispatcher) drop(kind string) {
	d.mu.RLock()
	hook := d.dropHook
	d.mu.RUnlock()
	if hook != nil {
		hook(kind)
	}
}
