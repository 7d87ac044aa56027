package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sessionwatch/sessionwatch/internal/config"
	"github.com/sessionwatch/sessionwatch/internal/event"
	"github.com/sessionwatch/sessionwatch/internal/filter"
	"github.com/sessionwatch/sessionwatch/internal/format"
	"github.com/sessionwatch/sessionwatch/internal/live"
	"github.com/sessionwatch/sessionwatch/internal/metrics"
	"github.com/sessionwatch/sessionwatch/internal/model"
	"github.com/sessionwatch/sessionwatch/internal/watcher"
	"github.com/sessionwatch/sessionwatch/internal/webhook"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var ue usageErr
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// usageErr marks flag and argument mistakes so main can exit 2 instead
// of 1.
type usageErr struct{ err error }

func (u usageErr) Error() string { return u.err.Error() }
func (u usageErr) Unwrap() error { return u.err }

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sessionwatch",
		Short: "Watch Claude Code sessions in real time",
		Long: `sessionwatch tails Claude Code transcript files as they are written and
turns them into a live event stream: messages, tool calls and results,
and session lifecycle transitions. Events can be printed to the
terminal, filtered, exported as Prometheus metrics, or forwarded to
webhooks.`,
		SilenceUsage: true,
	}

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		fmt.Fprintln(cmd.ErrOrStderr(), cmd.UsageString())
		return usageErr{err}
	})

	root.AddCommand(newWatchCmd())
	root.AddCommand(newMetricsCmd())

	return root
}

func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return usageErr{err}
	}
	return nil
}

func newWatchCmd() *cobra.Command {
	var (
		configPath      string
		basePath        string
		pollInterval    time.Duration
		idleTimeout     time.Duration
		endTimeout      time.Duration
		stateFile       string
		processExisting bool
		retention       string
		maxMessages     int

		project    string
		session    string
		tools      []string
		categories []string
		eventTypes []string
		errorsOnly bool

		formatName string
		noColor    bool
		quiet      bool

		metricsOn   bool
		metricsHost string
		metricsPort int
		showSummary bool

		webhookURLs         []string
		webhookHeaders      []string
		webhookBatchSize    int
		webhookBatchTimeout time.Duration
		webhooksFile        string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream session events to the terminal",
		Long: `Watch discovers transcript files under <base-path>/projects, tails them,
and prints each event as it happens. Filters narrow what is printed;
the same filters gate webhook deliveries.

Sessions go idle after --idle-timeout without activity and end
--end-timeout later. With --state-file, tailer positions survive
restarts and already-seen content is not replayed.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("base-path") {
				cfg.BasePath = basePath
			}
			if flags.Changed("poll-interval") {
				cfg.PollInterval = config.Duration{Duration: pollInterval}
			}
			if flags.Changed("idle-timeout") {
				cfg.IdleTimeout = config.Duration{Duration: idleTimeout}
			}
			if flags.Changed("end-timeout") {
				cfg.EndTimeout = config.Duration{Duration: endTimeout}
			}
			if flags.Changed("state-file") {
				cfg.StateFile = stateFile
			}
			if flags.Changed("process-existing") {
				cfg.ProcessExisting = processExisting
			}
			if flags.Changed("retention") {
				cfg.RetentionPolicy = retention
			}
			if flags.Changed("max-messages") {
				cfg.MaxMessages = maxMessages
			}
			if err := cfg.Validate(); err != nil {
				return usageErr{err}
			}

			pred, err := buildFilter(session, tools, categories, eventTypes, errorsOnly)
			if err != nil {
				return usageErr{err}
			}

			out := cmd.OutOrStdout()
			f, err := format.New(formatName, format.Options{Out: out, NoColor: noColor})
			if err != nil {
				return usageErr{err}
			}

			w := watcher.New(watcherConfig(cfg))
			if project != "" {
				pred = combine(projectGate(w, project), pred)
			}

			var col *metrics.Collector
			if metricsOn || showSummary {
				col = metrics.NewCollector()
				w.OnAny(col.HandleEvent)
				w.OnEventDropped(col.EventDropped)
			}

			configs, err := webhookConfigs(webhookURLs, webhookHeaders, webhookBatchSize, webhookBatchTimeout, webhooksFile, pred)
			if err != nil {
				return err
			}
			var disp *webhook.Dispatcher
			if len(configs) > 0 {
				disp = webhook.NewDispatcher()
				for _, wc := range configs {
					if err := disp.Add(wc); err != nil {
						return err
					}
				}
				if col != nil {
					disp.OnDrop(col.WebhookDropped)
				}
				disp.Start()
				w.OnAny(disp.HandleEvent)
			}

			if !quiet {
				w.OnAny(func(ev event.Event) {
					if pred != nil && !pred(ev) {
						return
					}
					fmt.Fprintln(out, f.Format(ev))
				})
			}

			var srv *metrics.Server
			if metricsOn {
				srv = metrics.NewServer(net.JoinHostPort(metricsHost, strconv.Itoa(metricsPort)), col)
				if err := srv.Start(); err != nil {
					return err
				}
				fmt.Fprintf(out, "metrics: http://%s/metrics\n", srv.Addr())
			}

			if !quiet {
				fmt.Fprintf(out, "watching %s (poll %s, press Ctrl-C to stop)\n",
					cfg.ProjectsDir(), cfg.PollInterval)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runErr := w.Run(ctx)

			// Drain queued webhook batches before reporting.
			if disp != nil {
				disp.Stop()
			}
			if srv != nil {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = srv.Stop(sctx)
				cancel()
			}
			if showSummary && col != nil {
				format.WriteSummary(out, col.Snapshot())
			}
			return runErr
		},
	}

	flags := cmd.Flags()

	flags.StringVar(&configPath, "config", "", "Path to a JSON config file")
	flags.StringVar(&basePath, "base-path", "", "Claude data directory (default: ~/.claude)")
	flags.DurationVar(&pollInterval, "poll-interval", 500*time.Millisecond, "How often to scan and read transcripts")
	flags.DurationVar(&idleTimeout, "idle-timeout", 2*time.Minute, "Inactivity before a session is marked idle")
	flags.DurationVar(&endTimeout, "end-timeout", 5*time.Minute, "Idle time before a session is considered ended")
	flags.StringVar(&stateFile, "state-file", "", "Persist tailer positions here to survive restarts")
	flags.BoolVar(&processExisting, "process-existing", true, "Replay transcript content that predates startup")
	flags.StringVar(&retention, "retention", config.RetentionFull, "Message retention policy: full, sliding, or none")
	flags.IntVar(&maxMessages, "max-messages", 500, "Per-thread message cap for sliding retention")

	flags.StringVarP(&project, "project", "p", "", "Only events from this project slug")
	flags.StringVarP(&session, "session", "s", "", "Only events from sessions whose ID starts with this prefix")
	flags.StringArrayVarP(&tools, "tool", "t", nil, "Only tool events for this tool name (repeatable)")
	flags.StringArrayVar(&categories, "tool-category", nil, "Only tool events in this category (repeatable)")
	flags.StringArrayVarP(&eventTypes, "event-type", "e", nil, "Only events of this type (repeatable)")
	flags.BoolVar(&errorsOnly, "errors-only", false, "Only error events and failed tool results")

	flags.StringVar(&formatName, "format", "plain", "Output format: plain, json, or compact")
	flags.BoolVar(&noColor, "no-color", false, "Disable ANSI colors")
	flags.BoolVar(&quiet, "quiet", false, "Suppress event printing (webhooks and metrics still run)")

	flags.BoolVar(&metricsOn, "metrics", false, "Serve Prometheus metrics over HTTP")
	flags.StringVar(&metricsHost, "metrics-host", "0.0.0.0", "Metrics listen host")
	flags.IntVar(&metricsPort, "metrics-port", 9090, "Metrics listen port")
	flags.BoolVar(&showSummary, "show-metrics-summary", false, "Print a metrics table on exit")

	flags.StringArrayVar(&webhookURLs, "webhook", nil, "POST matching events to this URL (repeatable)")
	flags.StringArrayVar(&webhookHeaders, "webhook-header", nil, "Extra header for --webhook requests, KEY=VALUE (repeatable)")
	flags.IntVar(&webhookBatchSize, "webhook-batch-size", 0, "Events per webhook batch for --webhook endpoints")
	flags.DurationVar(&webhookBatchTimeout, "webhook-batch-timeout", 0, "Max wait before a partial batch is sent")
	flags.StringVar(&webhooksFile, "webhooks-file", "", "YAML file describing webhook endpoints")

	return cmd
}

func newMetricsCmd() *cobra.Command {
	var (
		host         string
		port         int
		basePath     string
		pollInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve Prometheus metrics without terminal output",
		Long: `Metrics runs the watcher headless: sessions are tracked and counted but
no events are printed. Scrape /metrics on the configured port.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if basePath != "" {
				cfg.BasePath = basePath
			}
			if cmd.Flags().Changed("poll-interval") {
				cfg.PollInterval = config.Duration{Duration: pollInterval}
			}
			if err := cfg.Validate(); err != nil {
				return usageErr{err}
			}

			w := watcher.New(watcherConfig(cfg))
			col := metrics.NewCollector()
			w.OnAny(col.HandleEvent)
			w.OnEventDropped(col.EventDropped)

			srv := metrics.NewServer(net.JoinHostPort(host, strconv.Itoa(port)), col)
			if err := srv.Start(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "serving metrics on http://%s/metrics\n", srv.Addr())

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runErr := w.Run(ctx)

			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(sctx); err != nil {
				return err
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "Listen host")
	cmd.Flags().IntVar(&port, "port", 9090, "Listen port")
	cmd.Flags().StringVar(&basePath, "base-path", "", "Claude data directory (default: ~/.claude)")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 500*time.Millisecond, "How often to scan and read transcripts")

	return cmd
}

// loadConfig reads the config file when one was named, otherwise returns
// defaults. Load itself tolerates a missing file.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// watcherConfig translates file/flag configuration into the watcher's own
// config struct.
func watcherConfig(cfg *config.Config) watcher.Config {
	return watcher.Config{
		BasePath:          cfg.BasePath,
		PollInterval:      cfg.PollInterval.Duration,
		IdleTimeout:       cfg.IdleTimeout.Duration,
		EndTimeout:        cfg.EndTimeout.Duration,
		ProcessExisting:   cfg.ProcessExisting,
		EmitSessionEvents: cfg.EmitSessionEvents,
		TruncateInputs:    cfg.TruncateInputs,
		MaxInputLength:    cfg.MaxInputLength,
		StateFile:         cfg.StateFile,
		SaveInterval:      cfg.SaveInterval.Duration,
		LiveSessions:      true,
		LiveConfig: live.Config{
			Retention:   live.Retention(cfg.RetentionPolicy),
			MaxMessages: cfg.MaxMessages,
		},
		EventQueue: cfg.AsyncQueueCapacity,
	}
}

// projectGate matches events from sessions living under the given project
// slug. Event bodies do not carry the slug, so membership is resolved
// through the watcher's session table.
func projectGate(w *watcher.Watcher, slug string) filter.Predicate {
	return func(ev event.Event) bool {
		st, ok := w.Stats(ev.Session())
		return ok && st.ProjectSlug == slug
	}
}

// buildFilter combines the filter flags into one predicate. All given
// conditions must hold; nil means no filtering.
func buildFilter(session string, tools, categories, kinds []string, errorsOnly bool) (filter.Predicate, error) {
	var preds []filter.Predicate
	if session != "" {
		preds = append(preds, filter.SessionPrefix(session))
	}
	if len(tools) > 0 {
		preds = append(preds, filter.ToolName(tools...))
	}
	if len(categories) > 0 {
		for _, c := range categories {
			if !model.ValidCategory(c) {
				return nil, fmt.Errorf("unknown tool category %q (valid: %s)",
					c, strings.Join(model.CategoryNames(), ", "))
			}
		}
		preds = append(preds, filter.ToolCategory(categories...))
	}
	if len(kinds) > 0 {
		ks := make([]event.Kind, 0, len(kinds))
		for _, name := range kinds {
			k := event.Kind(name)
			if !event.ValidKind(k) {
				return nil, fmt.Errorf("unknown event type %q", name)
			}
			ks = append(ks, k)
		}
		preds = append(preds, filter.EventType(ks...))
	}
	if errorsOnly {
		preds = append(preds, filter.HasError())
	}
	if len(preds) == 0 {
		return nil, nil
	}
	return filter.And(preds...), nil
}

// webhookConfigs assembles endpoint configs from the --webhook flags and
// the --webhooks-file, applying the shared event filter to each.
func webhookConfigs(urls, headerPairs []string, batchSize int, batchTimeout time.Duration, file string, gate filter.Predicate) ([]webhook.Config, error) {
	headers, err := parseHeaders(headerPairs)
	if err != nil {
		return nil, usageErr{err}
	}

	var configs []webhook.Config
	for _, u := range urls {
		if err := validateWebhookURL(u); err != nil {
			return nil, usageErr{err}
		}
		configs = append(configs, webhook.Config{
			URL:          u,
			Headers:      headers,
			BatchSize:    batchSize,
			BatchTimeout: batchTimeout,
		})
	}
	if file != "" {
		fromFile, err := webhook.LoadConfigs(file)
		if err != nil {
			return nil, err
		}
		configs = append(configs, fromFile...)
	}

	for i := range configs {
		configs[i].Filter = combine(gate, configs[i].Filter)
	}
	return configs, nil
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid --webhook url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("--webhook url %q must be http or https", raw)
	}
	return nil
}

func combine(a, b filter.Predicate) filter.Predicate {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return filter.And(a, b)
}

func parseHeaders(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --webhook-header %q, want KEY=VALUE", pair)
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers, nil
}
