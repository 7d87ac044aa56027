package webhook

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sessionwatch/sessionwatch/internal/event"
	"github.com/sessionwatch/sessionwatch/internal/filter"
)

// endpointsFile is the on-disk shape of a webhook config:
//
//	endpoints:
//	  - url: https://hooks.example.com/sessions
//	    headers:
//	      Authorization: Bearer abc123
//	    event_types: [session_start, session_end, error]
//	    batch_size: 20
//	    batch_timeout: 2s
type endpointsFile struct {
	Endpoints []endpointEntry `yaml:"endpoints"`
}

type endpointEntry struct {
	URL          string            `yaml:"url"`
	Headers      map[string]string `yaml:"headers"`
	EventTypes   []string          `yaml:"event_types"`
	BatchSize    int               `yaml:"batch_size"`
	BatchTimeout string            `yaml:"batch_timeout"`
	MaxRetries   *int              `yaml:"max_retries"`
	RetryBackoff string            `yaml:"retry_backoff"`
	Timeout      string            `yaml:"timeout"`
}

// LoadConfigs reads a YAML endpoints file and returns one Config per
// entry. Durations are Go duration strings ("5s", "250ms"). Listing
// event_types narrows the endpoint to those kinds; omitting it sends
// everything.
func LoadConfigs(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read webhook config: %w", err)
	}
	var file endpointsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse webhook config %s: %w", path, err)
	}
	if len(file.Endpoints) == 0 {
		return nil, fmt.Errorf("webhook config %s: no endpoints defined", path)
	}

	configs := make([]Config, 0, len(file.Endpoints))
	for i, entry := range file.Endpoints {
		cfg, err := entry.toConfig()
		if err != nil {
			return nil, fmt.Errorf("webhook config %s: endpoint %d: %w", path, i, err)
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func (e endpointEntry) toConfig() (Config, error) {
	if e.URL == "" {
		return Config{}, fmt.Errorf("url is required")
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return Config{}, fmt.Errorf("invalid url %q: %w", e.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Config{}, fmt.Errorf("url %q must be http or https", e.URL)
	}

	cfg := Config{
		URL:       e.URL,
		Headers:   e.Headers,
		BatchSize: e.BatchSize,
	}
	if e.MaxRetries != nil {
		switch {
		case *e.MaxRetries < 0:
			return Config{}, fmt.Errorf("max_retries must not be negative")
		case *e.MaxRetries == 0:
			cfg.MaxRetries = -1 // explicit zero disables retries
		default:
			cfg.MaxRetries = *e.MaxRetries
		}
	}
	if cfg.BatchTimeout, err = parseDuration("batch_timeout", e.BatchTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RetryBackoff, err = parseDuration("retry_backoff", e.RetryBackoff); err != nil {
		return Config{}, err
	}
	if cfg.Timeout, err = parseDuration("timeout", e.Timeout); err != nil {
		return Config{}, err
	}

	if len(e.EventTypes) > 0 {
		kinds := make([]event.Kind, 0, len(e.EventTypes))
		for _, name := range e.EventTypes {
			k := event.Kind(name)
			if !event.ValidKind(k) {
				return Config{}, fmt.Errorf("unknown event type %q", name)
			}
			kinds = append(kinds, k)
		}
		cfg.Filter = filter.EventType(kinds...)
	}
	return cfg, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}
