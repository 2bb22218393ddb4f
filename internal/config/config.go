package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cmsflow/internal/status"
)

// Config models cmsflow.yml.
type Config struct {
	Review struct {
		// BlockOnCritical refuses ready_to_publish while critical issues are
		// still pending.
		BlockOnCritical bool `yaml:"block_on_critical" json:"block_on_critical"`
		// InitialStatus is given to newly synced documents.
		InitialStatus string `yaml:"initial_status" json:"initial_status"`
	} `yaml:"review" json:"review"`
	Sync struct {
		SourceDir   string   `yaml:"source_dir" json:"source_dir"`
		Extensions  []string `yaml:"extensions" json:"extensions"`
		MinInterval Duration `yaml:"min_interval" json:"min_interval"`
	} `yaml:"sync" json:"sync"`
	Publish struct {
		RedisURL string `yaml:"redis_url" json:"redis_url,omitempty"`
		Queue    string `yaml:"queue" json:"queue"`
	} `yaml:"publish" json:"publish"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// WebhookConfig posts matching events to URL. An empty Events list matches
// every event type.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	if strings.TrimSpace(s) == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cmsflow config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Review.InitialStatus != "" && !status.Status(c.Review.InitialStatus).Valid() {
		return fmt.Errorf("config.review.initial_status %q is not a canonical status", c.Review.InitialStatus)
	}
	if c.Sync.MinInterval.Duration < 0 {
		return fmt.Errorf("config.sync.min_interval must not be negative")
	}
	for _, ext := range c.Sync.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("config.sync.extensions entry %q must start with a dot", ext)
		}
	}
	if c.Publish.RedisURL != "" && c.Publish.Queue == "" {
		return fmt.Errorf("config.publish.queue is required when redis_url is set")
	}
	for i, hook := range c.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url %q must be an http(s) URL", i, hook.URL)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// InitialStatus is the status given to new work items.
func (c *Config) InitialStatus() status.Status {
	if c == nil || c.Review.InitialStatus == "" {
		return status.Default
	}
	return status.Status(c.Review.InitialStatus)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cmsflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `review:
  block_on_critical: true
  initial_status: pending

sync:
  source_dir: content
  extensions: [.md, .html, .txt]
  min_interval: 30s

publish:
  # leave empty to disable the publishing hand-off
  redis_url: ""
  queue: cmsflow:publish

# webhooks:
#   - url: https://hooks.example.com/cmsflow
#     events: [work_item.status_changed, publish.enqueued]
#     secret: change-me
`
