package widget

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the parsed configuration file: one Spec per widget plus the
// shared inputs the reconciler treats as constants.
type Config struct {
	Environment  string       `yaml:"environment"`
	Defaults     Defaults     `yaml:"defaults"`
	Discovered   Discovered   `yaml:"discovered"`
	PriorityBand PriorityBand `yaml:"priority_band"`
	Widgets      []Spec       `yaml:"widgets"`
}

// Defaults apply to every widget that leaves the field unset.
type Defaults struct {
	MemorySize           int               `yaml:"memory_size"`
	TimeoutSeconds       int               `yaml:"timeout_seconds"`
	LogRetentionDays     int               `yaml:"log_retention_days"`
	ImageTag             string            `yaml:"image_tag"`
	Tags                 map[string]string `yaml:"tags"`
	EnvironmentVariables map[string]string `yaml:"environment_variables"`
}

// Discovered holds identifiers of shared infrastructure that is looked up,
// never managed: the account, the region and the load balancer listener.
type Discovered struct {
	AccountID   string `yaml:"account_id" json:"account_id"`
	Region      string `yaml:"region" json:"region"`
	ListenerARN string `yaml:"listener_arn" json:"listener_arn"`
	VpcID       string `yaml:"vpc_id" json:"vpc_id"`
}

// PriorityBand configures the listener priority band. Zero fields take the
// routing package defaults.
type PriorityBand struct {
	Start   int `yaml:"start"`
	Step    int `yaml:"step"`
	Ceiling int `yaml:"ceiling"`
}

// Built-in defaults for fields neither the widget nor the defaults block sets.
const (
	DefaultMemorySize       = 512
	DefaultTimeoutSeconds   = 30
	DefaultLogRetentionDays = 14
	DefaultImageTag         = "latest"
	DefaultEnvironment      = "dev"
)

// Parser parses widget configuration files.
type Parser struct {
	// Strict rejects unknown YAML fields.
	Strict bool
}

// NewParser creates a new configuration parser
func NewParser() *Parser {
	return &Parser{Strict: true}
}

// ParseFile parses a configuration file
func (p *Parser) ParseFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()
	return p.Parse(f)
}

// ParseBytes parses configuration from bytes
func (p *Parser) ParseBytes(data []byte) (*Config, error) {
	return p.Parse(bytes.NewReader(data))
}

// Parse parses configuration from a reader, fills defaults and validates every
// widget.
func (p *Parser) Parse(r io.Reader) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(p.Strict)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode config YAML: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize fills defaults into every widget and validates the result.
func (c *Config) Normalize() error {
	if c.Environment == "" {
		c.Environment = DefaultEnvironment
	}
	seen := make(map[string]bool, len(c.Widgets))
	for i := range c.Widgets {
		w := &c.Widgets[i]
		if err := c.applyDefaults(w); err != nil {
			return err
		}
		if err := w.ApplyDefaults(); err != nil {
			return err
		}
		if err := w.Validate(); err != nil {
			return err
		}
		if seen[w.Name] {
			return fmt.Errorf("widget %q is declared more than once", w.Name)
		}
		seen[w.Name] = true
	}
	return nil
}

// applyDefaults fills unset widget fields from the config defaults. Tags and
// environment variables set on the widget win over the defaults.
func (c *Config) applyDefaults(w *Spec) error {
	if w.Environment == "" {
		w.Environment = c.Environment
	}
	if w.MemorySize == 0 {
		w.MemorySize = firstNonZero(c.Defaults.MemorySize, DefaultMemorySize)
	}
	if w.TimeoutSeconds == 0 {
		w.TimeoutSeconds = firstNonZero(c.Defaults.TimeoutSeconds, DefaultTimeoutSeconds)
	}
	if w.LogRetentionDays == 0 {
		w.LogRetentionDays = firstNonZero(c.Defaults.LogRetentionDays, DefaultLogRetentionDays)
	}
	if w.ImageTag == "" {
		w.ImageTag = c.Defaults.ImageTag
		if w.ImageTag == "" {
			w.ImageTag = DefaultImageTag
		}
	}
	if len(c.Defaults.Tags) > 0 {
		if w.Tags == nil {
			w.Tags = map[string]string{}
		}
		if err := mergo.Merge(&w.Tags, c.Defaults.Tags); err != nil {
			return fmt.Errorf("failed to merge default tags for widget %s: %w", w.Name, err)
		}
	}
	if len(c.Defaults.EnvironmentVariables) > 0 {
		if w.EnvironmentVariables == nil {
			w.EnvironmentVariables = map[string]string{}
		}
		if err := mergo.Merge(&w.EnvironmentVariables, c.Defaults.EnvironmentVariables); err != nil {
			return fmt.Errorf("failed to merge default environment for widget %s: %w", w.Name, err)
		}
	}
	return nil
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
