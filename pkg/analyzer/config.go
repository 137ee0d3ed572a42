package analyzer

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/PentesterFlow/StatsProbe/internal/errors"
	"github.com/PentesterFlow/StatsProbe/internal/scope"
	"github.com/PentesterFlow/StatsProbe/internal/state"
	"github.com/PentesterFlow/StatsProbe/internal/stats"
)

// EnvPrefix prefixes every environment variable ApplyEnv reads.
const EnvPrefix = "STATSPROBE_"

// Config holds all analyzer configuration.
type Config struct {
	// Stats API root
	BaseURL string `json:"base_url" yaml:"base_url"`

	// Request timeout
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// Pause between probes and between endpoints
	Pause time.Duration `json:"pause" yaml:"pause"`

	// Request rate limiting
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`

	// Transport retries per request
	Retries int `json:"retries" yaml:"retries"`

	// Proxy URL
	Proxy string `json:"proxy" yaml:"proxy"`

	// Headers added to or replacing the browser-like defaults
	Headers map[string]string `json:"headers" yaml:"headers"`

	// Record store
	Store StoreConfig `json:"store" yaml:"store"`

	// Endpoint selection
	Scope scope.Rules `json:"scope" yaml:"scope"`

	// Operator tables layered over the embedded ones
	TablesPath string `json:"tables_path" yaml:"tables_path"`

	// Output directory of the documentation generator
	DocsDir string `json:"docs_dir" yaml:"docs_dir"`

	// Stop at the first endpoint that fails hard
	FailFast bool `json:"fail_fast" yaml:"fail_fast"`

	// Verbose logging
	Verbose bool `json:"verbose" yaml:"verbose"`

	// Debug mode
	Debug bool `json:"debug" yaml:"debug"`
}

// RateLimitConfig holds request rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Backend string `json:"backend" yaml:"backend"`
	Path    string `json:"path" yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL: stats.DefaultBaseURL,
		Timeout: 30 * time.Second,
		Pause:   time.Second,
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 2,
			Burst:             1,
		},
		Store: StoreConfig{
			Backend: state.BackendFile,
			Path:    "analysis.json",
		},
		DocsDir: "endpoint_documentation",
	}
}

// LoadFromFile loads configuration from a file (JSON or YAML).
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigError(path, "failed to read config file", err)
	}

	config := DefaultConfig()

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, config); err != nil {
		if err := json.Unmarshal(data, config); err != nil {
			return nil, errors.NewConfigError(path, "failed to parse config file", err)
		}
	}

	return config, nil
}

// ApplyEnv loads the given dotenv files (".env" when none are named; missing
// files are ignored) and then overrides fields from STATSPROBE_* variables.
func (c *Config) ApplyEnv(files ...string) error {
	_ = godotenv.Load(files...)

	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str("BASE_URL", &c.BaseURL)
	str("PROXY", &c.Proxy)
	str("STORE_BACKEND", &c.Store.Backend)
	str("STORE_PATH", &c.Store.Path)
	str("TABLES_PATH", &c.TablesPath)
	str("DOCS_DIR", &c.DocsDir)

	for name, dst := range map[string]*time.Duration{
		"TIMEOUT": &c.Timeout,
		"PAUSE":   &c.Pause,
	} {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return errors.NewConfigError(EnvPrefix+name, "invalid duration", err)
			}
			*dst = d
		}
	}

	if v, ok := os.LookupEnv(EnvPrefix + "RATE_LIMIT"); ok {
		rps, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return errors.NewConfigError(EnvPrefix+"RATE_LIMIT", "invalid number", err)
		}
		c.RateLimit.RequestsPerSecond = rps
	}
	if v, ok := os.LookupEnv(EnvPrefix + "RETRIES"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.NewConfigError(EnvPrefix+"RETRIES", "invalid integer", err)
		}
		c.Retries = n
	}
	if v, ok := os.LookupEnv(EnvPrefix + "FAIL_FAST"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return errors.NewConfigError(EnvPrefix+"FAIL_FAST", "invalid boolean", err)
		}
		c.FailFast = b
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.NewConfigError("base_url", fmt.Sprintf("invalid base URL %q", c.BaseURL), err)
	}

	if c.Timeout <= 0 {
		return errors.NewConfigError("timeout", "timeout must be positive", nil)
	}

	if c.Pause < 0 {
		return errors.NewConfigError("pause", "pause must not be negative", nil)
	}

	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return errors.NewConfigError("rate_limit", "rate limit must not be negative", nil)
	}

	if c.Retries < 0 {
		return errors.NewConfigError("retries", "retries must not be negative", nil)
	}

	if _, err := scope.NewChecker(c.Scope); err != nil {
		return err
	}

	switch c.Store.Backend {
	case state.BackendFile, state.BackendBolt:
		if c.Store.Path == "" {
			return errors.NewConfigError("store.path", "store path is required", nil)
		}
	case state.BackendMemory:
	default:
		return errors.NewConfigError("store.backend", fmt.Sprintf("unknown store backend %q", c.Store.Backend), nil)
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Scope = scope.Rules{
		IncludePatterns: append([]string(nil), c.Scope.IncludePatterns...),
		ExcludePatterns: append([]string(nil), c.Scope.ExcludePatterns...),
	}
	if c.Headers != nil {
		clone.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			clone.Headers[k] = v
		}
	}
	return &clone
}
