// ABOUTME: Runtime configuration: defaults, an optional YAML file, then TUSK_* environment overrides.
// ABOUTME: Validation refuses unknown store drivers, non-positive limits and unguarded remote binds.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/2389-research/tusk/plan"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is wrapped by every validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrNonLoopbackBind is returned when the server would listen beyond localhost
	// without allow_remote.
	ErrNonLoopbackBind = errors.New("bind is a non-loopback address but allow_remote is not set")
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Transport kinds.
const (
	TransportLocal = "local"
	TransportHTTP  = "http"
)

// StoreConfig selects the node execution store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn,omitempty"` // file path for sqlite, connection string for postgres
}

// TransportConfig selects where TASK steps are dispatched.
type TransportConfig struct {
	Kind         string `yaml:"kind"`
	Workers      int    `yaml:"workers,omitempty"`       // local worker goroutines
	URL          string `yaml:"url,omitempty"`           // http delegate endpoint
	CallbackBase string `yaml:"callback_base,omitempty"` // base URL delegates post completions to
}

// Config is the full runtime configuration of the tusk binary.
type Config struct {
	Bind               string          `yaml:"bind"`
	AllowRemote        bool            `yaml:"allow_remote,omitempty"`
	Store              StoreConfig     `yaml:"store"`
	Transport          TransportConfig `yaml:"transport"`
	EventLog           string          `yaml:"event_log,omitempty"`
	EventBuffer        int             `yaml:"event_buffer"`
	MaxNestingDepth    int             `yaml:"max_nesting_depth"`
	DefaultTaskTimeout plan.Duration   `yaml:"default_task_timeout,omitempty"`
	Metrics            bool            `yaml:"metrics"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Bind:            "127.0.0.1:7780",
		Store:           StoreConfig{Driver: DriverMemory},
		Transport:       TransportConfig{Kind: TransportLocal, Workers: 4},
		EventBuffer:     1024,
		MaxNestingDepth: 25,
		Metrics:         true,
	}
}

// Load builds a configuration from defaults, the YAML file at path (skipped
// when path is empty) and the process environment, then validates it.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with TUSK_* variables resolved through lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TUSK_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, key, v)
		}
		*dst = n
		return nil
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			switch strings.ToLower(v) {
			case "true", "1", "yes":
				*dst = true
			default:
				*dst = false
			}
		}
	}

	str("TUSK_BIND", &c.Bind)
	boolean("TUSK_ALLOW_REMOTE", &c.AllowRemote)
	str("TUSK_STORE_DRIVER", &c.Store.Driver)
	str("TUSK_STORE_DSN", &c.Store.DSN)
	str("TUSK_TRANSPORT", &c.Transport.Kind)
	str("TUSK_TRANSPORT_URL", &c.Transport.URL)
	str("TUSK_CALLBACK_BASE", &c.Transport.CallbackBase)
	str("TUSK_EVENT_LOG", &c.EventLog)
	boolean("TUSK_METRICS", &c.Metrics)
	for key, dst := range map[string]*int{
		"TUSK_TRANSPORT_WORKERS": &c.Transport.Workers,
		"TUSK_EVENT_BUFFER":      &c.EventBuffer,
		"TUSK_MAX_NESTING_DEPTH": &c.MaxNestingDepth,
	} {
		if err := integer(key, dst); err != nil {
			return err
		}
	}
	if v, ok := lookup("TUSK_TASK_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: TUSK_TASK_TIMEOUT=%q: %v", ErrInvalidConfig, v, err)
		}
		c.DefaultTaskTimeout = plan.Duration(d)
	}
	return nil
}

// Validate reports every problem with the configuration.
func (c Config) Validate() error {
	var problems []string
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			problems = append(problems, fmt.Sprintf("store driver %s needs a dsn", c.Store.Driver))
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}
	switch c.Transport.Kind {
	case TransportLocal:
		if c.Transport.Workers <= 0 {
			problems = append(problems, "transport workers must be positive")
		}
	case TransportHTTP:
		if c.Transport.URL == "" {
			problems = append(problems, "http transport needs a url")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown transport %q", c.Transport.Kind))
	}
	if c.EventBuffer <= 0 {
		problems = append(problems, "event buffer must be positive")
	}
	if c.MaxNestingDepth <= 0 {
		problems = append(problems, "max nesting depth must be positive")
	}
	if c.DefaultTaskTimeout < 0 {
		problems = append(problems, "default task timeout must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return c.checkBind()
}

// checkBind refuses non-loopback listen addresses unless remote access is
// explicitly allowed. Only 127.0.0.0/8, ::1 and "localhost" count as local.
func (c Config) checkBind() error {
	if c.AllowRemote {
		return nil
	}
	host, _, err := net.SplitHostPort(c.Bind)
	if err != nil {
		return fmt.Errorf("%w: bind %q: %v", ErrInvalidConfig, c.Bind, err)
	}
	if host == "" {
		return fmt.Errorf("%w: bind=%s", ErrNonLoopbackBind, c.Bind)
	}
	ip := net.ParseIP(host)
	switch {
	case ip != nil && ip.IsLoopback():
	case ip != nil:
		return fmt.Errorf("%w: bind=%s", ErrNonLoopbackBind, c.Bind)
	case host == "localhost":
	default:
		return fmt.Errorf("%w: bind=%s", ErrNonLoopbackBind, c.Bind)
	}
	return nil
}
