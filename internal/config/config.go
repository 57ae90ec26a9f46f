package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/hamed0406/gefion/internal/domain"
	"github.com/hamed0406/gefion/internal/logging"
	"github.com/hamed0406/gefion/internal/notify"
	"github.com/hamed0406/gefion/internal/probe"
)

type Role string

const (
	RoleMaster Role = "master"
	RoleWorker Role = "worker"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

type Config struct {
	Master    Master               `yaml:"master"`
	MyName    string               `yaml:"my_name"`
	Listen    string               `yaml:"listen"` // e.g., "127.0.0.1:8080" or ":8080" (Docker)
	Log       logging.Config       `yaml:"log"`
	Database  Database             `yaml:"database"`
	Workers   map[string]WorkerKey `yaml:"workers"`
	Sync      Sync                 `yaml:"sync"`
	RateLimit RateLimit            `yaml:"rate_limit"`
	Monitors  []MonitorSeed        `yaml:"monitors"`

	// MetricsListen is the worker's optional /metrics address.
	MetricsListen string `yaml:"metrics_listen"`

	notify.Config `yaml:",inline"`
}

// Master is where a worker finds the master and the key it presents.
type Master struct {
	Endpoint string `yaml:"endpoint"`
	Key      string `yaml:"key"`
}

type Database struct {
	Driver string `yaml:"driver"`
	URI    string `yaml:"uri"`
	Name   string `yaml:"name"` // mongo database
}

type WorkerKey struct {
	Key string `yaml:"key"`
}

type Sync struct {
	Schedule string `yaml:"schedule"`
}

type RateLimit struct {
	PerMinute  int  `yaml:"per_minute"`
	Burst      int  `yaml:"burst"`
	TrustProxy bool `yaml:"trust_proxy"`
}

// MonitorSeed is one monitor in the master's config file.
type MonitorSeed struct {
	ID        string              `yaml:"id"`
	Name      string              `yaml:"name"`
	UniqueID  string              `yaml:"unique_id"`
	Check     string              `yaml:"check"`
	Arguments map[string]any      `yaml:"arguments"`
	Worker    string              `yaml:"worker"`
	Frequency int                 `yaml:"frequency"` // seconds
	Contacts  []domain.ContactRef `yaml:"contacts"`
}

func Defaults() Config {
	return Config{
		Listen:    "127.0.0.1:8080",
		Log:       logging.Config{Dir: "logs", Level: "info"},
		Database:  Database{Driver: DriverMemory, Name: "gefion"},
		Sync:      Sync{Schedule: "@every 1m"},
		RateLimit: RateLimit{PerMinute: 600, Burst: 100},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path means defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("%w: parse %s: %v", domain.ErrConfiguration, path, err)
		}
	}
	cfg.FromEnv()
	return cfg, nil
}

// FromEnv overrides fields from GEFION_* variables and DATABASE_URL.
func (c *Config) FromEnv() {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Master.Endpoint, "GEFION_MASTER_ENDPOINT")
	set(&c.Master.Key, "GEFION_MASTER_KEY")
	set(&c.MyName, "GEFION_NAME")
	set(&c.Listen, "GEFION_LISTEN")
	set(&c.Log.Dir, "GEFION_LOG_DIR")
	set(&c.Log.Level, "GEFION_LOG_LEVEL")

	// Database (empty means use in-memory store)
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URI = v
		if c.Database.Driver == "" || c.Database.Driver == DriverMemory {
			c.Database.Driver = DriverPostgres
		}
	}
	set(&c.Database.Driver, "GEFION_DATABASE_DRIVER")
}

// WorkerKeys flattens the workers section for the auth middleware.
func (c Config) WorkerKeys() map[string]string {
	out := make(map[string]string, len(c.Workers))
	for name, w := range c.Workers {
		out[name] = w.Key
	}
	return out
}

// Validate returns every problem found for role, combined. Each wraps
// domain.ErrConfiguration.
func (c Config) Validate(role Role) error {
	var errs error
	bad := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{domain.ErrConfiguration}, args...)...))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		bad("%v", err)
	}

	switch role {
	case RoleMaster:
		if c.Listen == "" {
			bad("listen is required")
		}
		switch c.Database.Driver {
		case DriverMemory:
		case DriverPostgres, DriverMongo:
			if c.Database.URI == "" {
				bad("database.uri is required for driver %s", c.Database.Driver)
			}
		default:
			bad("unknown database driver %q", c.Database.Driver)
		}
		for name, w := range c.Workers {
			if w.Key == "" {
				bad("worker %s has no key", name)
			}
		}
		errs = multierr.Append(errs, c.validateMonitors())
	case RoleWorker:
		if c.Master.Endpoint == "" {
			bad("master.endpoint is required")
		}
		if c.MyName == "" {
			bad("my_name is required")
		}
		if _, err := cron.ParseStandard(c.Sync.Schedule); err != nil {
			bad("sync.schedule %q: %v", c.Sync.Schedule, err)
		}
	default:
		bad("unknown role %q", role)
	}
	return errs
}

func (c Config) validateMonitors() error {
	var errs error
	bad := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{domain.ErrConfiguration}, args...)...))
	}

	kinds := probe.DefaultRegistry().Kinds()
	channels := notify.NewRegistryFromConfig(c.Config).Kinds()
	seen := map[string]bool{}
	for i, m := range c.Monitors {
		where := fmt.Sprintf("monitors[%d]", i)
		if m.ID == "" {
			bad("%s: id is required", where)
		} else if seen[m.ID] {
			bad("%s: duplicate id %q", where, m.ID)
		}
		seen[m.ID] = true
		if !slices.Contains(kinds, m.Check) {
			bad("%s: unknown check %q", where, m.Check)
		}
		if m.Frequency <= 0 {
			bad("%s: frequency must be positive", where)
		}
		if m.Worker == "" {
			bad("%s: worker is required", where)
		} else if len(c.Workers) > 0 {
			if _, ok := c.Workers[m.Worker]; !ok {
				bad("%s: worker %q is not in workers", where, m.Worker)
			}
		}
		for _, ct := range m.Contacts {
			if !slices.Contains(channels, ct.ChannelKind) {
				bad("%s: notifier %q is not configured", where, ct.ChannelKind)
			}
		}
	}
	return errs
}

// SeedMonitors turns the monitors section into stored records. A missing
// unique_id is derived from the check and its arguments, so editing either
// yields a new version.
func (c Config) SeedMonitors() ([]domain.Monitor, error) {
	out := make([]domain.Monitor, 0, len(c.Monitors))
	for _, m := range c.Monitors {
		args, err := normalizeArgs(m.Arguments)
		if err != nil {
			return nil, fmt.Errorf("%w: monitor %s arguments: %v", domain.ErrConfiguration, m.ID, err)
		}
		version := m.UniqueID
		if version == "" {
			version, err = VersionID(m.Check, args)
			if err != nil {
				return nil, err
			}
		}
		name := m.Name
		if name == "" {
			name = m.ID
		}
		out = append(out, domain.Monitor{
			Definition: domain.CheckDefinition{
				MonitorID:       m.ID,
				VersionID:       version,
				ProbeKind:       m.Check,
				ProbeArgs:       args,
				IntervalSeconds: m.Frequency,
				Worker:          m.Worker,
			},
			State: domain.MonitorState{Name: name, Contacts: slices.Clone(m.Contacts)},
		})
	}
	return out, nil
}

// VersionID hashes check and args. JSON map keys are sorted, so the result
// is stable.
func VersionID(check string, args map[string]any) (string, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("%w: hash arguments: %v", domain.ErrConfiguration, err)
	}
	sum := sha256.Sum256(append([]byte(check+"\x00"), b...))
	return hex.EncodeToString(sum[:16]), nil
}

// normalizeArgs round-trips args through JSON so they look exactly like
// arguments a worker decodes from the wire.
func normalizeArgs(args map[string]any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
