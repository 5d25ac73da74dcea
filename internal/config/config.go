// Package config loads the dispatcher's configuration: a small set of
// process-level environment variables (AMQP URI, bind address, config file
// path) decoded with envdecode, and the richer per-pool settings from a YAML
// file, the way the teacher repository layers env-var settings over a
// structured config object (infrastructure/config/loader.go).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/osrd-project/osrdyne/internal/apperrors"
)

// Env holds the handful of process-level settings that are simpler as
// environment variables than YAML.
type Env struct {
	AMQPURI       string `env:"OSRDYNE_AMQP_URI,required"`
	ManagementURI string `env:"OSRDYNE_MANAGEMENT_URI"`
	BindAddress   string `env:"OSRDYNE_BIND_ADDRESS,default=:9090"`
	ConfigFile    string `env:"OSRDYNE_CONFIG_FILE,default=osrdyne.yaml"`
}

// LoadEnv loads a local .env file (if present, ignored otherwise) and
// decodes the process-level environment into Env.
func LoadEnv() (Env, error) {
	_ = godotenv.Load()

	var e Env
	if err := envdecode.Decode(&e); err != nil {
		return Env{}, apperrors.Wrap(apperrors.CodeConfigInvalid, "decoding environment", err)
	}
	return e, nil
}

// DriverBackend identifies which lifecycle driver backend a pool uses.
type DriverBackend string

const (
	DriverDocker     DriverBackend = "docker"
	DriverKubernetes DriverBackend = "kubernetes"
	DriverNoop       DriverBackend = "noop"
)

// DriverConfig configures one pool's worker lifecycle driver.
type DriverConfig struct {
	Backend DriverBackend `yaml:"backend"`

	// Docker and Kubernetes backends: the worker image.
	Image string `yaml:"image,omitempty"`

	// Kubernetes backend.
	Namespace string `yaml:"namespace,omitempty"`

	// Shared across backends: extra env vars set on every created worker,
	// in addition to the key/worker-id labels spec.md §4.3 mandates.
	Env map[string]string `yaml:"env,omitempty"`
}

// PoolConfig describes one logical worker family (spec.md §3 Pool, §6
// Configuration).
type PoolConfig struct {
	PoolID string `yaml:"pool_id"`

	UnbindDelay         time.Duration `yaml:"unbind_delay"`
	DeleteDelay         time.Duration `yaml:"delete_delay"`
	ExtraLifetimeGrace  time.Duration `yaml:"extra_lifetime_grace"`
	TimeoutAllowance    time.Duration `yaml:"timeout_allowance"`
	OrphanReadyTimeout  time.Duration `yaml:"orphan_ready_timeout"`
	ConsistencySweepCron string       `yaml:"consistency_sweep_cron,omitempty"`

	RequestQueueArguments map[string]interface{} `yaml:"request_queue_arguments,omitempty"`

	Driver DriverConfig `yaml:"driver"`
}

// Config is the full dispatcher configuration: AMQP/management connectivity
// plus the per-pool settings (spec.md §6 Configuration).
type Config struct {
	AMQPURI       string `yaml:"amqp_uri"`
	ManagementURI string `yaml:"management_uri,omitempty"`
	BindAddress   string `yaml:"bind_address"`

	Pools []PoolConfig `yaml:"pools"`
}

// LoadFile reads and parses a YAML config file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigInvalid, fmt.Sprintf("reading config file %q", path), err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigInvalid, fmt.Sprintf("parsing config file %q", path), err)
	}
	return &cfg, nil
}

// Merge overlays the process-level Env on top of a loaded Config, filling in
// fields the YAML file left blank.
func (c *Config) Merge(e Env) {
	if c.AMQPURI == "" {
		c.AMQPURI = e.AMQPURI
	}
	if c.ManagementURI == "" {
		c.ManagementURI = e.ManagementURI
	}
	if c.BindAddress == "" {
		c.BindAddress = e.BindAddress
	}
}

// Validate checks the invariants the dispatcher relies on before it starts
// any pool. It does not attempt to contact the broker or any driver backend.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AMQPURI) == "" {
		return apperrors.New(apperrors.CodeConfigInvalid, "amqp_uri is required")
	}
	if len(c.Pools) == 0 {
		return apperrors.New(apperrors.CodeConfigInvalid, "at least one pool must be configured")
	}
	seen := make(map[string]bool, len(c.Pools))
	for _, p := range c.Pools {
		if strings.TrimSpace(p.PoolID) == "" {
			return apperrors.New(apperrors.CodeConfigInvalid, "pool_id must not be empty")
		}
		if seen[p.PoolID] {
			return apperrors.New(apperrors.CodeConfigInvalid, fmt.Sprintf("duplicate pool_id %q", p.PoolID))
		}
		seen[p.PoolID] = true
		if p.UnbindDelay <= 0 || p.DeleteDelay <= 0 {
			return apperrors.New(apperrors.CodeConfigInvalid, fmt.Sprintf("pool %q: unbind_delay and delete_delay must be positive", p.PoolID))
		}
		switch p.Driver.Backend {
		case DriverDocker, DriverKubernetes, DriverNoop:
		default:
			return apperrors.New(apperrors.CodeConfigInvalid, fmt.Sprintf("pool %q: unknown driver backend %q", p.PoolID, p.Driver.Backend))
		}
	}
	return nil
}

// WithDefaults fills in the documented defaults for any zero-valued
// duration/field on each pool (spec.md §5 Timeouts).
func (c *Config) WithDefaults() {
	if c.BindAddress == "" {
		c.BindAddress = ":9090"
	}
	for i := range c.Pools {
		p := &c.Pools[i]
		if p.TimeoutAllowance <= 0 {
			p.TimeoutAllowance = time.Second
		}
		if p.OrphanReadyTimeout <= 0 {
			p.OrphanReadyTimeout = 30 * time.Second
		}
	}
}

// GetEnvBool parses a boolean environment variable, accepting the same
// truthy spellings the rest of the corpus does.
func GetEnvBool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	switch strings.ToLower(val) {
	case "true", "1", "yes", "y":
		return true
	case "false", "0", "no", "n":
		return false
	default:
		return defaultValue
	}
}

// GetEnvInt parses an integer environment variable, falling back to
// defaultValue on absence or parse failure.
func GetEnvInt(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}
