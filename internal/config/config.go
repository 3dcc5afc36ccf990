// Package config loads the provisioner's settings: built-in defaults, then an
// optional YAML file, then VNCPROV_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"time"

	"vncprov/internal/session"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Executor backends.
const (
	ExecutorShell  = "shell"
	ExecutorDocker = "docker"
)

// Lock backends.
const (
	LockMutex = "mutex"
	LockRedis = "redis"
)

// Config is the top-level configuration.
type Config struct {
	Listen         string   `yaml:"listen" env:"VNCPROV_LISTEN"`
	Hostname       string   `yaml:"hostname,omitempty" env:"VNCPROV_HOSTNAME"` // advertised in connection details
	AllowedOrigins []string `yaml:"allowed_origins" env:"VNCPROV_ALLOWED_ORIGINS"`

	Session   SessionConfig   `yaml:"session"`
	Paths     PathsConfig     `yaml:"paths"`
	Commands  CommandsConfig  `yaml:"commands"`
	Provision ProvisionConfig `yaml:"provision"`
	Vault     VaultConfig     `yaml:"vault"`
	Lock      LockConfig      `yaml:"lock"`
	Audit     AuditConfig     `yaml:"audit"`
	Notify    NotifyConfig    `yaml:"notify"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// SessionConfig controls session naming.
type SessionConfig struct {
	Base             string        `yaml:"base" env:"VNCPROV_SESSION_BASE"`
	BasePort         int           `yaml:"base_port" env:"VNCPROV_SESSION_BASE_PORT"`
	ProtectThreshold int           `yaml:"protect_threshold" env:"VNCPROV_SESSION_PROTECT_THRESHOLD"`
	Order            session.Order `yaml:"order" env:"VNCPROV_SESSION_ORDER"`
}

// PathsConfig holds host filesystem locations.
type PathsConfig struct {
	HomeRoot string `yaml:"home_root" env:"VNCPROV_HOME_ROOT"`
	UnitDir  string `yaml:"unit_dir" env:"VNCPROV_UNIT_DIR"`
	// TempDir stages rendered files. With the docker executor it must be a
	// directory mounted at the same path inside the container.
	TempDir string `yaml:"temp_dir,omitempty" env:"VNCPROV_TEMP_DIR"`
}

// CommandsConfig selects how host commands run.
type CommandsConfig struct {
	Executor    string        `yaml:"executor" env:"VNCPROV_EXECUTOR"`
	Container   string        `yaml:"container,omitempty" env:"VNCPROV_CONTAINER"`
	Shell       string        `yaml:"shell" env:"VNCPROV_SHELL"`
	Timeout     time.Duration `yaml:"timeout" env:"VNCPROV_COMMAND_TIMEOUT"`
	SettleDelay time.Duration `yaml:"settle_delay" env:"VNCPROV_SETTLE_DELAY"`
}

// ProvisionConfig shapes new sessions.
type ProvisionConfig struct {
	Rollback       bool   `yaml:"rollback" env:"VNCPROV_ROLLBACK"`
	SharedPassword string `yaml:"shared_password,omitempty" env:"VNCPROV_SHARED_PASSWORD"`
	Geometry       string `yaml:"geometry" env:"VNCPROV_GEOMETRY"`
	Depth          int    `yaml:"depth" env:"VNCPROV_DEPTH"`
	Shell          string `yaml:"shell" env:"VNCPROV_LOGIN_SHELL"`
	Desktop        string `yaml:"desktop" env:"VNCPROV_DESKTOP"`
}

// VaultConfig enables sealed per-session passwords when Recipients is set.
type VaultConfig struct {
	Dir        string   `yaml:"dir" env:"VNCPROV_VAULT_DIR"`
	Recipients []string `yaml:"recipients,omitempty" env:"VNCPROV_VAULT_RECIPIENTS"`
}

// Enabled reports whether sessions get sealed generated passwords.
func (v VaultConfig) Enabled() bool {
	return len(v.Recipients) > 0
}

// LockConfig selects the allocation lock.
type LockConfig struct {
	Backend   string        `yaml:"backend" env:"VNCPROV_LOCK_BACKEND"`
	RedisAddr string        `yaml:"redis_addr,omitempty" env:"VNCPROV_REDIS_ADDR"`
	Key       string        `yaml:"key" env:"VNCPROV_LOCK_KEY"`
	TTL       time.Duration `yaml:"ttl" env:"VNCPROV_LOCK_TTL"`
	Wait      time.Duration `yaml:"wait" env:"VNCPROV_LOCK_WAIT"`
}

// AuditConfig locates the operation journal. An empty Path disables it.
type AuditConfig struct {
	Path string `yaml:"path" env:"VNCPROV_AUDIT_PATH"`
}

// NotifyConfig posts lifecycle events to a webhook when URL is set.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhook_url,omitempty" env:"VNCPROV_WEBHOOK_URL"`
	Timeout    time.Duration `yaml:"timeout" env:"VNCPROV_WEBHOOK_TIMEOUT"`
}

// HTTPConfig tunes the HTTP server.
type HTTPConfig struct {
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"VNCPROV_HTTP_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"VNCPROV_HTTP_WRITE_TIMEOUT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen: ":3001",
		AllowedOrigins: []string{
			"https://final-vnc.vercel.app",
			"http://localhost:5173",
			"http://localhost:4173",
		},
		Session: SessionConfig{
			Base:             "claude",
			BasePort:         5900,
			ProtectThreshold: 6,
			Order:            session.OrderName,
		},
		Paths: PathsConfig{
			HomeRoot: "/home",
			UnitDir:  "/etc/systemd/system",
		},
		Commands: CommandsConfig{
			Executor:    ExecutorShell,
			Shell:       "/bin/sh",
			Timeout:     60 * time.Second,
			SettleDelay: 2 * time.Second,
		},
		Provision: ProvisionConfig{
			Rollback: true,
			Geometry: "1920x1080",
			Depth:    24,
			Shell:    "/bin/bash",
			Desktop:  "startxfce4",
		},
		Vault: VaultConfig{
			Dir: "/var/lib/vncprov/vault",
		},
		Lock: LockConfig{
			Backend: LockMutex,
			Key:     "vncprov:allocation",
			TTL:     10 * time.Minute,
			Wait:    5 * time.Minute,
		},
		Audit: AuditConfig{
			Path: "/var/log/vncprov/audit.jsonl",
		},
		Notify: NotifyConfig{
			Timeout: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// Fields omitted from the file keep their defaults.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var geometryPattern = regexp.MustCompile(`^[1-9][0-9]*x[1-9][0-9]*$`)

// Validate checks the configuration for values the provisioner cannot use.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, err := c.Naming(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if c.Session.Order != session.OrderName && c.Session.Order != session.OrderOrdinal {
		return fmt.Errorf("session.order must be %q or %q, got %q", session.OrderName, session.OrderOrdinal, c.Session.Order)
	}
	if c.Paths.HomeRoot == "" || c.Paths.UnitDir == "" {
		return fmt.Errorf("paths.home_root and paths.unit_dir are required")
	}

	switch c.Commands.Executor {
	case ExecutorShell:
	case ExecutorDocker:
		if c.Commands.Container == "" {
			return fmt.Errorf("commands.container is required with the docker executor")
		}
		if c.Paths.TempDir == "" {
			return fmt.Errorf("paths.temp_dir is required with the docker executor and must be mounted at the same path in the container")
		}
	default:
		return fmt.Errorf("unknown commands.executor %q", c.Commands.Executor)
	}
	if c.Commands.Timeout <= 0 {
		return fmt.Errorf("commands.timeout must be positive")
	}
	if c.Commands.SettleDelay < 0 {
		return fmt.Errorf("commands.settle_delay must not be negative")
	}

	if !geometryPattern.MatchString(c.Provision.Geometry) {
		return fmt.Errorf("provision.geometry %q must look like 1920x1080", c.Provision.Geometry)
	}
	if c.Provision.Depth <= 0 {
		return fmt.Errorf("provision.depth must be positive")
	}
	if !c.Vault.Enabled() && c.Provision.SharedPassword == "" {
		return fmt.Errorf("either vault.recipients or provision.shared_password must be set")
	}
	if c.Vault.Enabled() && c.Vault.Dir == "" {
		return fmt.Errorf("vault.dir is required when vault.recipients is set")
	}

	switch c.Lock.Backend {
	case LockMutex:
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("lock.redis_addr is required with the redis lock")
		}
		if c.Lock.TTL <= 0 {
			return fmt.Errorf("lock.ttl must be positive")
		}
	default:
		return fmt.Errorf("unknown lock.backend %q", c.Lock.Backend)
	}

	return nil
}

// Naming returns the session naming scheme described by c.Session.
func (c *Config) Naming() (*session.Naming, error) {
	return session.NewNaming(c.Session.Base, c.Session.BasePort, c.Session.ProtectThreshold)
}

// RequiresRestart reports whether moving from c to next changes anything
// other than the CORS allow-list, which is the only setting applied live.
func (c *Config) RequiresRestart(next *Config) bool {
	a, b := *c, *next
	a.AllowedOrigins, b.AllowedOrigins = nil, nil
	return !reflect.DeepEqual(a, b)
}
