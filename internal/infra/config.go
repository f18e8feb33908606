// Package infra handles configuration loading and infrastructure wiring of
// the dsonboard binaries.
package infra

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ruslano69/dsonboard/pkg/audit"
	"github.com/ruslano69/dsonboard/pkg/events"
	"github.com/ruslano69/dsonboard/pkg/resilience"
	"github.com/ruslano69/dsonboard/pkg/retry"
)

// SecretEnv is the fallback for security.secret_key.
const SecretEnv = "DSONBOARD_SECRET_KEY"

// Config is shared by dsbackend and dswizard; each reads the sections it needs.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Store    StoreConfig    `yaml:"store"`
	Staging  StagingConfig  `yaml:"staging"`
	Security SecurityConfig `yaml:"security"`
	Events   events.Config  `yaml:"events"`
	Wizard   WizardConfig   `yaml:"wizard"`
	Audit    AuditConfig    `yaml:"audit"`
}

// ServerConfig controls the dev backend HTTP listener.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`          // default ":8090"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default 60s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default 120s
	MaxUpload    int64         `yaml:"max_upload"`    // bytes per file; default 50 MiB
}

// BackendConfig is how dswizard reaches the data-source service.
type BackendConfig struct {
	URL     string        `yaml:"url"`     // default "http://localhost:8090"
	Timeout time.Duration `yaml:"timeout"` // default 2m
	Retry   retry.Config  `yaml:"retry"`

	Breaker resilience.Config `yaml:"breaker"`
}

// StoreConfig locates the record database.
type StoreConfig struct {
	Path string `yaml:"path"` // sqlite file; default "dsonboard.db"
}

// StagingConfig locates ingested workbooks.
type StagingConfig struct {
	Dir   string `yaml:"dir"`   // default "staging"
	Level int    `yaml:"level"` // zstd level 1-4; default 2
}

// SecurityConfig holds the configuration encryption key.
type SecurityConfig struct {
	SecretKey string `yaml:"secret_key"` // 64 hex chars or a passphrase; override via DSONBOARD_SECRET_KEY
}

// WizardConfig tunes the wizard controller.
type WizardConfig struct {
	ConfirmThreshold int `yaml:"confirm_threshold"` // default 30
	MonthOffset      int `yaml:"month_offset"`      // default -1
}

// AuditConfig controls the dsbackend audit trail. Entries always go to the
// log; an empty file path disables the JSON-lines file.
type AuditConfig struct {
	Async      bool                     `yaml:"async"`
	BufferSize int                      `yaml:"buffer_size"`
	File       audit.FileAppenderConfig `yaml:"file"` // default path "audit/dsonboard-audit.log"
}

// Defaults returns the configuration used when no file is given.
func Defaults() *Config {
	cfg := &Config{}
	cfg.Server.Addr = ":8090"
	cfg.Server.ReadTimeout = 60 * time.Second
	cfg.Server.WriteTimeout = 120 * time.Second
	cfg.Server.MaxUpload = 50 << 20
	cfg.Backend.URL = "http://localhost:8090"
	cfg.Backend.Timeout = 2 * time.Minute
	cfg.Backend.Retry = retry.EnableRetry(3, 200*time.Millisecond)
	cfg.Backend.Breaker = resilience.DefaultConfig()
	cfg.Store.Path = "dsonboard.db"
	cfg.Staging.Dir = "staging"
	cfg.Staging.Level = 2
	cfg.Wizard.ConfirmThreshold = 30
	cfg.Wizard.MonthOffset = -1
	cfg.Audit.Async = true
	cfg.Audit.File = audit.FileAppenderConfig{Path: "audit/dsonboard-audit.log", MaxSizeMB: 100, MaxBackups: 5}
	return cfg
}

// LoadConfig reads the YAML config at path over the defaults. An empty path
// uses the defaults alone. The secret key is required from the file or the
// environment.
func LoadConfig(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	if cfg.Security.SecretKey == "" {
		if s := os.Getenv(SecretEnv); s != "" {
			cfg.Security.SecretKey = s
		} else {
			return nil, fmt.Errorf("config: security.secret_key is required (or set %s)", SecretEnv)
		}
	}
	if cfg.Staging.Level < 1 || cfg.Staging.Level > 4 {
		return nil, fmt.Errorf("config: staging.level must be 1-4, got %d", cfg.Staging.Level)
	}
	if err := cfg.Backend.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("config: backend.retry: %w", err)
	}
	if err := cfg.Backend.Breaker.Validate(); err != nil {
		return nil, fmt.Errorf("config: backend.breaker: %w", err)
	}
	return cfg, nil
}
