// Package config loads client settings from YAML or TOML files and ICPW_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"icpassword/go-client/internal/idle"
	"icpassword/go-client/internal/principal"
	"icpassword/go-client/internal/storage"
)

const DefaultHost = "https://icp-api.io"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	AuthorityID             string
	Host                    string
	Origin                  string
	FetchRootKeyForLocalDev bool
	Targets                 []string
	Storage                 storage.Config
	Idle                    IdleConfig
	Log                     LogConfig
}

type IdleConfig struct {
	Timeout       time.Duration
	CaptureScroll bool
	Disabled      bool
}

type LogConfig struct {
	Level  string
	Format string
}

func Default() Config {
	return Config{
		Host:    DefaultHost,
		Storage: storage.Config{Backend: storage.BackendMemory},
		Idle:    IdleConfig{Timeout: idle.DefaultTimeout},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// FileConfig is the on-disk layout shared by YAML and TOML. Pointer fields
// distinguish "unset" from zero values when merging over defaults.
type FileConfig struct {
	AuthorityID             string         `yaml:"authorityId" toml:"authorityId"`
	Host                    string         `yaml:"host" toml:"host"`
	Origin                  string         `yaml:"origin" toml:"origin"`
	FetchRootKeyForLocalDev *bool          `yaml:"fetchRootKeyForLocalDev" toml:"fetchRootKeyForLocalDev"`
	Targets                 []string       `yaml:"targets" toml:"targets"`
	Storage                 storage.Config `yaml:"storage" toml:"storage"`
	Idle                    FileIdleConfig `yaml:"idle" toml:"idle"`
	Log                     LogConfig      `yaml:"log" toml:"log"`
}

type FileIdleConfig struct {
	Timeout       string `yaml:"timeout" toml:"timeout"`
	CaptureScroll *bool  `yaml:"captureScroll" toml:"captureScroll"`
	Disabled      *bool  `yaml:"disabled" toml:"disabled"`
}

// LoadFromPath reads configPath (or the first default candidate that exists
// when configPath is empty), merges it over Default and applies env
// overrides.
func LoadFromPath(configPath string) (Config, error) {
	cfg := Default()

	candidates := []string{configPath}
	if configPath == "" {
		candidates = []string{"icpassword.yaml", "icpassword.toml", "configs/icpassword.yaml"}
	}
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath == "" && os.IsNotExist(err) {
				continue
			}
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		parsed, err := Parse(path, data)
		if err != nil {
			return cfg, err
		}
		if err := Merge(&cfg, parsed); err != nil {
			return cfg, err
		}
		break
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes data as TOML when path ends in .toml and as YAML otherwise.
func Parse(path string, data []byte) (FileConfig, error) {
	var parsed FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &parsed); err != nil {
			return parsed, fmt.Errorf("decode toml %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return parsed, fmt.Errorf("decode yaml %s: %w", path, err)
		}
	}
	return parsed, nil
}

func Merge(dst *Config, src FileConfig) error {
	if src.AuthorityID != "" {
		dst.AuthorityID = src.AuthorityID
	}
	if src.Host != "" {
		dst.Host = src.Host
	}
	if src.Origin != "" {
		dst.Origin = src.Origin
	}
	if src.FetchRootKeyForLocalDev != nil {
		dst.FetchRootKeyForLocalDev = *src.FetchRootKeyForLocalDev
	}
	if src.Targets != nil {
		dst.Targets = src.Targets
	}
	if src.Storage.Backend != "" {
		dst.Storage.Backend = src.Storage.Backend
	}
	if src.Storage.Path != "" {
		dst.Storage.Path = src.Storage.Path
	}
	if src.Storage.Secret != "" {
		dst.Storage.Secret = src.Storage.Secret
	}
	if src.Storage.RedisAddr != "" {
		dst.Storage.RedisAddr = src.Storage.RedisAddr
	}
	if src.Storage.RedisPrefix != "" {
		dst.Storage.RedisPrefix = src.Storage.RedisPrefix
	}
	if src.Idle.Timeout != "" {
		d, err := time.ParseDuration(src.Idle.Timeout)
		if err != nil {
			return fmt.Errorf("%w: idle.timeout: %v", ErrInvalidConfig, err)
		}
		dst.Idle.Timeout = d
	}
	if src.Idle.CaptureScroll != nil {
		dst.Idle.CaptureScroll = *src.Idle.CaptureScroll
	}
	if src.Idle.Disabled != nil {
		dst.Idle.Disabled = *src.Idle.Disabled
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		dst.Log.Format = src.Log.Format
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.AuthorityID) == "" {
		return fmt.Errorf("%w: authorityId is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.Host)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: host %q is not an absolute URL", ErrInvalidConfig, c.Host)
	}
	for _, t := range c.Targets {
		if _, err := principal.Parse(t); err != nil {
			return fmt.Errorf("%w: target %q: %v", ErrInvalidConfig, t, err)
		}
	}
	switch strings.ToLower(c.Storage.Backend) {
	case "", storage.BackendMemory, storage.BackendBadger:
	case storage.BackendFile, storage.BackendSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("%w: storage.path is required for %s", ErrInvalidConfig, c.Storage.Backend)
		}
	case storage.BackendRedis:
		if strings.TrimSpace(c.Storage.RedisAddr) == "" {
			return fmt.Errorf("%w: storage.redisAddr is required for redis", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, c.Storage.Backend)
	}
	if c.Idle.Timeout < 0 {
		return fmt.Errorf("%w: idle.timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

// TargetPrincipals parses Targets. Call Validate first.
func (c Config) TargetPrincipals() ([]principal.Principal, error) {
	if len(c.Targets) == 0 {
		return nil, nil
	}
	out := make([]principal.Principal, 0, len(c.Targets))
	for _, t := range c.Targets {
		p, err := principal.Parse(t)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
