// Package storage provides the small key/value surface the session store
// persists through, with memory, file, badger, redis and sqlite backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

var (
	ErrUnknownBackend = errors.New("unknown storage backend")
	ErrPathRequired   = errors.New("storage path is required")
	ErrClosed         = errors.New("storage is closed")
)

// Storage is an async-style key/value store. A missing key is reported by
// ok=false, never by an error.
type Storage interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// Closer is implemented by backends that hold external resources.
type Closer interface {
	Close() error
}

type Config struct {
	Backend     string `yaml:"backend" toml:"backend"`
	Path        string `yaml:"path" toml:"path"`
	Secret      string `yaml:"secret" toml:"secret"`
	RedisAddr   string `yaml:"redisAddr" toml:"redisAddr"`
	RedisPrefix string `yaml:"redisPrefix" toml:"redisPrefix"`
}

type options struct {
	logger *slog.Logger
}

type Option func(*options)

// WithLogger sets where backends report recovered faults.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func collectOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Open builds the backend selected by cfg.Backend. An empty backend means
// memory.
func Open(cfg Config, opts ...Option) (Storage, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendFile:
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("%w: file backend", ErrPathRequired)
		}
		return NewFile(cfg.Path, cfg.Secret, opts...), nil
	case BackendBadger:
		return OpenBadger(cfg.Path)
	case BackendRedis:
		return NewRedis(cfg.RedisAddr, cfg.RedisPrefix)
	case BackendSQLite:
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, fmt.Errorf("%w: sqlite backend", ErrPathRequired)
		}
		return OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// Close releases s when the backend holds resources.
func Close(s Storage) error {
	if c, ok := s.(Closer); ok {
		return c.Close()
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
