package auth

import (
	"log/slog"

	"github.com/benbjohnson/clock"

	"icpassword/go-client/internal/agent"
	"icpassword/go-client/internal/authority"
	"icpassword/go-client/internal/idle"
	"icpassword/go-client/internal/kdf"
	"icpassword/go-client/internal/platform/metrics"
	"icpassword/go-client/internal/storage"
)

type options struct {
	authority authority.Authority
	kdf       kdf.Engine
	storage   storage.Storage
	clock     clock.Clock
	activity  idle.ActivitySource
	logger    *slog.Logger
	metrics   *metrics.Collector
	agentOpts []agent.Option
	history   int
}

type Option func(*options)

// WithAuthority replaces the HTTP authority built from the config.
func WithAuthority(a authority.Authority) Option {
	return func(o *options) { o.authority = a }
}

// WithKDF replaces the default worker engine. The caller keeps ownership.
func WithKDF(e kdf.Engine) Option {
	return func(o *options) { o.kdf = e }
}

// WithStorage replaces the backend opened from the config. The caller keeps
// ownership.
func WithStorage(s storage.Storage) Option {
	return func(o *options) { o.storage = s }
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithActivitySource feeds the idle monitor. Without it the manager creates
// an idle.Bus reachable through ActivityBus.
func WithActivitySource(src idle.ActivitySource) Option {
	return func(o *options) { o.activity = src }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

func WithAgentOptions(opts ...agent.Option) Option {
	return func(o *options) { o.agentOpts = append(o.agentOpts, opts...) }
}

// WithEventHistory sets how many events SubscribeEvents can replay.
func WithEventHistory(n int) Option {
	return func(o *options) { o.history = n }
}
