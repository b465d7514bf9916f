package goShield

import (
	"errors"

	"github.com/MrEthical07/goShield/csrf"
	"github.com/MrEthical07/goShield/internal/abuse"
	"github.com/MrEthical07/goShield/internal/rate"
	"github.com/MrEthical07/goShield/session"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Builder defines a public type used by goShield APIs.
//
// Builder instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	userProvider UserProvider
	auditSink    AuditSink
	logger       *zap.Logger

	built bool
}

// New creates a [Builder] seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration tree.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client shared by sessions, rate counters, and
// lockout state.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithCsrfServerKey sets the HMAC key for CSRF tokens.
func (b *Builder) WithCsrfServerKey(key []byte) *Builder {
	b.config.Csrf.ServerKey = cloneBytes(key)
	return b
}

// WithUnlockTokenKey sets the signing key for account unlock tokens.
func (b *Builder) WithUnlockTokenKey(key []byte) *Builder {
	b.config.Lockout.UnlockTokenKey = cloneBytes(key)
	return b
}

// WithUserProvider sets the host-application account bridge.
func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.userProvider = up
	return b
}

// WithAuditSink sets the audit backend. Defaults to a no-op sink.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the structured logger for internal faults. Defaults to a
// no-op logger.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithMetricsEnabled toggles the counter table.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the authorize latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and assembles the [Engine]. A builder
// is single use.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.userProvider == nil && (cfg.Lockout.Enabled) {
		return nil, errors.New("user provider required when lockout enabled")
	}

	tokens, err := csrf.NewManager(csrf.Config{
		ServerKey: cfg.Csrf.ServerKey,
		TTL:       cfg.Csrf.TTL,
	})
	if err != nil {
		return nil, err
	}

	sessions := session.NewStore(
		b.redis,
		cfg.Redis.Prefix,
		cfg.Session.TombstoneGrace,
		cfg.Session.TransitionWindow,
	)

	var counters rate.CounterStore
	if cfg.RateLimit.InProcessCounters {
		counters = rate.NewMemStore()
	} else {
		counters = rate.NewRedisStore(b.redis)
	}

	detector := abuse.NewDetector(abuse.Config{
		DecayConstant:      cfg.Abuse.DecayConstant,
		BlockThreshold:     cfg.Abuse.BlockThreshold,
		BaseBlock:          cfg.Abuse.BaseBlock,
		MaxBlock:           cfg.Abuse.MaxBlock,
		DiversityWindow:    cfg.Abuse.DiversityWindow,
		DiversityThreshold: cfg.Abuse.DiversityThreshold,
		NotifyBuffer:       cfg.Abuse.NotifyBuffer,
	})

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := &Engine{
		config:   cfg,
		sessions: sessions,
		tokens:   tokens,
		limiter:  rate.NewLimiter(counters, cfg.Redis.Prefix),
		detector: detector,
		users:    b.userProvider,
		logger:   logger,
		recent:   newRecentSessions(),
	}

	engine.lockout = newAccountLockout(b.redis, cfg.Redis.Prefix, cfg.Lockout)
	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)
	engine.buildChain()

	engine.incidents = newIncidentResponder(
		cfg.Incident,
		detector,
		sessions,
		engine.recent,
		engine.audit,
		engine.metrics,
		logger,
	)

	b.built = true

	return engine, nil
}
