package goShield

import (
	"errors"
	"fmt"
	"time"
)

// RedisConfig defines a public type used by goShield APIs.
//
// RedisConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type RedisConfig struct {
	// Prefix namespaces every key goShield writes. Deployments sharing a
	// Redis database with other tenants should override it.
	Prefix string
}

// SessionConfig defines a public type used by goShield APIs.
//
// SessionConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type SessionConfig struct {
	// Lifetime is the absolute session TTL.
	Lifetime time.Duration

	// TombstoneGrace bounds how long an invalidated session id keeps its
	// logical tombstone so concurrent readers observe a clean miss.
	TombstoneGrace time.Duration

	// TransitionWindow bounds the one-shot CSRF fallback after session
	// regeneration: a token bound to the pre-login session id verifies
	// once within this window.
	TransitionWindow time.Duration
}

// CsrfConfig defines a public type used by goShield APIs.
//
// CsrfConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type CsrfConfig struct {
	// ServerKey is the HMAC key. Must be at least 32 bytes and identical
	// across all instances sharing a deployment.
	ServerKey []byte

	// TTL bounds token validity from issuance.
	TTL time.Duration
}

// TierConfig defines a public type used by goShield APIs.
//
// TierConfig is the rate-limit policy for one endpoint class.
type TierConfig struct {
	Limit  int
	Window time.Duration

	// FailClosed rejects requests in this class while the counter store
	// is unreachable instead of admitting them.
	FailClosed bool

	// EscalateAfter, BaseBlock, and MaxBlock control violation
	// escalation: past EscalateAfter violations the offender is blocked
	// for BaseBlock, doubling per further violation up to MaxBlock.
	EscalateAfter int
	BaseBlock     time.Duration
	MaxBlock      time.Duration
}

// RateLimitConfig defines a public type used by goShield APIs.
//
// RateLimitConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type RateLimitConfig struct {
	// Tiers maps endpoint classes to their policies. Classes missing
	// from the map fall back to the general tier.
	Tiers map[EndpointClass]TierConfig

	// InProcessCounters switches the counter store from Redis to the
	// sharded in-memory arena. Single-instance deployments only.
	InProcessCounters bool
}

// AbuseConfig defines a public type used by goShield APIs.
//
// AbuseConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AbuseConfig struct {
	// DecayConstant is the exponential decay time constant tau.
	DecayConstant time.Duration

	// BlockThreshold is the suspicion score that arms a fingerprint
	// block.
	BlockThreshold float64

	BaseBlock time.Duration
	MaxBlock  time.Duration

	// DiversityWindow and DiversityThreshold tune the endpoint-scanning
	// signal: touching at least DiversityThreshold distinct paths inside
	// DiversityWindow adds extra weight.
	DiversityWindow    time.Duration
	DiversityThreshold int

	// NotifyBuffer sizes the threshold-event channel feeding the
	// incident responder.
	NotifyBuffer int
}

// LockoutConfig defines a public type used by goShield APIs.
//
// LockoutConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type LockoutConfig struct {
	Enabled bool

	// MaxFailures auth failures for one account within Window trigger a
	// lock of LockDuration.
	MaxFailures  int
	Window       time.Duration
	LockDuration time.Duration

	// UnlockTokenKey signs the HS256 unlock tokens minted on lock. Must
	// be at least 32 bytes when Enabled.
	UnlockTokenKey []byte
}

// IncidentConfig defines a public type used by goShield APIs.
//
// IncidentConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type IncidentConfig struct {
	Enabled bool

	// CriticalScore extends the edge block to EdgeBlock when a threshold
	// crossing reports at least this score.
	CriticalScore float64
	EdgeBlock     time.Duration
}

// AuditConfig defines a public type used by goShield APIs.
//
// AuditConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditConfig struct {
	Enabled    bool
	BufferSize int

	// DropIfFull sheds audit events under backpressure instead of
	// blocking the request path.
	DropIfFull bool
}

// MetricsConfig defines a public type used by goShield APIs.
//
// MetricsConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// Config defines a public type used by goShield APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	Redis     RedisConfig
	Session   SessionConfig
	Csrf      CsrfConfig
	RateLimit RateLimitConfig
	Abuse     AbuseConfig
	Lockout   LockoutConfig
	Incident  IncidentConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

func defaultConfig() Config {
	return Config{
		Redis: RedisConfig{
			Prefix: "gs",
		},
		Session: SessionConfig{
			Lifetime:         30 * 24 * time.Hour,
			TombstoneGrace:   5 * time.Minute,
			TransitionWindow: 30 * time.Second,
		},
		Csrf: CsrfConfig{
			TTL: time.Hour,
		},
		RateLimit: RateLimitConfig{
			Tiers: map[EndpointClass]TierConfig{
				ClassGeneral: {
					Limit:         60,
					Window:        time.Minute,
					EscalateAfter: 5,
					BaseBlock:     time.Minute,
					MaxBlock:      10 * time.Minute,
				},
				ClassRead: {
					Limit:         240,
					Window:        time.Minute,
					EscalateAfter: 10,
					BaseBlock:     time.Minute,
					MaxBlock:      10 * time.Minute,
				},
				ClassAuth: {
					Limit:         10,
					Window:        time.Minute,
					FailClosed:    true,
					EscalateAfter: 3,
					BaseBlock:     5 * time.Minute,
					MaxBlock:      time.Hour,
				},
				ClassAdmin: {
					Limit:         30,
					Window:        time.Minute,
					FailClosed:    true,
					EscalateAfter: 3,
					BaseBlock:     5 * time.Minute,
					MaxBlock:      time.Hour,
				},
			},
		},
		Abuse: AbuseConfig{
			DecayConstant:      10 * time.Minute,
			BlockThreshold:     30,
			BaseBlock:          5 * time.Minute,
			MaxBlock:           2 * time.Hour,
			DiversityWindow:    30 * time.Second,
			DiversityThreshold: 12,
			NotifyBuffer:       64,
		},
		Lockout: LockoutConfig{
			Enabled:      true,
			MaxFailures:  5,
			Window:       10 * time.Minute,
			LockDuration: 15 * time.Minute,
		},
		Incident: IncidentConfig{
			Enabled:       true,
			CriticalScore: 60,
			EdgeBlock:     time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// DefaultConfig returns the production defaults: community-platform tiers,
// fail-closed auth and admin classes, lockout and incident response on.
func DefaultConfig() Config {
	return defaultConfig()
}

// Validate checks internal consistency. Builder.Build calls it; direct
// callers can use it to lint hand-assembled configurations.
func (c *Config) Validate() error {
	if len(c.Csrf.ServerKey) < 32 {
		return errors.New("Csrf.ServerKey must be at least 32 bytes")
	}
	if c.Csrf.TTL <= 0 {
		return errors.New("Csrf.TTL must be positive")
	}
	if c.Session.Lifetime <= 0 {
		return errors.New("Session.Lifetime must be positive")
	}
	if c.Session.TombstoneGrace <= 0 {
		return errors.New("Session.TombstoneGrace must be positive")
	}
	if c.Session.TransitionWindow <= 0 {
		return errors.New("Session.TransitionWindow must be positive")
	}
	if c.Session.TransitionWindow > c.Csrf.TTL {
		return errors.New("Session.TransitionWindow must not exceed Csrf.TTL")
	}

	if len(c.RateLimit.Tiers) == 0 {
		return errors.New("RateLimit.Tiers must not be empty")
	}
	if _, ok := c.RateLimit.Tiers[ClassGeneral]; !ok {
		return errors.New("RateLimit.Tiers must include the general class")
	}
	for class, tier := range c.RateLimit.Tiers {
		if class >= endpointClassCount {
			return fmt.Errorf("RateLimit.Tiers contains unknown class %d", class)
		}
		if tier.Limit <= 0 {
			return fmt.Errorf("RateLimit tier %s: Limit must be positive", class)
		}
		if tier.Window <= 0 {
			return fmt.Errorf("RateLimit tier %s: Window must be positive", class)
		}
		if tier.EscalateAfter > 0 {
			if tier.BaseBlock <= 0 {
				return fmt.Errorf("RateLimit tier %s: BaseBlock required with EscalateAfter", class)
			}
			if tier.MaxBlock < tier.BaseBlock {
				return fmt.Errorf("RateLimit tier %s: MaxBlock below BaseBlock", class)
			}
		}
	}

	if c.Abuse.BlockThreshold <= 0 {
		return errors.New("Abuse.BlockThreshold must be positive")
	}
	if c.Abuse.DecayConstant <= 0 {
		return errors.New("Abuse.DecayConstant must be positive")
	}

	if c.Lockout.Enabled {
		if c.Lockout.MaxFailures <= 0 {
			return errors.New("Lockout.MaxFailures must be positive")
		}
		if c.Lockout.Window <= 0 || c.Lockout.LockDuration <= 0 {
			return errors.New("Lockout windows must be positive")
		}
		if len(c.Lockout.UnlockTokenKey) < 32 {
			return errors.New("Lockout.UnlockTokenKey must be at least 32 bytes")
		}
	}

	if c.Incident.Enabled {
		if c.Incident.CriticalScore < c.Abuse.BlockThreshold {
			return errors.New("Incident.CriticalScore below Abuse.BlockThreshold")
		}
		if c.Incident.EdgeBlock <= 0 {
			return errors.New("Incident.EdgeBlock must be positive")
		}
	}

	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Csrf.ServerKey = cloneBytes(cfg.Csrf.ServerKey)
	out.Lockout.UnlockTokenKey = cloneBytes(cfg.Lockout.UnlockTokenKey)

	if cfg.RateLimit.Tiers != nil {
		out.RateLimit.Tiers = make(map[EndpointClass]TierConfig, len(cfg.RateLimit.Tiers))
		for class, tier := range cfg.RateLimit.Tiers {
			out.RateLimit.Tiers[class] = tier
		}
	}

	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// tierFor resolves the policy for a class, falling back to the general
// tier for classes left out of the map.
func (c *Config) tierFor(class EndpointClass) TierConfig {
	if tier, ok := c.RateLimit.Tiers[class]; ok {
		return tier
	}
	return c.RateLimit.Tiers[ClassGeneral]
}
