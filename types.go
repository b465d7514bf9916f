package goShield

import (
	"context"
	"time"
)

// EndpointClass defines a public type used by goShield APIs.
//
// EndpointClass instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type EndpointClass uint8

const (
	// ClassGeneral is an exported constant or variable used by the security engine.
	ClassGeneral EndpointClass = iota
	// ClassRead is an exported constant or variable used by the security engine.
	ClassRead
	// ClassAuth is an exported constant or variable used by the security engine.
	ClassAuth
	// ClassAdmin is an exported constant or variable used by the security engine.
	ClassAdmin
	endpointClassCount
)

// String returns the class label used in rate-limit keys and audit events.
func (c EndpointClass) String() string {
	switch c {
	case ClassGeneral:
		return "general"
	case ClassRead:
		return "read"
	case ClassAuth:
		return "auth"
	case ClassAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// Stage defines a public type used by goShield APIs.
//
// Stage identifies one step of the fixed authorization chain; a rejected
// CheckResult names the stage that stopped the request.
type Stage uint8

const (
	// StageReceived is an exported constant or variable used by the security engine.
	StageReceived Stage = iota
	// StageRateLimit is an exported constant or variable used by the security engine.
	StageRateLimit
	// StageSessionResolve is an exported constant or variable used by the security engine.
	StageSessionResolve
	// StageAuthCheck is an exported constant or variable used by the security engine.
	StageAuthCheck
	// StageCsrfVerify is an exported constant or variable used by the security engine.
	StageCsrfVerify
	// StageHandlerInvoke is an exported constant or variable used by the security engine.
	StageHandlerInvoke
)

// String returns the stage label used in audit events.
func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received"
	case StageRateLimit:
		return "rate_limit_check"
	case StageSessionResolve:
		return "session_resolve"
	case StageAuthCheck:
		return "auth_check"
	case StageCsrfVerify:
		return "csrf_verify"
	case StageHandlerInvoke:
		return "handler_invoke"
	default:
		return "unknown"
	}
}

// UserRecord defines a public type used by goShield APIs.
//
// UserRecord instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type UserRecord struct {
	ID          string
	Admin       bool
	Locked      bool
	LockedUntil time.Time
}

// UserProvider is the host-application bridge for account state. goShield
// never stores identities of its own; it consults and mutates lock state
// through this interface.
//
// Implementations must be safe for concurrent use.
type UserProvider interface {
	GetUserByID(ctx context.Context, userID string) (*UserRecord, error)
	LockAccount(ctx context.Context, userID string, until time.Time) error
	UnlockAccount(ctx context.Context, userID string) error
}

// CheckRequest defines a public type used by goShield APIs.
//
// CheckRequest carries everything [Engine.Authorize] needs about one
// inbound request. The HTTP adapter in middleware/ populates it from
// cookies and headers; non-HTTP hosts can fill it directly.
type CheckRequest struct {
	// Method and Path describe the protected operation. Safe methods
	// (GET, HEAD, OPTIONS) bypass CSRF verification but still count
	// against rate limits.
	Method string
	Path   string

	// Class selects the rate-limit tier and degradation policy.
	Class EndpointClass

	// RequireAuth rejects the request at the auth stage when no valid
	// session resolves. Admin-class requests additionally require the
	// resolved user to hold the admin flag.
	RequireAuth bool

	// SessionID is the value of the session cookie, empty for anonymous
	// traffic.
	SessionID string

	// CsrfToken is the submitted token (header) and CsrfSecret the
	// client-held secret (cookie).
	CsrfToken  string
	CsrfSecret string
}

// CheckResult defines a public type used by goShield APIs.
//
// CheckResult reports the outcome of one authorization pass. When Allowed
// is false, Stage names the rejecting stage and the returned error carries
// the precise cause; user-visible responses must stay generic.
type CheckResult struct {
	Allowed     bool
	Stage       Stage
	UserID      string
	SessionID   string
	Fingerprint string

	// Remaining and RetryAfter surface rate-limit state for response
	// headers. RetryAfter is zero unless the request was throttled or
	// blocked.
	Remaining  int
	RetryAfter time.Duration

	// Degraded marks decisions taken while the shared store was
	// unreachable (fail-open admit or fail-closed reject).
	Degraded bool

	// RegenerationRequired is set on admitted requests whose session
	// carries a pending forced-regeneration flag; the host should call
	// [Engine.RegenerateSession] before responding.
	RegenerationRequired bool
}

// SessionGrant defines a public type used by goShield APIs.
//
// SessionGrant bundles the artifacts of session establishment or
// regeneration: the new session identifier and the CSRF pair bound to it.
type SessionGrant struct {
	SessionID  string
	CsrfToken  string
	CsrfSecret string
	ExpiresAt  time.Time
}
