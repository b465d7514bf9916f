package internaldefs

import (
	goShield "github.com/MrEthical07/goShield"
)

// CounterDef defines a public type used by goShield APIs.
//
// CounterDef instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type CounterDef struct {
	ID   goShield.MetricID
	Name string
	Help string
}

// HistogramDef defines a public type used by goShield APIs.
//
// HistogramDef instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type HistogramDef struct {
	ID   goShield.MetricID
	Name string
	Help string
}

// CounterDefs is an exported constant or variable used by the security engine.
var CounterDefs = []CounterDef{
	{ID: goShield.MetricRequestAllowed, Name: "goshield_request_allowed_total", Help: "Requests admitted through the full stage chain."},
	{ID: goShield.MetricRateLimitHit, Name: "goshield_rate_limit_hit_total", Help: "Requests rejected by the rate limiter."},
	{ID: goShield.MetricRateLimitEscalated, Name: "goshield_rate_limit_escalated_total", Help: "Rate-limit rejections that armed an escalation block."},
	{ID: goShield.MetricFingerprintBlocked, Name: "goshield_fingerprint_blocked_total", Help: "Requests rejected by an active fingerprint block."},
	{ID: goShield.MetricSessionMiss, Name: "goshield_session_miss_total", Help: "Session lookups that resolved to no live session."},
	{ID: goShield.MetricAuthRejected, Name: "goshield_auth_rejected_total", Help: "Requests rejected at the authentication stage."},
	{ID: goShield.MetricCsrfSuccess, Name: "goshield_csrf_success_total", Help: "Successful CSRF verifications."},
	{ID: goShield.MetricCsrfMalformed, Name: "goshield_csrf_malformed_total", Help: "CSRF rejections for malformed or missing tokens."},
	{ID: goShield.MetricCsrfInvalidSignature, Name: "goshield_csrf_invalid_signature_total", Help: "CSRF rejections for signature mismatches."},
	{ID: goShield.MetricCsrfExpired, Name: "goshield_csrf_expired_total", Help: "CSRF rejections for expired tokens."},
	{ID: goShield.MetricCsrfSessionMismatch, Name: "goshield_csrf_session_mismatch_total", Help: "CSRF rejections for session binding mismatches."},
	{ID: goShield.MetricCsrfTransitionFallback, Name: "goshield_csrf_transition_fallback_total", Help: "CSRF verifications admitted through the one-shot transition fallback."},
	{ID: goShield.MetricSessionCreated, Name: "goshield_session_created_total", Help: "Created sessions."},
	{ID: goShield.MetricSessionInvalidated, Name: "goshield_session_invalidated_total", Help: "Invalidated sessions."},
	{ID: goShield.MetricSessionRegenerated, Name: "goshield_session_regenerated_total", Help: "Regenerated sessions."},
	{ID: goShield.MetricTokenIssued, Name: "goshield_token_issued_total", Help: "Issued CSRF token pairs."},
	{ID: goShield.MetricAbuseThreshold, Name: "goshield_abuse_threshold_total", Help: "Suspicion scores crossing the block threshold."},
	{ID: goShield.MetricIncidentEdgeBlock, Name: "goshield_incident_edge_block_total", Help: "Incident responses that extended an edge block."},
	{ID: goShield.MetricIncidentForcedRegen, Name: "goshield_incident_forced_regen_total", Help: "Incident responses that forced a session regeneration."},
	{ID: goShield.MetricAccountLocked, Name: "goshield_account_locked_total", Help: "Account lock operations."},
	{ID: goShield.MetricAccountUnlocked, Name: "goshield_account_unlocked_total", Help: "Account unlock operations."},
	{ID: goShield.MetricDegradedDecision, Name: "goshield_degraded_decision_total", Help: "Decisions taken while the shared store was unreachable."},
}

// HistogramDefs is an exported constant or variable used by the security engine.
var HistogramDefs = []HistogramDef{
	{ID: goShield.MetricAuthorizeLatency, Name: "goshield_authorize_latency_seconds", Help: "Authorize latency histogram."},
}

// HistogramBounds is an exported constant or variable used by the security engine.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix is an exported constant or variable used by the security engine.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates a raw bucket slice to the fixed width.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to the cumulative form both
// exposition formats expect.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
