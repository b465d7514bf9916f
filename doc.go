// Package goShield provides a session-bound CSRF protection and abuse
// mitigation layer for community platforms: HMAC token pairs tied to
// Redis-backed sessions, tiered sliding-window rate limiting, fingerprint
// suspicion scoring, and automated incident response.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// goShield is the public surface. It exposes [Engine], [Builder], [Config],
// and value types (CheckRequest, CheckResult, MetricsSnapshot, etc.). All
// internal coordination — stage ordering, session encoding, rate limiting,
// suspicion scoring, audit dispatch — lives under internal/ and is never
// exported.
//
// # What this package must NOT do
//
//   - Expose Redis clients, internal stores, or encoding details in its
//     public API.
//   - Authenticate credentials or authorize business actions; the host
//     application owns identity, goShield owns request admission.
//   - Import any sub-package that re-imports goShield (no import cycles).
//
// # Performance contract
//
// Authorize is the hot path. An admitted anonymous request costs the rate
// counter round-trips plus in-process HMAC and scoring work; a session-bound
// request adds the session read and the forced-regeneration flag check.
// Session lifecycle operations are allowed additional round-trips per call.
package goShield
