// Package session provides Redis-backed session persistence with compact
// binary encoding, logical tombstones, and fixation-safe regeneration.
//
// # Binary encoding
//
// Sessions are stored in Redis as a compact binary format (schema version
// v1). A one-byte tombstone blob replaces invalidated records for a short
// grace period so that concurrent readers observe a clean miss instead of
// a half-deleted record.
//
// # Architecture boundaries
//
// This package owns the [Store] (Redis operations) and the [Session]
// model. It does NOT verify CSRF tokens, compute fingerprints, or enforce
// rate limits — those responsibilities belong to the Engine.
//
// # What this package must NOT do
//
//   - Import goShield or csrf (no upward imports).
//   - Return a session whose expiry has passed.
//   - Store secrets or tokens in [Session] fields.
package session
