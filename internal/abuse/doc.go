// Package abuse aggregates per-fingerprint security signals into a
// decaying suspicion score and maintains the resulting blocklist.
//
// # Scoring model
//
// Every event adds a weighted delta; the score decays continuously as
// score(t) = score(t0) * exp(-(t-t0)/tau), recomputed lazily on access so
// no background sweep has to visit an unbounded fingerprint population.
// Crossing the hard threshold arms an explicit blocked-until expiry whose
// duration scales with the overshoot and with the fingerprint's prior
// block count.
//
// # Storage
//
// Records live in a fixed arena of mutex-guarded shards: hot fingerprints
// (NAT gateways, shared proxies) contend only within their own shard.
// This detector is deliberately in-process; see DESIGN.md for the
// multi-instance trade-off.
//
// # What this package must NOT do
//
//   - Enforce per-endpoint rate limits (internal/rate owns those).
//   - Take response actions; it only publishes threshold crossings.
//   - Be imported outside the goShield module.
package abuse
