// Package rate implements the sliding-window request limiter that guards
// every endpoint class, with per-key violation escalation and exponential
// block backoff.
//
// # Window semantics
//
// Two fixed counter buckets per key (current and previous window index)
// approximate a true sliding window: the previous bucket is weighted by
// its remaining temporal overlap, so bursts cannot double up across a
// window boundary. Counters increment before the admission check, which
// makes the limit a hard upper bound under concurrency at the cost of
// slight over-counting for rejected traffic.
//
// Key prefixes:
//   - rw: — window bucket counters
//   - rv: — consecutive violation counters
//   - rb: — active block expiry (unix milliseconds)
//
// # Degradation
//
// Store failures never surface as admission errors on their own: Check
// always returns a usable Decision alongside [ErrStoreUnavailable],
// failing closed or open according to the class policy.
//
// # What this package must NOT do
//
//   - Choose per-endpoint-class policies (the Engine owns the tier table).
//   - Score suspicion or maintain blocklists beyond its own backoff blocks.
//   - Be imported outside the goShield module.
package rate
