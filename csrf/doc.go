// Package csrf implements stateless session-bound CSRF token pairs: a
// cookie-held random secret and a public token carrying
// base64url(timestamp) + "." + base64url(HMAC-SHA256(key, secret||sid||ts)).
//
// Tokens are stateless beyond the symmetric server key. Validity is bounded
// by the TTL baked into the token timestamp, so no shared token table is
// required and verification never performs I/O.
//
// # Binding semantics
//
// A token issued with a session id verifies only against that session id.
// The single exception is the authentication transition window (login,
// logout, session regeneration): the caller may opt into a secondary
// unbound comparison for exactly one request. See [Manager.Verify].
//
// # What this package must NOT do
//
//   - Store issued tokens anywhere.
//   - Compare digests with anything other than a constant-time equality.
//   - Widen the unbound fallback beyond the caller-controlled transition flag.
package csrf
