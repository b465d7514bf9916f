// Package middleware exposes the HTTP adapter for goShield.Engine
// authorization: cookie and header plumbing on the way in, status mapping
// on the way out.
//
// # Guards
//
//   - [Guard] — wraps a handler with one endpoint class.
//   - [RequireAuth] — same, but rejects anonymous requests.
//
// Each guard reads the session and CSRF cookies plus the X-CSRF-Token
// header, calls Engine.Authorize, and injects the admitted CheckResult
// into the request context.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It does NOT
// make security decisions itself — all admission logic lives in
// Engine.Authorize.
//
// # What this package must NOT do
//
//   - Verify tokens or touch Redis (Engine handles both).
//   - Leak precise rejection causes into response bodies; clients get
//     generic text, the audit trail gets the detail.
package middleware
