// Package middleware exposes HTTP adapters for the gatehouse admission
// pipeline: a security-header injector and the admission guard.
//
// # Handlers
//
//   - [SecurityHeaders] stamps the fixed response header set on every
//     response, including error responses produced further down the chain.
//   - [Admission] runs Engine.Admit for the request and maps the decision
//     onto HTTP status codes and rate-limit headers.
//
// The admission guard injects the authenticated [Identity] into the request
// context; handlers read it back with [IdentityFromContext].
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It does NOT
// implement admission logic itself; all decisions are delegated to
// Engine.Admit.
//
// # What this package must NOT do
//
//   - Inspect request bodies beyond buffering them for the Engine.
//   - Parse session tokens (the Engine owns token handling).
//   - Make allow/deny decisions beyond mapping the Engine's Decision.
package middleware
