// Package gatehouse provides the request-admission and authentication core for
// a booking backend: a per-request pipeline of security middlewares (header
// hardening, injection-pattern filtering, sliding-window rate limiting,
// cached user-status revalidation) plus a TOTP two-factor login flow with
// single-use recovery codes and short-lived pending-login tokens.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// gatehouse is the public surface. It exposes [Engine], [Builder], [Config],
// and value types (Decision, LoginResult, MetricsSnapshot, etc.). The user
// store is consumed only through the [UserDirectory] interface; concrete
// backends (MongoDB, in-memory fixtures) live in directory/ and tests.
// Session token signing lives in token/, password hashing in password/, and
// net/http adapters in middleware/.
//
// # What this package must NOT do
//
//   - Route HTTP traffic or parse request bodies beyond the admission checks.
//   - Reach into the persistence engine directly; every durable read or write
//     goes through [UserDirectory] or a [PendingTokenStore].
//   - Return internal causes to clients: denial values carry a coarse reason,
//     detail goes to the audit sink.
//
// # Performance contract
//
// Admit is the hot path. Pattern filtering and rate limiting are pure
// in-memory work; the only admitted blocking call is the user-status cache
// miss, which performs one directory lookup.
package gatehouse
