// Package token issues and verifies the session JWTs produced after a
// completed login.
//
// Claims embed the role and active flag current at issuance time. Those
// embedded values are a hint only: the admission pipeline revalidates them
// against the user-status cache on every request, and a mismatch forces
// re-authentication. The token is therefore never the source of truth for
// authorization state.
package token
