// Package middleware exposes HTTP middleware that lets downstream portal
// services accept the access tokens issued by portalauth.
//
// # Guards
//
//   - [Guard] verifies the bearer access token and injects its claims.
//   - [RequireRole] rejects requests whose token role is not allowed.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It does NOT
// implement authentication logic itself; all token decisions are delegated
// to Engine.ValidateAccess.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly (delegates to Engine).
//   - Access Redis or the credential store.
package middleware
