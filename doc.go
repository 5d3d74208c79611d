// Package portalauth implements the staged authentication protocol of the
// defence portal: login (identity, password, second factor), registration
// onboarding (identity, service, security, activation), account lockout,
// one-time codes, and the exchange of a single-use authorization code for
// access and refresh tokens.
//
// Engine methods are safe to call from multiple goroutines after
// initialization through [Builder.Build].
//
// # Architecture boundaries
//
// portalauth is the public surface. It exposes [Engine], [Builder], [Config]
// and value types (StepResult, Authorization, TokenSet, MetricsSnapshot).
// Flow state between steps travels in signed challenge tokens; one-time
// codes, authorization codes, throttles and the spent-challenge ledger live
// in Redis under internal/stores and internal/limiters. Users and refresh
// records are reached only through [UserStore] and [RefreshTokenStore].
//
// # What this package must NOT do
//
//   - Expose Redis clients, internal stores, or encoding details in its public API.
//   - Keep flow state in process memory between calls.
//   - Return internal error detail to callers; every failure maps to an [ErrorCode].
//   - Import any sub-package that re-imports portalauth (no import cycles).
package portalauth
