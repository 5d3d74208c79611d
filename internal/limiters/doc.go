// Package limiters provides shared throttles backed by Redis counters, so
// every instance behind a load balancer sees the same counts.
//
// A [Counter] is a fixed window: the first INCR of a subject sets the
// window's expiry. The engine uses counters for identity lookups per client
// IP, one-time code sends per (purpose, email) and MFA failures per user.
//
// All counters are nil-safe: calling any method on a nil receiver returns nil.
//
// # What this package must NOT do
//
//   - Import portalauth or any sibling internal package.
//   - Make policy decisions beyond counting; the engine decides consequences.
package limiters
