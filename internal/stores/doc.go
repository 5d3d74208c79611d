// Package stores provides Redis-backed, short-lived record stores for the
// authentication flows: emailed one-time codes, authorization codes and the
// spent-id ledger.
//
// # Design
//
// Every record carries a Redis TTL, so expired records are purged lazily.
// Consume operations run as a single Lua script: lookup, expiry check,
// attempt accounting and delete/mark happen in one atomic step, which rules
// out double-spends under concurrent callers. Secrets are stored only as
// digests and compared in constant time after the script returns.
//
// # Architecture boundaries
//
// This package owns persistence and concurrency control for transient
// records. It does not generate codes, enforce throttles or make
// authentication decisions; the engine does.
//
// # What this package must NOT do
//
//   - Import portalauth or any sibling internal package.
//   - Log or expose plaintext codes.
package stores
