// Package internal holds secure random generation and digest helpers shared
// by the engine.
//
// # Sub-packages
//
//   - audit: async event dispatch and redaction
//   - limiters: shared Redis throttles
//   - logging: structured logger interface over log/slog
//   - memstore: in-memory credential store and refresh registry
//   - notify: outbound notifier implementations
//   - secretbox: authenticated encryption of secrets at rest
//   - store/pg: PostgreSQL credential store and refresh registry
//   - stores: Redis one-time code, authorization code and spent-challenge stores
//   - config: server configuration loading
//   - httpapi: HTTP surface
package internal
