// Package audit implements async event dispatching for authentication
// outcomes.
//
// # Components
//
//   - [Sink]: interface for event consumers (channel, JSON writer, slog, no-op).
//   - [Dispatcher]: buffered async relay with drop-if-full / block-if-full semantics.
//   - [Redact]: replaces sensitive metadata and masks emails before dispatch.
//
// # Architecture boundaries
//
// This package owns event buffering, redaction and sink delivery. It does
// not decide which events to emit; the engine does.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Import portalauth or any sibling internal package.
package audit
