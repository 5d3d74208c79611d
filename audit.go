package portalauth

import (
	"io"
	"log/slog"

	"github.com/MrEthical07/portalauth/internal/audit"
)

// AuditEvent is one security-relevant outcome. Sensitive metadata is
// redacted and the email masked before any sink receives it.
type AuditEvent = audit.Event

// AuditSink receives audit events from the Engine's async dispatcher.
type AuditSink = audit.Sink

// NoOpSink drops audit events.
type NoOpSink = audit.NoOpSink

// ChannelSink buffers audit events for in-process consumers.
type ChannelSink = audit.ChannelSink

// NewChannelSink returns a ChannelSink holding up to buffer events.
func NewChannelSink(buffer int) *ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONWriterSink writes one JSON object per event to w.
func NewJSONWriterSink(w io.Writer) AuditSink {
	return audit.NewJSONWriterSink(w)
}

// NewSlogSink writes audit events as structured log records.
func NewSlogSink(l *slog.Logger) AuditSink {
	return audit.NewSlogSink(l)
}
