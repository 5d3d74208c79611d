// Package prometheus adapts engine metrics to a Prometheus collector.
//
// [NewCollector] wraps a [portalauth.Engine]; register it on the same
// registry the HTTP layer serves at /metrics. Counters are named
// portalauth_*_total and latency histograms portalauth_*_latency_seconds.
//
// The collector never mutates engine state and never touches the global
// registry.
package prometheus
