// Package internaldefs holds the metric names and bucket boundaries shared
// by the Prometheus and OpenTelemetry exporters, so both expose identical
// series for the same engine snapshot.
//
// This package performs no I/O.
package internaldefs
