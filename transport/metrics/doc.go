// Package metrics aggregates per-transport counters into TransportMetrics
// snapshots and forwards each observation to an optional Recorder.
package metrics
