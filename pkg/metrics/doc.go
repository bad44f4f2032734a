// Package metrics exposes Prometheus instrumentation for the control
// plane: ring membership, reconciliation cycle counts and latencies,
// instance lifecycle counters and driver call durations. The manager
// serves Handler() on its admin listener.
package metrics
