/*
Package types defines the core data model shared across Flotilla packages.

The control plane stores endpoint and manager configuration as JSON blobs in
the coordination store. This package is the single decode boundary: blobs
are parsed into typed structs with defaults and validation here, and the
rest of the tree (reconciler, calculator, drivers) only ever sees the typed
form.

Key types:

  - EndpointConfig: a named scalable service (URL, cloud binding, scaling
    rules, instance bounds, ramp limit, mark threshold, static IPs)
  - Rule: a (metric, op, threshold) constraint on the ideal instance count
  - Instance: an immutable cloud instance record (id, name, addresses,
    creation time)
  - MetricSample / MetricValue: weighted per-backend observations; the wire
    form of a value is a [weight, value] array
  - ManagerConfig: per-manager settings (virtual key count, health check
    interval, load balancer bindings)

Validation is deliberately strict: min_instances > max_instances, unknown
rule operators and empty metric names are rejected when the config is
decoded, never silently tolerated during reconciliation.
*/
package types
