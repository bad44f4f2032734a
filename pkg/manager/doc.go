/*
Package manager hosts the control-plane process: the ownership ring, the
endpoint reconcilers and the periodic health-check clock.

A manager registers itself in the coordination store with three ephemeral
facts: its reachable IP, its virtual ring keys and its latest metrics
snapshot. Everything else is derived. Watches on the manager and endpoint
subtrees feed a single-threaded event loop that owns all mutable state;
watch callbacks only enqueue, they never mutate. The same loop runs the
periodic tick:

 1. pull local load-balancer metrics, publish them, fuse with peers
 2. for every owned endpoint, run the health-check pass (orphan pruning,
    unregistered marking, orphaned confirmed IP drops, decommissioned
    instance deletion)
 3. run the reconcile pass (rule evaluation, ramp-limited launches and
    decommissions)

Ticks never overlap: a pass that overruns the interval causes the next
scheduled tick to be skipped, not queued.

Ownership is recomputed from the ring on every membership or key change.
Gaining an endpoint loads its decommissioned set and starts reconciling;
losing one drops in-memory state only. Cloud instances are never touched
by ownership motion.

Session expiry is handled the blunt way: unmanage everything, reconnect,
re-register, rebuild from the store. All writes are idempotent, so the
overlap window where two managers both believe they own an endpoint is
bounded and harmless (targets are rule-driven and ramp-limited).
*/
package manager
