/*
Package store wraps the coordination store every Flotilla manager shares.

The store is the only multi-writer resource in the system: manager
registration, endpoint configuration, confirmed IPs, mark counters and
metric snapshots all live in one hierarchical namespace (see Paths for the
full layout). The production client speaks ZooKeeper and exposes exactly
the primitives the control plane relies on:

  - persistent and ephemeral nodes (ephemeral nodes vanish with the
    session, which is how dead managers are detected)
  - one-shot watches on node contents and child sets, re-armed internally
    so callers see a plain callback stream
  - compare-and-create try-locks

Session expiry is surfaced through SessionLost; the manager treats it as
fatal for all in-memory state, reconnects with exponential backoff and
re-registers from scratch. Initial connection failures after the configured
retries are terminal and map to exit code 2.
*/
package store
