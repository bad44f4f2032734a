/*
Package cloud defines the cloud driver contract and its reference
back-ends.

A Driver enumerates, launches and terminates instances for one endpoint's
opaque configuration. The Fleet wrapper is the driver boundary the
reconciler talks to: every call is best-effort, errors are logged and
swallowed, and the periodic tick observes whatever reality resulted. No
call is ever rolled back; idempotence under re-execution is the recovery
mechanism.

Two back-ends ship in-tree:

  - docker: containers as instances, filtered by a fleet label. Instance
    lists are briefly cached and invalidated on every mutation.
  - static: a fixed address list for fleets managed outside the control
    plane.

Drivers register themselves by name in an init function; endpoint configs
select one with the "cloud" field.
*/
package cloud
