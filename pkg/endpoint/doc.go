/*
Package endpoint implements the per-endpoint reconciler.

Each owned endpoint runs one reconciliation pass per manager tick. A pass
lists the cloud fleet (minus decommissioned instances), asks the
calculator for the rule-derived ideal range, intersects it with the
configured bounds, and closes the gap toward the midpoint with at most
ramp_limit launch or decommission actions. An inverted ideal range means
the metrics conflict; the reconciler holds rather than guess.

Decommissioning is deliberately soft: the instance leaves tracking at
once and the load balancer at the next health-check pass, but keeps
running so in-flight sessions drain. The health-check pass then watches
the active set; each tick a decommissioned instance's addresses are quiet
adds a mark, and at mark_maximum marks it is deleted from the cloud.
Marks are not reset when the addresses turn active again. The same mark mechanism culls live instances that
never confirm an address.

Endpoints hold no reference to the manager. Every pass receives a Tick
value carrying the store bookkeeping interface, fused metrics, the
confirmed and active address sets, and a load-balancer refresh callback.
The manager loop runs the passes of all endpoints one after another.
*/
package endpoint
