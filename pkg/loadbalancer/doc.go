/*
Package loadbalancer defines the load-balancer driver contract and the
reference back-ends.

A Driver is programmed with url -> backend-set mappings via Change, flushed
with Save, and reports per-backend traffic observations via Metrics. The
contract deliberately does not prescribe how a reload happens: the nginx
back-end writes site files and SIGHUPs the daemon, the dns back-end
reprograms in-memory answers. All back-ends are idempotent under repeated
Change calls with identical arguments.

A Pool fans operations out to every active driver and merges their
Metrics by host with weight-weighted averaging, which is what the manager
publishes into the coordination store each tick.

The nginx back-end also tails the access log (fixed "flotilla>" token
format) for rate/response/bytes samples and counts established kernel
connections per backend for the "active" metric. Its url -> backends map
persists in a local bolt file so a restarted manager keeps attributing
connections correctly before the first Change.
*/
package loadbalancer
