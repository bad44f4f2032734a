/*
Package ring implements the ownership ring sharding endpoints across
managers.

Each manager publishes a set of random 128-bit virtual node keys as an
ephemeral list in the coordination store. Every manager watches the
manager directory and rebuilds its local wheel from the published lists;
the owner of an endpoint is the manager holding the first virtual node at
or after the endpoint's key, wrapping around. Because the computation is
deterministic over shared state, no election is needed: a crashed
manager's keys vanish with its session and the survivors converge on new
owners on their next watch.

Collisions between virtual keys are resolved toward the lexicographically
smaller manager UUID so all observers agree.
*/
package ring
