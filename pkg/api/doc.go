// Package api serves the HTTP admin surface: endpoint CRUD, state and
// metrics access, manager inspection and configuration, IP recording,
// session control, a server-sent event stream and the Prometheus scrape
// target. Requests are validated against the shared secret hash stored
// under /auth; beyond that check there is no client authentication.
package api
