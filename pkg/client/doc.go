// Package client implements admin operations against the coordination
// store: endpoint CRUD, state and metrics access, manager configuration,
// auth hash management, IP recording and session control. The CLI and
// the HTTP admin API are both thin wrappers around it.
package client
