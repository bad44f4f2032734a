// Package ips discovers the address a manager registers under in the
// coordination store. An unresolvable address at startup is a fatal
// configuration error.
package ips
