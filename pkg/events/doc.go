// Package events provides a lightweight publish/subscribe broker for
// control-plane events (endpoint lifecycle, instance lifecycle, IP
// confirmation, manager membership). The admin API streams these to
// operators; slow subscribers are skipped rather than blocking the
// manager loop.
package events
