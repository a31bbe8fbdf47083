// Package diag serves the diagnostic API of the supervisor: status,
// persisted pointers, recent logs, Prometheus metrics and a websocket
// event stream, plus a few operator actions.
package diag
