// Package events carries typed notifications from the supervisor to observers.
//
// Each notification kind has its own Topic. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
package events
