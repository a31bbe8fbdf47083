// Package program runs one installed version of a service as a child
// process.
//
// The child gets its own process group so a stop reaches everything it
// spawned. Its output is split into lines, written to a rotated file and
// handed to the caller. Readiness means the designated port accepts TCP
// connections.
package program
