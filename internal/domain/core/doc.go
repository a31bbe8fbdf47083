// Package core contains the domain types of the supervisor: the two managed
// services, the per-service version history and pointers, and the stability
// rules deciding which installed version may be started.
package core
