// Package runner is the supervisor entry point: it wires configuration,
// storage, the release pipeline and the diagnostic API, boots both
// services and turns the outcome into a process exit code.
package runner
