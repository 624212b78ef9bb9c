// Package orchestrator drives the containerization workflow state machine.
// One coordinator instance advances many sessions concurrently; within a
// session, stages execute strictly in sequence. Stage failures flow through
// the stage's configured recovery policy (retry, fallback, skip, manual,
// abort) before they surface to the caller, and cancellation is checked at
// every stage boundary.
package orchestrator
