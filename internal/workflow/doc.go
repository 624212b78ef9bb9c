// Package workflow defines the containerization workflow domain: the ordered
// stage set, workflow configuration with per-stage timeouts and recovery
// policies, the tool adapter contract, and the error taxonomy shared by the
// coordinator and the stage adapters.
package workflow
