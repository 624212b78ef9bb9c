// Package tools implements the stage adapters that bridge the workflow to
// external tooling: repository analysis, Dockerfile generation, docker
// builds, trivy scans, LLM-assisted remediation, manifest rendering and
// kubectl-driven deployment and verification. Adapters never talk to each
// other; the coordinator chains their inputs and outputs.
package tools
