// Package sampling generates competing artifact candidates through pluggable
// strategies, scores them with stage-specific weighted heuristics, and
// selects a winner deterministically. Scoring is a pure function of candidate
// content and context; ties resolve to the first-generated candidate.
package sampling
