// Package progress implements a token-scoped progress event channel with an
// explicit subscriber list. Progress values for a token are monotonically
// non-decreasing and stop at the first terminal (complete or error)
// notification; violations are dropped with a warning rather than forwarded.
package progress
