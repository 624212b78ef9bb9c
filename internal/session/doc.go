// Package session implements the workflow session store: the durable record
// of one workflow execution's configuration, progress and artifacts. All
// mutation flows through UpdateAtomic under a per-session lock; no caller
// holds a mutable reference to session state outside the mutator.
package session
