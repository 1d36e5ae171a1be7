// Package idgen generates externally-visible identifiers for the
// transport layer: subscription ids and request trace ids handed to
// clients, as opposed to the engine's process-local subscription
// counters used only internally.
package idgen

import "github.com/google/uuid"

// New returns a fresh random UUID as its canonical string form.
func New() string {
	return uuid.NewString()
}

// TraceID returns a fresh random UUID intended for request-scoped log
// correlation, kept as a distinct name from New for call-site clarity.
func TraceID() string {
	return uuid.NewString()
}
