// Package backend documents the richer adapter contract concrete
// backends (binlog, notify) satisfy: engine.Backend/engine.EventSink
// plus the payload shapes each side of a NOTIFY-style channel agrees on.
// It carries no behavior of its own — internal/backend/binlog and
// internal/backend/notify are the implementations.
package backend

import "github.com/liveset/liveset/internal/engine"

// Sink is the subset of engine.Engine a backend adapter needs: ingress
// for replication-log-derived events, ingress for NOTIFY-supplied
// payloads, and an error-reporting sink, kept narrow so backend
// implementations don't import the whole Engine surface.
type Sink interface {
	Ingress(evt engine.RowEvent)
	IngressSuppliedPayload(database, table string, rows []engine.CandidateRow)
	ReportIngressError(err error)
}

// TriggerPayload is the JSON shape a Postgres trigger is expected to
// NOTIFY, matching engine.CandidateRow's op/new_data/old_data vocabulary.
type TriggerPayload struct {
	Op      string         `json:"op"`
	Schema  string         `json:"schema"`
	Table   string         `json:"table"`
	NewData map[string]any `json:"new_data,omitempty"`
	OldData map[string]any `json:"old_data,omitempty"`
}
