// Package engine implements the live-query registry: the mapping from
// row-change events to affected queries, the rate-limited re-evaluation
// machinery, and the structural diff algorithm delivered to subscribers.
package engine

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Op identifies the kind of change carried by a RowEvent.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// RowImage holds the before/after image of one changed row. New is nil for
// a pure DELETE; Old is nil for a pure INSERT. UPDATE carries both.
type RowImage struct {
	New map[string]any
	Old map[string]any
}

// RowEvent is the normalized change record produced by a backend adapter.
// It is immutable after construction.
type RowEvent struct {
	Op          Op
	Database    string
	Table       string
	ColumnNames []string
	Rows        []RowImage
}

// TableMap carries the schema/table identity of the event, mirroring the
// binlog table-map event a replication backend decodes upstream.
type TableMap struct {
	SchemaName string
	TableName  string
}

func (e RowEvent) tableMap() TableMap {
	return TableMap{SchemaName: e.Database, TableName: e.Table}
}

// Trigger is a subscriber-supplied predicate selecting which RowEvents
// concern a Subscription.
type Trigger struct {
	Database  string
	Table     string
	Condition func(row, newRow map[string]any) bool
}

// matchesTable reports whether t concerns the given table map, ignoring any
// row-level condition.
func (t Trigger) matchesTable(tm TableMap) bool {
	if t.Table != tm.TableName {
		return false
	}
	if t.Database != "" && t.Database != tm.SchemaName {
		return false
	}
	return true
}

// matchesEvent reports whether t matches at least one row of evt, per
// spec §4.3 trigger-matching mode: UPDATE rows are accepted if the
// condition accepts either the old or the new image.
func (t Trigger) matchesEvent(evt RowEvent) bool {
	if !t.matchesTable(evt.tableMap()) {
		return false
	}
	if t.Condition == nil {
		return true
	}
	for _, r := range evt.Rows {
		switch evt.Op {
		case OpUpdate:
			if t.Condition(r.Old, r.New) || t.Condition(r.New, r.Old) {
				return true
			}
		case OpInsert:
			if t.Condition(r.New, nil) {
				return true
			}
		case OpDelete:
			if t.Condition(r.Old, nil) {
				return true
			}
		}
	}
	return false
}

// KeySelector is a deterministic row->string function tagged with a stable
// identity string; two selectors with equal tags are considered equivalent
// for QueryCache identity purposes.
type KeySelector struct {
	Tag  string
	Func func(row map[string]any) string
}

// Row is one element of a QueryCache result set, carrying the synthetic
// fields used for diffing and ordering.
type Row struct {
	Fields map[string]any
	Hash   string
	Index  int // 1-based
}

// canonicalHash returns the MD5 hash (hex-encoded) of the deterministic
// JSON encoding of fields, excluding any synthetic keys (those starting
// with "_").
func canonicalHash(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if len(k) > 0 && k[0] == '_' {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, fields[k])
	}
	b, _ := json.Marshal(ordered)
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// NewRow builds a Row, computing its hash from fields and excluding any
// caller-supplied synthetic keys.
func NewRow(fields map[string]any, index int) Row {
	clean := make(map[string]any, len(fields))
	for k, v := range fields {
		if len(k) > 0 && k[0] == '_' {
			continue
		}
		clean[k] = v
	}
	return Row{Fields: clean, Hash: canonicalHash(clean), Index: index}
}
