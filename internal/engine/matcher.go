package engine

import "fmt"

// MatchEvent implements trigger-matching mode (replication backend): the
// event concerns the given triggers iff at least one trigger matches it,
// per spec §4.3.
func MatchEvent(evt RowEvent, triggers []Trigger) bool {
	for _, t := range triggers {
		if t.matchesEvent(evt) {
			return true
		}
	}
	return false
}

// CandidateRow is one row surfaced by a NOTIFY payload, tagged with the
// operation that produced it and, for UPDATE, which image it represents.
type CandidateRow struct {
	Op     Op
	Key    string // "new_data" or "old_data", only meaningful for UPDATE
	Fields map[string]any
}

const (
	KeyNewData = "new_data"
	KeyOldData = "old_data"
)

// MatchSuppliedPayload implements supplied-payload mode (notify backend):
// given a parsed query and candidate rows extracted from NOTIFY payloads,
// return the subset whose column values satisfy the query's WHERE clause,
// per spec §4.3.
func MatchSuppliedPayload(q ParsedQueryLike, candidates []CandidateRow) ([]CandidateRow, error) {
	matched := make([]CandidateRow, 0, len(candidates))
	for _, c := range candidates {
		ok, err := q.EvaluateWhere(c.Fields)
		if err != nil {
			return nil, fmt.Errorf("matcher: evaluate where: %w", err)
		}
		if ok {
			matched = append(matched, c)
		}
	}
	return matched, nil
}

// ParsedQueryLike is the subset of internal/query.ParsedQuery the matcher
// and incremental-diff code depend on, kept as a narrow interface so the
// engine package does not import internal/query directly (avoiding an
// import cycle with the reference parser implementations that in turn
// depend on engine-adjacent helpers for tests).
type ParsedQueryLike interface {
	EvaluateWhere(row map[string]any) (bool, error)
	Project(row map[string]any) map[string]any
	OrderBy() []OrderTerm
	Limit() (int, bool)
}

// OrderTerm is one ORDER BY key, in declared direction.
type OrderTerm struct {
	Column string
	Desc   bool
}
