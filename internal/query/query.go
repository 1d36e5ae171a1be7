// Package query defines the parser contract the engine consumes (spec
// §6): decomposing a SELECT into tables, projected fields, a WHERE
// predicate, ORDER BY terms and an optional LIMIT. The parser itself —
// turning raw SQL text into this shape — is an out-of-scope external
// collaborator; internal/query/pgquery ships a reference implementation.
package query

import "github.com/liveset/liveset/internal/engine"

// Field is one projected output column, optionally aliased via AS.
type Field struct {
	Name  string
	Alias string
}

// IsStar reports whether the select-list is the single bare "*".
func (f Field) IsStar() bool { return f.Name == "*" && f.Alias == "" }

// ParsedQuery is the decomposed shape a Parser produces, per spec §6.
type ParsedQuery struct {
	Tables []string
	Fields []Field
	Where    WhereClause
	Order    []engine.OrderTerm
	LimitVal *int
}

// WhereClause evaluates a row against the query's predicate. Parser
// implementations translate the AST's WHERE clause into a closure; there
// is deliberately no generic expression-tree type here since the spec
// only asks that candidate rows can be tested against it (§4.3).
type WhereClause func(row map[string]any) (bool, error)

// Parser decomposes a query string into tables/fields/where/order/limit,
// rejecting unsupported clauses (OFFSET, aggregates, ...) per spec §6.
type Parser interface {
	Parse(sql string) (*ParsedQuery, error)
}

// EvaluateWhere implements engine.ParsedQueryLike.
func (q *ParsedQuery) EvaluateWhere(row map[string]any) (bool, error) {
	if q.Where == nil {
		return true, nil
	}
	return q.Where(row)
}

// Project implements engine.ParsedQueryLike: it drops synthetic fields
// and projects onto the query's selected columns, applying AS renames.
// A single bare "*" select-list keeps every column.
func (q *ParsedQuery) Project(row map[string]any) map[string]any {
	if len(q.Fields) == 1 && q.Fields[0].IsStar() {
		out := make(map[string]any, len(row))
		for k, v := range row {
			if len(k) > 0 && k[0] == '_' {
				continue
			}
			out[k] = v
		}
		return out
	}

	out := make(map[string]any, len(q.Fields))
	for _, f := range q.Fields {
		name := f.Alias
		if name == "" {
			name = f.Name
		}
		if v, ok := row[f.Name]; ok {
			out[name] = v
		}
	}
	return out
}

// OrderBy implements engine.ParsedQueryLike.
func (q *ParsedQuery) OrderBy() []engine.OrderTerm { return q.Order }

// Limit implements engine.ParsedQueryLike.
func (q *ParsedQuery) Limit() (int, bool) {
	if q.LimitVal == nil {
		return 0, false
	}
	return *q.LimitVal, true
}
