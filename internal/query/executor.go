package query

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/liveset/liveset/internal/engine"
)

// Executor is the engine.QueryExecutor backed by a live Postgres pool:
// FullQuery simply re-runs the subscriber's original SQL text — letting
// Postgres itself apply WHERE/ORDER BY/LIMIT — while the incremental
// path reasons locally over the parsed query via engine.ComputeIncremental.
type Executor struct {
	pool   *pgxpool.Pool
	parser Parser
}

// NewExecutor constructs an Executor.
func NewExecutor(pool *pgxpool.Pool, parser Parser) *Executor {
	return &Executor{pool: pool, parser: parser}
}

// NewEvaluator implements engine.QueryExecutor.
func (e *Executor) NewEvaluator(queryText string, params []any, keySelector engine.KeySelector) (engine.Evaluator, error) {
	parsed, err := e.parser.Parse(queryText)
	if err != nil {
		return nil, fmt.Errorf("query: parse %q: %w", queryText, err)
	}
	return &queryEvaluator{
		pool:        e.pool,
		queryText:   queryText,
		params:      params,
		keySelector: keySelector,
		parsed:      parsed,
	}, nil
}

// queryEvaluator re-runs a subscriber's query against Postgres. Diffing
// is always by row-content hash (engine.NewRow); keySelector is kept
// alongside the query text and params purely as part of cache identity,
// not as an alternate hash basis.
type queryEvaluator struct {
	pool        *pgxpool.Pool
	queryText   string
	params      []any
	keySelector engine.KeySelector
	parsed      *ParsedQuery
}

// FullQuery implements engine.Evaluator by re-executing the subscriber's
// original SQL text against Postgres and re-hashing/re-indexing the
// returned rows in the order the database produced them.
func (q *queryEvaluator) FullQuery(ctx context.Context) ([]engine.Row, error) {
	rows, err := q.pool.Query(ctx, q.queryText, q.params...)
	if err != nil {
		return nil, fmt.Errorf("query: execute: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}

	var out []engine.Row
	idx := 0
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("query: scan row: %w", err)
		}
		fieldMap := make(map[string]any, len(names))
		for i, name := range names {
			if i < len(values) {
				fieldMap[name] = values[i]
			}
		}
		idx++
		out = append(out, engine.NewRow(fieldMap, idx))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query: iterate rows: %w", err)
	}
	return out, nil
}

// Incremental implements engine.IncrementalEvaluator.
func (q *queryEvaluator) Incremental(ctx context.Context, oldData []map[string]any, oldHashes []string, pending []engine.CandidateRow) ([]engine.Row, bool, error) {
	return engine.ComputeIncremental(q.parsed, oldData, oldHashes, pending)
}
