// Package pgquery is the reference query.Parser, grounded on the teacher's
// pkg/pg_lineage/resolver.go: it walks the JSON AST pg_query_go produces
// rather than the native cgo node tree, keeping the dependency surface to
// ParseToJSON plus encoding/json.
package pgquery

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/liveset/liveset/internal/engine"
	"github.com/liveset/liveset/internal/query"
)

// Parser is a query.Parser backed by pg_query_go. It accepts a single
// SELECT statement over one or more FROM items and rejects constructs the
// live-query engine cannot reason about incrementally: aggregates, GROUP
// BY/HAVING, window functions, OFFSET, and set operations.
type Parser struct{}

// New returns a ready-to-use Parser.
func New() *Parser { return &Parser{} }

// Parse implements query.Parser.
func (p *Parser) Parse(sql string) (*query.ParsedQuery, error) {
	raw, err := pg_query.ParseToJSON(sql)
	if err != nil {
		return nil, fmt.Errorf("pgquery: parse: %w", err)
	}

	var tree map[string]any
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		return nil, fmt.Errorf("pgquery: decode ast: %w", err)
	}

	stmts, _ := tree["stmts"].([]any)
	if len(stmts) != 1 {
		return nil, fmt.Errorf("pgquery: expected exactly one statement, got %d", len(stmts))
	}
	stmt, ok := stmts[0].(map[string]any)["stmt"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("pgquery: malformed statement node")
	}
	sel, ok := stmt["SelectStmt"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("pgquery: only SELECT statements are supported")
	}

	if _, hasGroup := sel["groupClause"]; hasGroup {
		return nil, fmt.Errorf("pgquery: GROUP BY is not supported")
	}
	if _, hasHaving := sel["havingClause"]; hasHaving {
		return nil, fmt.Errorf("pgquery: HAVING is not supported")
	}
	if _, hasWindow := sel["windowClause"]; hasWindow {
		return nil, fmt.Errorf("pgquery: window functions are not supported")
	}
	if _, hasOffset := sel["limitOffset"]; hasOffset {
		return nil, fmt.Errorf("pgquery: OFFSET is not supported")
	}
	if op, _ := sel["op"].(string); op != "" && op != "SETOP_NONE" {
		return nil, fmt.Errorf("pgquery: set operations (UNION/INTERSECT/EXCEPT) are not supported")
	}

	pq := &query.ParsedQuery{}

	fromClause, _ := sel["fromClause"].([]any)
	tables, err := parseFrom(fromClause)
	if err != nil {
		return nil, err
	}
	pq.Tables = tables

	fields, err := parseTargetList(sel)
	if err != nil {
		return nil, err
	}
	pq.Fields = fields

	if whereClause, ok := sel["whereClause"].(map[string]any); ok {
		pred, err := compileExpr(whereClause)
		if err != nil {
			return nil, fmt.Errorf("pgquery: where clause: %w", err)
		}
		pq.Where = func(row map[string]any) (bool, error) {
			v, err := pred(row)
			if err != nil {
				return false, err
			}
			b, _ := v.(bool)
			return b, nil
		}
	}

	if sortClause, ok := sel["sortClause"].([]any); ok {
		order, err := parseSort(sortClause)
		if err != nil {
			return nil, err
		}
		pq.Order = order
	}

	if limitCount, ok := sel["limitCount"].(map[string]any); ok {
		n, err := constIntValue(limitCount)
		if err != nil {
			return nil, fmt.Errorf("pgquery: limit: %w", err)
		}
		pq.LimitVal = &n
	}

	return pq, nil
}

func parseFrom(fromClause []any) ([]string, error) {
	var tables []string
	var walk func(node map[string]any) error
	walk = func(node map[string]any) error {
		switch {
		case node["RangeVar"] != nil:
			rv := node["RangeVar"].(map[string]any)
			name, _ := rv["relname"].(string)
			if sch, ok := rv["schemaname"].(string); ok && sch != "" {
				name = sch + "." + name
			}
			tables = append(tables, name)
		case node["JoinExpr"] != nil:
			je := node["JoinExpr"].(map[string]any)
			if l, ok := je["larg"].(map[string]any); ok {
				if err := walk(l); err != nil {
					return err
				}
			}
			if r, ok := je["rarg"].(map[string]any); ok {
				if err := walk(r); err != nil {
					return err
				}
			}
		case node["RangeSubselect"] != nil:
			return fmt.Errorf("pgquery: subselects in FROM are not supported")
		}
		return nil
	}
	for _, n := range fromClause {
		if m, ok := n.(map[string]any); ok {
			if err := walk(m); err != nil {
				return nil, err
			}
		}
	}
	return tables, nil
}

func parseTargetList(sel map[string]any) ([]query.Field, error) {
	tlist, _ := sel["targetList"].([]any)
	fields := make([]query.Field, 0, len(tlist))
	for _, t := range tlist {
		rt, ok := t.(map[string]any)["ResTarget"].(map[string]any)
		if !ok {
			continue
		}
		alias, _ := rt["name"].(string)
		val, _ := rt["val"].(map[string]any)

		colref, ok := val["ColumnRef"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("pgquery: only plain column references are supported in the select list")
		}
		if isStar(colref) {
			fields = append(fields, query.Field{Name: "*"})
			continue
		}
		parts := extractFields(colref)
		if len(parts) == 0 {
			continue
		}
		fields = append(fields, query.Field{Name: parts[len(parts)-1], Alias: alias})
	}
	return fields, nil
}

func parseSort(sortClause []any) ([]engine.OrderTerm, error) {
	terms := make([]engine.OrderTerm, 0, len(sortClause))
	for _, s := range sortClause {
		sb, ok := s.(map[string]any)["SortBy"].(map[string]any)
		if !ok {
			continue
		}
		node, _ := sb["node"].(map[string]any)
		colref, ok := node["ColumnRef"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("pgquery: ORDER BY only supports plain columns")
		}
		parts := extractFields(colref)
		if len(parts) == 0 {
			continue
		}
		desc := false
		if dir, ok := sb["sortby_dir"].(string); ok {
			desc = dir == "SORTBY_DESC"
		}
		terms = append(terms, engine.OrderTerm{Column: parts[len(parts)-1], Desc: desc})
	}
	return terms, nil
}

func constIntValue(node map[string]any) (int, error) {
	ac, ok := node["A_Const"].(map[string]any)
	if !ok {
		return 0, fmt.Errorf("only integer literals are supported")
	}
	ival, ok := ac["ival"].(map[string]any)
	if !ok {
		return 0, fmt.Errorf("only integer literals are supported")
	}
	f, _ := ival["ival"].(float64)
	return int(f), nil
}

// predicate evaluates a single row, returning its dynamic value (bool for
// boolean expressions, the underlying scalar for leaf ColumnRef/A_Const).
type predicate func(row map[string]any) (any, error)

func compileExpr(node map[string]any) (predicate, error) {
	switch {
	case node["BoolExpr"] != nil:
		return compileBoolExpr(node["BoolExpr"].(map[string]any))
	case node["A_Expr"] != nil:
		return compileAExpr(node["A_Expr"].(map[string]any))
	case node["NullTest"] != nil:
		return compileNullTest(node["NullTest"].(map[string]any))
	case node["ColumnRef"] != nil:
		return compileColumnRef(node["ColumnRef"].(map[string]any))
	case node["A_Const"] != nil:
		v, err := constValue(node["A_Const"].(map[string]any))
		if err != nil {
			return nil, err
		}
		return func(map[string]any) (any, error) { return v, nil }, nil
	case node["ParamRef"] != nil:
		return nil, fmt.Errorf("bound parameters are not supported in incremental matching")
	}
	return nil, fmt.Errorf("unsupported expression node")
}

func compileBoolExpr(be map[string]any) (predicate, error) {
	kind, _ := be["boolop"].(string)
	args, _ := be["args"].([]any)
	preds := make([]predicate, 0, len(args))
	for _, a := range args {
		m, ok := a.(map[string]any)
		if !ok {
			continue
		}
		pred, err := compileExpr(m)
		if err != nil {
			return nil, err
		}
		preds = append(preds, pred)
	}
	switch kind {
	case "AND_EXPR":
		return func(row map[string]any) (any, error) {
			for _, p := range preds {
				v, err := p(row)
				if err != nil {
					return nil, err
				}
				b, _ := v.(bool)
				if !b {
					return false, nil
				}
			}
			return true, nil
		}, nil
	case "OR_EXPR":
		return func(row map[string]any) (any, error) {
			for _, p := range preds {
				v, err := p(row)
				if err != nil {
					return nil, err
				}
				b, _ := v.(bool)
				if b {
					return true, nil
				}
			}
			return false, nil
		}, nil
	case "NOT_EXPR":
		if len(preds) != 1 {
			return nil, fmt.Errorf("NOT expects exactly one argument")
		}
		inner := preds[0]
		return func(row map[string]any) (any, error) {
			v, err := inner(row)
			if err != nil {
				return nil, err
			}
			b, _ := v.(bool)
			return !b, nil
		}, nil
	}
	return nil, fmt.Errorf("unsupported boolean operator %q", kind)
}

func compileNullTest(nt map[string]any) (predicate, error) {
	argNode, _ := nt["arg"].(map[string]any)
	arg, err := compileExpr(argNode)
	if err != nil {
		return nil, err
	}
	isNull := true
	if tt, ok := nt["nulltesttype"].(string); ok {
		isNull = tt == "IS_NULL"
	}
	return func(row map[string]any) (any, error) {
		v, err := arg(row)
		if err != nil {
			return nil, err
		}
		if isNull {
			return v == nil, nil
		}
		return v != nil, nil
	}, nil
}

func compileColumnRef(colref map[string]any) (predicate, error) {
	parts := extractFields(colref)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty column reference")
	}
	col := parts[len(parts)-1]
	return func(row map[string]any) (any, error) {
		return row[col], nil
	}, nil
}

func constValue(ac map[string]any) (any, error) {
	switch {
	case ac["ival"] != nil:
		f, _ := ac["ival"].(map[string]any)["ival"].(float64)
		return f, nil
	case ac["sval"] != nil:
		s, _ := ac["sval"].(map[string]any)["sval"].(string)
		return s, nil
	case ac["fval"] != nil:
		s, _ := ac["fval"].(map[string]any)["fval"].(string)
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		return f, nil
	case ac["boolval"] != nil:
		b, _ := ac["boolval"].(map[string]any)["boolval"].(bool)
		return b, nil
	case ac["isnull"] != nil:
		return nil, nil
	}
	return nil, nil
}

func compileAExpr(ae map[string]any) (predicate, error) {
	opNames, _ := ae["name"].([]any)
	op := operatorName(opNames)

	lnode, lok := ae["lexpr"].(map[string]any)
	rnode, rok := ae["rexpr"].(map[string]any)
	if !lok || !rok {
		return nil, fmt.Errorf("unsupported comparison operands")
	}
	left, err := compileExpr(lnode)
	if err != nil {
		return nil, err
	}
	right, err := compileExpr(rnode)
	if err != nil {
		return nil, err
	}

	cmp := func(row map[string]any) (int, bool, error) {
		lv, err := left(row)
		if err != nil {
			return 0, false, err
		}
		rv, err := right(row)
		if err != nil {
			return 0, false, err
		}
		if lv == nil || rv == nil {
			return 0, false, nil
		}
		return compareScalars(lv, rv), true, nil
	}

	switch op {
	case "=":
		return func(row map[string]any) (any, error) {
			c, ok, err := cmp(row)
			return ok && c == 0, err
		}, nil
	case "!=", "<>":
		return func(row map[string]any) (any, error) {
			c, ok, err := cmp(row)
			return ok && c != 0, err
		}, nil
	case "<":
		return func(row map[string]any) (any, error) {
			c, ok, err := cmp(row)
			return ok && c < 0, err
		}, nil
	case "<=":
		return func(row map[string]any) (any, error) {
			c, ok, err := cmp(row)
			return ok && c <= 0, err
		}, nil
	case ">":
		return func(row map[string]any) (any, error) {
			c, ok, err := cmp(row)
			return ok && c > 0, err
		}, nil
	case ">=":
		return func(row map[string]any) (any, error) {
			c, ok, err := cmp(row)
			return ok && c >= 0, err
		}, nil
	}
	return nil, fmt.Errorf("unsupported operator %q", op)
}

func operatorName(nameNodes []any) string {
	for _, n := range nameNodes {
		if s, ok := n.(map[string]any)["String"].(map[string]any); ok {
			if v, ok := s["sval"].(string); ok {
				return v
			}
			if v, ok := s["str"].(string); ok {
				return v
			}
		}
	}
	return ""
}

func compareScalars(a, b any) int {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	af, aIsNum := toFloat(a)
	bf, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func extractFields(colref map[string]any) []string {
	raw, ok := colref["fields"].([]any)
	if !ok {
		return nil
	}
	var fields []string
	for _, f := range raw {
		if s, ok := f.(map[string]any)["String"].(map[string]any); ok {
			if v, ok := s["sval"].(string); ok {
				fields = append(fields, v)
			} else if v, ok := s["str"].(string); ok {
				fields = append(fields, v)
			}
		}
	}
	return fields
}

func isStar(colref map[string]any) bool {
	raw, ok := colref["fields"].([]any)
	if !ok {
		return false
	}
	for _, f := range raw {
		if _, ok := f.(map[string]any)["A_Star"]; ok {
			return true
		}
	}
	return false
}

