package engine

import (
	"fmt"
	"sort"
)

// ComputeIncremental implements the supplied-payload incremental diff path
// described in spec §4.7. It returns ok=false when the refusal-to-guess
// rule (a deletion against a query whose LIMIT equals the current result
// set size) forces a fall back to a full re-query.
func ComputeIncremental(parsed ParsedQueryLike, oldData []map[string]any, oldHashes []string, pending []CandidateRow) (rows []Row, ok bool, err error) {
	matched, err := MatchSuppliedPayload(parsed, pending)
	if err != nil {
		return nil, false, err
	}
	if len(matched) == 0 {
		return rowsFromOldData(oldData, oldHashes), true, nil
	}

	// order holds the row's full, pre-projection field set so ORDER BY
	// terms not in the select list are still comparable once fields is
	// reduced to the projected output. For rows carried over from oldData
	// this is the same (already-projected) map oldData gave us, since
	// their original unprojected fields no longer exist anywhere.
	type working struct {
		fields map[string]any
		order  map[string]any
		hash   string
		added  bool
	}

	work := make([]*working, 0, len(oldData)+len(matched))
	for i, d := range oldData {
		work = append(work, &working{fields: d, order: d, hash: oldHashes[i]})
	}

	deleted := false
	for _, m := range matched {
		projected := parsed.Project(m.Fields)
		hash := canonicalHash(projected)

		isDeletion := m.Op == OpDelete || (m.Op == OpUpdate && m.Key == KeyOldData)
		isInsertion := m.Op == OpInsert || (m.Op == OpUpdate && m.Key == KeyNewData)

		if isDeletion {
			for _, w := range work {
				if w != nil && w.hash == hash {
					*w = working{} // mark removed by clearing fields+hash
					deleted = true
					break
				}
			}
		}
		if isInsertion {
			work = append(work, &working{fields: projected, order: m.Fields, hash: hash, added: true})
		}
	}

	if limit, has := parsed.Limit(); deleted && has && limit == len(oldData) {
		return nil, false, nil
	}

	live := make([]*working, 0, len(work))
	for _, w := range work {
		if w == nil || (w.fields == nil && w.hash == "") {
			continue
		}
		live = append(live, w)
	}

	order := parsed.OrderBy()
	if len(order) > 0 {
		sort.SliceStable(live, func(i, j int) bool {
			for _, term := range order {
				vi, vj := live[i].order[term.Column], live[j].order[term.Column]
				cmp := compareValues(vi, vj)
				if cmp == 0 {
					continue
				}
				if term.Desc {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
	}

	if limit, has := parsed.Limit(); has && limit < len(live) {
		live = live[:limit]
	}

	rows = make([]Row, 0, len(live))
	for i, w := range live {
		rows = append(rows, NewRow(w.fields, i+1))
	}
	return rows, true, nil
}

func rowsFromOldData(oldData []map[string]any, oldHashes []string) []Row {
	rows := make([]Row, 0, len(oldData))
	for i, d := range oldData {
		h := ""
		if i < len(oldHashes) {
			h = oldHashes[i]
		}
		rows = append(rows, Row{Fields: d, Hash: h, Index: i + 1})
	}
	return rows
}

// compareValues gives a stable lexicographic ordering across the handful
// of JSON-decoded scalar types a row column can carry.
func compareValues(a, b any) int {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
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

	// mixed or uncomparable types: fall back to string representation.
	as2, bs2 := toString(a), toString(b)
	switch {
	case as2 < bs2:
		return -1
	case as2 > bs2:
		return 1
	default:
		return 0
	}
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

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
