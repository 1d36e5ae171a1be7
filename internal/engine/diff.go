package engine

// Added is a newly-present row at a new-side position.
type Added struct {
	Index  int
	Fields map[string]any
}

// Removed is a position that no longer exists on the new side.
type Removed struct {
	Index int
}

// Moved is a hash present on both sides at different positions.
type Moved struct {
	OldIndex int
	NewIndex int
}

// Copied is a new occurrence of a hash that already existed on the old
// side at least once; it is a copy of the *first* old-side occurrence.
type Copied struct {
	OrigIndex int
	NewIndex  int
}

// Diff is the (added, removed, moved, copied) tuple transforming one
// ordered result set into another, per spec §4.1.
type Diff struct {
	Added   []Added
	Removed []Removed
	Moved   []Moved
	Copied  []Copied
}

// IsEmpty reports whether the diff represents "no change".
func (d Diff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Moved) == 0 && len(d.Copied) == 0
}

// ComputeDiff computes the structural diff between oldHashes (the prior
// _hash values in order) and newRows (each carrying _hash and _index),
// per spec §4.1. Identity is matched on first occurrence in each sequence:
// the old-side occurrences of a hash are consumed in order as new-side
// occurrences of the same hash are encountered; any new-side occurrence
// left over once the old side is exhausted is a copy of the *first*
// old-side occurrence.
func ComputeDiff(oldHashes []string, newRows []Row) Diff {
	oldPositions := make(map[string][]int, len(oldHashes))
	for i, h := range oldHashes {
		oldPositions[h] = append(oldPositions[h], i)
	}
	firstOldPos := make(map[string]int, len(oldHashes))
	for h, positions := range oldPositions {
		firstOldPos[h] = positions[0]
	}
	remaining := make(map[string][]int, len(oldPositions))
	for h, positions := range oldPositions {
		remaining[h] = append([]int(nil), positions...)
	}
	newCount := make(map[string]int, len(newRows))
	for _, r := range newRows {
		newCount[r.Hash]++
	}

	var diff Diff
	for _, r := range newRows {
		newIdx := r.Index
		queue := remaining[r.Hash]

		if len(queue) > 0 {
			oldPos := queue[0]
			remaining[r.Hash] = queue[1:]
			if oldPos+1 != newIdx {
				diff.Moved = append(diff.Moved, Moved{OldIndex: oldPos + 1, NewIndex: newIdx})
			}
			continue
		}

		if origPos, existedBefore := firstOldPos[r.Hash]; existedBefore {
			diff.Copied = append(diff.Copied, Copied{OrigIndex: origPos + 1, NewIndex: newIdx})
			continue
		}

		diff.Added = append(diff.Added, Added{Index: newIdx, Fields: r.Fields})
	}

	for i, h := range oldHashes {
		if newCount[h] == 0 {
			diff.Removed = append(diff.Removed, Removed{Index: i + 1})
		}
	}

	return diff
}

// ApplyDiff is the pure function (oldData, diff) -> newData described in
// spec §4.2. It never reads from a slot it has already overwritten.
func ApplyDiff(oldData []map[string]any, diff Diff) []map[string]any {
	work := make([]map[string]any, len(oldData))
	copy(work, oldData)

	for _, r := range diff.Removed {
		idx := r.Index - 1
		if idx >= 0 && idx < len(work) {
			work[idx] = nil
		}
	}
	for _, m := range diff.Moved {
		idx := m.OldIndex - 1
		if idx >= 0 && idx < len(work) {
			work[idx] = nil
		}
	}

	maxIndex := len(work)
	for _, c := range diff.Copied {
		if c.NewIndex > maxIndex {
			maxIndex = c.NewIndex
		}
	}
	for _, m := range diff.Moved {
		if m.NewIndex > maxIndex {
			maxIndex = m.NewIndex
		}
	}
	for _, a := range diff.Added {
		if a.Index > maxIndex {
			maxIndex = a.Index
		}
	}
	if maxIndex > len(work) {
		grown := make([]map[string]any, maxIndex)
		copy(grown, work)
		work = grown
	}

	for _, c := range diff.Copied {
		src := oldData[c.OrigIndex-1]
		clone := make(map[string]any, len(src))
		for k, v := range src {
			clone[k] = v
		}
		clone["_index"] = c.NewIndex
		work[c.NewIndex-1] = clone
	}
	for _, m := range diff.Moved {
		src := oldData[m.OldIndex-1]
		clone := make(map[string]any, len(src))
		for k, v := range src {
			clone[k] = v
		}
		clone["_index"] = m.NewIndex
		work[m.NewIndex-1] = clone
	}
	for _, a := range diff.Added {
		row := make(map[string]any, len(a.Fields)+1)
		for k, v := range a.Fields {
			row[k] = v
		}
		row["_index"] = a.Index
		work[a.Index-1] = row
	}

	out := make([]map[string]any, 0, len(work))
	for _, row := range work {
		if row != nil {
			out = append(out, row)
		}
	}
	return out
}
