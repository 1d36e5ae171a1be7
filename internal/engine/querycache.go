package engine

import (
	"context"
	"time"
)

type cacheState int

const (
	stateIdle cacheState = iota
	stateScheduled
	stateRunning
)

// Evaluator re-issues the underlying query to obtain a fresh, fully
// re-hashed and re-indexed result set (spec §4.4 re-evaluation path (b)).
type Evaluator interface {
	FullQuery(ctx context.Context) ([]Row, error)
}

// IncrementalEvaluator additionally supports computing a candidate next
// result set directly from queued change events, without re-querying
// (spec §4.4 path (a) / §4.7). Ok is false when the refusal-to-guess rule
// forces a fall back to FullQuery.
type IncrementalEvaluator interface {
	Evaluator
	Incremental(ctx context.Context, oldData []map[string]any, oldHashes []string, pending []CandidateRow) (rows []Row, ok bool, err error)
}

// Sink receives diff/error deliveries for one Subscription.
type Sink interface {
	OnUpdate(diff Diff, data []map[string]any)
	OnError(err error)
}

// QueryCache is the de-duplicated per-(query,params,keySelector) state
// described in spec §3/§4.4: it owns the last-known result set, the
// rate-limit state machine, and the set of subscribing Subscriptions.
type QueryCache struct {
	ID        string
	evaluator Evaluator

	resultSet  []Row
	selects    map[*Subscription]struct{}
	minInterval *time.Duration
	lastUpdate time.Time

	state    cacheState
	deferred bool
	disposed bool
	timer    *time.Timer

	pendingEvents []CandidateRow

	// aggregateTriggers is the union of Trigger sets across all attached
	// Subscriptions; used by MatchRowEvent in trigger-matching mode.
	aggregateTriggers []Trigger
}

func newQueryCache(id string, ev Evaluator) *QueryCache {
	return &QueryCache{
		ID:        id,
		evaluator: ev,
		selects:   make(map[*Subscription]struct{}),
	}
}

// MatchRowEvent returns true iff evt should dirty this cache under its
// aggregate trigger set, per spec §4.3 trigger-matching mode. Pure,
// side-effect free.
func (c *QueryCache) MatchRowEvent(evt RowEvent) bool {
	return MatchEvent(evt, c.aggregateTriggers)
}

// snapshotOldData returns the current result set as plain maps, in order.
func (c *QueryCache) snapshotOldData() []map[string]any {
	out := make([]map[string]any, len(c.resultSet))
	for i, r := range c.resultSet {
		m := make(map[string]any, len(r.Fields)+1)
		for k, v := range r.Fields {
			m[k] = v
		}
		m["_index"] = r.Index
		out[i] = m
	}
	return out
}

func (c *QueryCache) snapshotOldHashes() []string {
	out := make([]string, len(c.resultSet))
	for i, r := range c.resultSet {
		out[i] = r.Hash
	}
	return out
}

func (c *QueryCache) rebuildAggregateTriggers() {
	var all []Trigger
	for sub := range c.selects {
		all = append(all, sub.Triggers...)
	}
	c.aggregateTriggers = all
}

// attach registers sub against this cache. Must run on the Engine loop.
func (c *QueryCache) attach(sub *Subscription) {
	c.selects[sub] = struct{}{}
	c.rebuildAggregateTriggers()
	if sub.MinInterval != nil && c.minInterval == nil {
		c.minInterval = sub.MinInterval
	}
}

// detach unregisters sub. Returns true iff the cache is now empty and
// should be disposed, per invariant 4 (a cache with zero subscriptions
// does not exist in the registry). Must run on the Engine loop.
func (c *QueryCache) detach(sub *Subscription) bool {
	delete(c.selects, sub)
	c.rebuildAggregateTriggers()
	return len(c.selects) == 0
}

func (c *QueryCache) dispose() {
	c.disposed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// invalidate drives the rate-limit state machine described in spec §4.4.
// Must run on the Engine loop.
func (c *QueryCache) invalidate(eng *Engine) {
	if c.disposed {
		return
	}
	switch c.state {
	case stateIdle:
		if c.minInterval == nil || time.Since(c.lastUpdate) >= *c.minInterval {
			c.state = stateRunning
			eng.startUpdate(c)
		} else {
			c.state = stateScheduled
			wait := *c.minInterval - time.Since(c.lastUpdate)
			c.armTimer(eng, wait)
		}
	case stateScheduled:
		// coalesce: do not re-arm
	case stateRunning:
		c.deferred = true
	}
}

func (c *QueryCache) armTimer(eng *Engine, wait time.Duration) {
	c.timer = time.AfterFunc(wait, func() {
		eng.post(func() { c.onTimerFire(eng) })
	})
}

func (c *QueryCache) onTimerFire(eng *Engine) {
	if c.disposed || c.state != stateScheduled {
		return
	}
	c.timer = nil
	c.state = stateRunning
	eng.startUpdate(c)
}

// queueSuppliedEvent appends a CandidateRow to the pending queue consumed
// on the next incremental re-evaluation (supplied-payload mode only).
func (c *QueryCache) queueSuppliedEvent(rows ...CandidateRow) {
	c.pendingEvents = append(c.pendingEvents, rows...)
}

// reevaluate performs the I/O portion of one re-evaluation: either
// draining pendingEvents through the incremental path, or re-issuing the
// underlying query. Safe to run off the Engine loop; touches no shared
// mutable state beyond its arguments and c.evaluator/c.pendingEvents,
// which callers must snapshot/clear under the loop before invoking this.
func (c *QueryCache) reevaluate(ctx context.Context, oldData []map[string]any, oldHashes []string, pending []CandidateRow) ([]Row, error) {
	if ie, ok := c.evaluator.(IncrementalEvaluator); ok && len(pending) > 0 {
		rows, ok, err := ie.Incremental(ctx, oldData, oldHashes, pending)
		if err != nil {
			return nil, err
		}
		if ok {
			return rows, nil
		}
		// refusal-to-guess: fall through to a full re-query
	}
	return c.evaluator.FullQuery(ctx)
}

// completeUpdate applies the result of one reevaluate call. Must run on
// the Engine loop.
func (c *QueryCache) completeUpdate(eng *Engine, oldData []map[string]any, newRows []Row, err error) {
	if c.disposed {
		return
	}
	if err != nil {
		c.deliverError(&ReEvaluationError{QueryID: c.ID, Cause: err})
		c.finishRunning(eng)
		return
	}

	oldHashes := make([]string, len(oldData))
	for i := range oldData {
		if i < len(c.resultSet) {
			oldHashes[i] = c.resultSet[i].Hash
		}
	}
	diff := ComputeDiff(oldHashes, newRows)
	c.lastUpdate = time.Now()

	if !diff.IsEmpty() {
		newData := ApplyDiff(oldData, diff)
		c.resultSet = rowsFromMaps(newData)
		c.deliverUpdate(diff, newData)
	}

	c.finishRunning(eng)
}

func (c *QueryCache) finishRunning(eng *Engine) {
	c.state = stateIdle
	if c.deferred {
		c.deferred = false
		c.invalidate(eng)
	}
}

func (c *QueryCache) deliverUpdate(diff Diff, data []map[string]any) {
	for sub := range c.selects {
		sub.deliver(diff, data)
	}
}

func (c *QueryCache) deliverError(err error) {
	for sub := range c.selects {
		sub.deliverError(err)
	}
}

func rowsFromMaps(data []map[string]any) []Row {
	rows := make([]Row, len(data))
	for i, m := range data {
		idx := i + 1
		if v, ok := m["_index"].(int); ok {
			idx = v
		}
		clean := make(map[string]any, len(m))
		for k, v := range m {
			if k == "_index" {
				continue
			}
			clean[k] = v
		}
		rows[i] = Row{Fields: clean, Hash: canonicalHash(clean), Index: idx}
	}
	return rows
}
