package engine

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// InterestSet is the {database -> [table,...]} shape published to a
// Backend, per spec §3 invariant 5 and §6.
type InterestSet map[string][]string

// Backend is the narrow subset of the full adapter contract (spec §6)
// the Engine depends on directly; internal/backend defines the richer
// contract backend implementations satisfy.
type Backend interface {
	Start(interest InterestSet) error
	Stop() error
	SetInterest(interest InterestSet) error
}

// EventSink is the callback surface a Backend implementation pushes
// normalized RowEvents and ingress errors into. Engine implements it.
type EventSink interface {
	Ingress(evt RowEvent)
	ReportIngressError(err error)
}

// QueryExecutor is the collaboration contract the Engine consumes from
// the (out-of-scope) SQL parser and database pool: given query text,
// bound params and a key selector it must produce an Evaluator able to
// re-run the query.
type QueryExecutor interface {
	NewEvaluator(queryText string, params []any, keySelector KeySelector) (Evaluator, error)
}

// Engine is the top-level object: it owns the backend connection, event
// ingress, schema interest-set, the registry of QueryCaches, and
// lifecycle, per spec §4.6.
type Engine struct {
	executor        QueryExecutor
	backend         Backend
	defaultDatabase string
	initTimeout     time.Duration

	loopCh chan func()
	endCh  chan struct{}
	ended  atomic.Bool

	registry map[string]*QueryCache
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithDefaultDatabase sets the database used to resolve a Trigger that
// omits Database, per the §6 input-validation rule "via trigger or
// engine default".
func WithDefaultDatabase(db string) Option {
	return func(e *Engine) { e.defaultDatabase = db }
}

// WithInitTimeout overrides the default 6-second backend-init budget.
func WithInitTimeout(d time.Duration) Option {
	return func(e *Engine) { e.initTimeout = d }
}

// New constructs an Engine bound to executor and backend.
func New(executor QueryExecutor, backend Backend, opts ...Option) *Engine {
	e := &Engine{
		executor:    executor,
		backend:     backend,
		initTimeout: 6 * time.Second,
		loopCh:      make(chan func()),
		endCh:       make(chan struct{}),
		registry:    make(map[string]*QueryCache),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start launches the Engine's event loop and brings the backend up,
// waiting up to the init budget (default 6s) for it to become ready.
func (e *Engine) Start(ctx context.Context) error {
	go e.loop()

	readyCh := make(chan error, 1)
	go func() { readyCh <- e.backend.Start(InterestSet{}) }()

	timeout := e.initTimeout
	select {
	case err := <-readyCh:
		if err != nil {
			return fmt.Errorf("backend start: %w", err)
		}
		return nil
	case <-time.After(timeout):
		return &BackendInitTimeout{Budget: timeout.String()}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) loop() {
	for {
		select {
		case fn := <-e.loopCh:
			fn()
		case <-e.endCh:
			return
		}
	}
}

// post schedules fn to run on the Engine loop. Returns false if the
// Engine has already ended.
func (e *Engine) post(fn func()) bool {
	select {
	case e.loopCh <- fn:
		return true
	case <-e.endCh:
		return false
	}
}

// runSync posts fn to the loop and blocks for its result, used by the
// synchronous parts of the Subscriber API (Select/Pause/Resume).
func (e *Engine) runSync(fn func() (any, error)) (any, error) {
	if e.ended.Load() {
		return nil, fmt.Errorf("engine: ended")
	}
	type result struct {
		v   any
		err error
	}
	resCh := make(chan result, 1)
	ok := e.post(func() {
		v, err := fn()
		resCh <- result{v, err}
	})
	if !ok {
		return nil, fmt.Errorf("engine: ended")
	}
	res := <-resCh
	return res.v, res.err
}

// Select validates inputs, finds-or-creates the QueryCache for
// (queryText, params, keySelector), merges trigger tables into the
// schema interest-set, and returns a new Subscription, per spec §4.6/§6.
func (e *Engine) Select(queryText string, params []any, keySelector KeySelector, triggers []Trigger, minInterval *time.Duration, sink Sink) (*Subscription, error) {
	if err := e.validateSelect(queryText, keySelector, triggers, minInterval); err != nil {
		return nil, err
	}

	resolved := make([]Trigger, len(triggers))
	for i, t := range triggers {
		if t.Database == "" {
			t.Database = e.defaultDatabase
		}
		resolved[i] = t
	}

	v, err := e.runSync(func() (any, error) {
		return e.selectLocked(queryText, params, keySelector, resolved, minInterval, sink)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Subscription), nil
}

func (e *Engine) validateSelect(queryText string, keySelector KeySelector, triggers []Trigger, minInterval *time.Duration) error {
	if queryText == "" {
		return &ConfigurationError{Reason: "query must be a non-empty string"}
	}
	if keySelector.Func == nil || keySelector.Tag == "" {
		return &ConfigurationError{Reason: "keySelector must be a callable with a stable tag"}
	}
	if len(triggers) == 0 {
		return &ConfigurationError{Reason: "triggers must be a non-empty list"}
	}
	for _, t := range triggers {
		if t.Table == "" {
			return &ConfigurationError{Reason: "every trigger must name a table"}
		}
		if t.Database == "" && e.defaultDatabase == "" {
			return &ConfigurationError{Reason: "trigger has no resolvable database"}
		}
	}
	if minInterval != nil && *minInterval < 0 {
		return &ConfigurationError{Reason: "minInterval must be non-negative"}
	}
	return nil
}

func (e *Engine) selectLocked(queryText string, params []any, keySelector KeySelector, triggers []Trigger, minInterval *time.Duration, sink Sink) (*Subscription, error) {
	identity := computeIdentity(queryText, params, keySelector.Tag)

	cache, exists := e.registry[identity]
	wasNew := !exists
	if !exists {
		ev, err := e.executor.NewEvaluator(queryText, params, keySelector)
		if err != nil {
			return nil, &ConfigurationError{Reason: err.Error()}
		}
		cache = newQueryCache(identity, ev)
		e.registry[identity] = cache
	}

	sub := &Subscription{
		ID:          newSubscriptionID(),
		Triggers:    triggers,
		Sink:        sink,
		MinInterval: minInterval,
		engine:      e,
		cache:       cache,
	}
	cache.attach(sub)

	if err := e.republishInterest(); err != nil {
		return nil, err
	}

	if wasNew {
		cache.invalidate(e)
	} else {
		data := cache.snapshotOldData()
		diff := Diff{}
		for _, d := range data {
			idx, _ := d["_index"].(int)
			fields := make(map[string]any, len(d))
			for k, v := range d {
				if k == "_index" {
					continue
				}
				fields[k] = v
			}
			diff.Added = append(diff.Added, Added{Index: idx, Fields: fields})
		}
		// already on the loop goroutine here; post would deadlock against
		// the only reader (this call itself).
		sub.deliver(diff, data)
	}

	return sub, nil
}

// detachSubscription removes sub from its cache and disposes the cache
// if it is now empty. Must run on the Engine loop.
func (e *Engine) detachSubscription(sub *Subscription) {
	empty := sub.cache.detach(sub)
	if empty {
		sub.cache.dispose()
		delete(e.registry, sub.cache.ID)
		e.republishInterest()
	}
}

// Ingress implements EventSink: for each incoming RowEvent, iterate the
// cache registry and invalidate every matching cache, per spec §4.6. The
// registry is a Go map, so the order in which caches are visited is not
// defined and may differ from one event to the next.
func (e *Engine) Ingress(evt RowEvent) {
	e.post(func() {
		for _, cache := range e.registry {
			if cache.MatchRowEvent(evt) {
				cache.invalidate(e)
			}
		}
	})
}

// IngressSuppliedPayload feeds notify-backend candidate rows to every
// cache with an aggregate trigger on (database, table), queuing them for
// the next incremental re-evaluation (spec §4.7) before invalidating.
// Only the trigger's table and database are checked; trigger Conditions
// are not evaluated on this path.
func (e *Engine) IngressSuppliedPayload(database, table string, rows []CandidateRow) {
	e.post(func() {
		for _, cache := range e.registry {
			matches := false
			for _, t := range cache.aggregateTriggers {
				if t.matchesTable(TableMap{SchemaName: database, TableName: table}) {
					matches = true
					break
				}
			}
			if matches {
				cache.queueSuppliedEvent(rows...)
				cache.invalidate(e)
			}
		}
	})
}

// ReportIngressError implements EventSink: surfaces a BackendIngressError
// to every live subscriber.
func (e *Engine) ReportIngressError(err error) {
	e.post(func() {
		wrapped := &BackendIngressError{Cause: err}
		for _, cache := range e.registry {
			cache.deliverError(wrapped)
		}
	})
}

// startUpdate launches the I/O portion of one re-evaluation off the loop,
// posting its completion back onto the loop.
func (e *Engine) startUpdate(c *QueryCache) {
	oldData := c.snapshotOldData()
	oldHashes := c.snapshotOldHashes()
	pending := c.pendingEvents
	c.pendingEvents = nil

	go func() {
		ctx := context.Background()
		rows, err := c.reevaluate(ctx, oldData, oldHashes, pending)
		e.post(func() { c.completeUpdate(e, oldData, rows, err) })
	}()
}

// Pause publishes an empty interest-set to the backend, per spec §4.6.
// The Engine does not gate ingress itself: events already in flight, and
// any event a backend still delivers after the empty interest-set (the
// binlog backend ingresses events for every table regardless of
// interest), keep invalidating matching caches.
func (e *Engine) Pause() error {
	_, err := e.runSync(func() (any, error) {
		return nil, e.backend.SetInterest(InterestSet{})
	})
	return err
}

// Resume republishes the full interest-set and invalidates every cache,
// forcing reconciliation, per spec §4.6.
func (e *Engine) Resume() error {
	_, err := e.runSync(func() (any, error) {
		if err := e.republishInterest(); err != nil {
			return nil, err
		}
		for _, cache := range e.registry {
			cache.invalidate(e)
		}
		return nil, nil
	})
	return err
}

// End stops the backend ingress, closes the connection, and fails all
// in-flight re-evaluations with a terminal error. Subsequent calls are
// no-ops, per spec §6 exit behavior.
func (e *Engine) End() error {
	if !e.ended.CompareAndSwap(false, true) {
		return nil
	}
	terminal := fmt.Errorf("engine: ended")
	e.post(func() {
		for _, cache := range e.registry {
			cache.deliverError(&ReEvaluationError{QueryID: cache.ID, Cause: terminal})
			cache.dispose()
		}
		e.registry = make(map[string]*QueryCache)
	})
	err := e.backend.Stop()
	close(e.endCh)
	return err
}

// republishInterest recomputes the schema interest-set as the union of
// {(db,table)} across every live trigger and publishes it to the
// backend, per spec §3 invariant 5. Must run on the Engine loop.
func (e *Engine) republishInterest() error {
	tables := make(map[string]map[string]struct{})
	for _, cache := range e.registry {
		for _, t := range cache.aggregateTriggers {
			db := t.Database
			if db == "" {
				db = e.defaultDatabase
			}
			if tables[db] == nil {
				tables[db] = make(map[string]struct{})
			}
			tables[db][t.Table] = struct{}{}
		}
	}
	interest := make(InterestSet, len(tables))
	for db, set := range tables {
		list := make([]string, 0, len(set))
		for t := range set {
			list = append(list, t)
		}
		interest[db] = list
	}
	return e.backend.SetInterest(interest)
}

func computeIdentity(queryText string, params []any, tag string) string {
	payload := struct {
		Query  string `json:"query"`
		Params []any  `json:"params"`
		Tag    string `json:"tag"`
	}{queryText, params, tag}
	b, _ := json.Marshal(payload)
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

var subIDCounter atomic.Uint64

// newSubscriptionID generates a process-local, monotonically increasing
// subscription id; callers needing global uniqueness (e.g. the transport
// layer exposing ids to clients) should prefix it with pkg/idgen output.
func newSubscriptionID() string {
	n := subIDCounter.Add(1)
	return fmt.Sprintf("sub-%d", n)
}
