package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend records the interest sets it was asked to publish; tests
// drive ingress by calling Ingress/IngressSuppliedPayload on the Engine.
type fakeBackend struct {
	mu       sync.Mutex
	interest []InterestSet
	started  bool
	stopped  bool
}

func (b *fakeBackend) Start(interest InterestSet) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	b.interest = append(b.interest, interest)
	return nil
}

func (b *fakeBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	return nil
}

func (b *fakeBackend) SetInterest(interest InterestSet) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interest = append(b.interest, interest)
	return nil
}

func (b *fakeBackend) lastInterest() InterestSet {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interest[len(b.interest)-1]
}

// fakeEvaluator returns whatever rows the test has queued for FullQuery,
// one slice per call, repeating the last once exhausted.
type fakeEvaluator struct {
	mu    sync.Mutex
	pages [][]Row
	calls int
}

func (e *fakeEvaluator) FullQuery(ctx context.Context) ([]Row, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := e.calls
	if idx >= len(e.pages) {
		idx = len(e.pages) - 1
	}
	e.calls++
	return e.pages[idx], nil
}

func (e *fakeEvaluator) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// recordingSink captures every delivery for assertion, and can block the
// test until a delivery arrives.
type recordingSink struct {
	mu      sync.Mutex
	updates []Diff
	data    [][]map[string]any
	errs    []error
	notify  chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 64)}
}

func (s *recordingSink) OnUpdate(diff Diff, data []map[string]any) {
	s.mu.Lock()
	s.updates = append(s.updates, diff)
	s.data = append(s.data, data)
	s.mu.Unlock()
	s.notify <- struct{}{}
}

func (s *recordingSink) OnError(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
	s.notify <- struct{}{}
}

func (s *recordingSink) waitUpdate(t *testing.T) (Diff, []map[string]any) {
	t.Helper()
	select {
	case <-s.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.updates, "expected an update, got none (maybe an error instead)")
	return s.updates[len(s.updates)-1], s.data[len(s.data)-1]
}

func basicKeySelector() KeySelector {
	return KeySelector{Tag: "default", Func: func(row map[string]any) string { return "" }}
}

func row(id int, name string) map[string]any {
	return map[string]any{"id": id, "name": name}
}

func newTestEngine(exec QueryExecutor, be Backend) *Engine {
	return New(exec, be, WithDefaultDatabase("public"), WithInitTimeout(time.Second))
}

func mustStart(t *testing.T, eng *Engine) {
	t.Helper()
	require.NoError(t, eng.Start(context.Background()))
}

// Insert: a query gaining a new row delivers a single Added entry.
func TestEngine_InsertAppendsRow(t *testing.T) {
	be := &fakeBackend{}
	ev := &fakeEvaluator{pages: [][]Row{
		{NewRow(row(1, "a"), 1)},
		{NewRow(row(1, "a"), 1), NewRow(row(2, "b"), 2)},
	}}
	exec := &singleEvaluatorExecutor{tables: []string{"widgets"}, ev: ev}
	eng := newTestEngine(exec, be)
	mustStart(t, eng)
	defer eng.End()

	sink := newRecordingSink()
	sub, err := eng.Select("select * from widgets", nil, basicKeySelector(),
		[]Trigger{{Table: "widgets"}}, nil, sink)
	require.NoError(t, err)
	defer sub.Stop()

	diff, data := sink.waitUpdate(t)
	assert.Len(t, diff.Added, 1)
	assert.Len(t, data, 1)

	eng.Ingress(RowEvent{Op: OpInsert, Database: "public", Table: "widgets"})

	diff, data = sink.waitUpdate(t)
	assert.Len(t, diff.Added, 1)
	assert.Equal(t, 2, diff.Added[0].Index)
	assert.Len(t, data, 2)
}

type singleEvaluatorExecutor struct {
	tables []string
	ev     *fakeEvaluator
}

func (x *singleEvaluatorExecutor) NewEvaluator(queryText string, params []any, keySelector KeySelector) (Evaluator, error) {
	return x.ev, nil
}

func (x *singleEvaluatorExecutor) Tables(queryText string) ([]string, error) { return x.tables, nil }

// Reorder: an ORDER BY-driven position swap surfaces as a Moved entry,
// not as a remove+add pair.
func TestEngine_ReorderProducesMoved(t *testing.T) {
	be := &fakeBackend{}
	ev := &fakeEvaluator{pages: [][]Row{
		{NewRow(row(1, "a"), 1), NewRow(row(2, "b"), 2)},
		{NewRow(row(2, "b"), 1), NewRow(row(1, "a"), 2)},
	}}
	exec := &singleEvaluatorExecutor{tables: []string{"widgets"}, ev: ev}
	eng := newTestEngine(exec, be)
	mustStart(t, eng)
	defer eng.End()

	sink := newRecordingSink()
	sub, err := eng.Select("select * from widgets order by name desc", nil, basicKeySelector(),
		[]Trigger{{Table: "widgets"}}, nil, sink)
	require.NoError(t, err)
	defer sub.Stop()
	sink.waitUpdate(t)

	eng.Ingress(RowEvent{Op: OpUpdate, Database: "public", Table: "widgets"})

	diff, data := sink.waitUpdate(t)
	require.Len(t, diff.Moved, 2)
	assert.Empty(t, diff.Added)
	assert.Empty(t, diff.Removed)
	assert.Len(t, data, 2)
}

// LIMIT refusal: a delete against a capped result whose size equals the
// LIMIT cannot be resolved incrementally and forces a fall back to a
// full re-query via the IncrementalEvaluator path.
type limitRefusalEvaluator struct {
	full        *fakeEvaluator
	incremental int
}

func (e *limitRefusalEvaluator) FullQuery(ctx context.Context) ([]Row, error) {
	return e.full.FullQuery(ctx)
}

func (e *limitRefusalEvaluator) Incremental(ctx context.Context, oldData []map[string]any, oldHashes []string, pending []CandidateRow) ([]Row, bool, error) {
	e.incremental++
	return nil, false, nil
}

func TestEngine_LimitRefusalFallsBackToFullQuery(t *testing.T) {
	be := &fakeBackend{}
	full := &fakeEvaluator{pages: [][]Row{
		{NewRow(row(1, "a"), 1), NewRow(row(2, "b"), 2)},
		{NewRow(row(2, "b"), 1)},
	}}
	ev := &limitRefusalEvaluator{full: full}
	exec := &fixedIncrementalExecutor{tables: []string{"widgets"}, ev: ev}
	eng := newTestEngine(exec, be)
	mustStart(t, eng)
	defer eng.End()

	sink := newRecordingSink()
	sub, err := eng.Select("select * from widgets limit 2", nil, basicKeySelector(),
		[]Trigger{{Table: "widgets"}}, nil, sink)
	require.NoError(t, err)
	defer sub.Stop()
	sink.waitUpdate(t)

	eng.IngressSuppliedPayload("public", "widgets", []CandidateRow{
		{Op: OpDelete, Fields: row(1, "a")},
	})

	diff, data := sink.waitUpdate(t)
	assert.Len(t, data, 1)
	assert.NotEmpty(t, diff.Removed)
	assert.Equal(t, 1, ev.incremental, "incremental path should have been tried once before refusing")
}

type fixedIncrementalExecutor struct {
	tables []string
	ev     IncrementalEvaluator
}

func (x *fixedIncrementalExecutor) NewEvaluator(queryText string, params []any, keySelector KeySelector) (Evaluator, error) {
	return x.ev, nil
}

func (x *fixedIncrementalExecutor) Tables(queryText string) ([]string, error) { return x.tables, nil }

// Coalescing: while a re-evaluation is running, further invalidations
// during that window collapse into exactly one extra re-run once it
// finishes, rather than one re-run per event.
type blockingEvaluator struct {
	release chan struct{}
	calls   int
	mu      sync.Mutex
}

func (e *blockingEvaluator) FullQuery(ctx context.Context) ([]Row, error) {
	e.mu.Lock()
	e.calls++
	n := e.calls
	e.mu.Unlock()
	if n == 1 {
		<-e.release
	}
	return []Row{NewRow(row(n, "x"), 1)}, nil
}

func (e *blockingEvaluator) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func TestEngine_CoalescesConcurrentInvalidations(t *testing.T) {
	be := &fakeBackend{}
	ev := &blockingEvaluator{release: make(chan struct{})}
	exec := &blockingExecutor{tables: []string{"widgets"}, ev: ev}
	eng := newTestEngine(exec, be)
	mustStart(t, eng)
	defer eng.End()

	sink := newRecordingSink()
	sub, err := eng.Select("select * from widgets", nil, basicKeySelector(),
		[]Trigger{{Table: "widgets"}}, nil, sink)
	require.NoError(t, err)
	defer sub.Stop()

	// The first re-evaluation is in flight (blocked on ev.release).
	// Fire several more invalidations while it runs: they must coalesce.
	for i := 0; i < 5; i++ {
		eng.Ingress(RowEvent{Op: OpUpdate, Database: "public", Table: "widgets"})
	}

	close(ev.release)

	sink.waitUpdate(t) // result of the first (initial select) run
	sink.waitUpdate(t) // result of the single coalesced re-run

	// allow the loop to settle; no further update should show up
	select {
	case <-sink.notify:
		t.Fatal("unexpected extra delivery: invalidations were not coalesced")
	case <-time.After(200 * time.Millisecond):
	}

	assert.Equal(t, 2, ev.callCount(), "expected exactly one initial run plus one coalesced re-run")
}

type blockingExecutor struct {
	tables []string
	ev     Evaluator
}

func (x *blockingExecutor) NewEvaluator(queryText string, params []any, keySelector KeySelector) (Evaluator, error) {
	return x.ev, nil
}

func (x *blockingExecutor) Tables(queryText string) ([]string, error) { return x.tables, nil }

// Subscription isolation: stopping one subscription on a shared cache
// must not affect delivery to a sibling subscription on the same query.
func TestEngine_SubscriptionIsolation(t *testing.T) {
	be := &fakeBackend{}
	ev := &fakeEvaluator{pages: [][]Row{
		{NewRow(row(1, "a"), 1)},
		{NewRow(row(1, "a"), 1), NewRow(row(2, "b"), 2)},
	}}
	exec := &singleEvaluatorExecutor{tables: []string{"widgets"}, ev: ev}
	eng := newTestEngine(exec, be)
	mustStart(t, eng)
	defer eng.End()

	sinkA := newRecordingSink()
	subA, err := eng.Select("select * from widgets", nil, basicKeySelector(),
		[]Trigger{{Table: "widgets"}}, nil, sinkA)
	require.NoError(t, err)
	sinkA.waitUpdate(t)

	sinkB := newRecordingSink()
	subB, err := eng.Select("select * from widgets", nil, basicKeySelector(),
		[]Trigger{{Table: "widgets"}}, nil, sinkB)
	require.NoError(t, err)
	sinkB.waitUpdate(t) // the identical-query join delivers a synthetic snapshot

	subA.Stop()

	eng.Ingress(RowEvent{Op: OpInsert, Database: "public", Table: "widgets"})

	diff, _ := sinkB.waitUpdate(t)
	assert.Len(t, diff.Added, 1)

	select {
	case <-sinkA.notify:
		t.Fatal("stopped subscription must not receive further deliveries")
	case <-time.After(200 * time.Millisecond):
	}
	defer subB.Stop()
}

// Pause/resume: Pause publishes an empty interest set; Resume
// republishes the full interest set and forces reconciliation of every
// live cache even with no queued events.
func TestEngine_PauseResumeReconciles(t *testing.T) {
	be := &fakeBackend{}
	ev := &fakeEvaluator{pages: [][]Row{
		{NewRow(row(1, "a"), 1)},
		{NewRow(row(1, "a"), 1)},
	}}
	exec := &singleEvaluatorExecutor{tables: []string{"widgets"}, ev: ev}
	eng := newTestEngine(exec, be)
	mustStart(t, eng)
	defer eng.End()

	sink := newRecordingSink()
	sub, err := eng.Select("select * from widgets", nil, basicKeySelector(),
		[]Trigger{{Table: "widgets"}}, nil, sink)
	require.NoError(t, err)
	defer sub.Stop()
	sink.waitUpdate(t)

	require.NoError(t, eng.Pause())
	assert.Empty(t, be.lastInterest()["public"])

	require.NoError(t, eng.Resume())
	assert.Contains(t, be.lastInterest()["public"], "widgets")

	// Resume invalidates every cache even though the result is unchanged;
	// since the rows are identical there is no update to observe, but the
	// evaluator must still have been called a second time.
	require.Eventually(t, func() bool { return ev.callCount() == 2 }, time.Second, 10*time.Millisecond)
}
