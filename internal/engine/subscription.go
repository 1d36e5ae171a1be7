package engine

import "time"

// Subscription is the client-visible handle binding a QueryCache to a set
// of table-level Triggers and a delivery Sink, per spec §4.5. Cache owns
// subscriptions by membership in QueryCache.selects; a Subscription holds
// only a lookup-only reference back to its cache, never the reverse — the
// cycle in the original design is replaced by explicit detach counting.
type Subscription struct {
	ID          string
	Triggers    []Trigger
	Sink        Sink
	MinInterval *time.Duration

	engine  *Engine
	cache   *QueryCache
	stopped bool
}

// Stop detaches the subscription from its QueryCache and from the
// Engine's subscription registry. Idempotent. Per spec §5, any
// re-evaluation already in flight still computes its diff for other
// subscribers, but this subscription will not observe it.
func (s *Subscription) Stop() {
	s.engine.post(func() {
		if s.stopped {
			return
		}
		s.stopped = true
		s.engine.detachSubscription(s)
	})
}

func (s *Subscription) deliver(diff Diff, data []map[string]any) {
	if s.stopped {
		return
	}
	s.Sink.OnUpdate(diff, data)
}

func (s *Subscription) deliverError(err error) {
	if s.stopped {
		return
	}
	s.Sink.OnError(err)
}
