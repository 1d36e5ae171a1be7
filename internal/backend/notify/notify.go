// Package notify implements the Postgres LISTEN/NOTIFY backend (spec
// §6 "notify" model): one channel per watched (schema,table), a trigger
// on each watched table NOTIFYing a JSON payload per change, and a
// lib/pq Listener draining them into engine.Engine.IngressSuppliedPayload.
//
// The per-channel fan-out hub is grounded on the marmot notify package's
// non-blocking subscription hub; the LISTEN lifecycle itself is grounded
// on the teacher's richcatalog.listenAndRefresh, generalized from a
// single fixed channel to one channel per interest-set table.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/liveset/liveset/internal/backend"
	"github.com/liveset/liveset/internal/engine"
	"github.com/liveset/liveset/internal/logging"
)

// ChannelName derives the NOTIFY channel a (schema,table) pair is
// expected to use; the companion trigger DDL (outside this package's
// scope) must use the same convention.
func ChannelName(schema, table string) string {
	return fmt.Sprintf("liveset_%s_%s", schema, table)
}

// Backend is the engine.Backend implementation backed by lib/pq.
type Backend struct {
	dsn  string
	sink backend.Sink

	mu       sync.Mutex
	listener *pq.Listener
	channels map[string]struct{} // currently LISTENed channel names

	hub *hub

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a notify Backend. sink receives decoded events.
func New(dsn string, sink backend.Sink) *Backend {
	return &Backend{
		dsn:      dsn,
		sink:     sink,
		channels: make(map[string]struct{}),
		hub:      newHub(),
	}
}

// Start implements engine.Backend: opens the listener connection and
// begins the drain loop. interest may be empty; SetInterest grows it.
func (b *Backend) Start(interest engine.InterestSet) error {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			b.sink.ReportIngressError(fmt.Errorf("notify: listener event: %w", err))
		}
	}
	b.listener = pq.NewListener(b.dsn, 10*time.Second, time.Minute, reportProblem)

	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	go b.drain()

	return b.SetInterest(interest)
}

// Stop implements engine.Backend.
func (b *Backend) Stop() error {
	close(b.stopCh)
	err := b.listener.Close()
	<-b.doneCh
	return err
}

// SetInterest implements engine.Backend: LISTENs newly-added channels and
// UNLISTENs ones no longer needed.
func (b *Backend) SetInterest(interest engine.InterestSet) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	want := make(map[string]struct{})
	for db, tables := range interest {
		for _, table := range tables {
			want[ChannelName(db, table)] = struct{}{}
		}
	}

	for ch := range want {
		if _, ok := b.channels[ch]; !ok {
			if err := b.listener.Listen(ch); err != nil {
				return fmt.Errorf("notify: listen %s: %w", ch, err)
			}
			b.channels[ch] = struct{}{}
		}
	}
	for ch := range b.channels {
		if _, ok := want[ch]; !ok {
			if err := b.listener.Unlisten(ch); err != nil {
				return fmt.Errorf("notify: unlisten %s: %w", ch, err)
			}
			delete(b.channels, ch)
		}
	}
	return nil
}

func (b *Backend) drain() {
	defer close(b.doneCh)
	ctx := context.Background()
	logger := logging.L(ctx)

	for {
		select {
		case <-b.stopCh:
			return
		case n, ok := <-b.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// reconnection ping; no payload to process.
				continue
			}
			b.handleNotification(n)
		case <-time.After(90 * time.Second):
			go func() {
				_ = b.listener.Ping()
			}()
			logger.Debug("notify: listener ping")
		}
	}
}

func (b *Backend) handleNotification(n *pq.Notification) {
	var payload backend.TriggerPayload
	if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
		b.sink.ReportIngressError(fmt.Errorf("notify: decode payload on %s: %w", n.Channel, err))
		return
	}

	b.hub.publish(n.Channel, payload)

	var candidates []engine.CandidateRow
	switch payload.Op {
	case "INSERT":
		candidates = append(candidates, engine.CandidateRow{Op: engine.OpInsert, Fields: payload.NewData})
	case "DELETE":
		candidates = append(candidates, engine.CandidateRow{Op: engine.OpDelete, Fields: payload.OldData})
	case "UPDATE":
		candidates = append(candidates,
			engine.CandidateRow{Op: engine.OpUpdate, Key: engine.KeyNewData, Fields: payload.NewData},
			engine.CandidateRow{Op: engine.OpUpdate, Key: engine.KeyOldData, Fields: payload.OldData},
		)
	default:
		b.sink.ReportIngressError(fmt.Errorf("notify: unknown op %q on %s", payload.Op, n.Channel))
		return
	}

	b.sink.IngressSuppliedPayload(payload.Schema, payload.Table, candidates)
}

// Subscribe registers an additional, independent consumer of decoded
// payloads for one channel, mirroring live change traffic without
// interposing on the engine's own ingress path. Nothing in this
// repository calls it; the transport layer does not use it.
func (b *Backend) Subscribe(channel string) (<-chan backend.TriggerPayload, func()) {
	return b.hub.subscribe(channel)
}

const hubBufferSize = 16

type hubSubscription struct {
	id      uint64
	channel string
	ch      chan backend.TriggerPayload
}

// hub is a non-blocking per-channel fan-out of decoded payloads, for
// secondary consumers that must never be able to slow down or block
// ingress into the engine.
type hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*hubSubscription
	nextID uint64
}

func newHub() *hub {
	return &hub{subs: make(map[uint64]*hubSubscription)}
}

func (h *hub) publish(channel string, payload backend.TriggerPayload) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.channel != channel {
			continue
		}
		select {
		case s.ch <- payload:
		default:
			// subscriber too slow; drop rather than block ingress.
		}
	}
}

func (h *hub) subscribe(channel string) (<-chan backend.TriggerPayload, func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	sub := &hubSubscription{id: id, channel: channel, ch: make(chan backend.TriggerPayload, hubBufferSize)}
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub.ch)
		}
		h.mu.Unlock()
	}
	return sub.ch, cancel
}
