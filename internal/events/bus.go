// Package events provides the typed publish/subscribe bus for discovery
// lifecycle notifications.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"solana-discovery/internal/domain"
)

// Type identifies a lifecycle event.
type Type string

const (
	TypeDiscovered      Type = "discovered"
	TypeConfirmed       Type = "confirmed"
	TypeHighConfidence  Type = "high_confidence_discovery"
	TypeSourceUnhealthy Type = "source_unhealthy"
	TypeSourceRecovered Type = "source_recovered"
)

// String returns the string representation of Type.
func (t Type) String() string {
	return string(t)
}

// Event is a single lifecycle notification. Token, Record and Score are
// snapshots owned by the subscriber; health events carry only SourceID.
type Event struct {
	ID          string
	Type        Type
	SourceID    domain.SourceID
	Token       *domain.DiscoveredToken
	Record      *domain.DiscoveryRecord
	Score       *domain.TokenScore
	TimestampMs int64
}

type subscriber struct {
	ch    chan Event
	types map[Type]struct{} // empty means all types
}

func (s *subscriber) wants(t Type) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus fans events out to typed subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event, which is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber
	nextID  int
	closed  bool
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewBus creates a new event bus. A nil logger disables logging.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[int]*subscriber),
		logger: logger,
	}
}

// Subscribe registers a subscriber for the given event types (none means
// all). The returned cancel function removes the subscription and closes
// the channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int, types ...Type) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	sub := &subscriber{
		ch:    make(chan Event, buffer),
		types: make(map[Type]struct{}, len(types)),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers the event to every matching subscriber. Missing ID and
// timestamp fields are filled in. Publishing after Close is a no-op.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TimestampMs == 0 {
		e.TimestampMs = time.Now().UnixMilli()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if !sub.wants(e.Type) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event bus subscriber full, dropping event",
				zap.String("type", e.Type.String()),
				zap.String("source", e.SourceID.String()))
		}
	}
}

// Dropped returns the number of events missed by slow subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
