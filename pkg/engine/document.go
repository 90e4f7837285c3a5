package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DocumentKind identifies the variant of a Document.
type DocumentKind string

const (
	// DocumentEvent carries one data point emitted during a run.
	DocumentEvent DocumentKind = "event"

	// DocumentStop closes a run's document stream. Exactly one Stop is
	// emitted per dispatched run.
	DocumentStop DocumentKind = "stop"
)

// Exit statuses carried by Stop documents.
const (
	ExitSuccess = "success"
	ExitAbort   = "abort"
	ExitFail    = "fail"
)

// Document is a structured record broadcast during a run. Subscribers
// (script runner, GUI, storage) receive the same ordered stream.
type Document struct {
	// Kind selects the variant.
	Kind DocumentKind `json:"kind"`

	// RunUID identifies the run the document belongs to.
	RunUID string `json:"run_uid"`

	// Timestamp is the emission time.
	Timestamp time.Time `json:"timestamp"`

	// Seq is the event sequence number within the run (Event only).
	Seq int `json:"seq,omitempty"`

	// Data holds collected readings keyed by module ID (Event only).
	Data map[string]float64 `json:"data,omitempty"`

	// Positions holds tracked parameter positions keyed by target module
	// (Event only).
	Positions map[string]float64 `json:"positions,omitempty"`

	// ExitStatus is "success", "abort" or "fail" (Stop only).
	ExitStatus string `json:"exit_status,omitempty"`

	// Reason is the abort or failure reason (Stop only).
	Reason string `json:"reason,omitempty"`

	// NumEvents is the total number of events emitted during the run
	// (Stop only).
	NumEvents int `json:"num_events,omitempty"`
}

// NewEventDocument creates an Event document. Data and positions are copied.
func NewEventDocument(runUID string, seq int, data, positions map[string]float64) Document {
	return Document{
		Kind:      DocumentEvent,
		RunUID:    runUID,
		Timestamp: time.Now().UTC(),
		Seq:       seq,
		Data:      copyFloats(data),
		Positions: copyFloats(positions),
	}
}

// NewStopDocument creates a Stop document.
func NewStopDocument(runUID, exitStatus, reason string, numEvents int) Document {
	return Document{
		Kind:       DocumentStop,
		RunUID:     runUID,
		Timestamp:  time.Now().UTC(),
		ExitStatus: exitStatus,
		Reason:     reason,
		NumEvents:  numEvents,
	}
}

func copyFloats(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Subscription is one subscriber's view of the document stream. Documents
// arrive on C in emission order. A subscriber that falls behind its buffer
// loses documents rather than stalling the run; Dropped reports how many.
type Subscription struct {
	// C delivers documents in emission order.
	C <-chan Document

	ch      chan Document
	dropped atomic.Int64
}

// Dropped returns the number of documents this subscriber missed because
// its buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Broadcaster fans documents out to any number of independent subscribers.
// Publishing never blocks: slow subscribers lag and drop, other subscribers
// are unaffected.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	bufSize int
	logger  zerolog.Logger
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer
// size. A non-positive size defaults to 256.
func NewBroadcaster(bufSize int, logger zerolog.Logger) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Broadcaster{
		subs:    make(map[*Subscription]struct{}),
		bufSize: bufSize,
		logger:  logger.With().Str("component", "document-broadcaster").Logger(),
	}
}

// Subscribe registers a new subscriber and returns its subscription.
func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan Document, b.bufSize)
	sub := &Subscription{C: ch, ch: ch}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	if ok {
		delete(b.subs, sub)
	}
	b.mu.Unlock()

	if ok {
		close(sub.ch)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers a document to every subscriber without blocking.
func (b *Broadcaster) Publish(doc Document) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub.ch <- doc:
		default:
			n := sub.dropped.Add(1)
			b.logger.Warn().
				Str("run_uid", doc.RunUID).
				Str("kind", string(doc.Kind)).
				Int64("dropped_total", n).
				Msg("Slow subscriber, document dropped")
		}
	}
}
