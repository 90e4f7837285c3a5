package stores

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/labdaq/labdaq/pkg/engine"
)

// DocumentSource is the subset of the run engine the recorder consumes.
type DocumentSource interface {
	Subscribe() *engine.Subscription
	Unsubscribe(*engine.Subscription)
}

// Recorder subscribes to a run engine's document stream and persists
// runs, their events, and their final outcomes.
type Recorder struct {
	store  *SQLiteStore
	source DocumentSource
	logger zerolog.Logger

	mu      sync.Mutex
	sub     *engine.Subscription
	done    chan struct{}
	started bool
}

// NewRecorder wires a store to a document source.
func NewRecorder(store *SQLiteStore, source DocumentSource, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		source: source,
		logger: logger.With().Str("component", "recorder").Logger(),
	}
}

// Start subscribes to the document stream and records until Stop is
// called or the context is cancelled.
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.sub = r.source.Subscribe()
	r.done = make(chan struct{})

	go r.consume(ctx, r.sub, r.done)
}

// Stop unsubscribes and waits for the recording goroutine to drain.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	sub, done := r.sub, r.done
	r.started = false
	r.sub = nil
	r.done = nil
	r.mu.Unlock()

	r.source.Unsubscribe(sub)
	<-done
}

func (r *Recorder) consume(ctx context.Context, sub *engine.Subscription, done chan struct{}) {
	defer close(done)

	seen := make(map[string]bool)

	for {
		select {
		case doc, ok := <-sub.C:
			if !ok {
				return
			}
			r.record(ctx, doc, seen)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Recorder) record(ctx context.Context, doc engine.Document, seen map[string]bool) {
	if !seen[doc.RunUID] {
		seen[doc.RunUID] = true
		run := &Run{
			UID:       doc.RunUID,
			Status:    RunStatusRunning,
			StartedAt: doc.Timestamp,
		}
		if err := r.store.CreateRun(ctx, run); err != nil {
			r.logger.Warn().Err(err).Str("run_uid", doc.RunUID).Msg("failed to create run row")
		}
	}

	switch doc.Kind {
	case engine.DocumentEvent:
		event := &Event{
			RunUID:    doc.RunUID,
			Seq:       doc.Seq,
			Data:      marshalFloats(doc.Data),
			Positions: marshalFloats(doc.Positions),
			Timestamp: doc.Timestamp,
		}
		if err := r.store.AppendEvent(ctx, event); err != nil {
			r.logger.Warn().Err(err).Str("run_uid", doc.RunUID).Int("seq", doc.Seq).Msg("failed to append event")
		}
	case engine.DocumentStop:
		var reason *string
		if doc.Reason != "" {
			reason = &doc.Reason
		}
		status := runStatusForExit(doc.ExitStatus)
		if err := r.store.CompleteRun(ctx, doc.RunUID, status, doc.ExitStatus, reason, doc.NumEvents); err != nil {
			r.logger.Warn().Err(err).Str("run_uid", doc.RunUID).Msg("failed to complete run row")
		}
		delete(seen, doc.RunUID)
	}
}

func runStatusForExit(exitStatus string) RunStatus {
	switch exitStatus {
	case engine.ExitSuccess:
		return RunStatusCompleted
	case engine.ExitAbort:
		return RunStatusAborted
	default:
		return RunStatusFailed
	}
}

func marshalFloats(values map[string]float64) string {
	if len(values) == 0 {
		return "{}"
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "{}"
	}
	return string(b)
}
