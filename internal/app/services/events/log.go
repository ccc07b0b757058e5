// Package events is the signed append-only event pipeline: envelopes get a
// deterministic id, a MAC over their canonical form, a monotone sequence from
// the store, and a best-effort fan-out to in-process subscribers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/event"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/storage"
	"github.com/SwapGraph-Network/clearing_engine/internal/signing"
	"github.com/SwapGraph-Network/clearing_engine/pkg/logger"
)

// Log emits and serves signed events.
type Log struct {
	store  storage.EventStore
	signer *signing.Signer
	log    *logger.Logger

	mu   sync.Mutex
	subs map[int]chan event.Envelope
	next int
}

// NewLog constructs the event pipeline.
func NewLog(store storage.EventStore, signer *signing.Signer, log *logger.Logger) *Log {
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Log{
		store:  store,
		signer: signer,
		log:    log,
		subs:   make(map[int]chan event.Envelope),
	}
}

// Emit signs and appends one event. The dedup key pins the deterministic
// event id, so replayed emissions produce the same id.
func (l *Log) Emit(ctx context.Context, eventType, correlationID, dedupKey string, by actor.Actor, payload map[string]any) (event.Envelope, error) {
	id, err := event.StableID(eventType, correlationID, dedupKey)
	if err != nil {
		return event.Envelope{}, err
	}
	env := event.Envelope{
		EventID:       id,
		Type:          eventType,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: correlationID,
		Actor:         by,
		Payload:       payload,
	}
	if l.signer != nil {
		sig, err := l.signer.Sign(env)
		if err != nil {
			return event.Envelope{}, err
		}
		env.Signature = sig
	}

	appended, err := l.store.AppendEvent(ctx, env)
	if err != nil {
		return event.Envelope{}, err
	}
	l.fanOut(appended)
	return appended, nil
}

// List returns events with sequence > after, up to limit.
func (l *Log) List(ctx context.Context, after int64, limit int) ([]event.Envelope, error) {
	return l.store.ListEvents(ctx, after, limit)
}

// Count reports the log length.
func (l *Log) Count(ctx context.Context) (int64, error) {
	return l.store.CountEvents(ctx)
}

// Subscribe registers an in-process consumer. The returned cancel func must
// be called to release the channel. Slow consumers lose events rather than
// block the writer.
func (l *Log) Subscribe(buffer int) (<-chan event.Envelope, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan event.Envelope, buffer)

	l.mu.Lock()
	id := l.next
	l.next++
	l.subs[id] = ch
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		if sub, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(sub)
		}
		l.mu.Unlock()
	}
	return ch, cancel
}

func (l *Log) fanOut(env event.Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- env:
		default:
			l.log.WithField("event_id", env.EventID).Warn("subscriber buffer full, event dropped")
		}
	}
}
