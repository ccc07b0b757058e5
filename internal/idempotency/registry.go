// Package idempotency implements the replay registry binding every mutating
// operation to a replay-safe outcome. The replay boundary is the scope key
// (actor_type|actor_id|operation_id|client_key); the payload hash decides
// between a verbatim replay and a key-reuse conflict.
package idempotency

import (
	"context"
	"strings"
	"time"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
	"github.com/SwapGraph-Network/clearing_engine/internal/errors"
)

// Record is one cached write outcome.
type Record struct {
	ScopeKey    string    `json:"scope_key"`
	PayloadHash string    `json:"payload_hash"`
	StatusCode  int       `json:"status_code"`
	Result      []byte    `json:"result"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the persistence the registry runs on.
type Store interface {
	GetIdempotencyRecord(ctx context.Context, scopeKey string) (Record, bool, error)
	PutIdempotencyRecord(ctx context.Context, rec Record) error
}

// ScopeKey derives the replay boundary for a request.
func ScopeKey(a actor.Actor, operationID, clientKey string) string {
	return strings.Join([]string{string(a.Type), a.ID, operationID, clientKey}, "|")
}

// Registry checks and persists write outcomes.
type Registry struct {
	store Store
}

// New builds a registry over the given store.
func New(store Store) *Registry {
	return &Registry{store: store}
}

// Check looks the scope key up. A hit with a matching payload hash returns
// the cached record for verbatim replay; a hit with a differing hash is the
// key-reuse conflict; a miss returns nil.
func (r *Registry) Check(ctx context.Context, scopeKey, payloadHash string) (*Record, error) {
	rec, ok, err := r.store.GetIdempotencyRecord(ctx, scopeKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if rec.PayloadHash != payloadHash {
		return nil, errors.IdempotencyMismatch(scopeKey, rec.PayloadHash, payloadHash)
	}
	return &rec, nil
}

// Save persists the outcome of a first execution.
func (r *Registry) Save(ctx context.Context, scopeKey, payloadHash string, statusCode int, result []byte) error {
	return r.store.PutIdempotencyRecord(ctx, Record{
		ScopeKey:    scopeKey,
		PayloadHash: payloadHash,
		StatusCode:  statusCode,
		Result:      append([]byte(nil), result...),
		CreatedAt:   time.Now().UTC(),
	})
}
