// Package storage declares the persistence interfaces the clearing engine
// runs on. Mutating methods are atomic-or-fail; compound check-and-set
// methods (reserve, state transitions) keep cross-aggregate invariants
// inside the store.
package storage

import (
	"context"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/commitment"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/custody"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/event"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/intent"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/proposal"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/settlement"
	"github.com/SwapGraph-Network/clearing_engine/internal/idempotency"
)

// IntentStore persists swap intents, their reservations, and edge intents.
type IntentStore interface {
	CreateIntent(ctx context.Context, in intent.SwapIntent) (intent.SwapIntent, error)
	UpdateIntent(ctx context.Context, in intent.SwapIntent) (intent.SwapIntent, error)
	GetIntent(ctx context.Context, id string) (intent.SwapIntent, error)
	ListIntents(ctx context.Context) ([]intent.SwapIntent, error)
	ListIntentsByActor(ctx context.Context, a actor.Actor) ([]intent.SwapIntent, error)

	// ReserveIntent atomically moves an active intent to reserved and pins
	// it to (proposalID, commitID). Reserving an intent already pinned to
	// the same commit is a no-op; any other state conflicts.
	ReserveIntent(ctx context.Context, intentID, proposalID, commitID string) (intent.SwapIntent, error)
	// ReleaseIntent clears the reservation and sets the final status
	// (active to re-enter matching, or a terminal status).
	ReleaseIntent(ctx context.Context, intentID string, final intent.Status) (intent.SwapIntent, error)
	GetReservation(ctx context.Context, intentID string) (intent.Reservation, bool, error)

	CreateEdgeIntent(ctx context.Context, e intent.EdgeIntent) (intent.EdgeIntent, error)
	ListEdgeIntents(ctx context.Context) ([]intent.EdgeIntent, error)
}

// ProposalStore persists cycle proposals.
type ProposalStore interface {
	// ReplaceProposals writes a matching run's selected proposals. When
	// replaceExisting is set, prior proposals without a live reservation
	// are dropped first.
	ReplaceProposals(ctx context.Context, proposals []proposal.CycleProposal, replaceExisting bool) error
	GetProposal(ctx context.Context, id string) (proposal.CycleProposal, error)
	ListProposals(ctx context.Context) ([]proposal.CycleProposal, error)
}

// CommitStore persists two-phase commits.
type CommitStore interface {
	PutCommit(ctx context.Context, c commitment.Commit) (commitment.Commit, error)
	GetCommit(ctx context.Context, id string) (commitment.Commit, error)
	GetCommitByProposal(ctx context.Context, proposalID string) (commitment.Commit, bool, error)
}

// TimelineStore persists settlement timelines and cycle tenancy claims.
type TimelineStore interface {
	CreateTimeline(ctx context.Context, t settlement.Timeline) (settlement.Timeline, error)
	GetTimeline(ctx context.Context, cycleID string) (settlement.Timeline, error)
	// UpdateTimeline replaces the timeline iff the stored state equals
	// expectState.
	UpdateTimeline(ctx context.Context, t settlement.Timeline, expectState settlement.State) (settlement.Timeline, error)
	ListTimelines(ctx context.Context) ([]settlement.Timeline, error)

	// ClaimCycle records the partner operating a cycle. A different
	// partner claiming an already-claimed cycle is rejected.
	ClaimCycle(ctx context.Context, cycleID, partnerID string) error
	GetCycleClaim(ctx context.Context, cycleID string) (string, bool, error)
}

// ReceiptStore persists terminal receipts, keyed by cycle.
type ReceiptStore interface {
	PutReceipt(ctx context.Context, r settlement.Receipt) (settlement.Receipt, error)
	GetReceipt(ctx context.Context, cycleID string) (settlement.Receipt, error)
}

// EventStore is the append-only signed event log.
type EventStore interface {
	// AppendEvent assigns the next monotone sequence number and appends.
	AppendEvent(ctx context.Context, env event.Envelope) (event.Envelope, error)
	// ListEvents returns events with sequence > after, at most limit
	// (limit <= 0 means no cap), in sequence order.
	ListEvents(ctx context.Context, after int64, limit int) ([]event.Envelope, error)
	CountEvents(ctx context.Context) (int64, error)
}

// CustodyStore persists custody snapshots.
type CustodyStore interface {
	// InsertSnapshot rejects duplicate snapshot ids.
	InsertSnapshot(ctx context.Context, s custody.Snapshot) (custody.Snapshot, error)
	GetSnapshot(ctx context.Context, snapshotID string) (custody.Snapshot, error)
	// ListSnapshots pages forward by snapshot id. cursorAfter names the
	// last id of the previous page and must exist when non-empty. The
	// returned cursor is empty on the final page.
	ListSnapshots(ctx context.Context, cursorAfter string, limit int) ([]custody.Snapshot, string, error)
}

// IdempotencyStore persists the replay registry.
type IdempotencyStore = idempotency.Store

// Exporter is implemented by backends that can serialize the full state
// document canonically and replay it back.
type Exporter interface {
	ExportState(ctx context.Context) ([]byte, error)
	RestoreState(ctx context.Context, raw []byte) error
}

// Store is the full persistence surface.
type Store interface {
	IntentStore
	ProposalStore
	CommitStore
	TimelineStore
	ReceiptStore
	EventStore
	CustodyStore
	IdempotencyStore
}
