// Package memory is the in-memory implementation of the storage interfaces.
// It is safe for concurrent use and backs tests, local development, and the
// deterministic replay surface (export/restore of the full state document).
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/commitment"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/custody"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/event"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/intent"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/proposal"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/settlement"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/storage"
	"github.com/SwapGraph-Network/clearing_engine/internal/canonical"
	"github.com/SwapGraph-Network/clearing_engine/internal/errors"
	"github.com/SwapGraph-Network/clearing_engine/internal/idempotency"
)

// Store is the in-memory document store. A single mutex guards the whole
// document so compound check-and-set operations stay atomic.
type Store struct {
	mu  sync.RWMutex
	doc document
}

// document is the full persisted state, shaped for canonical export.
type document struct {
	Intents      map[string]intent.SwapIntent         `json:"intents"`
	Reservations map[string]intent.Reservation        `json:"reservations"`
	EdgeIntents  map[string]intent.EdgeIntent         `json:"edge_intents"`
	Proposals    map[string]proposal.CycleProposal    `json:"proposals"`
	Commits      map[string]commitment.Commit         `json:"commits"`
	Timelines    map[string]settlement.Timeline       `json:"timelines"`
	CycleClaims  map[string]string                    `json:"cycle_claims"`
	Receipts     map[string]settlement.Receipt        `json:"receipts"`
	Events       []event.Envelope                     `json:"events"`
	Snapshots    map[string]custody.Snapshot          `json:"snapshots"`
	Idempotency  map[string]idempotency.Record        `json:"idempotency"`
}

var _ storage.Store = (*Store)(nil)
var _ storage.Exporter = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{doc: newDocument()}
}

func newDocument() document {
	return document{
		Intents:      make(map[string]intent.SwapIntent),
		Reservations: make(map[string]intent.Reservation),
		EdgeIntents:  make(map[string]intent.EdgeIntent),
		Proposals:    make(map[string]proposal.CycleProposal),
		Commits:      make(map[string]commitment.Commit),
		Timelines:    make(map[string]settlement.Timeline),
		CycleClaims:  make(map[string]string),
		Receipts:     make(map[string]settlement.Receipt),
		Snapshots:    make(map[string]custody.Snapshot),
		Idempotency:  make(map[string]idempotency.Record),
	}
}

// IntentStore implementation --------------------------------------------------

func (s *Store) CreateIntent(_ context.Context, in intent.SwapIntent) (intent.SwapIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.ID == "" {
		return intent.SwapIntent{}, errors.Internal("intent id not assigned", nil)
	}
	if _, exists := s.doc.Intents[in.ID]; exists {
		return intent.SwapIntent{}, errors.Newf(errors.CodeConflict, "swap intent %s already exists", in.ID)
	}

	now := time.Now().UTC()
	in.CreatedAt = now
	in.UpdatedAt = now

	s.doc.Intents[in.ID] = cloneIntent(in)
	return cloneIntent(in), nil
}

func (s *Store) UpdateIntent(_ context.Context, in intent.SwapIntent) (intent.SwapIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.doc.Intents[in.ID]
	if !ok {
		return intent.SwapIntent{}, errors.NotFound("swap_intent", in.ID)
	}

	in.CreatedAt = original.CreatedAt
	in.UpdatedAt = time.Now().UTC()

	s.doc.Intents[in.ID] = cloneIntent(in)
	return cloneIntent(in), nil
}

func (s *Store) GetIntent(_ context.Context, id string) (intent.SwapIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.doc.Intents[id]
	if !ok {
		return intent.SwapIntent{}, errors.NotFound("swap_intent", id)
	}
	return cloneIntent(in), nil
}

func (s *Store) ListIntents(_ context.Context) ([]intent.SwapIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]intent.SwapIntent, 0, len(s.doc.Intents))
	for _, in := range s.doc.Intents {
		result = append(result, cloneIntent(in))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) ListIntentsByActor(_ context.Context, a actor.Actor) ([]intent.SwapIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]intent.SwapIntent, 0)
	for _, in := range s.doc.Intents {
		if in.Actor.Equal(a) {
			result = append(result, cloneIntent(in))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) ReserveIntent(_ context.Context, intentID, proposalID, commitID string) (intent.SwapIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.doc.Intents[intentID]
	if !ok {
		return intent.SwapIntent{}, errors.NotFound("swap_intent", intentID)
	}
	switch in.Status {
	case intent.StatusActive:
	case intent.StatusReserved:
		if res, held := s.doc.Reservations[intentID]; held && res.CommitID == commitID {
			return cloneIntent(in), nil
		}
		return intent.SwapIntent{}, errors.Newf(errors.CodeConflict, "swap intent %s is reserved by another commit", intentID).
			WithDetails("intent_id", intentID)
	default:
		return intent.SwapIntent{}, errors.Newf(errors.CodeConflict, "swap intent %s is %s and cannot be reserved", intentID, in.Status).
			WithDetails("intent_id", intentID)
	}

	in.Status = intent.StatusReserved
	in.UpdatedAt = time.Now().UTC()
	s.doc.Intents[intentID] = cloneIntent(in)
	s.doc.Reservations[intentID] = intent.Reservation{
		IntentID:   intentID,
		ProposalID: proposalID,
		CommitID:   commitID,
		CreatedAt:  in.UpdatedAt,
	}
	return cloneIntent(in), nil
}

func (s *Store) ReleaseIntent(_ context.Context, intentID string, final intent.Status) (intent.SwapIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.doc.Intents[intentID]
	if !ok {
		return intent.SwapIntent{}, errors.NotFound("swap_intent", intentID)
	}

	delete(s.doc.Reservations, intentID)
	in.Status = final
	in.UpdatedAt = time.Now().UTC()
	s.doc.Intents[intentID] = cloneIntent(in)
	return cloneIntent(in), nil
}

func (s *Store) GetReservation(_ context.Context, intentID string) (intent.Reservation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.doc.Reservations[intentID]
	return res, ok, nil
}

func (s *Store) CreateEdgeIntent(_ context.Context, e intent.EdgeIntent) (intent.EdgeIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		return intent.EdgeIntent{}, errors.Internal("edge intent id not assigned", nil)
	}
	if _, exists := s.doc.EdgeIntents[e.ID]; exists {
		return intent.EdgeIntent{}, errors.Newf(errors.CodeConflict, "edge intent %s already exists", e.ID)
	}

	e.CreatedAt = time.Now().UTC()
	s.doc.EdgeIntents[e.ID] = cloneEdge(e)
	return cloneEdge(e), nil
}

func (s *Store) ListEdgeIntents(_ context.Context) ([]intent.EdgeIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]intent.EdgeIntent, 0, len(s.doc.EdgeIntents))
	for _, e := range s.doc.EdgeIntents {
		result = append(result, cloneEdge(e))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ProposalStore implementation ------------------------------------------------

func (s *Store) ReplaceProposals(_ context.Context, proposals []proposal.CycleProposal, replaceExisting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if replaceExisting {
		reservedProposals := make(map[string]struct{}, len(s.doc.Reservations))
		for _, res := range s.doc.Reservations {
			reservedProposals[res.ProposalID] = struct{}{}
		}
		for id := range s.doc.Proposals {
			if _, held := reservedProposals[id]; !held {
				delete(s.doc.Proposals, id)
			}
		}
	}
	for _, p := range proposals {
		s.doc.Proposals[p.ID] = cloneProposal(p)
	}
	return nil
}

func (s *Store) GetProposal(_ context.Context, id string) (proposal.CycleProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.doc.Proposals[id]
	if !ok {
		return proposal.CycleProposal{}, errors.NotFound("cycle_proposal", id)
	}
	return cloneProposal(p), nil
}

func (s *Store) ListProposals(_ context.Context) ([]proposal.CycleProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]proposal.CycleProposal, 0, len(s.doc.Proposals))
	for _, p := range s.doc.Proposals {
		result = append(result, cloneProposal(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// CommitStore implementation --------------------------------------------------

func (s *Store) PutCommit(_ context.Context, c commitment.Commit) (commitment.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.doc.Commits[c.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = time.Now().UTC()

	s.doc.Commits[c.ID] = cloneCommit(c)
	return cloneCommit(c), nil
}

func (s *Store) GetCommit(_ context.Context, id string) (commitment.Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.doc.Commits[id]
	if !ok {
		return commitment.Commit{}, errors.NotFound("commit", id)
	}
	return cloneCommit(c), nil
}

func (s *Store) GetCommitByProposal(_ context.Context, proposalID string) (commitment.Commit, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.doc.Commits {
		if c.ProposalID == proposalID {
			return cloneCommit(c), true, nil
		}
	}
	return commitment.Commit{}, false, nil
}

// TimelineStore implementation ------------------------------------------------

func (s *Store) CreateTimeline(_ context.Context, t settlement.Timeline) (settlement.Timeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.doc.Timelines[t.CycleID]; exists {
		return settlement.Timeline{}, errors.Newf(errors.CodeConflict, "settlement timeline for cycle %s already exists", t.CycleID)
	}

	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	s.doc.Timelines[t.CycleID] = cloneTimeline(t)
	return cloneTimeline(t), nil
}

func (s *Store) GetTimeline(_ context.Context, cycleID string) (settlement.Timeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.doc.Timelines[cycleID]
	if !ok {
		return settlement.Timeline{}, errors.NotFound("settlement_timeline", cycleID)
	}
	return cloneTimeline(t), nil
}

func (s *Store) UpdateTimeline(_ context.Context, t settlement.Timeline, expectState settlement.State) (settlement.Timeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.doc.Timelines[t.CycleID]
	if !ok {
		return settlement.Timeline{}, errors.NotFound("settlement_timeline", t.CycleID)
	}
	if original.State != expectState {
		return settlement.Timeline{}, errors.Newf(errors.CodeConflict, "settlement timeline for cycle %s is %s, expected %s", t.CycleID, original.State, expectState).
			WithDetails("cycle_id", t.CycleID).
			WithDetails("current_state", string(original.State))
	}

	t.CreatedAt = original.CreatedAt
	t.UpdatedAt = time.Now().UTC()

	s.doc.Timelines[t.CycleID] = cloneTimeline(t)
	return cloneTimeline(t), nil
}

func (s *Store) ListTimelines(_ context.Context) ([]settlement.Timeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]settlement.Timeline, 0, len(s.doc.Timelines))
	for _, t := range s.doc.Timelines {
		result = append(result, cloneTimeline(t))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CycleID < result[j].CycleID })
	return result, nil
}

func (s *Store) ClaimCycle(_ context.Context, cycleID, partnerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.doc.CycleClaims[cycleID]; ok && existing != partnerID {
		return errors.Newf(errors.CodeForbidden, "cycle %s is operated by another partner", cycleID).
			WithDetails("cycle_id", cycleID)
	}
	s.doc.CycleClaims[cycleID] = partnerID
	return nil
}

func (s *Store) GetCycleClaim(_ context.Context, cycleID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	partnerID, ok := s.doc.CycleClaims[cycleID]
	return partnerID, ok, nil
}

// ReceiptStore implementation -------------------------------------------------

func (s *Store) PutReceipt(_ context.Context, r settlement.Receipt) (settlement.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.doc.Receipts[r.CycleID]; ok {
		return cloneReceipt(existing), nil
	}
	s.doc.Receipts[r.CycleID] = cloneReceipt(r)
	return cloneReceipt(r), nil
}

func (s *Store) GetReceipt(_ context.Context, cycleID string) (settlement.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.doc.Receipts[cycleID]
	if !ok {
		return settlement.Receipt{}, errors.NotFound("receipt", cycleID)
	}
	return cloneReceipt(r), nil
}

// EventStore implementation ---------------------------------------------------

func (s *Store) AppendEvent(_ context.Context, env event.Envelope) (event.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env.Sequence = int64(len(s.doc.Events)) + 1
	s.doc.Events = append(s.doc.Events, cloneEvent(env))
	return cloneEvent(env), nil
}

func (s *Store) ListEvents(_ context.Context, after int64, limit int) ([]event.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]event.Envelope, 0)
	for _, env := range s.doc.Events {
		if env.Sequence <= after {
			continue
		}
		result = append(result, cloneEvent(env))
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CountEvents(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.doc.Events)), nil
}

// CustodyStore implementation -------------------------------------------------

func (s *Store) InsertSnapshot(_ context.Context, snap custody.Snapshot) (custody.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.doc.Snapshots[snap.SnapshotID]; exists {
		return custody.Snapshot{}, errors.Newf(errors.CodeConstraintViolation, "custody snapshot %s already exists", snap.SnapshotID).
			WithDetails("constraint", "vault_custody_snapshot_exists")
	}
	s.doc.Snapshots[snap.SnapshotID] = cloneSnapshot(snap)
	return cloneSnapshot(snap), nil
}

func (s *Store) GetSnapshot(_ context.Context, snapshotID string) (custody.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.doc.Snapshots[snapshotID]
	if !ok {
		return custody.Snapshot{}, errors.NotFound("custody_snapshot", snapshotID)
	}
	return cloneSnapshot(snap), nil
}

func (s *Store) ListSnapshots(_ context.Context, cursorAfter string, limit int) ([]custody.Snapshot, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.doc.Snapshots))
	for id := range s.doc.Snapshots {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	start := 0
	if cursorAfter != "" {
		if _, ok := s.doc.Snapshots[cursorAfter]; !ok {
			return nil, "", errors.Newf(errors.CodeConstraintViolation, "unknown snapshot cursor %s", cursorAfter).
				WithDetails("constraint", "vault_custody_cursor_not_found")
		}
		for i, id := range ids {
			if id == cursorAfter {
				start = i + 1
				break
			}
		}
	}

	result := make([]custody.Snapshot, 0, limit)
	for _, id := range ids[start:] {
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, cloneSnapshot(s.doc.Snapshots[id]))
	}

	next := ""
	if len(result) > 0 {
		last := result[len(result)-1].SnapshotID
		if last != ids[len(ids)-1] {
			next = last
		}
	}
	return result, next, nil
}

// IdempotencyStore implementation ---------------------------------------------

func (s *Store) GetIdempotencyRecord(_ context.Context, scopeKey string) (idempotency.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.doc.Idempotency[scopeKey]
	if !ok {
		return idempotency.Record{}, false, nil
	}
	rec.Result = append([]byte(nil), rec.Result...)
	return rec, true, nil
}

func (s *Store) PutIdempotencyRecord(_ context.Context, rec idempotency.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.Result = append([]byte(nil), rec.Result...)
	s.doc.Idempotency[rec.ScopeKey] = rec
	return nil
}

// Exporter implementation -----------------------------------------------------

// ExportState serializes the full state document canonically.
func (s *Store) ExportState(_ context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := canonical.Marshal(s.doc)
	if err != nil {
		return nil, errors.Internal("export state", err)
	}
	return raw, nil
}

// RestoreState replaces the document with a previously exported one.
func (s *Store) RestoreState(_ context.Context, raw []byte) error {
	doc := newDocument()
	if err := unmarshalDocument(raw, &doc); err != nil {
		return errors.SchemaInvalid("state document is not valid JSON").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc
	return nil
}

func unmarshalDocument(raw []byte, doc *document) error {
	if err := json.Unmarshal(raw, doc); err != nil {
		return err
	}
	if doc.Intents == nil {
		doc.Intents = make(map[string]intent.SwapIntent)
	}
	if doc.Reservations == nil {
		doc.Reservations = make(map[string]intent.Reservation)
	}
	if doc.EdgeIntents == nil {
		doc.EdgeIntents = make(map[string]intent.EdgeIntent)
	}
	if doc.Proposals == nil {
		doc.Proposals = make(map[string]proposal.CycleProposal)
	}
	if doc.Commits == nil {
		doc.Commits = make(map[string]commitment.Commit)
	}
	if doc.Timelines == nil {
		doc.Timelines = make(map[string]settlement.Timeline)
	}
	if doc.CycleClaims == nil {
		doc.CycleClaims = make(map[string]string)
	}
	if doc.Receipts == nil {
		doc.Receipts = make(map[string]settlement.Receipt)
	}
	if doc.Snapshots == nil {
		doc.Snapshots = make(map[string]custody.Snapshot)
	}
	if doc.Idempotency == nil {
		doc.Idempotency = make(map[string]idempotency.Record)
	}
	return nil
}

// Helpers ----------------------------------------------------------------------

func cloneIntent(in intent.SwapIntent) intent.SwapIntent {
	in.Offer = append([]intent.AssetRef(nil), in.Offer...)
	in.WantSpec.AnyOf = append([]intent.WantClause(nil), in.WantSpec.AnyOf...)
	return in
}

func cloneEdge(e intent.EdgeIntent) intent.EdgeIntent {
	if e.ExpiresAt != nil {
		at := *e.ExpiresAt
		e.ExpiresAt = &at
	}
	return e
}

func cloneProposal(p proposal.CycleProposal) proposal.CycleProposal {
	parts := make([]proposal.Participant, len(p.Participants))
	for i, part := range p.Participants {
		part.Give = append([]intent.AssetRef(nil), part.Give...)
		part.Get = append([]intent.AssetRef(nil), part.Get...)
		parts[i] = part
	}
	p.Participants = parts
	p.Explainability = append([]string(nil), p.Explainability...)
	return p
}

func cloneCommit(c commitment.Commit) commitment.Commit {
	acc := make(map[string]commitment.Acceptance, len(c.Acceptances))
	for k, v := range c.Acceptances {
		acc[k] = v
	}
	c.Acceptances = acc
	return c
}

func cloneTimeline(t settlement.Timeline) settlement.Timeline {
	legs := make([]settlement.Leg, len(t.Legs))
	for i, leg := range t.Legs {
		leg.Assets = append([]intent.AssetRef(nil), leg.Assets...)
		if leg.DepositedAt != nil {
			at := *leg.DepositedAt
			leg.DepositedAt = &at
		}
		if leg.ReleasedAt != nil {
			at := *leg.ReleasedAt
			leg.ReleasedAt = &at
		}
		if leg.RefundedAt != nil {
			at := *leg.RefundedAt
			leg.RefundedAt = &at
		}
		legs[i] = leg
	}
	t.Legs = legs
	return t
}

func cloneReceipt(r settlement.Receipt) settlement.Receipt {
	r.IntentIDs = append([]string(nil), r.IntentIDs...)
	r.AssetIDs = append([]string(nil), r.AssetIDs...)
	if r.Transparency != nil {
		tr := *r.Transparency
		r.Transparency = &tr
	}
	if r.Signature != nil {
		sig := *r.Signature
		r.Signature = &sig
	}
	return r
}

func cloneEvent(env event.Envelope) event.Envelope {
	payload := make(map[string]any, len(env.Payload))
	for k, v := range env.Payload {
		payload[k] = v
	}
	env.Payload = payload
	if env.Signature != nil {
		sig := *env.Signature
		env.Signature = &sig
	}
	return env
}

func cloneSnapshot(snap custody.Snapshot) custody.Snapshot {
	snap.Holdings = append([]custody.Holding(nil), snap.Holdings...)
	snap.LeafHashes = append([]string(nil), snap.LeafHashes...)
	return snap
}
