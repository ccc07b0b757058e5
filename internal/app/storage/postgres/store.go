// Package postgres implements the storage interfaces on PostgreSQL. Each
// aggregate is persisted as a JSONB document keyed by its id; events live in
// a bigserial-sequenced append-only table.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/lib/pq"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/commitment"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/custody"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/event"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/intent"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/proposal"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/settlement"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/storage"
	"github.com/SwapGraph-Network/clearing_engine/internal/errors"
	"github.com/SwapGraph-Network/clearing_engine/internal/idempotency"
)

const uniqueViolation = "23505"

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return stderrors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// --- IntentStore ------------------------------------------------------------

func (s *Store) CreateIntent(ctx context.Context, in intent.SwapIntent) (intent.SwapIntent, error) {
	now := time.Now().UTC()
	in.CreatedAt = now
	in.UpdatedAt = now

	doc, err := json.Marshal(in)
	if err != nil {
		return intent.SwapIntent{}, errors.Internal("marshal swap intent", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO swap_intents (id, actor_type, actor_id, status, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, in.ID, string(in.Actor.Type), in.Actor.ID, string(in.Status), doc, in.CreatedAt, in.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return intent.SwapIntent{}, errors.Newf(errors.CodeConflict, "swap intent %s already exists", in.ID)
		}
		return intent.SwapIntent{}, errors.Internal("insert swap intent", err)
	}
	return in, nil
}

func (s *Store) UpdateIntent(ctx context.Context, in intent.SwapIntent) (intent.SwapIntent, error) {
	in.UpdatedAt = time.Now().UTC()

	doc, err := json.Marshal(in)
	if err != nil {
		return intent.SwapIntent{}, errors.Internal("marshal swap intent", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE swap_intents
		SET status = $2, doc = $3, updated_at = $4
		WHERE id = $1
	`, in.ID, string(in.Status), doc, in.UpdatedAt)
	if err != nil {
		return intent.SwapIntent{}, errors.Internal("update swap intent", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return intent.SwapIntent{}, errors.NotFound("swap_intent", in.ID)
	}
	return in, nil
}

func (s *Store) GetIntent(ctx context.Context, id string) (intent.SwapIntent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT doc FROM swap_intents WHERE id = $1`, id)
	return scanIntent(row, id)
}

func scanIntent(row *sql.Row, id string) (intent.SwapIntent, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return intent.SwapIntent{}, errors.NotFound("swap_intent", id)
		}
		return intent.SwapIntent{}, errors.Internal("scan swap intent", err)
	}
	var in intent.SwapIntent
	if err := json.Unmarshal(doc, &in); err != nil {
		return intent.SwapIntent{}, errors.Internal("decode swap intent", err)
	}
	return in, nil
}

func (s *Store) ListIntents(ctx context.Context) ([]intent.SwapIntent, error) {
	return s.queryIntents(ctx, `SELECT doc FROM swap_intents ORDER BY id`)
}

func (s *Store) ListIntentsByActor(ctx context.Context, a actor.Actor) ([]intent.SwapIntent, error) {
	return s.queryIntents(ctx, `
		SELECT doc FROM swap_intents
		WHERE actor_type = $1 AND actor_id = $2
		ORDER BY id
	`, string(a.Type), a.ID)
}

func (s *Store) queryIntents(ctx context.Context, query string, args ...any) ([]intent.SwapIntent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Internal("query swap intents", err)
	}
	defer rows.Close()

	result := make([]intent.SwapIntent, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, errors.Internal("scan swap intent", err)
		}
		var in intent.SwapIntent
		if err := json.Unmarshal(doc, &in); err != nil {
			return nil, errors.Internal("decode swap intent", err)
		}
		result = append(result, in)
	}
	return result, rows.Err()
}

func (s *Store) ReserveIntent(ctx context.Context, intentID, proposalID, commitID string) (intent.SwapIntent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return intent.SwapIntent{}, errors.Internal("begin reserve", err)
	}
	defer tx.Rollback()

	var doc []byte
	err = tx.QueryRowContext(ctx, `SELECT doc FROM swap_intents WHERE id = $1 FOR UPDATE`, intentID).Scan(&doc)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return intent.SwapIntent{}, errors.NotFound("swap_intent", intentID)
		}
		return intent.SwapIntent{}, errors.Internal("lock swap intent", err)
	}
	var in intent.SwapIntent
	if err := json.Unmarshal(doc, &in); err != nil {
		return intent.SwapIntent{}, errors.Internal("decode swap intent", err)
	}

	switch in.Status {
	case intent.StatusActive:
	case intent.StatusReserved:
		var heldCommit string
		err = tx.QueryRowContext(ctx, `SELECT commit_id FROM reservations WHERE intent_id = $1`, intentID).Scan(&heldCommit)
		if err == nil && heldCommit == commitID {
			return in, tx.Commit()
		}
		return intent.SwapIntent{}, errors.Newf(errors.CodeConflict, "swap intent %s is reserved by another commit", intentID).
			WithDetails("intent_id", intentID)
	default:
		return intent.SwapIntent{}, errors.Newf(errors.CodeConflict, "swap intent %s is %s and cannot be reserved", intentID, in.Status).
			WithDetails("intent_id", intentID)
	}

	now := time.Now().UTC()
	in.Status = intent.StatusReserved
	in.UpdatedAt = now
	updated, err := json.Marshal(in)
	if err != nil {
		return intent.SwapIntent{}, errors.Internal("marshal swap intent", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE swap_intents SET status = $2, doc = $3, updated_at = $4 WHERE id = $1
	`, intentID, string(in.Status), updated, now); err != nil {
		return intent.SwapIntent{}, errors.Internal("update swap intent", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reservations (intent_id, proposal_id, commit_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, intentID, proposalID, commitID, now); err != nil {
		return intent.SwapIntent{}, errors.Internal("insert reservation", err)
	}
	if err := tx.Commit(); err != nil {
		return intent.SwapIntent{}, errors.Internal("commit reserve", err)
	}
	return in, nil
}

func (s *Store) ReleaseIntent(ctx context.Context, intentID string, final intent.Status) (intent.SwapIntent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return intent.SwapIntent{}, errors.Internal("begin release", err)
	}
	defer tx.Rollback()

	var doc []byte
	err = tx.QueryRowContext(ctx, `SELECT doc FROM swap_intents WHERE id = $1 FOR UPDATE`, intentID).Scan(&doc)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return intent.SwapIntent{}, errors.NotFound("swap_intent", intentID)
		}
		return intent.SwapIntent{}, errors.Internal("lock swap intent", err)
	}
	var in intent.SwapIntent
	if err := json.Unmarshal(doc, &in); err != nil {
		return intent.SwapIntent{}, errors.Internal("decode swap intent", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE intent_id = $1`, intentID); err != nil {
		return intent.SwapIntent{}, errors.Internal("delete reservation", err)
	}

	now := time.Now().UTC()
	in.Status = final
	in.UpdatedAt = now
	updated, err := json.Marshal(in)
	if err != nil {
		return intent.SwapIntent{}, errors.Internal("marshal swap intent", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE swap_intents SET status = $2, doc = $3, updated_at = $4 WHERE id = $1
	`, intentID, string(in.Status), updated, now); err != nil {
		return intent.SwapIntent{}, errors.Internal("update swap intent", err)
	}
	if err := tx.Commit(); err != nil {
		return intent.SwapIntent{}, errors.Internal("commit release", err)
	}
	return in, nil
}

func (s *Store) GetReservation(ctx context.Context, intentID string) (intent.Reservation, bool, error) {
	var res intent.Reservation
	err := s.db.QueryRowContext(ctx, `
		SELECT intent_id, proposal_id, commit_id, created_at
		FROM reservations WHERE intent_id = $1
	`, intentID).Scan(&res.IntentID, &res.ProposalID, &res.CommitID, &res.CreatedAt)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return intent.Reservation{}, false, nil
		}
		return intent.Reservation{}, false, errors.Internal("scan reservation", err)
	}
	return res, true, nil
}

func (s *Store) CreateEdgeIntent(ctx context.Context, e intent.EdgeIntent) (intent.EdgeIntent, error) {
	e.CreatedAt = time.Now().UTC()
	doc, err := json.Marshal(e)
	if err != nil {
		return intent.EdgeIntent{}, errors.Internal("marshal edge intent", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO edge_intents (id, doc, created_at) VALUES ($1, $2, $3)
	`, e.ID, doc, e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return intent.EdgeIntent{}, errors.Newf(errors.CodeConflict, "edge intent %s already exists", e.ID)
		}
		return intent.EdgeIntent{}, errors.Internal("insert edge intent", err)
	}
	return e, nil
}

func (s *Store) ListEdgeIntents(ctx context.Context) ([]intent.EdgeIntent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM edge_intents ORDER BY id`)
	if err != nil {
		return nil, errors.Internal("query edge intents", err)
	}
	defer rows.Close()

	result := make([]intent.EdgeIntent, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, errors.Internal("scan edge intent", err)
		}
		var e intent.EdgeIntent
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, errors.Internal("decode edge intent", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// --- ProposalStore ----------------------------------------------------------

func (s *Store) ReplaceProposals(ctx context.Context, proposals []proposal.CycleProposal, replaceExisting bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Internal("begin replace proposals", err)
	}
	defer tx.Rollback()

	if replaceExisting {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM cycle_proposals
			WHERE id NOT IN (SELECT proposal_id FROM reservations)
		`); err != nil {
			return errors.Internal("drop stale proposals", err)
		}
	}
	for _, p := range proposals {
		doc, err := json.Marshal(p)
		if err != nil {
			return errors.Internal("marshal proposal", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cycle_proposals (id, doc, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc
		`, p.ID, doc, p.CreatedAt); err != nil {
			return errors.Internal("upsert proposal", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Internal("commit replace proposals", err)
	}
	return nil
}

func (s *Store) GetProposal(ctx context.Context, id string) (proposal.CycleProposal, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM cycle_proposals WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return proposal.CycleProposal{}, errors.NotFound("cycle_proposal", id)
		}
		return proposal.CycleProposal{}, errors.Internal("scan proposal", err)
	}
	var p proposal.CycleProposal
	if err := json.Unmarshal(doc, &p); err != nil {
		return proposal.CycleProposal{}, errors.Internal("decode proposal", err)
	}
	return p, nil
}

func (s *Store) ListProposals(ctx context.Context) ([]proposal.CycleProposal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM cycle_proposals ORDER BY id`)
	if err != nil {
		return nil, errors.Internal("query proposals", err)
	}
	defer rows.Close()

	result := make([]proposal.CycleProposal, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, errors.Internal("scan proposal", err)
		}
		var p proposal.CycleProposal
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, errors.Internal("decode proposal", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// --- CommitStore ------------------------------------------------------------

func (s *Store) PutCommit(ctx context.Context, c commitment.Commit) (commitment.Commit, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = time.Now().UTC()

	doc, err := json.Marshal(c)
	if err != nil {
		return commitment.Commit{}, errors.Internal("marshal commit", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO commits (id, proposal_id, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at
	`, c.ID, c.ProposalID, doc, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return commitment.Commit{}, errors.Internal("upsert commit", err)
	}
	return c, nil
}

func (s *Store) GetCommit(ctx context.Context, id string) (commitment.Commit, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM commits WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return commitment.Commit{}, errors.NotFound("commit", id)
		}
		return commitment.Commit{}, errors.Internal("scan commit", err)
	}
	var c commitment.Commit
	if err := json.Unmarshal(doc, &c); err != nil {
		return commitment.Commit{}, errors.Internal("decode commit", err)
	}
	return c, nil
}

func (s *Store) GetCommitByProposal(ctx context.Context, proposalID string) (commitment.Commit, bool, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM commits WHERE proposal_id = $1`, proposalID).Scan(&doc)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return commitment.Commit{}, false, nil
		}
		return commitment.Commit{}, false, errors.Internal("scan commit", err)
	}
	var c commitment.Commit
	if err := json.Unmarshal(doc, &c); err != nil {
		return commitment.Commit{}, false, errors.Internal("decode commit", err)
	}
	return c, true, nil
}

// --- TimelineStore ----------------------------------------------------------

func (s *Store) CreateTimeline(ctx context.Context, t settlement.Timeline) (settlement.Timeline, error) {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	doc, err := json.Marshal(t)
	if err != nil {
		return settlement.Timeline{}, errors.Internal("marshal timeline", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settlement_timelines (cycle_id, state, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, t.CycleID, string(t.State), doc, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return settlement.Timeline{}, errors.Newf(errors.CodeConflict, "settlement timeline for cycle %s already exists", t.CycleID)
		}
		return settlement.Timeline{}, errors.Internal("insert timeline", err)
	}
	return t, nil
}

func (s *Store) GetTimeline(ctx context.Context, cycleID string) (settlement.Timeline, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM settlement_timelines WHERE cycle_id = $1`, cycleID).Scan(&doc)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return settlement.Timeline{}, errors.NotFound("settlement_timeline", cycleID)
		}
		return settlement.Timeline{}, errors.Internal("scan timeline", err)
	}
	var t settlement.Timeline
	if err := json.Unmarshal(doc, &t); err != nil {
		return settlement.Timeline{}, errors.Internal("decode timeline", err)
	}
	return t, nil
}

func (s *Store) UpdateTimeline(ctx context.Context, t settlement.Timeline, expectState settlement.State) (settlement.Timeline, error) {
	t.UpdatedAt = time.Now().UTC()

	doc, err := json.Marshal(t)
	if err != nil {
		return settlement.Timeline{}, errors.Internal("marshal timeline", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE settlement_timelines
		SET state = $2, doc = $3, updated_at = $4
		WHERE cycle_id = $1 AND state = $5
	`, t.CycleID, string(t.State), doc, t.UpdatedAt, string(expectState))
	if err != nil {
		return settlement.Timeline{}, errors.Internal("update timeline", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		current, getErr := s.GetTimeline(ctx, t.CycleID)
		if getErr != nil {
			return settlement.Timeline{}, getErr
		}
		return settlement.Timeline{}, errors.Newf(errors.CodeConflict, "settlement timeline for cycle %s is %s, expected %s", t.CycleID, current.State, expectState).
			WithDetails("cycle_id", t.CycleID).
			WithDetails("current_state", string(current.State))
	}
	return t, nil
}

func (s *Store) ListTimelines(ctx context.Context) ([]settlement.Timeline, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM settlement_timelines ORDER BY cycle_id`)
	if err != nil {
		return nil, errors.Internal("query timelines", err)
	}
	defer rows.Close()

	result := make([]settlement.Timeline, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, errors.Internal("scan timeline", err)
		}
		var t settlement.Timeline
		if err := json.Unmarshal(doc, &t); err != nil {
			return nil, errors.Internal("decode timeline", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *Store) ClaimCycle(ctx context.Context, cycleID, partnerID string) error {
	var existing string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cycle_claims (cycle_id, partner_id)
		VALUES ($1, $2)
		ON CONFLICT (cycle_id) DO UPDATE SET partner_id = cycle_claims.partner_id
		RETURNING partner_id
	`, cycleID, partnerID).Scan(&existing)
	if err != nil {
		return errors.Internal("claim cycle", err)
	}
	if existing != partnerID {
		return errors.Newf(errors.CodeForbidden, "cycle %s is operated by another partner", cycleID).
			WithDetails("cycle_id", cycleID)
	}
	return nil
}

func (s *Store) GetCycleClaim(ctx context.Context, cycleID string) (string, bool, error) {
	var partnerID string
	err := s.db.QueryRowContext(ctx, `SELECT partner_id FROM cycle_claims WHERE cycle_id = $1`, cycleID).Scan(&partnerID)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, errors.Internal("scan cycle claim", err)
	}
	return partnerID, true, nil
}

// --- ReceiptStore -----------------------------------------------------------

func (s *Store) PutReceipt(ctx context.Context, r settlement.Receipt) (settlement.Receipt, error) {
	doc, err := json.Marshal(r)
	if err != nil {
		return settlement.Receipt{}, errors.Internal("marshal receipt", err)
	}
	// First write wins; replays return the stored receipt unchanged.
	var stored []byte
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO receipts (cycle_id, doc, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (cycle_id) DO UPDATE SET doc = receipts.doc
		RETURNING doc
	`, r.CycleID, doc, r.CreatedAt).Scan(&stored)
	if err != nil {
		return settlement.Receipt{}, errors.Internal("upsert receipt", err)
	}
	var out settlement.Receipt
	if err := json.Unmarshal(stored, &out); err != nil {
		return settlement.Receipt{}, errors.Internal("decode receipt", err)
	}
	return out, nil
}

func (s *Store) GetReceipt(ctx context.Context, cycleID string) (settlement.Receipt, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM receipts WHERE cycle_id = $1`, cycleID).Scan(&doc)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return settlement.Receipt{}, errors.NotFound("receipt", cycleID)
		}
		return settlement.Receipt{}, errors.Internal("scan receipt", err)
	}
	var r settlement.Receipt
	if err := json.Unmarshal(doc, &r); err != nil {
		return settlement.Receipt{}, errors.Internal("decode receipt", err)
	}
	return r, nil
}

// --- EventStore -------------------------------------------------------------

func (s *Store) AppendEvent(ctx context.Context, env event.Envelope) (event.Envelope, error) {
	doc, err := json.Marshal(env)
	if err != nil {
		return event.Envelope{}, errors.Internal("marshal event", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO events (event_id, doc, occurred_at)
		VALUES ($1, $2, $3)
		RETURNING sequence
	`, env.EventID, doc, env.OccurredAt).Scan(&env.Sequence)
	if err != nil {
		return event.Envelope{}, errors.Internal("append event", err)
	}
	return env, nil
}

func (s *Store) ListEvents(ctx context.Context, after int64, limit int) ([]event.Envelope, error) {
	query := `SELECT sequence, doc FROM events WHERE sequence > $1 ORDER BY sequence`
	args := []any{after}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Internal("query events", err)
	}
	defer rows.Close()

	result := make([]event.Envelope, 0)
	for rows.Next() {
		var (
			seq int64
			doc []byte
		)
		if err := rows.Scan(&seq, &doc); err != nil {
			return nil, errors.Internal("scan event", err)
		}
		var env event.Envelope
		if err := json.Unmarshal(doc, &env); err != nil {
			return nil, errors.Internal("decode event", err)
		}
		env.Sequence = seq
		result = append(result, env)
	}
	return result, rows.Err()
}

func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, errors.Internal("count events", err)
	}
	return count, nil
}

// --- CustodyStore -----------------------------------------------------------

func (s *Store) InsertSnapshot(ctx context.Context, snap custody.Snapshot) (custody.Snapshot, error) {
	doc, err := json.Marshal(snap)
	if err != nil {
		return custody.Snapshot{}, errors.Internal("marshal snapshot", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO custody_snapshots (snapshot_id, partner_id, doc, recorded_at)
		VALUES ($1, $2, $3, $4)
	`, snap.SnapshotID, snap.PartnerID, doc, snap.RecordedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return custody.Snapshot{}, errors.Newf(errors.CodeConstraintViolation, "custody snapshot %s already exists", snap.SnapshotID).
				WithDetails("constraint", "vault_custody_snapshot_exists")
		}
		return custody.Snapshot{}, errors.Internal("insert snapshot", err)
	}
	return snap, nil
}

func (s *Store) GetSnapshot(ctx context.Context, snapshotID string) (custody.Snapshot, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM custody_snapshots WHERE snapshot_id = $1`, snapshotID).Scan(&doc)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return custody.Snapshot{}, errors.NotFound("custody_snapshot", snapshotID)
		}
		return custody.Snapshot{}, errors.Internal("scan snapshot", err)
	}
	var snap custody.Snapshot
	if err := json.Unmarshal(doc, &snap); err != nil {
		return custody.Snapshot{}, errors.Internal("decode snapshot", err)
	}
	return snap, nil
}

func (s *Store) ListSnapshots(ctx context.Context, cursorAfter string, limit int) ([]custody.Snapshot, string, error) {
	if cursorAfter != "" {
		var exists bool
		err := s.db.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM custody_snapshots WHERE snapshot_id = $1)
		`, cursorAfter).Scan(&exists)
		if err != nil {
			return nil, "", errors.Internal("check cursor", err)
		}
		if !exists {
			return nil, "", errors.Newf(errors.CodeConstraintViolation, "unknown snapshot cursor %s", cursorAfter).
				WithDetails("constraint", "vault_custody_cursor_not_found")
		}
	}

	query := `SELECT doc FROM custody_snapshots WHERE snapshot_id > $1 ORDER BY snapshot_id`
	args := []any{cursorAfter}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", errors.Internal("query snapshots", err)
	}
	defer rows.Close()

	result := make([]custody.Snapshot, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, "", errors.Internal("scan snapshot", err)
		}
		var snap custody.Snapshot
		if err := json.Unmarshal(doc, &snap); err != nil {
			return nil, "", errors.Internal("decode snapshot", err)
		}
		result = append(result, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(result) > 0 {
		last := result[len(result)-1].SnapshotID
		var remaining bool
		if err := s.db.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM custody_snapshots WHERE snapshot_id > $1)
		`, last).Scan(&remaining); err != nil {
			return nil, "", errors.Internal("check remaining snapshots", err)
		}
		if remaining {
			next = last
		}
	}
	return result, next, nil
}

// --- IdempotencyStore -------------------------------------------------------

func (s *Store) GetIdempotencyRecord(ctx context.Context, scopeKey string) (idempotency.Record, bool, error) {
	var rec idempotency.Record
	err := s.db.QueryRowContext(ctx, `
		SELECT scope_key, payload_hash, status_code, result, created_at
		FROM idempotency_records WHERE scope_key = $1
	`, scopeKey).Scan(&rec.ScopeKey, &rec.PayloadHash, &rec.StatusCode, &rec.Result, &rec.CreatedAt)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return idempotency.Record{}, false, nil
		}
		return idempotency.Record{}, false, errors.Internal("scan idempotency record", err)
	}
	return rec, true, nil
}

func (s *Store) PutIdempotencyRecord(ctx context.Context, rec idempotency.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (scope_key, payload_hash, status_code, result, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope_key) DO NOTHING
	`, rec.ScopeKey, rec.PayloadHash, rec.StatusCode, rec.Result, rec.CreatedAt)
	if err != nil {
		return errors.Internal("insert idempotency record", err)
	}
	return nil
}
