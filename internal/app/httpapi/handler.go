// Package httpapi exposes the clearing engine's REST surface: intents,
// matching runs, cycle proposals, commits, settlement, receipts, custody
// snapshots, and the event read API.
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/actor"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/custody"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/domain/intent"
	commitsvc "github.com/SwapGraph-Network/clearing_engine/internal/app/services/commits"
	custodysvc "github.com/SwapGraph-Network/clearing_engine/internal/app/services/custody"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/services/events"
	intentsvc "github.com/SwapGraph-Network/clearing_engine/internal/app/services/intents"
	matchingsvc "github.com/SwapGraph-Network/clearing_engine/internal/app/services/matching"
	settlementsvc "github.com/SwapGraph-Network/clearing_engine/internal/app/services/settlement"
	"github.com/SwapGraph-Network/clearing_engine/internal/app/storage"
	"github.com/SwapGraph-Network/clearing_engine/internal/errors"
	"github.com/SwapGraph-Network/clearing_engine/internal/idempotency"
	"github.com/SwapGraph-Network/clearing_engine/pkg/logger"
)

// Services bundles everything the HTTP surface dispatches to.
type Services struct {
	Intents    *intentsvc.Service
	Matching   *matchingsvc.Service
	Commits    *commitsvc.Service
	Settlement *settlementsvc.Service
	Custody    *custodysvc.Service
	Events     *events.Log
	Idem       *idempotency.Registry
	Exporter   storage.Exporter
	StoreKind  string
	JWTSecret  string
	Log        *logger.Logger
}

type handler struct {
	intents    *intentsvc.Service
	matching   *matchingsvc.Service
	commits    *commitsvc.Service
	settlement *settlementsvc.Service
	custody    *custodysvc.Service
	events     *events.Log
	idem       *idempotency.Registry
	exporter   storage.Exporter
	storeKind  string
	jwtSecret  string
	log        *logger.Logger
}

// NewHandler returns the API router.
func NewHandler(s Services) http.Handler {
	log := s.Log
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	h := &handler{
		intents:    s.Intents,
		matching:   s.Matching,
		commits:    s.Commits,
		settlement: s.Settlement,
		custody:    s.Custody,
		events:     s.Events,
		idem:       s.Idem,
		exporter:   s.Exporter,
		storeKind:  s.StoreKind,
		jwtSecret:  s.JWTSecret,
		log:        log,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)

	r.HandleFunc("/swap-intents", h.createIntent).Methods(http.MethodPost)
	r.HandleFunc("/swap-intents", h.listIntents).Methods(http.MethodGet)
	r.HandleFunc("/swap-intents/{id}", h.getIntent).Methods(http.MethodGet)
	r.HandleFunc("/swap-intents/{id}", h.updateIntent).Methods(http.MethodPatch)
	r.HandleFunc("/swap-intents/{id}/cancel", h.cancelIntent).Methods(http.MethodPost)

	r.HandleFunc("/edge-intents", h.createEdgeIntent).Methods(http.MethodPost)
	r.HandleFunc("/edge-intents", h.listEdgeIntents).Methods(http.MethodGet)

	r.HandleFunc("/marketplace/matching/runs", h.runMatching).Methods(http.MethodPost)

	r.HandleFunc("/cycle-proposals", h.listProposals).Methods(http.MethodGet)
	r.HandleFunc("/cycle-proposals/{id}", h.getProposal).Methods(http.MethodGet)
	r.HandleFunc("/cycle-proposals/{id}/accept", h.acceptProposal).Methods(http.MethodPost)
	r.HandleFunc("/cycle-proposals/{id}/decline", h.declineProposal).Methods(http.MethodPost)

	r.HandleFunc("/settlement/{cycle_id}/start", h.startSettlement).Methods(http.MethodPost)
	r.HandleFunc("/settlement/{cycle_id}/deposit-confirmed", h.confirmDeposit).Methods(http.MethodPost)
	r.HandleFunc("/settlement/{cycle_id}/begin-execution", h.beginExecution).Methods(http.MethodPost)
	r.HandleFunc("/settlement/{cycle_id}/complete", h.completeSettlement).Methods(http.MethodPost)
	r.HandleFunc("/settlement/{cycle_id}/status", h.settlementStatus).Methods(http.MethodGet)

	r.HandleFunc("/receipts/{cycle_id}", h.getReceipt).Methods(http.MethodGet)

	r.HandleFunc("/vault/custody/snapshots", h.publishSnapshot).Methods(http.MethodPost)
	r.HandleFunc("/vault/custody/snapshots", h.listSnapshots).Methods(http.MethodGet)
	r.HandleFunc("/vault/custody/snapshots/{id}", h.getSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/vault/custody/snapshots/{id}/holdings/{holding_id}/proof", h.getProof).Methods(http.MethodGet)

	r.HandleFunc("/events", h.listEvents).Methods(http.MethodGet)
	r.HandleFunc("/admin/state/export", h.exportState).Methods(http.MethodGet)

	return r
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	count, err := h.events.Count(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"store": map[string]any{
			"kind":   h.storeKind,
			"events": count,
		},
	})
}

// --- swap intents ---

func (h *handler) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx, err := h.requireScope(r, actor.ScopeSwapIntentsWrite)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.idempotent("swap_intents.create", ctx.Actor, func(w http.ResponseWriter, r *http.Request, body []byte) {
		var in intent.SwapIntent
		if err := decodeJSON(body, &in); err != nil {
			writeError(w, r, err)
			return
		}
		created, err := h.intents.Create(r.Context(), ctx.Actor, in)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"correlation_id": correlationID(r),
			"intent":         created,
		})
	})(w, r)
}

func (h *handler) listIntents(w http.ResponseWriter, r *http.Request) {
	ctx, err := h.requireScope(r, actor.ScopeSwapIntentsRead)
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := h.intents.List(r.Context(), ctx.Actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"intents": list})
}

func (h *handler) getIntent(w http.ResponseWriter, r *http.Request) {
	if _, err := h.requireScope(r, actor.ScopeSwapIntentsRead); err != nil {
		writeError(w, r, err)
		return
	}
	in, err := h.intents.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"intent": in})
}

func (h *handler) updateIntent(w http.ResponseWriter, r *http.Request) {
	ctx, err := h.requireScope(r, actor.ScopeSwapIntentsWrite)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	h.idempotent("swap_intents.update", ctx.Actor, func(w http.ResponseWriter, r *http.Request, body []byte) {
		var patch intent.SwapIntent
		if err := decodeJSON(body, &patch); err != nil {
			writeError(w, r, err)
			return
		}
		updated, err := h.intents.Update(r.Context(), ctx.Actor, id, patch)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"correlation_id": correlationID(r),
			"intent":         updated,
		})
	})(w, r)
}

func (h *handler) cancelIntent(w http.ResponseWriter, r *http.Request) {
	ctx, err := h.requireScope(r, actor.ScopeSwapIntentsWrite)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	h.idempotent("swap_intents.cancel", ctx.Actor, func(w http.ResponseWriter, r *http.Request, body []byte) {
		cancelled, err := h.intents.Cancel(r.Context(), ctx.Actor, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"correlation_id": correlationID(r),
			"intent":         cancelled,
		})
	})(w, r)
}

// --- edge intents ---

func (h *handler) createEdgeIntent(w http.ResponseWriter, r *http.Request) {
	ctx, err := h.requireScope(r, actor.ScopeSwapIntentsWrite)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.idempotent("edge_intents.create", ctx.Actor, func(w http.ResponseWriter, r *http.Request, body []byte) {
		var e intent.EdgeIntent
		if err := decodeJSON(body, &e); err != nil {
			writeError(w, r, err)
			return
		}
		created, err := h.intents.CreateEdge(r.Context(), ctx.Actor, e)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"correlation_id": correlationID(r),
			"edge_intent":    created,
		})
	})(w, r)
}

func (h *handler) listEdgeIntents(w http.ResponseWriter, r *http.Request) {
	if _, err := h.requireScope(r, actor.ScopeSwapIntentsRead); err != nil {
		writeError(w, r, err)
		return
	}
	list, err := h.intents.ListEdges(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"edge_intents": list})
}

// --- matching ---

func (h *handler) runMatching(w http.ResponseWriter, r *http.Request) {
	ctx, err := h.requireScope(r, actor.ScopeCycleProposalsWrite)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.idempotent("matching.run", ctx.Actor, func(w http.ResponseWriter, r *http.Request, body []byte) {
		var payload struct {
			ReplaceExisting     bool   `json:"replace_existing"`
			MaxProposals        int    `json:"max_proposals"`
			MinCycleLength      int    `json:"min_cycle_length"`
			MaxCycleLength      int    `json:"max_cycle_length"`
			MaxEnumeratedCycles *int   `json:"max_enumerated_cycles"`
			TimeoutMS           int    `json:"timeout_ms"`
			NowISO              string `json:"now_iso"`
		}
		if err := decodeJSON(body, &payload); err != nil {
			writeError(w, r, err)
			return
		}
		params := matchingsvc.RunParams{
			ReplaceExisting:     payload.ReplaceExisting,
			MaxProposals:        payload.MaxProposals,
			MinCycleLength:      payload.MinCycleLength,
			MaxCycleLength:      payload.MaxCycleLength,
			MaxEnumeratedCycles: payload.MaxEnumeratedCycles,
			TimeoutMS:           payload.TimeoutMS,
		}
		if payload.NowISO != "" {
			now, err := time.Parse(time.RFC3339, payload.NowISO)
			if err != nil {
				writeError(w, r, errors.SchemaInvalid("now_iso must be RFC 3339").WithCause(err))
				return
			}
			params.Now = now
		}

		run, err := h.matching.Run(r.Context(), params)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"correlation_id": correlationID(r),
			"run": map[string]any{
				"run_id":                   run.RunID,
				"selected_proposals_count": run.Stats.SelectedProposals,
				"stats":                    run.Stats,
			},
		})
	})(w, r)
}

// --- cycle proposals & commits ---

func (h *handler) listProposals(w http.ResponseWriter, r *http.Request) {
	if _, err := h.requireScope(r, actor.ScopeCycleProposalsRead); err != nil {
		writeError(w, r, err)
		return
	}
	list, err := h.matching.ListProposals(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": list})
}

func (h *handler) getProposal(w http.ResponseWriter, r *http.Request) {
	if _, err := h.requireScope(r, actor.ScopeCycleProposalsRead); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.matching.GetProposal(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposal": p})
}

func (h *handler) acceptProposal(w http.ResponseWriter, r *http.Request) {
	ctx, err := h.requireScope(r, actor.ScopeCommitsWrite)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	h.idempotent("commits.accept", ctx.Actor, func(w http.ResponseWriter, r *http.Request, body []byte) {
		c, err := h.commits.Accept(r.Context(), ctx.Actor, ctx.Delegation, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"correlation_id": correlationID(r),
			"commit":         c,
		})
	})(w, r)
}

func (h *handler) declineProposal(w http.ResponseWriter, r *http.Request) {
	ctx, err := h.requireScope(r, actor.ScopeCommitsWrite)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	h.idempotent("commits.decline", ctx.Actor, func(w http.ResponseWriter, r *http.Request, body []byte) {
		c, err := h.commits.Decline(r.Context(), ctx.Actor, ctx.Delegation, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"correlation_id": correlationID(r),
			"commit":         c,
		})
	})(w, r)
}

// --- settlement ---

func (h *handler) startSettlement(w http.ResponseWriter, r *http.Request) {
	ctx, err := h.requireScope(r, actor.ScopeSettlementWrite)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cycleID := mux.Vars(r)["cycle_id"]
	h.idempotent("settlement.start", ctx.Actor, func(w http.ResponseWriter, r *http.Request, body []byte) {
		var payload struct {
			DepositDeadlineAt time.Time `json:"deposit_deadline_at"`
		}
		if err := decodeJSON(body, &payload); err != nil {
			writeError(w, r, err)
			return
		}
		tl, replayed, err := h.settlement.Start(r.Context(), ctx.Actor, cycleID, payload.DepositDeadlineAt)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"correlation_id": correlationID(r),
			"timeline":       tl,
			"replayed":       replayed,
		})
	})(w, r)
}

func (h *handler) confirmDeposit(w http.ResponseWriter, r *http.Request) {
	ctx, err := h.requireScope(r, actor.ScopeSettlementWrite)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cycleID := mux.Vars(r)["cycle_id"]
	h.idempotent("settlement.deposit_confirmed", ctx.Actor, func(w http.ResponseWriter, r *http.Request, body []byte) {
		var payload struct {
			DepositRef string `json:"deposit_ref"`
		}
		if err := decodeJSON(body, &payload); err != nil {
			writeError(w, r, err)
			return
		}
		tl, err := h.settlement.ConfirmDeposit(r.Context(), ctx.Actor, cycleID, payload.DepositRef)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"correlation_id": correlationID(r),
			"timeline":       tl,
		})
	})(w, r)
}

func (h *handler) beginExecution(w http.ResponseWriter, r *http.Request) {
	ctx, err := h.requireScope(r, actor.ScopeSettlementWrite)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cycleID := mux.Vars(r)["cycle_id"]
	h.idempotent("settlement.begin_execution", ctx.Actor, func(w http.ResponseWriter, r *http.Request, body []byte) {
		tl, err := h.settlement.BeginExecution(r.Context(), ctx.Actor, cycleID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"correlation_id": correlationID(r),
			"timeline":       tl,
		})
	})(w, r)
}

func (h *handler) completeSettlement(w http.ResponseWriter, r *http.Request) {
	ctx, err := h.requireScope(r, actor.ScopeSettlementWrite)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cycleID := mux.Vars(r)["cycle_id"]
	h.idempotent("settlement.complete", ctx.Actor, func(w http.ResponseWriter, r *http.Request, body []byte) {
		tl, receipt, err := h.settlement.Complete(r.Context(), ctx.Actor, cycleID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"correlation_id": correlationID(r),
			"timeline":       tl,
			"receipt":        receipt,
		})
	})(w, r)
}

func (h *handler) settlementStatus(w http.ResponseWriter, r *http.Request) {
	if _, err := h.requireScope(r, actor.ScopeSettlementRead); err != nil {
		writeError(w, r, err)
		return
	}
	tl, err := h.settlement.Status(r.Context(), mux.Vars(r)["cycle_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"timeline": tl})
}

func (h *handler) getReceipt(w http.ResponseWriter, r *http.Request) {
	if _, err := h.requireScope(r, actor.ScopeReceiptsRead); err != nil {
		writeError(w, r, err)
		return
	}
	receipt, err := h.settlement.Receipt(r.Context(), mux.Vars(r)["cycle_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipt": receipt})
}

// --- custody ---

func (h *handler) publishSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx, err := h.requireScope(r, actor.ScopeVaultWrite)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.idempotent("vault.publish_snapshot", ctx.Actor, func(w http.ResponseWriter, r *http.Request, body []byte) {
		var payload struct {
			SnapshotID string            `json:"snapshot_id"`
			Holdings   []custody.Holding `json:"holdings"`
		}
		if err := decodeJSON(body, &payload); err != nil {
			writeError(w, r, err)
			return
		}
		snap, err := h.custody.Publish(r.Context(), ctx.Actor, payload.SnapshotID, payload.Holdings)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"correlation_id": correlationID(r),
			"snapshot":       snap,
		})
	})(w, r)
}

func (h *handler) listSnapshots(w http.ResponseWriter, r *http.Request) {
	if _, err := h.actorFrom(r); err != nil {
		writeError(w, r, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, errors.SchemaInvalid("limit must be an integer"))
			return
		}
		limit = n
	}
	snaps, cursor, err := h.custody.List(r.Context(), r.URL.Query().Get("cursor_after"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshots":   snaps,
		"next_cursor": cursor,
	})
}

func (h *handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	if _, err := h.actorFrom(r); err != nil {
		writeError(w, r, err)
		return
	}
	snap, err := h.custody.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshot": snap})
}

func (h *handler) getProof(w http.ResponseWriter, r *http.Request) {
	if _, err := h.actorFrom(r); err != nil {
		writeError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	proof, err := h.custody.Prove(r.Context(), vars["id"], vars["holding_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proof": proof})
}

// --- events & admin ---

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	if _, err := h.actorFrom(r); err != nil {
		writeError(w, r, err)
		return
	}
	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, r, errors.SchemaInvalid("after must be an integer sequence number"))
			return
		}
		after = n
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, errors.SchemaInvalid("limit must be an integer"))
			return
		}
		limit = n
	}
	list, err := h.events.List(r.Context(), after, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list})
}

func (h *handler) exportState(w http.ResponseWriter, r *http.Request) {
	ctx, err := h.actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ctx.Actor.Type != actor.TypePartner {
		writeError(w, r, errors.Forbidden("only a partner may export state"))
		return
	}
	if h.exporter == nil {
		writeError(w, r, errors.UpstreamUnavailable("state export is unavailable on this store"))
		return
	}
	doc, err := h.exporter.ExportState(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}
