package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"agrisubsidy/services/subsidyd/models"
	"agrisubsidy/services/subsidyd/recon"
	"agrisubsidy/services/subsidyd/store"
)

func (s *Server) listIntents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pagination(r)
	f := store.IntentFilter{
		Kind:   models.IntentKind(q.Get("kind")),
		Limit:  limit,
		Offset: offset,
	}
	for _, raw := range strings.Split(q.Get("state"), ",") {
		if raw = strings.TrimSpace(raw); raw != "" {
			f.States = append(f.States, models.IntentState(strings.ToUpper(raw)))
		}
	}
	if raw := q.Get("program_id"); raw != "" {
		id, err := parseUUID(raw, "program_id")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		f.ProgramID = id
	}
	intents, err := s.store.ListIntents(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	counts, err := s.store.CountIntentsByState(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"intents": intents, "counts": counts})
}

func (s *Server) getIntent(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	in, err := s.store.GetIntent(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trail, err := s.store.AuditTrail(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"intent": in, "audit": trail})
}

func (s *Server) resyncIntent(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.coordinator.Resume(r.Context(), id, recon.TriggerOperator)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	olderThan := s.staleAfter
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			s.writeError(w, r, &badRequest{msg: "invalid older_than"})
			return
		}
		olderThan = d
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	report, err := s.coordinator.Sweep(r.Context(), olderThan, limit)
	body := map[string]any{"report": report}
	if err != nil {
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) runAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditor == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "audit is not configured", Code: "audit_disabled"})
		return
	}
	res, err := s.auditor.Run(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "indexer is not configured", Code: "indexer_disabled"})
		return
	}
	q := r.URL.Query()
	if digest := q.Get("digest"); digest != "" {
		ev, err := s.events.ClaimByDigest(r.Context(), digest)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": []models.IndexedEvent{ev}})
		return
	}
	if tx := q.Get("tx_hash"); tx != "" {
		events, err := s.events.EventsByTx(r.Context(), tx)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
		return
	}
	limit, offset := pagination(r)
	f := store.EventFilter{
		Name:     q.Get("name"),
		EntityID: q.Get("entity_id"),
		Limit:    limit,
		Offset:   offset,
	}
	if raw := q.Get("from_block"); raw != "" {
		block, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, &badRequest{msg: "invalid from_block"})
			return
		}
		f.FromBlock = block
	}
	events, err := s.events.Events(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
