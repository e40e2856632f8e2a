package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"agrisubsidy/services/subsidyd/evidence"
	"agrisubsidy/services/subsidyd/recon"
	"agrisubsidy/services/subsidyd/store"
	"agrisubsidy/services/subsidyd/units"
)

type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

type errorBody struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	Field    string `json:"field,omitempty"`
	IntentID string `json:"intent_id,omitempty"`
	State    string `json:"state,omitempty"`
	TxHash   string `json:"tx_hash,omitempty"`
}

// writeError maps domain failures onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()))
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, errorBody) {
	body := errorBody{Error: err.Error()}
	if subErr, ok := recon.AsSubmissionError(err); ok {
		if subErr.IntentID != uuid.Nil {
			body.IntentID = subErr.IntentID.String()
		}
		body.State = string(subErr.State)
		body.TxHash = subErr.TxHash
	}

	var bad *badRequest
	var invalid *recon.ValidationError
	switch {
	case errors.As(err, &bad):
		body.Code = "bad_request"
		return http.StatusBadRequest, body
	case errors.As(err, &invalid):
		body.Code = "validation_failed"
		body.Field = invalid.Field
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, units.ErrInvalidAmount), errors.Is(err, units.ErrOverflow):
		body.Code = "validation_failed"
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, recon.ErrNotResumable):
		body.Code = "not_resumable"
		return http.StatusConflict, body
	case errors.Is(err, recon.ErrStoreWriteFailed):
		body.Code = "sync_pending"
		return http.StatusAccepted, body
	case errors.Is(err, recon.ErrForbidden):
		body.Code = "forbidden"
		return http.StatusForbidden, body
	case errors.Is(err, store.ErrNotFound), errors.Is(err, evidence.ErrNotFound):
		body.Code = "not_found"
		return http.StatusNotFound, body
	case errors.Is(err, evidence.ErrTooLarge):
		body.Code = "evidence_too_large"
		return http.StatusRequestEntityTooLarge, body
	case errors.Is(err, evidence.ErrEmpty):
		body.Code = "evidence_empty"
		return http.StatusBadRequest, body
	case errors.Is(err, recon.ErrEvidenceUploadFailed):
		body.Code = "evidence_upload_failed"
		return http.StatusBadGateway, body
	case errors.Is(err, recon.ErrIntentConflict):
		body.Code = "idempotency_conflict"
		return http.StatusConflict, body
	case errors.Is(err, recon.ErrInFlight):
		body.Code = "in_flight"
		return http.StatusConflict, body
	case errors.Is(err, store.ErrInvalidTransition):
		body.Code = "invalid_transition"
		return http.StatusConflict, body
	case errors.Is(err, store.ErrPreconditionFailed), errors.Is(err, store.ErrDuplicate):
		body.Code = "precondition_failed"
		return http.StatusConflict, body
	case errors.Is(err, recon.ErrLedgerRejected):
		body.Code = "ledger_rejected"
		return http.StatusConflict, body
	case errors.Is(err, recon.ErrLedgerReverted):
		body.Code = "ledger_reverted"
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, recon.ErrLedgerTimeout):
		body.Code = "ledger_timeout"
		return http.StatusGatewayTimeout, body
	case errors.Is(err, recon.ErrLedgerUnavailable):
		body.Code = "ledger_unavailable"
		return http.StatusServiceUnavailable, body
	default:
		body.Code = "internal"
		body.Error = "internal error"
		return http.StatusInternalServerError, body
	}
}
