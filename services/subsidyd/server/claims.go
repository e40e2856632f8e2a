package server

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agrisubsidy/services/subsidyd/actor"
	subsidymw "agrisubsidy/services/subsidyd/middleware"
	"agrisubsidy/services/subsidyd/models"
	"agrisubsidy/services/subsidyd/recon"
	"agrisubsidy/services/subsidyd/store"
)

const evidenceField = "evidence"

type submitClaimRequest struct {
	AmountEth   string `json:"amount_eth"`
	AmountWei   string `json:"amount_wei"`
	Remarks     string `json:"remarks"`
	SubmittedAt int64  `json:"submitted_at,omitempty"`
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && strings.HasPrefix(mediaType, "multipart/")
}

// readClaimRequest decodes a JSON body or a multipart form whose optional
// "evidence" part carries the supporting document.
func (s *Server) readClaimRequest(w http.ResponseWriter, r *http.Request) (submitClaimRequest, *recon.EvidenceUpload, func(), error) {
	var req submitClaimRequest
	noop := func() {}
	if !isMultipart(r) {
		err := decodeJSON(r, &req)
		return req, nil, noop, err
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		return req, nil, noop, &badRequest{msg: "invalid multipart form"}
	}
	cleanup := func() { _ = r.MultipartForm.RemoveAll() }
	req.AmountEth = r.FormValue("amount_eth")
	req.AmountWei = r.FormValue("amount_wei")
	req.Remarks = r.FormValue("remarks")
	if raw := r.FormValue("submitted_at"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			cleanup()
			return req, nil, noop, &badRequest{msg: "invalid submitted_at"}
		}
		req.SubmittedAt = ts
	}
	upload, err := formUpload(r)
	if err != nil {
		cleanup()
		return req, nil, noop, err
	}
	return req, upload, cleanup, nil
}

func formUpload(r *http.Request) (*recon.EvidenceUpload, error) {
	file, header, err := r.FormFile(evidenceField)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, &badRequest{msg: "invalid evidence part"}
	}
	return uploadFrom(file, header), nil
}

func uploadFrom(file multipart.File, header *multipart.FileHeader) *recon.EvidenceUpload {
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &recon.EvidenceUpload{Name: header.Filename, ContentType: contentType, Body: file}
}

func (s *Server) submitClaim(w http.ResponseWriter, r *http.Request) {
	programID, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req, upload, cleanup, err := s.readClaimRequest(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer cleanup()
	if upload != nil {
		if c, ok := upload.Body.(io.Closer); ok {
			defer c.Close()
		}
	}
	amountWei, err := amount("amount", req.AmountEth, req.AmountWei)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	creq := recon.ClaimRequest{
		Key:       subsidymw.IdempotencyKey(r.Context()),
		ProgramID: programID,
		AmountWei: amountWei.Dec(),
		Remarks:   req.Remarks,
		Evidence:  upload,
	}
	if req.SubmittedAt > 0 {
		creq.SubmittedAt = time.Unix(req.SubmittedAt, 0).UTC()
	}
	out, err := s.coordinator.SubmitClaim(r.Context(), mustActor(r), creq)
	if err != nil {
		if subErr, ok := recon.AsSubmissionError(err); ok && subErr.SyncPending() {
			writeJSON(w, http.StatusAccepted, map[string]string{
				"status":    "sync_pending",
				"intent_id": subErr.IntentID.String(),
				"tx_hash":   subErr.TxHash,
			})
			return
		}
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if out.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, out)
}

// loadClaim fetches a claim the caller may see. Farmers only see their own.
func (s *Server) loadClaim(r *http.Request) (models.Claim, error) {
	id, err := pathUUID(r, "id")
	if err != nil {
		return models.Claim{}, err
	}
	claim, err := s.store.GetClaim(r.Context(), id)
	if err != nil {
		return models.Claim{}, err
	}
	if a := mustActor(r); a.Role == actor.RoleFarmer && claim.FarmerID != a.ID {
		return models.Claim{}, store.ErrNotFound
	}
	return claim, nil
}

func (s *Server) listClaims(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pagination(r)
	f := store.ClaimFilter{
		FarmerID: q.Get("farmer_id"),
		Status:   models.ClaimStatus(strings.ToUpper(q.Get("status"))),
		Limit:    limit,
		Offset:   offset,
	}
	if raw := q.Get("program_id"); raw != "" {
		id, err := parseUUID(raw, "program_id")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		f.ProgramID = id
	}
	if a := mustActor(r); a.Role == actor.RoleFarmer {
		f.FarmerID = a.ID
	}
	claims, err := s.store.ListClaims(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": claims})
}

func (s *Server) getClaim(w http.ResponseWriter, r *http.Request) {
	claim, err := s.loadClaim(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (s *Server) verifyClaim(w http.ResponseWriter, r *http.Request) {
	claim, err := s.loadClaim(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.coordinator.VerifyClaim(r.Context(), claim.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) uploadEvidence(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !isMultipart(r) {
		s.writeError(w, r, &badRequest{msg: "expected a multipart form with an evidence part"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		s.writeError(w, r, &badRequest{msg: "invalid multipart form"})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()
	upload, err := formUpload(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if upload == nil {
		s.writeError(w, r, &badRequest{msg: "missing evidence part"})
		return
	}
	if c, ok := upload.Body.(io.Closer); ok {
		defer c.Close()
	}
	claim, err := s.coordinator.RetryEvidence(r.Context(), mustActor(r), id, *upload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (s *Server) downloadEvidence(w http.ResponseWriter, r *http.Request) {
	claim, err := s.loadClaim(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if claim.EvidenceRef == nil || s.vault == nil {
		s.writeError(w, r, store.ErrNotFound)
		return
	}
	obj, data, err := s.vault.Get(*claim.EvidenceRef)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": obj.Name}))
	w.Header().Set("X-Evidence-Ref", obj.Ref)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type reviewRequest struct {
	Note string `json:"note"`
}

func (s *Server) transitionClaim(to models.ClaimStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathUUID(r, "id")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		var req reviewRequest
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		claim, err := s.coordinator.TransitionClaim(r.Context(), mustActor(r), id, to, strings.TrimSpace(req.Note))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, claim)
	}
}
