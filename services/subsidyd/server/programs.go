package server

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	subsidymw "agrisubsidy/services/subsidyd/middleware"
	"agrisubsidy/services/subsidyd/models"
	"agrisubsidy/services/subsidyd/recon"
	"agrisubsidy/services/subsidyd/store"
	"agrisubsidy/services/subsidyd/units"
)

type createProgramRequest struct {
	ID              *uuid.UUID         `json:"id,omitempty"`
	Name            string             `json:"name"`
	Description     string             `json:"description"`
	PayoutAmountEth string             `json:"payout_amount_eth"`
	PayoutAmountWei string             `json:"payout_amount_wei"`
	MaxCapEth       string             `json:"max_cap_eth"`
	MaxCapWei       string             `json:"max_cap_wei"`
	Eligibility     models.Eligibility `json:"eligibility"`
}

// amount accepts either an ether decimal or a wei integer for one field.
func amount(field, eth, wei string) (*uint256.Int, error) {
	eth, wei = strings.TrimSpace(eth), strings.TrimSpace(wei)
	switch {
	case eth != "" && wei != "":
		return nil, &recon.ValidationError{Field: field, Reason: "set either the _eth or the _wei form, not both"}
	case eth != "":
		v, err := units.ParseEther(eth)
		if err != nil {
			return nil, &recon.ValidationError{Field: field, Reason: err.Error()}
		}
		return v, nil
	case wei != "":
		v, err := units.ParseWei(wei)
		if err != nil {
			return nil, &recon.ValidationError{Field: field, Reason: err.Error()}
		}
		return v, nil
	default:
		return nil, &recon.ValidationError{Field: field, Reason: "required"}
	}
}

func (req createProgramRequest) program() (models.Program, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return models.Program{}, &recon.ValidationError{Field: "name", Reason: "required"}
	}
	payout, err := amount("payout_amount", req.PayoutAmountEth, req.PayoutAmountWei)
	if err != nil {
		return models.Program{}, err
	}
	maxCap, err := amount("max_cap", req.MaxCapEth, req.MaxCapWei)
	if err != nil {
		return models.Program{}, err
	}
	if payout.IsZero() {
		return models.Program{}, &recon.ValidationError{Field: "payout_amount", Reason: "must be positive"}
	}
	if payout.Gt(maxCap) {
		return models.Program{}, &recon.ValidationError{Field: "payout_amount", Reason: "exceeds max cap"}
	}
	e := req.Eligibility
	if e.MinFarmSizeAcres < 0 || e.MaxFarmSizeAcres < 0 {
		return models.Program{}, &recon.ValidationError{Field: "eligibility", Reason: "farm size bounds must not be negative"}
	}
	if e.MaxFarmSizeAcres > 0 && e.MinFarmSizeAcres > e.MaxFarmSizeAcres {
		return models.Program{}, &recon.ValidationError{Field: "eligibility", Reason: "min farm size exceeds max"}
	}
	p := models.Program{
		Name:            name,
		Description:     strings.TrimSpace(req.Description),
		PayoutAmountWei: payout.Dec(),
		MaxCapWei:       maxCap.Dec(),
		Eligibility:     e,
	}
	if req.ID != nil {
		p.ID = *req.ID
	}
	return p, nil
}

func (s *Server) createProgram(w http.ResponseWriter, r *http.Request) {
	var req createProgramRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := req.program()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.store.CreateProgram(r.Context(), p, mustActor(r).ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listPrograms(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	programs, err := s.store.ListPrograms(r.Context(), store.ProgramFilter{
		Status:    models.ProgramStatus(strings.ToUpper(r.URL.Query().Get("status"))),
		CreatedBy: r.URL.Query().Get("created_by"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"programs": programs})
}

func (s *Server) getProgram(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.store.GetProgram(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) activateProgram(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.coordinator.ActivateProgram(r.Context(), mustActor(r), recon.ActivationRequest{
		Key:       subsidymw.IdempotencyKey(r.Context()),
		ProgramID: id,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
