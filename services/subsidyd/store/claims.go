package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"agrisubsidy/services/subsidyd/models"
)

// ClaimFilter narrows ListClaims.
type ClaimFilter struct {
	ProgramID uuid.UUID
	FarmerID  string
	Status    models.ClaimStatus
	Limit     int
	Offset    int
}

// Evidence describes an uploaded artifact.
type Evidence struct {
	Ref         string
	Name        string
	ContentType string
}

var claimTransitions = map[models.ClaimStatus]map[models.ClaimStatus]struct{}{
	models.ClaimPending:  {models.ClaimApproved: {}, models.ClaimRejected: {}},
	models.ClaimApproved: {models.ClaimDisbursed: {}},
}

// ValidateClaimTransition reports whether from -> to is a permitted move.
func ValidateClaimTransition(from, to models.ClaimStatus) error {
	if _, ok := claimTransitions[from][to]; ok {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// CreateClaim records a claim whose on-chain submission is confirmed. The
// on-chain transaction hash is the idempotency key: a retried write with the
// same hash and digest returns the stored row with created=false.
func (s *Store) CreateClaim(ctx context.Context, c models.Claim, actorID string) (models.Claim, bool, error) {
	c.OnchainClaimID = strings.TrimSpace(c.OnchainClaimID)
	c.OnchainTxHash = strings.ToLower(strings.TrimSpace(c.OnchainTxHash))
	c.MetadataDigest = strings.ToLower(strings.TrimSpace(c.MetadataDigest))
	if c.OnchainClaimID == "" || c.OnchainTxHash == "" || c.MetadataDigest == "" {
		return models.Claim{}, false, ErrMissingLinkage
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Status = models.ClaimPending
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now

	var out models.Claim
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Claim
		err := tx.First(&existing, "onchain_tx_hash = ?", c.OnchainTxHash).Error
		switch {
		case err == nil:
			if existing.MetadataDigest != c.MetadataDigest || existing.OnchainClaimID != c.OnchainClaimID {
				return fmt.Errorf("%w: tx %s already recorded with different content", ErrDuplicate, c.OnchainTxHash)
			}
			out = existing
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		var program models.Program
		if err := tx.First(&program, "id = ?", c.ProgramID).Error; err != nil {
			return notFound(err)
		}
		if program.Status != models.ProgramActive || program.OnchainID == nil || *program.OnchainID != c.ProgramOnchainID {
			return fmt.Errorf("%w: program %s is not active under on-chain id %s", ErrPreconditionFailed, program.ID, c.ProgramOnchainID)
		}

		if err := tx.Create(&c).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %v", ErrDuplicate, err)
			}
			if isCheckViolation(err) {
				return ErrMissingLinkage
			}
			return err
		}
		out = c
		created = true
		return s.appendAudit(tx, "claim", c.ID, actorID, "claim.created",
			fmt.Sprintf("onchain_claim_id=%s tx=%s amount=%s", c.OnchainClaimID, c.OnchainTxHash, c.AmountWei))
	})
	if err != nil {
		return models.Claim{}, false, err
	}
	return out, created, nil
}

// GetClaim loads a claim by id.
func (s *Store) GetClaim(ctx context.Context, id uuid.UUID) (models.Claim, error) {
	var c models.Claim
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return models.Claim{}, notFound(err)
	}
	return c, nil
}

// ClaimByTxHash loads the claim recorded for an on-chain transaction.
func (s *Store) ClaimByTxHash(ctx context.Context, txHash string) (models.Claim, error) {
	var c models.Claim
	if err := s.db.WithContext(ctx).First(&c, "onchain_tx_hash = ?", strings.ToLower(strings.TrimSpace(txHash))).Error; err != nil {
		return models.Claim{}, notFound(err)
	}
	return c, nil
}

// ListClaims returns claims newest first.
func (s *Store) ListClaims(ctx context.Context, f ClaimFilter) ([]models.Claim, error) {
	q := s.db.WithContext(ctx).Model(&models.Claim{})
	if f.ProgramID != uuid.Nil {
		q = q.Where("program_id = ?", f.ProgramID)
	}
	if f.FarmerID != "" {
		q = q.Where("farmer_id = ?", f.FarmerID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var out []models.Claim
	err := q.Order("created_at desc").Limit(clampLimit(f.Limit)).Offset(f.Offset).Find(&out).Error
	return out, err
}

// AllClaims streams every claim to fn in batches, for audits.
func (s *Store) AllClaims(ctx context.Context, fn func([]models.Claim) error) error {
	var batch []models.Claim
	res := s.db.WithContext(ctx).FindInBatches(&batch, 200, func(tx *gorm.DB, _ int) error {
		return fn(batch)
	})
	return res.Error
}

// TransitionClaim moves a claim from one review status to the next. The update
// only applies while the claim is still in from.
func (s *Store) TransitionClaim(ctx context.Context, id uuid.UUID, from, to models.ClaimStatus, actorID, note string) (models.Claim, error) {
	if err := ValidateClaimTransition(from, to); err != nil {
		return models.Claim{}, err
	}
	var out models.Claim
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		updates := map[string]any{"status": to, "updated_at": now}
		switch to {
		case models.ClaimApproved, models.ClaimRejected:
			updates["reviewed_by"] = actorID
			updates["reviewed_at"] = now
			if note = strings.TrimSpace(note); note != "" {
				updates["review_note"] = note
			}
		case models.ClaimDisbursed:
			updates["disbursed_at"] = now
		}
		res := tx.Model(&models.Claim{}).Where("id = ? AND status = ?", id, from).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: claim %s is %s, expected %s", ErrPreconditionFailed, id, out.Status, from)
		}
		return s.appendAudit(tx, "claim", id, actorID, "claim."+strings.ToLower(string(to)), note)
	})
	if err != nil {
		return models.Claim{}, err
	}
	return out, nil
}

// AttachEvidence sets the claim's single evidence reference. Attaching the same
// ref again is a no-op; a different ref is ErrPreconditionFailed.
func (s *Store) AttachEvidence(ctx context.Context, id uuid.UUID, ev Evidence, actorID string) (models.Claim, error) {
	if strings.TrimSpace(ev.Ref) == "" {
		return models.Claim{}, errors.New("store: evidence ref required")
	}
	var out models.Claim
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		res := tx.Model(&models.Claim{}).
			Where("id = ? AND evidence_ref IS NULL", id).
			Updates(map[string]any{
				"evidence_ref":  ev.Ref,
				"evidence_name": ev.Name,
				"evidence_type": ev.ContentType,
				"evidence_at":   now,
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		if res.RowsAffected == 0 {
			if out.EvidenceRef != nil && *out.EvidenceRef == ev.Ref {
				return nil
			}
			return fmt.Errorf("%w: claim %s already has evidence", ErrPreconditionFailed, id)
		}
		return s.appendAudit(tx, "claim", id, actorID, "claim.evidence_attached", ev.Ref)
	})
	if err != nil {
		return models.Claim{}, err
	}
	return out, nil
}
