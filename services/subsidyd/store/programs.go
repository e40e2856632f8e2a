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

// ProgramFilter narrows ListPrograms.
type ProgramFilter struct {
	Status    models.ProgramStatus
	CreatedBy string
	Limit     int
	Offset    int
}

// CreateProgram inserts a DRAFT program. Repeating the call with the same id and
// content returns the stored row; different content under the same id is
// ErrDuplicate.
func (s *Store) CreateProgram(ctx context.Context, p models.Program, actorID string) (models.Program, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = models.ProgramDraft
	}
	if p.Status != models.ProgramDraft || p.OnchainID != nil {
		return models.Program{}, fmt.Errorf("%w: programs are created as DRAFT without an on-chain id", ErrInvalidTransition)
	}
	p.Name = strings.TrimSpace(p.Name)
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now

	var out models.Program
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Program
		err := tx.First(&existing, "id = ?", p.ID).Error
		switch {
		case err == nil:
			if !sameProgramDefinition(existing, p) {
				return ErrDuplicate
			}
			out = existing
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		if err := tx.Create(&p).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		}
		out = p
		return s.appendAudit(tx, "program", p.ID, actorID, "program.created",
			fmt.Sprintf("payout=%s cap=%s", p.PayoutAmountWei, p.MaxCapWei))
	})
	return out, err
}

func sameProgramDefinition(a, b models.Program) bool {
	return a.Name == b.Name && a.PayoutAmountWei == b.PayoutAmountWei && a.MaxCapWei == b.MaxCapWei && a.CreatedBy == b.CreatedBy
}

// GetProgram loads a program by id.
func (s *Store) GetProgram(ctx context.Context, id uuid.UUID) (models.Program, error) {
	var p models.Program
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return models.Program{}, notFound(err)
	}
	return p, nil
}

// ProgramByOnchainID loads the program linked to an on-chain id.
func (s *Store) ProgramByOnchainID(ctx context.Context, onchainID string) (models.Program, error) {
	var p models.Program
	if err := s.db.WithContext(ctx).First(&p, "onchain_id = ?", onchainID).Error; err != nil {
		return models.Program{}, notFound(err)
	}
	return p, nil
}

// ListPrograms returns programs newest first.
func (s *Store) ListPrograms(ctx context.Context, f ProgramFilter) ([]models.Program, error) {
	q := s.db.WithContext(ctx).Model(&models.Program{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.CreatedBy != "" {
		q = q.Where("created_by = ?", f.CreatedBy)
	}
	var out []models.Program
	err := q.Order("created_at desc").Limit(clampLimit(f.Limit)).Offset(f.Offset).Find(&out).Error
	return out, err
}

// ActivateProgram moves a DRAFT program to ACTIVE and attaches its on-chain id
// in one conditional UPDATE. Re-applying the same on-chain id to an already
// ACTIVE program succeeds without change; any other mismatch is
// ErrPreconditionFailed.
func (s *Store) ActivateProgram(ctx context.Context, id uuid.UUID, onchainID, txHash, actorID string) (models.Program, error) {
	onchainID = strings.TrimSpace(onchainID)
	if onchainID == "" {
		return models.Program{}, fmt.Errorf("%w: on-chain id required", ErrMissingLinkage)
	}
	var out models.Program
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		updates := map[string]any{
			"status":             models.ProgramActive,
			"onchain_id":         onchainID,
			"activation_tx_hash": txHash,
			"activated_at":       now,
			"updated_at":         now,
		}
		res := tx.Model(&models.Program{}).
			Where("id = ? AND status = ? AND onchain_id IS NULL", id, models.ProgramDraft).
			Updates(updates)
		if res.Error != nil {
			if isUniqueViolation(res.Error) {
				return fmt.Errorf("%w: on-chain id %s already linked", ErrPreconditionFailed, onchainID)
			}
			return res.Error
		}
		if err := tx.First(&out, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		if res.RowsAffected == 0 {
			if out.Status == models.ProgramActive && out.OnchainID != nil && *out.OnchainID == onchainID {
				return nil
			}
			return fmt.Errorf("%w: program %s is %s", ErrPreconditionFailed, id, out.Status)
		}
		return s.appendAudit(tx, "program", id, actorID, "program.activated",
			fmt.Sprintf("onchain_id=%s tx=%s", onchainID, txHash))
	})
	if err != nil {
		return models.Program{}, err
	}
	return out, nil
}
