package store

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agrisubsidy/services/subsidyd/models"
)

// EventFilter narrows ListEvents.
type EventFilter struct {
	Name      string
	TxHash    string
	EntityID  string
	FromBlock uint64
	Limit     int
	Offset    int
}

// UpsertEvents stores projected events, replacing rows with the same id.
func (s *Store) UpsertEvents(ctx context.Context, events []models.IndexedEvent) error {
	if len(events) == 0 {
		return nil
	}
	now := s.now()
	for i := range events {
		events[i].TxHash = strings.ToLower(events[i].TxHash)
		events[i].MetadataDigest = strings.ToLower(events[i].MetadataDigest)
		if events[i].CreatedAt.IsZero() {
			events[i].CreatedAt = now
		}
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		CreateInBatches(events, 100).Error
}

// DeleteEvents removes events that were reorganised out of the chain.
func (s *Store) DeleteEvents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.IndexedEvent{}).Error
}

// EventsByTx returns the events emitted by a transaction in log order.
func (s *Store) EventsByTx(ctx context.Context, txHash string) ([]models.IndexedEvent, error) {
	var out []models.IndexedEvent
	err := s.db.WithContext(ctx).
		Where("tx_hash = ?", strings.ToLower(strings.TrimSpace(txHash))).
		Order("log_index asc").Find(&out).Error
	return out, err
}

// ClaimSubmittedByDigest returns the ClaimSubmitted event carrying a digest.
func (s *Store) ClaimSubmittedByDigest(ctx context.Context, name, digest string) (models.IndexedEvent, error) {
	var out models.IndexedEvent
	err := s.db.WithContext(ctx).
		Where("name = ? AND metadata_digest = ?", name, strings.ToLower(strings.TrimSpace(digest))).
		Order("block_number asc").First(&out).Error
	if err != nil {
		return models.IndexedEvent{}, notFound(err)
	}
	return out, nil
}

// EventByEntity returns the first event of name whose primary id is entityID.
func (s *Store) EventByEntity(ctx context.Context, name, entityID string) (models.IndexedEvent, error) {
	var out models.IndexedEvent
	err := s.db.WithContext(ctx).
		Where("name = ? AND entity_id = ?", name, entityID).
		Order("block_number asc").First(&out).Error
	if err != nil {
		return models.IndexedEvent{}, notFound(err)
	}
	return out, nil
}

// ListEvents returns events newest block first.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]models.IndexedEvent, error) {
	q := s.db.WithContext(ctx).Model(&models.IndexedEvent{})
	if f.Name != "" {
		q = q.Where("name = ?", f.Name)
	}
	if f.TxHash != "" {
		q = q.Where("tx_hash = ?", strings.ToLower(f.TxHash))
	}
	if f.EntityID != "" {
		q = q.Where("entity_id = ?", f.EntityID)
	}
	if f.FromBlock > 0 {
		q = q.Where("block_number >= ?", f.FromBlock)
	}
	var out []models.IndexedEvent
	err := q.Order("block_number desc, log_index desc").Limit(clampLimit(f.Limit)).Offset(f.Offset).Find(&out).Error
	return out, err
}

// GetCursor returns the last processed block for contract.
func (s *Store) GetCursor(ctx context.Context, contract string) (uint64, bool, error) {
	var cur models.IndexerCursor
	err := s.db.WithContext(ctx).First(&cur, "contract = ?", strings.ToLower(contract)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return cur.Block, true, nil
}

// SetCursor records the last processed block for contract.
func (s *Store) SetCursor(ctx context.Context, contract string, block uint64) error {
	cur := models.IndexerCursor{Contract: strings.ToLower(contract), Block: block, UpdatedAt: s.now()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "contract"}}, DoUpdates: clause.AssignmentColumns([]string{"block", "updated_at"})}).
		Create(&cur).Error
}
