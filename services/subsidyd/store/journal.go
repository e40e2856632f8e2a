package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"agrisubsidy/services/subsidyd/models"
)

// IntentPatch lists the journal columns an AdvanceIntent call may set. Nil
// fields are left untouched.
type IntentPatch struct {
	State          models.IntentState
	TxHash         *string
	TxNonce        *uint64
	TxFrom         *string
	EmittedID      *string
	ConfirmedBlock *uint64
	RecordID       *uuid.UUID
	ErrorClass     *string
	LastError      *string
	Payload        *string
	Digest         *string
	IncAttempts    bool
	IncStore       bool
}

// IntentFilter narrows ListIntents.
type IntentFilter struct {
	States    []models.IntentState
	Kind      models.IntentKind
	ProgramID uuid.UUID
	Limit     int
	Offset    int
}

// OpenIntent inserts the intent if its key is new and otherwise returns the
// existing row. created reports whether this call inserted it.
func (s *Store) OpenIntent(ctx context.Context, in models.SyncIntent) (models.SyncIntent, bool, error) {
	in.Key = strings.TrimSpace(in.Key)
	if in.Key == "" {
		return models.SyncIntent{}, false, fmt.Errorf("store: intent key required")
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.State == "" {
		in.State = models.IntentInit
	}
	in.Digest = strings.ToLower(strings.TrimSpace(in.Digest))
	in.TxHash = strings.ToLower(strings.TrimSpace(in.TxHash))
	now := s.now()
	in.CreatedAt, in.UpdatedAt = now, now
	db := s.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "key"}}, DoNothing: true}).Create(&in)
	if res.Error != nil {
		return models.SyncIntent{}, false, res.Error
	}
	var out models.SyncIntent
	if err := db.First(&out, "key = ?", in.Key).Error; err != nil {
		return models.SyncIntent{}, false, notFound(err)
	}
	return out, res.RowsAffected == 1 && out.ID == in.ID, nil
}

// AdvanceIntent applies patch only while the intent is in one of from.
// Returns ErrPreconditionFailed when another actor has moved it.
func (s *Store) AdvanceIntent(ctx context.Context, id uuid.UUID, from []models.IntentState, patch IntentPatch) (models.SyncIntent, error) {
	updates := map[string]any{"updated_at": s.now()}
	if patch.State != "" {
		updates["state"] = patch.State
	}
	if patch.TxHash != nil {
		updates["tx_hash"] = strings.ToLower(*patch.TxHash)
	}
	if patch.TxNonce != nil {
		updates["tx_nonce"] = *patch.TxNonce
	}
	if patch.TxFrom != nil {
		updates["tx_from"] = *patch.TxFrom
	}
	if patch.EmittedID != nil {
		updates["emitted_id"] = *patch.EmittedID
	}
	if patch.ConfirmedBlock != nil {
		updates["confirmed_block"] = *patch.ConfirmedBlock
	}
	if patch.RecordID != nil {
		updates["record_id"] = *patch.RecordID
	}
	if patch.ErrorClass != nil {
		updates["error_class"] = *patch.ErrorClass
	}
	if patch.LastError != nil {
		updates["last_error"] = truncate(*patch.LastError, 2000)
	}
	if patch.Payload != nil {
		updates["payload"] = *patch.Payload
	}
	if patch.Digest != nil {
		updates["digest"] = strings.ToLower(*patch.Digest)
	}
	if patch.IncAttempts {
		updates["attempts"] = clause.Expr{SQL: "attempts + 1"}
	}
	if patch.IncStore {
		updates["store_attempts"] = clause.Expr{SQL: "store_attempts + 1"}
	}

	db := s.db.WithContext(ctx)
	q := db.Model(&models.SyncIntent{}).Where("id = ?", id)
	if len(from) > 0 {
		q = q.Where("state IN ?", from)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return models.SyncIntent{}, res.Error
	}
	var out models.SyncIntent
	if err := db.First(&out, "id = ?", id).Error; err != nil {
		return models.SyncIntent{}, notFound(err)
	}
	if res.RowsAffected == 0 {
		return out, fmt.Errorf("%w: intent %s is %s", ErrPreconditionFailed, id, out.State)
	}
	return out, nil
}

// GetIntent loads an intent by id.
func (s *Store) GetIntent(ctx context.Context, id uuid.UUID) (models.SyncIntent, error) {
	var out models.SyncIntent
	if err := s.db.WithContext(ctx).First(&out, "id = ?", id).Error; err != nil {
		return models.SyncIntent{}, notFound(err)
	}
	return out, nil
}

// IntentByKey loads an intent by its idempotency key.
func (s *Store) IntentByKey(ctx context.Context, key string) (models.SyncIntent, error) {
	var out models.SyncIntent
	if err := s.db.WithContext(ctx).First(&out, "key = ?", strings.TrimSpace(key)).Error; err != nil {
		return models.SyncIntent{}, notFound(err)
	}
	return out, nil
}

// IntentByDigest loads the claim intent committed to a metadata digest.
func (s *Store) IntentByDigest(ctx context.Context, digest string) (models.SyncIntent, error) {
	var out models.SyncIntent
	err := s.db.WithContext(ctx).
		Where("kind = ? AND digest = ?", models.IntentClaimSubmission, strings.ToLower(strings.TrimSpace(digest))).
		Order("created_at desc").First(&out).Error
	if err != nil {
		return models.SyncIntent{}, notFound(err)
	}
	return out, nil
}

// IntentByTxHash loads the intent that broadcast a transaction.
func (s *Store) IntentByTxHash(ctx context.Context, txHash string) (models.SyncIntent, error) {
	var out models.SyncIntent
	if err := s.db.WithContext(ctx).First(&out, "tx_hash = ?", strings.ToLower(strings.TrimSpace(txHash))).Error; err != nil {
		return models.SyncIntent{}, notFound(err)
	}
	return out, nil
}

// ListIntents returns intents most recently updated first.
func (s *Store) ListIntents(ctx context.Context, f IntentFilter) ([]models.SyncIntent, error) {
	q := s.db.WithContext(ctx).Model(&models.SyncIntent{})
	if len(f.States) > 0 {
		q = q.Where("state IN ?", f.States)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.ProgramID != uuid.Nil {
		q = q.Where("program_id = ?", f.ProgramID)
	}
	var out []models.SyncIntent
	err := q.Order("updated_at desc").Limit(clampLimit(f.Limit)).Offset(f.Offset).Find(&out).Error
	return out, err
}

// StaleIntents returns intents in states that have not moved since before.
func (s *Store) StaleIntents(ctx context.Context, before time.Time, states []models.IntentState, limit int) ([]models.SyncIntent, error) {
	var out []models.SyncIntent
	err := s.db.WithContext(ctx).
		Where("state IN ? AND updated_at < ?", states, before).
		Order("updated_at asc").
		Limit(clampLimit(limit)).
		Find(&out).Error
	return out, err
}

// CountIntentsByState returns the number of intents per state.
func (s *Store) CountIntentsByState(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		State string
		N     int
	}
	err := s.db.WithContext(ctx).Model(&models.SyncIntent{}).
		Select("state, count(*) as n").Group("state").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, row := range rows {
		out[row.State] = row.N
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
