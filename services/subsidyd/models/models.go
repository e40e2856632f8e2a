// Package models defines the gorm schema of the subsidy record store.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProgramStatus is the lifecycle state of a subsidy program.
type ProgramStatus string

// Program states. ACTIVE is reached once and never left.
const (
	ProgramDraft  ProgramStatus = "DRAFT"
	ProgramActive ProgramStatus = "ACTIVE"
)

// ClaimStatus is the review state of a claim.
type ClaimStatus string

// Claim states.
const (
	ClaimPending   ClaimStatus = "PENDING"
	ClaimApproved  ClaimStatus = "APPROVED"
	ClaimRejected  ClaimStatus = "REJECTED"
	ClaimDisbursed ClaimStatus = "DISBURSED"
)

// Eligibility is the predicate a farmer must satisfy to claim against a program.
// Empty lists mean "any".
type Eligibility struct {
	MinFarmSizeAcres float64  `json:"min_farm_size_acres"`
	MaxFarmSizeAcres float64  `json:"max_farm_size_acres"`
	States           []string `gorm:"serializer:json" json:"states"`
	Districts        []string `gorm:"serializer:json" json:"districts"`
	CropTypes        []string `gorm:"serializer:json" json:"crop_types"`
	LandDocTypes     []string `gorm:"serializer:json" json:"land_doc_types"`
}

// Program is a subsidy scheme. OnchainID is set exactly when Status is ACTIVE;
// the check constraint enforces it at the database level.
type Program struct {
	ID               uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	Name             string        `gorm:"size:200;not null" json:"name"`
	Description      string        `gorm:"size:2000" json:"description"`
	Status           ProgramStatus `gorm:"size:16;index;not null;check:chk_programs_onchain_link,(status = 'ACTIVE') = (onchain_id IS NOT NULL)" json:"status"`
	OnchainID        *string       `gorm:"size:78;uniqueIndex" json:"onchain_id,omitempty"`
	ActivationTxHash *string       `gorm:"size:66" json:"activation_tx_hash,omitempty"`
	PayoutAmountWei  string        `gorm:"size:78;not null" json:"payout_amount_wei"`
	MaxCapWei        string        `gorm:"size:78;not null" json:"max_cap_wei"`
	Eligibility      Eligibility   `gorm:"embedded;embeddedPrefix:elig_" json:"eligibility"`
	CreatedBy        string        `gorm:"size:128;index" json:"created_by"`
	ActivatedAt      *time.Time    `json:"activated_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Claim is a farmer's subsidy request. It only exists once its on-chain
// submission is confirmed, so the on-chain linkage columns are never empty.
type Claim struct {
	ID               uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	ProgramID        uuid.UUID   `gorm:"type:uuid;index;not null" json:"program_id"`
	ProgramOnchainID string      `gorm:"size:78;not null" json:"program_onchain_id"`
	FarmerID         string      `gorm:"size:128;index;not null" json:"farmer_id"`
	AmountWei        string      `gorm:"size:78;not null" json:"amount_wei"`
	Remarks          string      `gorm:"size:2000" json:"remarks"`
	SubmittedAt      int64       `gorm:"not null" json:"submitted_at"`
	OnchainClaimID   string      `gorm:"size:78;uniqueIndex;not null;check:chk_claims_onchain_claim,onchain_claim_id <> ''" json:"onchain_claim_id"`
	OnchainTxHash    string      `gorm:"size:66;uniqueIndex;not null;check:chk_claims_onchain_tx,onchain_tx_hash <> ''" json:"onchain_tx_hash"`
	ConfirmedBlock   uint64      `json:"confirmed_block"`
	MetadataDigest   string      `gorm:"size:66;index;not null" json:"metadata_digest"`
	Status           ClaimStatus `gorm:"size:16;index;not null" json:"status"`
	EvidenceRef      *string     `gorm:"size:100" json:"evidence_ref,omitempty"`
	EvidenceName     *string     `gorm:"size:255" json:"evidence_name,omitempty"`
	EvidenceType     *string     `gorm:"size:100" json:"evidence_type,omitempty"`
	EvidenceAt       *time.Time  `json:"evidence_at,omitempty"`
	ReviewedBy       *string     `gorm:"size:128" json:"reviewed_by,omitempty"`
	ReviewNote       *string     `gorm:"size:2000" json:"review_note,omitempty"`
	ReviewedAt       *time.Time  `json:"reviewed_at,omitempty"`
	DisbursedAt      *time.Time  `json:"disbursed_at,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// AuditEvent is an append-only trail of store mutations.
type AuditEvent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Entity    string    `gorm:"size:16;index:idx_audit_entity" json:"entity"`
	EntityID  uuid.UUID `gorm:"type:uuid;index:idx_audit_entity" json:"entity_id"`
	ActorID   string    `gorm:"size:128" json:"actor_id"`
	Action    string    `gorm:"size:64" json:"action"`
	Details   string    `gorm:"size:2000" json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

// IntentKind distinguishes journaled submissions.
type IntentKind string

// Intent kinds.
const (
	IntentProgramActivation IntentKind = "program_activation"
	IntentClaimSubmission   IntentKind = "claim_submission"
)

// IntentState is a reconciliation state.
type IntentState string

// Reconciliation states. LEDGER_FAILED and STORE_CONFIRMED are terminal;
// STORE_FAILED_AFTER_LEDGER is terminal for the request but is picked up by
// recovery.
const (
	IntentInit                   IntentState = "INIT"
	IntentLedgerPending          IntentState = "LEDGER_PENDING"
	IntentLedgerConfirmed        IntentState = "LEDGER_CONFIRMED"
	IntentStorePending           IntentState = "STORE_PENDING"
	IntentStoreConfirmed         IntentState = "STORE_CONFIRMED"
	IntentLedgerFailed           IntentState = "LEDGER_FAILED"
	IntentStoreFailedAfterLedger IntentState = "STORE_FAILED_AFTER_LEDGER"
)

// SyncIntent journals one logical submission across the ledger and store.
type SyncIntent struct {
	ID             uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	Key            string      `gorm:"size:255;uniqueIndex;not null" json:"key"`
	Kind           IntentKind  `gorm:"size:32;index;not null" json:"kind"`
	ProgramID      uuid.UUID   `gorm:"type:uuid;index" json:"program_id"`
	ActorID        string      `gorm:"size:128" json:"actor_id"`
	State          IntentState `gorm:"size:32;index;not null" json:"state"`
	Payload        string      `gorm:"type:text" json:"payload"`
	Digest         string      `gorm:"size:66;index" json:"digest,omitempty"`
	TxHash         string      `gorm:"size:66;index" json:"tx_hash,omitempty"`
	TxNonce        *uint64     `json:"tx_nonce,omitempty"`
	TxFrom         string      `gorm:"size:42" json:"tx_from,omitempty"`
	EmittedID      string      `gorm:"size:78" json:"emitted_id,omitempty"`
	ConfirmedBlock uint64      `json:"confirmed_block,omitempty"`
	RecordID       *uuid.UUID  `gorm:"type:uuid" json:"record_id,omitempty"`
	Attempts       int         `json:"attempts"`
	StoreAttempts  int         `json:"store_attempts"`
	ErrorClass     string      `gorm:"size:64" json:"error_class,omitempty"`
	LastError      string      `gorm:"size:2000" json:"last_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `gorm:"index" json:"updated_at"`
}

// IndexedEvent is one projected contract log, keyed "{txHash}-{logIndex}".
type IndexedEvent struct {
	ID             string    `gorm:"size:80;primaryKey" json:"id"`
	Name           string    `gorm:"size:32;index" json:"name"`
	TxHash         string    `gorm:"size:66;index" json:"tx_hash"`
	LogIndex       uint      `json:"log_index"`
	BlockNumber    uint64    `gorm:"index" json:"block_number"`
	BlockTimestamp uint64    `json:"block_timestamp"`
	Params         string    `gorm:"type:text" json:"params"`
	EntityID       string    `gorm:"size:78;index" json:"entity_id,omitempty"`
	MetadataDigest string    `gorm:"size:66;index" json:"metadata_digest,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// IndexerCursor records the last fully processed block per contract.
type IndexerCursor struct {
	Contract  string `gorm:"size:42;primaryKey"`
	Block     uint64
	UpdatedAt time.Time
}

// IdempotencyKey persists the first response for a client-supplied key.
type IdempotencyKey struct {
	Key         string `gorm:"primaryKey;size:255"`
	ActorID     string `gorm:"size:128"`
	RequestID   string
	Method      string
	Path        string
	RequestHash string `gorm:"size:64"`
	Status      int
	Response    string `gorm:"type:text"`
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Program{},
		&Claim{},
		&AuditEvent{},
		&SyncIntent{},
		&IndexedEvent{},
		&IndexerCursor{},
		&IdempotencyKey{},
	)
}
