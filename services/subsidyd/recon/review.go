package recon

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"agrisubsidy/services/subsidyd/actor"
	"agrisubsidy/services/subsidyd/models"
	"agrisubsidy/services/subsidyd/store"
)

// Verification reports whether a stored claim still matches what the ledger
// committed.
type Verification struct {
	ClaimID          uuid.UUID `json:"claim_id"`
	OnchainClaimID   string    `json:"onchain_claim_id"`
	TxHash           string    `json:"tx_hash"`
	StoredDigest     string    `json:"stored_digest"`
	RecomputedDigest string    `json:"recomputed_digest"`
	OnchainDigest    string    `json:"onchain_digest,omitempty"`
	EventIndexed     bool      `json:"event_indexed"`
	Verified         bool      `json:"verified"`
	Anomalies        []Anomaly `json:"anomalies,omitempty"`
}

// TransitionClaim applies a review decision to a claim and announces it.
func (c *Coordinator) TransitionClaim(ctx context.Context, a actor.Actor, id uuid.UUID, to models.ClaimStatus, note string) (models.Claim, error) {
	claim, err := c.store.GetClaim(ctx, id)
	if err != nil {
		return models.Claim{}, err
	}
	if err := store.ValidateClaimTransition(claim.Status, to); err != nil {
		return claim, err
	}
	updated, err := c.store.TransitionClaim(ctx, id, claim.Status, to, a.ID, note)
	if err != nil {
		return claim, err
	}
	c.logger.Info("claim transitioned",
		slog.String("claim_id", id.String()),
		slog.String("from", string(claim.Status)),
		slog.String("to", string(to)),
		slog.String("actor", a.ID))
	c.publish(TopicClaimTransitioned, updated)
	return updated, nil
}

// VerifyClaim recomputes the claim digest and compares it with the indexed
// ClaimSubmitted event of the claim's transaction.
func (c *Coordinator) VerifyClaim(ctx context.Context, id uuid.UUID) (Verification, error) {
	claim, err := c.store.GetClaim(ctx, id)
	if err != nil {
		return Verification{}, err
	}
	row, anomalies, err := (&Auditor{store: c.store}).auditClaim(ctx, claim)
	if err != nil {
		return Verification{}, err
	}
	return Verification{
		ClaimID:          claim.ID,
		OnchainClaimID:   claim.OnchainClaimID,
		TxHash:           claim.OnchainTxHash,
		StoredDigest:     row.StoredDigest,
		RecomputedDigest: row.RecomputedDigest,
		OnchainDigest:    row.EventDigest,
		EventIndexed:     row.EventFound,
		Verified:         len(anomalies) == 0,
		Anomalies:        anomalies,
	}, nil
}
