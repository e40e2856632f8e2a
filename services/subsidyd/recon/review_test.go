package recon

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"agrisubsidy/services/subsidyd/actor"
	"agrisubsidy/services/subsidyd/contract"
	"agrisubsidy/services/subsidyd/models"
	"agrisubsidy/services/subsidyd/store"
)

func TestTransitionClaimPublishesAndGuardsLifecycle(t *testing.T) {
	s := setupStore(t)
	notifier := &recordingNotifier{}
	c := newCoordinator(t, s, newFakeLedger(), func(cfg *Config) { cfg.Notifier = notifier })
	program := activeProgram(t, s, "1")
	ctx := context.Background()

	out, err := c.SubmitClaim(ctx, farmer("farmer-1"), claimRequest(program, "k1"))
	require.NoError(t, err)
	reviewer := actor.New("agency-1", actor.RoleAgency)

	_, err = c.TransitionClaim(ctx, reviewer, out.Claim.ID, models.ClaimDisbursed, "")
	require.ErrorIs(t, err, store.ErrInvalidTransition)

	approved, err := c.TransitionClaim(ctx, reviewer, out.Claim.ID, models.ClaimApproved, "documents ok")
	require.NoError(t, err)
	require.Equal(t, models.ClaimApproved, approved.Status)
	require.Equal(t, "agency-1", *approved.ReviewedBy)
	require.True(t, notifier.seen(TopicClaimTransitioned))

	disbursed, err := c.TransitionClaim(ctx, reviewer, out.Claim.ID, models.ClaimDisbursed, "")
	require.NoError(t, err)
	require.NotNil(t, disbursed.DisbursedAt)
}

func TestVerifyClaimAgainstIndexedEvent(t *testing.T) {
	s := setupStore(t)
	c := newCoordinator(t, s, newFakeLedger(), nil)
	program := activeProgram(t, s, "1")
	ctx := context.Background()

	out, err := c.SubmitClaim(ctx, farmer("farmer-1"), claimRequest(program, "k1"))
	require.NoError(t, err)
	claim := out.Claim

	v, err := c.VerifyClaim(ctx, claim.ID)
	require.NoError(t, err)
	require.False(t, v.Verified)
	require.False(t, v.EventIndexed)
	require.Equal(t, claim.MetadataDigest, v.RecomputedDigest)

	require.NoError(t, s.UpsertEvents(ctx, []models.IndexedEvent{{
		ID:             claim.OnchainTxHash + "-0",
		Name:           contract.EventClaimSubmitted,
		TxHash:         claim.OnchainTxHash,
		EntityID:       claim.OnchainClaimID,
		MetadataDigest: claim.MetadataDigest,
	}}))
	v, err = c.VerifyClaim(ctx, claim.ID)
	require.NoError(t, err)
	require.True(t, v.Verified)
	require.Equal(t, claim.MetadataDigest, v.OnchainDigest)
}
