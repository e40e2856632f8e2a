package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"agrisubsidy/services/subsidyd/models"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := Open(dsn, Options{MaxOpenConns: 1, LogLevel: logger.Silent})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	s := New(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func draftProgram(t *testing.T, s *Store) models.Program {
	t.Helper()
	p, err := s.CreateProgram(context.Background(), models.Program{
		Name:            "Kharif seed support",
		PayoutAmountWei: "500000000000000",
		MaxCapWei:       "1000000000000000",
		CreatedBy:       "agency-1",
		Eligibility: models.Eligibility{
			MinFarmSizeAcres: 1,
			MaxFarmSizeAcres: 10,
			States:           []string{"Punjab"},
		},
	}, "agency-1")
	if err != nil {
		t.Fatalf("create program: %v", err)
	}
	return p
}

func activeProgram(t *testing.T, s *Store, onchainID string) models.Program {
	t.Helper()
	p := draftProgram(t, s)
	p, err := s.ActivateProgram(context.Background(), p.ID, onchainID, "0xactivation", "agency-1")
	if err != nil {
		t.Fatalf("activate program: %v", err)
	}
	return p
}

func TestCreateProgramIdempotent(t *testing.T) {
	s := setupStore(t)
	p := draftProgram(t, s)
	require.Equal(t, models.ProgramDraft, p.Status)
	require.Nil(t, p.OnchainID)

	again, err := s.CreateProgram(context.Background(), models.Program{
		ID: p.ID, Name: p.Name, PayoutAmountWei: p.PayoutAmountWei, MaxCapWei: p.MaxCapWei, CreatedBy: p.CreatedBy,
	}, "agency-1")
	require.NoError(t, err)
	require.Equal(t, p.ID, again.ID)

	_, err = s.CreateProgram(context.Background(), models.Program{ID: p.ID, Name: "other", PayoutAmountWei: "1", MaxCapWei: "1"}, "agency-1")
	require.ErrorIs(t, err, ErrDuplicate)

	onchain := "9"
	_, err = s.CreateProgram(context.Background(), models.Program{Name: "x", OnchainID: &onchain}, "agency-1")
	require.ErrorIs(t, err, ErrInvalidTransition)

	loaded, err := s.GetProgram(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"Punjab"}, loaded.Eligibility.States)
}

func TestActivateProgramConditional(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := draftProgram(t, s)

	active, err := s.ActivateProgram(ctx, p.ID, "7", "0xaaa", "agency-1")
	require.NoError(t, err)
	require.Equal(t, models.ProgramActive, active.Status)
	require.NotNil(t, active.OnchainID)
	require.Equal(t, "7", *active.OnchainID)

	replay, err := s.ActivateProgram(ctx, p.ID, "7", "0xaaa", "agency-1")
	require.NoError(t, err)
	require.Equal(t, active.ActivatedAt.Unix(), replay.ActivatedAt.Unix())

	_, err = s.ActivateProgram(ctx, p.ID, "8", "0xbbb", "agency-1")
	require.ErrorIs(t, err, ErrPreconditionFailed)

	_, err = s.ActivateProgram(ctx, uuid.New(), "9", "0xccc", "agency-1")
	require.ErrorIs(t, err, ErrNotFound)

	other := draftProgram(t, s)
	_, err = s.ActivateProgram(ctx, other.ID, "7", "0xddd", "agency-1")
	require.ErrorIs(t, err, ErrPreconditionFailed)
	stillDraft, err := s.GetProgram(ctx, other.ID)
	require.NoError(t, err)
	require.Equal(t, models.ProgramDraft, stillDraft.Status)
	require.Nil(t, stillDraft.OnchainID)

	trail, err := s.AuditTrail(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
}

func TestActivateProgramRaceHasSingleWinner(t *testing.T) {
	s := setupStore(t)
	p := draftProgram(t, s)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.ActivateProgram(context.Background(), p.ID, fmt.Sprint(100+i), fmt.Sprintf("0x%d", i), "agency-1")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, ErrPreconditionFailed)
	}
	require.Equal(t, 1, wins)
}

func TestProgramLinkConstraint(t *testing.T) {
	s := setupStore(t)
	bad := models.Program{ID: uuid.New(), Name: "bad", Status: models.ProgramActive, PayoutAmountWei: "1", MaxCapWei: "1"}
	err := s.DB().Create(&bad).Error
	require.Error(t, err)

	onchain := "5"
	linkedDraft := models.Program{ID: uuid.New(), Name: "bad", Status: models.ProgramDraft, OnchainID: &onchain, PayoutAmountWei: "1", MaxCapWei: "1"}
	require.Error(t, s.DB().Create(&linkedDraft).Error)
}

func newClaim(p models.Program, tx, claimID, digest string) models.Claim {
	return models.Claim{
		ProgramID:        p.ID,
		ProgramOnchainID: *p.OnchainID,
		FarmerID:         "farmer-1",
		AmountWei:        "500000000000000",
		Remarks:          "seed",
		SubmittedAt:      1718000000,
		OnchainClaimID:   claimID,
		OnchainTxHash:    tx,
		MetadataDigest:   digest,
	}
}

func TestCreateClaimIdempotentOnTxHash(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := activeProgram(t, s, "7")

	c, created, err := s.CreateClaim(ctx, newClaim(p, "0xABC", "42", "0xd1"), "farmer-1")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, models.ClaimPending, c.Status)
	require.Equal(t, "0xabc", c.OnchainTxHash)

	again, created, err := s.CreateClaim(ctx, newClaim(p, "0xabc", "42", "0xd1"), "farmer-1")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, c.ID, again.ID)

	_, _, err = s.CreateClaim(ctx, newClaim(p, "0xabc", "42", "0xd2"), "farmer-1")
	require.ErrorIs(t, err, ErrDuplicate)

	_, _, err = s.CreateClaim(ctx, newClaim(p, "0xdef", "42", "0xd3"), "farmer-1")
	require.ErrorIs(t, err, ErrDuplicate)

	byTx, err := s.ClaimByTxHash(ctx, "0xABC")
	require.NoError(t, err)
	require.Equal(t, c.ID, byTx.ID)
}

func TestCreateClaimRequiresLinkageAndActiveProgram(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := activeProgram(t, s, "7")

	_, _, err := s.CreateClaim(ctx, newClaim(p, "", "42", "0xd1"), "farmer-1")
	require.ErrorIs(t, err, ErrMissingLinkage)
	_, _, err = s.CreateClaim(ctx, newClaim(p, "0x1", "", "0xd1"), "farmer-1")
	require.ErrorIs(t, err, ErrMissingLinkage)

	draft := draftProgram(t, s)
	onchain := "7"
	draft.OnchainID = &onchain
	_, _, err = s.CreateClaim(ctx, newClaim(draft, "0x2", "43", "0xd2"), "farmer-1")
	require.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestTransitionClaim(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := activeProgram(t, s, "7")
	c, _, err := s.CreateClaim(ctx, newClaim(p, "0x1", "1", "0xd1"), "farmer-1")
	require.NoError(t, err)

	_, err = s.TransitionClaim(ctx, c.ID, models.ClaimPending, models.ClaimDisbursed, "agency-1", "")
	require.ErrorIs(t, err, ErrInvalidTransition)

	approved, err := s.TransitionClaim(ctx, c.ID, models.ClaimPending, models.ClaimApproved, "agency-1", "docs ok")
	require.NoError(t, err)
	require.Equal(t, models.ClaimApproved, approved.Status)
	require.Equal(t, "agency-1", *approved.ReviewedBy)

	_, err = s.TransitionClaim(ctx, c.ID, models.ClaimPending, models.ClaimRejected, "agency-2", "late")
	require.ErrorIs(t, err, ErrPreconditionFailed)

	_, err = s.TransitionClaim(ctx, c.ID, models.ClaimApproved, models.ClaimPending, "agency-1", "")
	require.ErrorIs(t, err, ErrInvalidTransition)

	paid, err := s.TransitionClaim(ctx, c.ID, models.ClaimApproved, models.ClaimDisbursed, "agency-1", "")
	require.NoError(t, err)
	require.NotNil(t, paid.DisbursedAt)

	for _, tc := range []struct{ from, to models.ClaimStatus }{
		{models.ClaimRejected, models.ClaimApproved},
		{models.ClaimDisbursed, models.ClaimApproved},
		{models.ClaimRejected, models.ClaimPending},
	} {
		if err := ValidateClaimTransition(tc.from, tc.to); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s -> %s should be invalid, got %v", tc.from, tc.to, err)
		}
	}
}

func TestAttachEvidenceZeroOrOne(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	p := activeProgram(t, s, "7")
	c, _, err := s.CreateClaim(ctx, newClaim(p, "0x1", "1", "0xd1"), "farmer-1")
	require.NoError(t, err)

	ev := Evidence{Ref: "blake3:aa", Name: "land.pdf", ContentType: "application/pdf"}
	got, err := s.AttachEvidence(ctx, c.ID, ev, "farmer-1")
	require.NoError(t, err)
	require.Equal(t, "blake3:aa", *got.EvidenceRef)

	_, err = s.AttachEvidence(ctx, c.ID, ev, "farmer-1")
	require.NoError(t, err)

	_, err = s.AttachEvidence(ctx, c.ID, Evidence{Ref: "blake3:bb"}, "farmer-1")
	require.ErrorIs(t, err, ErrPreconditionFailed)

	_, err = s.AttachEvidence(ctx, uuid.New(), ev, "farmer-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIntentJournal(t *testing.T) {
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	clock := now
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := Open(dsn, Options{MaxOpenConns: 1, LogLevel: logger.Silent})
	require.NoError(t, err)
	s := New(db, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	in, created, err := s.OpenIntent(ctx, models.SyncIntent{Key: "claim:farmer-1:k1", Kind: models.IntentClaimSubmission, Digest: "0xD1"})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, models.IntentInit, in.State)

	again, created, err := s.OpenIntent(ctx, models.SyncIntent{Key: "claim:farmer-1:k1", Kind: models.IntentClaimSubmission})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, in.ID, again.ID)

	tx := "0xABC"
	nonce := uint64(3)
	pending, err := s.AdvanceIntent(ctx, in.ID, []models.IntentState{models.IntentInit}, IntentPatch{
		State: models.IntentLedgerPending, TxHash: &tx, TxNonce: &nonce, IncAttempts: true,
	})
	require.NoError(t, err)
	require.Equal(t, models.IntentLedgerPending, pending.State)
	require.Equal(t, "0xabc", pending.TxHash)
	require.Equal(t, 1, pending.Attempts)

	_, err = s.AdvanceIntent(ctx, in.ID, []models.IntentState{models.IntentInit}, IntentPatch{State: models.IntentLedgerFailed})
	require.ErrorIs(t, err, ErrPreconditionFailed)

	byTx, err := s.IntentByTxHash(ctx, "0xabc")
	require.NoError(t, err)
	require.Equal(t, in.ID, byTx.ID)
	byDigest, err := s.IntentByDigest(ctx, "0xd1")
	require.NoError(t, err)
	require.Equal(t, in.ID, byDigest.ID)

	clock = now.Add(time.Hour)
	stale, err := s.StaleIntents(ctx, now.Add(30*time.Minute), []models.IntentState{models.IntentLedgerPending}, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	counts, err := s.CountIntentsByState(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[string(models.IntentLedgerPending)])
}

func TestEventsAndCursor(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	events := []models.IndexedEvent{
		{ID: "0xaa-0", Name: "ClaimSubmitted", TxHash: "0xAA", LogIndex: 0, BlockNumber: 10, EntityID: "42", MetadataDigest: "0xD1"},
		{ID: "0xaa-1", Name: "ClaimApproved", TxHash: "0xaa", LogIndex: 1, BlockNumber: 10, EntityID: "42"},
	}
	require.NoError(t, s.UpsertEvents(ctx, events))
	require.NoError(t, s.UpsertEvents(ctx, events))

	byTx, err := s.EventsByTx(ctx, "0xaa")
	require.NoError(t, err)
	require.Len(t, byTx, 2)

	ev, err := s.ClaimSubmittedByDigest(ctx, "ClaimSubmitted", "0xd1")
	require.NoError(t, err)
	require.Equal(t, "42", ev.EntityID)

	_, err = s.EventByEntity(ctx, "ProgramCreated", "7")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteEvents(ctx, []string{"0xaa-1"}))
	list, err := s.ListEvents(ctx, EventFilter{TxHash: "0xaa"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, ok, err := s.GetCursor(ctx, "0xRegistry")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, s.SetCursor(ctx, "0xRegistry", 10))
	require.NoError(t, s.SetCursor(ctx, "0xregistry", 12))
	block, ok, err := s.GetCursor(ctx, "0xREGISTRY")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(12), block)
}
