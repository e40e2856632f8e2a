package recon

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"agrisubsidy/services/subsidyd/ledger"
	"agrisubsidy/services/subsidyd/models"
	"agrisubsidy/services/subsidyd/store"
)

// gatedLedger holds a claim submission until release is closed, modelling a
// replica that read the intent in INIT and stalled before signing.
type gatedLedger struct {
	ledger.Client
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedLedger(inner ledger.Client) *gatedLedger {
	return &gatedLedger{Client: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedLedger) SubmitClaim(ctx context.Context, programID *big.Int, d common.Hash, opts ...ledger.SubmitOption) (ledger.Receipt, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.Client.SubmitClaim(ctx, programID, d, opts...)
}

func (f *fakeLedger) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcast)
}

func onlyIntent(t *testing.T, s *store.Store) models.SyncIntent {
	t.Helper()
	intents, err := s.ListIntents(context.Background(), store.IntentFilter{})
	require.NoError(t, err)
	require.Len(t, intents, 1)
	return intents[0]
}

type submitResult struct {
	out Outcome
	err error
}

func TestReplicasSharingStoreBroadcastClaimOnce(t *testing.T) {
	s := setupStore(t)
	chain := newFakeLedger()
	gate := newGatedLedger(chain)
	stalled := newCoordinator(t, s, gate, nil)
	owner := newCoordinator(t, s, chain, nil)
	program := activeProgram(t, s, "1")
	ctx := context.Background()
	req := claimRequest(program, "k1")

	stalledDone := make(chan submitResult, 1)
	go func() {
		out, err := stalled.SubmitClaim(ctx, farmer("farmer-1"), req)
		stalledDone <- submitResult{out, err}
	}()
	<-gate.entered
	require.Equal(t, models.IntentInit, onlyIntent(t, s).State)

	hold := make(chan struct{})
	chain.mu.Lock()
	chain.block = hold
	chain.mu.Unlock()
	ownerDone := make(chan submitResult, 1)
	go func() {
		out, err := owner.SubmitClaim(ctx, farmer("farmer-1"), req)
		ownerDone <- submitResult{out, err}
	}()
	require.Eventually(t, func() bool {
		return onlyIntent(t, s).State == models.IntentLedgerPending
	}, time.Second, 5*time.Millisecond)

	close(gate.release)
	res := <-stalledDone
	require.ErrorIs(t, res.err, ErrInFlight)
	in := onlyIntent(t, s)
	require.Equal(t, models.IntentLedgerPending, in.State)
	require.Empty(t, in.ErrorClass)

	close(hold)
	res = <-ownerDone
	require.NoError(t, res.err)
	require.Equal(t, models.IntentStoreConfirmed, res.out.State)
	require.NotNil(t, res.out.Claim)
	require.Equal(t, models.IntentStoreConfirmed, onlyIntent(t, s).State)

	retry, err := stalled.SubmitClaim(ctx, farmer("farmer-1"), req)
	require.NoError(t, err)
	require.True(t, retry.Replayed)
	require.Equal(t, res.out.Claim.ID, retry.Claim.ID)
	require.Equal(t, 1, chain.broadcastCount())
}

func TestFailedIntentWithRecordedClaimIsNotResubmitted(t *testing.T) {
	s := setupStore(t)
	l := newFakeLedger()
	c := newCoordinator(t, s, l, nil)
	program := activeProgram(t, s, "1")
	ctx := context.Background()

	first, err := c.SubmitClaim(ctx, farmer("farmer-1"), claimRequest(program, "k1"))
	require.NoError(t, err)
	class := classJournal
	_, err = s.AdvanceIntent(ctx, first.IntentID, []models.IntentState{models.IntentStoreConfirmed}, store.IntentPatch{
		State:      models.IntentLedgerFailed,
		ErrorClass: &class,
	})
	require.NoError(t, err)

	retry, err := c.SubmitClaim(ctx, farmer("farmer-1"), claimRequest(program, "k1"))
	require.NoError(t, err)
	require.True(t, retry.Replayed)
	require.Equal(t, models.IntentStoreConfirmed, retry.State)
	require.Equal(t, first.Claim.ID, retry.Claim.ID)
	require.Equal(t, 1, l.submitCount())
	require.Equal(t, models.IntentStoreConfirmed, onlyIntent(t, s).State)
}

func TestConfirmationForUntrackedTransactionIsNotRecorded(t *testing.T) {
	s := setupStore(t)
	c := newCoordinator(t, s, newFakeLedger(), nil)
	program := activeProgram(t, s, "1")
	ctx := context.Background()

	raw, err := json.Marshal(claimPayload{
		ProgramID:        program.ID,
		ProgramOnchainID: "1",
		FarmerID:         "farmer-1",
		AmountWei:        "500000000000000",
		Remarks:          "seed purchase",
		SubmittedAt:      1_700_000_000,
	})
	require.NoError(t, err)
	in, _, err := s.OpenIntent(ctx, models.SyncIntent{
		Key:       "claim:farmer-1:k2",
		Kind:      models.IntentClaimSubmission,
		ProgramID: program.ID,
		ActorID:   "farmer-1",
		Payload:   string(raw),
		Digest:    common.Hash{}.Hex(),
	})
	require.NoError(t, err)
	tracked := "0x" + common.Bytes2Hex(common.LeftPadBytes([]byte{0x01}, 32))
	class := classDropped
	in, err = s.AdvanceIntent(ctx, in.ID, []models.IntentState{models.IntentInit}, store.IntentPatch{
		State:      models.IntentLedgerFailed,
		TxHash:     &tracked,
		ErrorClass: &class,
	})
	require.NoError(t, err)

	j, err := c.jobFor(in)
	require.NoError(t, err)
	other := ledger.Receipt{
		TxHash:         common.BigToHash(big.NewInt(0x02)),
		ConfirmedBlock: 9,
		EmittedID:      big.NewInt(5),
	}
	_, err = c.confirmLedger(ctx, in, j, other, []models.IntentState{models.IntentLedgerPending})
	require.ErrorIs(t, err, ErrIntentConflict)

	_, err = s.ClaimByTxHash(ctx, other.TxHash.Hex())
	require.ErrorIs(t, err, store.ErrNotFound)
	after, err := s.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	require.Equal(t, models.IntentLedgerFailed, after.State)
}
