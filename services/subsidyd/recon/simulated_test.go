package recon

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"agrisubsidy/services/subsidyd/actor"
	"agrisubsidy/services/subsidyd/ledger"
	"agrisubsidy/services/subsidyd/models"
	"agrisubsidy/services/subsidyd/store"
)

func newSimulatedLedger(t *testing.T) (*ledger.EVMClient, *ledger.SimulatedBackend) {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	chainID := big.NewInt(31337)
	registry := common.HexToAddress("0x00000000000000000000000000000000000a9151")
	backend := ledger.NewSimulatedBackend(chainID, registry)
	client, err := ledger.NewEVMClient(backend, ledger.NewKeySignerFromKey(key), ledger.EVMConfig{
		Contract:       registry,
		ChainID:        chainID,
		Confirmations:  1,
		ConfirmTimeout: 100 * time.Millisecond,
		PollInterval:   2 * time.Millisecond,
	})
	require.NoError(t, err)
	return client, backend
}

func TestActivationAndClaimAgainstSimulatedChain(t *testing.T) {
	s := setupStore(t)
	client, backend := newSimulatedLedger(t)
	c := newCoordinator(t, s, client, nil)
	ctx := context.Background()

	program := draftProgram(t, s)
	activated, err := c.ActivateProgram(ctx, actor.New("agency-1", actor.RoleAgency), ActivationRequest{ProgramID: program.ID})
	require.NoError(t, err)
	require.Equal(t, "1", *activated.Program.OnchainID)

	out, err := c.SubmitClaim(ctx, farmer("farmer-1"), claimRequest(*activated.Program, ""))
	require.NoError(t, err)
	require.Equal(t, "1", out.Claim.OnchainClaimID)
	require.Equal(t, 2, backend.SentCount())
}

func TestSimulatedTimeoutRecoveredAfterMining(t *testing.T) {
	s := setupStore(t)
	client, backend := newSimulatedLedger(t)
	c := newCoordinator(t, s, client, nil)
	ctx := context.Background()

	program := draftProgram(t, s)
	activated, err := c.ActivateProgram(ctx, actor.New("agency-1", actor.RoleAgency), ActivationRequest{ProgramID: program.ID})
	require.NoError(t, err)

	backend.SetHoldMining(true)
	out, err := c.SubmitClaim(ctx, farmer("farmer-1"), claimRequest(*activated.Program, "k1"))
	require.ErrorIs(t, err, ErrLedgerTimeout)
	require.Equal(t, models.IntentLedgerPending, out.State)

	_, err = c.Resume(ctx, out.IntentID, TriggerOperator)
	require.ErrorIs(t, err, ErrLedgerTimeout)

	backend.MinePending()
	recovered, err := c.Resume(ctx, out.IntentID, TriggerOperator)
	require.NoError(t, err)
	require.Equal(t, models.IntentStoreConfirmed, recovered.State)
	require.Equal(t, 2, backend.SentCount())
}

func TestSimulatedRevertedClaimNotRecorded(t *testing.T) {
	s := setupStore(t)
	client, backend := newSimulatedLedger(t)
	c := newCoordinator(t, s, client, nil)

	// The store believes program 5 is active; the chain has never seen it.
	program := activeProgram(t, s, "5")
	_, err := c.SubmitClaim(context.Background(), farmer("farmer-1"), claimRequest(program, "k1"))
	require.ErrorIs(t, err, ErrLedgerReverted)
	require.Zero(t, backend.SentCount())

	claims, err := s.ListClaims(context.Background(), store.ClaimFilter{ProgramID: program.ID})
	require.NoError(t, err)
	require.Empty(t, claims)
}
