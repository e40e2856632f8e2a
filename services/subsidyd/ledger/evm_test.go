package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"agrisubsidy/services/subsidyd/contract"
)

var testContract = common.HexToAddress("0x00000000000000000000000000000000000a9151")

func newTestClient(t *testing.T, mutate func(*EVMConfig)) (*EVMClient, *SimulatedBackend) {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	chainID := big.NewInt(31337)
	backend := NewSimulatedBackend(chainID, testContract)
	cfg := EVMConfig{
		Contract:       testContract,
		ChainID:        chainID,
		Confirmations:  1,
		ConfirmTimeout: 200 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := NewEVMClient(backend, NewKeySignerFromKey(key), cfg)
	require.NoError(t, err)
	return client, backend
}

func createProgram(t *testing.T, client *EVMClient) Receipt {
	t.Helper()
	rec, err := client.SubmitProgramCreation(context.Background(), ProgramParams{
		OffchainID: "prog-1",
		AmountWei:  big.NewInt(1000),
		MaxCapWei:  big.NewInt(5000),
	})
	require.NoError(t, err)
	return rec
}

func TestSubmitProgramCreationReturnsEmittedID(t *testing.T) {
	client, _ := newTestClient(t, nil)
	first := createProgram(t, client)
	second := createProgram(t, client)

	require.Equal(t, "1", first.EmittedID.String())
	require.Equal(t, "2", second.EmittedID.String())
	require.Equal(t, uint64(0), first.Nonce)
	require.Equal(t, uint64(1), second.Nonce)
	require.NotEqual(t, first.TxHash, second.TxHash)
	require.Equal(t, client.Signer(), first.From)
}

func TestSubmitClaimUnknownProgramReverts(t *testing.T) {
	client, backend := newTestClient(t, nil)
	_, err := client.SubmitClaim(context.Background(), big.NewInt(42), common.HexToHash("0x01"))
	require.ErrorIs(t, err, ErrRevertedOnChain)
	txErr, ok := AsTxError(err)
	require.True(t, ok)
	require.False(t, txErr.Broadcast)
	require.Contains(t, txErr.Reason, "program not found")
	require.Zero(t, backend.SentCount())
}

func TestSubmitClaimEmitsClaimID(t *testing.T) {
	client, _ := newTestClient(t, nil)
	prog := createProgram(t, client)
	rec, err := client.SubmitClaim(context.Background(), prog.EmittedID, common.HexToHash("0xabcd"))
	require.NoError(t, err)
	require.Equal(t, "1", rec.EmittedID.String())
	require.NotZero(t, rec.ConfirmedBlock)
}

func TestSubmitRevertedReceipt(t *testing.T) {
	client, _ := newTestClient(t, nil)
	prog := createProgram(t, client)
	backend := client.backend.(*SimulatedBackend)
	backend.RevertNext("cap exceeded")

	_, err := client.SubmitClaim(context.Background(), prog.EmittedID, common.HexToHash("0x02"))
	require.ErrorIs(t, err, ErrRevertedOnChain)
	txErr, _ := AsTxError(err)
	require.True(t, txErr.Broadcast)
}

func TestSubmitConfirmationTimeout(t *testing.T) {
	client, backend := newTestClient(t, nil)
	backend.SetHoldMining(true)

	_, err := client.SubmitProgramCreation(context.Background(), ProgramParams{
		OffchainID: "prog-hold", AmountWei: big.NewInt(1), MaxCapWei: big.NewInt(2),
	})
	require.ErrorIs(t, err, ErrConfirmationTimeout)
	txErr, ok := AsTxError(err)
	require.True(t, ok)
	require.True(t, txErr.Broadcast)
	require.Len(t, backend.Pending(), 1)
	require.Equal(t, backend.Pending()[0], txErr.TxHash)
}

func TestSubmitNetworkUnavailableBeforeBroadcast(t *testing.T) {
	client, backend := newTestClient(t, nil)
	backend.SetOffline(true)

	_, err := client.SubmitProgramCreation(context.Background(), ProgramParams{
		OffchainID: "prog-off", AmountWei: big.NewInt(1), MaxCapWei: big.NewInt(2),
	})
	require.ErrorIs(t, err, ErrNetworkUnavailable)
	txErr, _ := AsTxError(err)
	require.False(t, txErr.Broadcast)
}

func TestSubmitAmbiguousSendIsBroadcast(t *testing.T) {
	client, backend := newTestClient(t, nil)
	backend.FailNextSendAfterAccept(errors.New("read tcp: connection reset by peer"))

	_, err := client.SubmitProgramCreation(context.Background(), ProgramParams{
		OffchainID: "prog-amb", AmountWei: big.NewInt(1), MaxCapWei: big.NewInt(2),
	})
	require.ErrorIs(t, err, ErrNetworkUnavailable)
	txErr, _ := AsTxError(err)
	require.True(t, txErr.Broadcast)

	res, err := client.Lookup(context.Background(), LookupRequest{TxHash: txErr.TxHash, Kind: KindProgram})
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, res.Status)
	require.Equal(t, "1", res.Receipt.EmittedID.String())
}

func TestSubmitHookRunsBeforeSendAndCanAbort(t *testing.T) {
	client, backend := newTestClient(t, nil)
	var seen Broadcast
	hook := func(_ context.Context, b Broadcast) error {
		seen = b
		require.Zero(t, backend.SentCount())
		return errors.New("journal unavailable")
	}
	_, err := client.SubmitProgramCreation(context.Background(), ProgramParams{
		OffchainID: "prog-hook", AmountWei: big.NewInt(1), MaxCapWei: big.NewInt(2),
	}, WithBroadcastHook(hook))
	require.Error(t, err)
	_, isTx := AsTxError(err)
	require.False(t, isTx)
	require.NotEqual(t, common.Hash{}, seen.TxHash)
	require.Zero(t, backend.SentCount())
}

func TestLookupStates(t *testing.T) {
	client, backend := newTestClient(t, func(cfg *EVMConfig) { cfg.Confirmations = 3 })
	backend.SetHoldMining(true)
	var bc Broadcast
	hook := func(_ context.Context, b Broadcast) error { bc = b; return nil }

	_, err := client.SubmitProgramCreation(context.Background(), ProgramParams{
		OffchainID: "prog-lookup", AmountWei: big.NewInt(1), MaxCapWei: big.NewInt(2),
	}, WithBroadcastHook(hook))
	require.ErrorIs(t, err, ErrConfirmationTimeout)
	req := LookupRequest{TxHash: bc.TxHash, From: bc.From, Nonce: &bc.Nonce, Kind: KindProgram}

	res, err := client.Lookup(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StatusPending, res.Status)

	backend.MinePending()
	res, err = client.Lookup(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StatusPending, res.Status, "one confirmation of three")

	backend.MineBlocks(2)
	res, err = client.Lookup(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, res.Status)
	require.Equal(t, bc.Nonce, res.Receipt.Nonce)
}

func TestLookupDroppedAndUnknown(t *testing.T) {
	client, backend := newTestClient(t, nil)
	backend.SetHoldMining(true)

	var bc Broadcast
	hook := func(_ context.Context, b Broadcast) error { bc = b; return nil }
	_, err := client.SubmitProgramCreation(context.Background(), ProgramParams{
		OffchainID: "prog-drop", AmountWei: big.NewInt(1), MaxCapWei: big.NewInt(2),
	}, WithBroadcastHook(hook))
	require.ErrorIs(t, err, ErrConfirmationTimeout)
	req := LookupRequest{TxHash: bc.TxHash, From: bc.From, Nonce: &bc.Nonce, Kind: KindProgram}

	require.True(t, backend.DropPending(bc.TxHash))
	res, err := client.Lookup(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StatusUnknown, res.Status)

	_, err = client.SubmitProgramCreation(context.Background(), ProgramParams{
		OffchainID: "prog-drop-2", AmountWei: big.NewInt(1), MaxCapWei: big.NewInt(2),
	}, WithBroadcastHook(hook))
	require.ErrorIs(t, err, ErrConfirmationTimeout)
	second := LookupRequest{TxHash: bc.TxHash, From: bc.From, Nonce: &bc.Nonce, Kind: KindProgram}
	require.True(t, backend.ReplacePending(bc.TxHash))
	res, err = client.Lookup(context.Background(), second)
	require.NoError(t, err)
	require.Equal(t, StatusDropped, res.Status)
}

func TestLookupOfflineIsNetworkError(t *testing.T) {
	client, backend := newTestClient(t, nil)
	rec := createProgram(t, client)
	backend.SetOffline(true)
	_, err := client.Lookup(context.Background(), LookupRequest{TxHash: rec.TxHash, Kind: KindProgram})
	require.ErrorIs(t, err, ErrNetworkUnavailable)
}

func TestSimulatedFilterLogs(t *testing.T) {
	client, backend := newTestClient(t, nil)
	createProgram(t, client)
	lg, err := contract.BuildLog(testContract, contract.EventFundsDeposited, common.HexToAddress("0x01"), big.NewInt(7))
	require.NoError(t, err)
	backend.EmitLog(lg)

	head, err := backend.BlockNumber(context.Background())
	require.NoError(t, err)
	logs, err := backend.FilterLogs(context.Background(), filterQuery(0, head))
	require.NoError(t, err)
	require.Len(t, logs, 2)

	ev, err := contract.DecodeLog(logs[1])
	require.NoError(t, err)
	require.Equal(t, contract.EventFundsDeposited, ev.Name)
	require.Equal(t, "7", ev.String("amount"))
}

func filterQuery(from, to uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{testContract},
		Topics:    [][]common.Hash{contract.EventTopics()},
	}
}
