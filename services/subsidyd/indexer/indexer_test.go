package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"agrisubsidy/services/subsidyd/contract"
	"agrisubsidy/services/subsidyd/ledger"
	"agrisubsidy/services/subsidyd/models"
	"agrisubsidy/services/subsidyd/store"
)

var registry = common.HexToAddress("0x00000000000000000000000000000000000a9151")

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := store.Open(dsn, store.Options{MaxOpenConns: 1, LogLevel: logger.Silent})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	s := store.New(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func emit(t *testing.T, b *ledger.SimulatedBackend, name string, values ...interface{}) gethtypes.Log {
	t.Helper()
	lg, err := contract.BuildLog(registry, name, values...)
	require.NoError(t, err)
	return b.EmitLog(lg)
}

func TestSyncProjectsConfirmedEvents(t *testing.T) {
	s := setupStore(t)
	backend := ledger.NewSimulatedBackend(big.NewInt(31337), registry)
	farmer := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	digest := common.HexToHash("0x" + strings.Repeat("ab", 32))

	emit(t, backend, contract.EventProgramCreated, big.NewInt(1), farmer, "prog-1", big.NewInt(10), big.NewInt(100))
	submitted := emit(t, backend, contract.EventClaimSubmitted, big.NewInt(7), big.NewInt(1), farmer, [32]byte(digest))
	emit(t, backend, contract.EventClaimApproved, big.NewInt(7), farmer)

	var handled []models.IndexedEvent
	ix, err := New(Config{
		Store:         s,
		Backend:       backend,
		Contract:      registry,
		Confirmations: 2,
		BatchBlocks:   1,
		Handler: func(_ context.Context, events []models.IndexedEvent) error {
			handled = append(handled, events...)
			return errors.New("handler hiccup")
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	n, err := ix.SyncOnce(ctx)
	require.NoError(t, err)
	// head is 3, so block 3 has a single confirmation and waits.
	require.Equal(t, 2, n)
	require.Len(t, handled, 2)

	cursor, ok, err := ix.Cursor(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), cursor)

	byDigest, err := ix.ClaimByDigest(ctx, digest.Hex())
	require.NoError(t, err)
	require.Equal(t, "7", byDigest.EntityID)
	require.Equal(t, strings.ToLower(submitted.TxHash.Hex())+"-1", byDigest.ID)
	require.NotZero(t, byDigest.BlockTimestamp)
	require.Contains(t, byDigest.Params, `"programId":"1"`)

	backend.MineBlocks(1)
	n, err = ix.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	approved, err := ix.Events(ctx, store.EventFilter{Name: contract.EventClaimApproved})
	require.NoError(t, err)
	require.Len(t, approved, 1)
	require.Equal(t, "7", approved[0].EntityID)

	n, err = ix.SyncOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSyncSkipsForeignAndUnknownLogs(t *testing.T) {
	s := setupStore(t)
	backend := ledger.NewSimulatedBackend(big.NewInt(31337), registry)
	backend.EmitLog(gethtypes.Log{Address: registry, Topics: []common.Hash{common.HexToHash("0x01")}})
	other, err := contract.BuildLog(common.HexToAddress("0x02"), contract.EventClaimApproved, big.NewInt(1), registry)
	require.NoError(t, err)
	backend.EmitLog(other)

	ix, err := New(Config{Store: s, Backend: backend, Contract: registry})
	require.NoError(t, err)
	n, err := ix.SyncOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	cursor, _, err := ix.Cursor(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), cursor)
}

type reorgBackend struct {
	*ledger.SimulatedBackend
	removed []gethtypes.Log
}

func (b *reorgBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	logs, err := b.SimulatedBackend.FilterLogs(ctx, q)
	if err != nil {
		return nil, err
	}
	return append(logs, b.removed...), nil
}

func TestSyncDeletesRemovedLogs(t *testing.T) {
	s := setupStore(t)
	sim := ledger.NewSimulatedBackend(big.NewInt(31337), registry)
	lg := emit(t, sim, contract.EventClaimApproved, big.NewInt(3), registry)
	backend := &reorgBackend{SimulatedBackend: sim}

	ix, err := New(Config{Store: s, Backend: backend, Contract: registry})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = ix.SyncOnce(ctx)
	require.NoError(t, err)
	events, err := ix.EventsByTx(ctx, lg.TxHash.Hex())
	require.NoError(t, err)
	require.Len(t, events, 1)

	gone := lg
	gone.Removed = true
	backend.removed = []gethtypes.Log{gone}
	sim.MineBlocks(1)
	_, err = ix.SyncOnce(ctx)
	require.NoError(t, err)
	events, err = ix.EventsByTx(ctx, lg.TxHash.Hex())
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestSyncFailsWhenNodeOffline(t *testing.T) {
	s := setupStore(t)
	backend := ledger.NewSimulatedBackend(big.NewInt(31337), registry)
	backend.SetOffline(true)
	ix, err := New(Config{Store: s, Backend: backend, Contract: registry, RPCRetries: 1})
	require.NoError(t, err)
	_, err = ix.SyncOnce(context.Background())
	require.Error(t, err)
	_, ok, err := ix.Cursor(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{Store: setupStore(t), Backend: ledger.NewSimulatedBackend(big.NewInt(1), registry)})
	require.Error(t, err)
}

type headerlessBackend struct {
	*ledger.SimulatedBackend
	fail bool
}

func (b *headerlessBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	if b.fail {
		return nil, errors.New("header unavailable")
	}
	return b.SimulatedBackend.HeaderByNumber(ctx, number)
}

func TestSyncKeepsWindowWhenBlockTimeUnavailable(t *testing.T) {
	s := setupStore(t)
	sim := ledger.NewSimulatedBackend(big.NewInt(31337), registry)
	lg := emit(t, sim, contract.EventClaimApproved, big.NewInt(3), registry)
	backend := &headerlessBackend{SimulatedBackend: sim, fail: true}

	ix, err := New(Config{Store: s, Backend: backend, Contract: registry, RPCRetries: 1})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = ix.SyncOnce(ctx)
	require.ErrorContains(t, err, "block header")

	events, err := ix.EventsByTx(ctx, lg.TxHash.Hex())
	require.NoError(t, err)
	require.Empty(t, events)
	_, ok, err := ix.Cursor(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	backend.fail = false
	n, err := ix.SyncOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	events, err = ix.EventsByTx(ctx, lg.TxHash.Hex())
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotZero(t, events[0].BlockTimestamp)
}
