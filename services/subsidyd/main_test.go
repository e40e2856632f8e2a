package subsidyd

import (
	"context"
	"log/slog"
	"math/big"
	"testing"
	"time"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"agrisubsidy/services/subsidyd/config"
	"agrisubsidy/services/subsidyd/ledger"
)

func TestDialChainSimulatedServesRegistry(t *testing.T) {
	cfg := config.ChainConfig{
		Simulated: true,
		ChainID:   31337,
		Contract:  "0x00000000000000000000000000000000000a9151",
	}
	ctx := context.Background()
	backend, closeBackend, err := dialChain(ctx, cfg, slog.Default())
	require.NoError(t, err)
	defer closeBackend()

	id, err := backend.ChainID(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(31337), id.Int64())

	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	client, err := ledger.NewEVMClient(backend, ledger.NewKeySignerFromKey(key), ledger.EVMConfig{
		Contract:       cfg.ContractAddress(),
		ChainID:        cfg.ChainIDBig(),
		ConfirmTimeout: time.Second,
		PollInterval:   2 * time.Millisecond,
	})
	require.NoError(t, err)
	receipt, err := client.SubmitProgramCreation(ctx, ledger.ProgramParams{
		OffchainID: "program-1",
		AmountWei:  big.NewInt(10),
		MaxCapWei:  big.NewInt(100),
	})
	require.NoError(t, err)
	require.Equal(t, "1", receipt.EmittedID.String())
}

func TestDialChainRequiresEndpoint(t *testing.T) {
	_, _, err := dialChain(context.Background(), config.ChainConfig{}, slog.Default())
	require.Error(t, err)
}
