package contract

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

var registryAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func TestPackSubmitClaimSelector(t *testing.T) {
	data, err := PackSubmitClaim(big.NewInt(7), common.HexToHash("0x01"))
	require.NoError(t, err)
	require.Equal(t, ABI().Methods[MethodSubmitClaim].ID, data[:4])
	require.Len(t, data, 4+32+32)

	_, err = PackSubmitClaim(big.NewInt(7), common.Hash{})
	require.Error(t, err)
}

func TestPackCreateProgramValidates(t *testing.T) {
	_, err := PackCreateProgram("", big.NewInt(1), big.NewInt(2))
	require.Error(t, err)
	_, err = PackCreateProgram("p-1", big.NewInt(0), big.NewInt(2))
	require.Error(t, err)
	data, err := PackCreateProgram("p-1", big.NewInt(1), big.NewInt(2))
	require.NoError(t, err)
	require.Equal(t, ABI().Methods[MethodCreateProgram].ID, data[:4])
}

func TestDecodeClaimSubmitted(t *testing.T) {
	farmer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	digest := common.HexToHash("0xabcdef")
	lg, err := BuildLog(registryAddr, EventClaimSubmitted, big.NewInt(42), big.NewInt(7), farmer, [32]byte(digest))
	require.NoError(t, err)
	lg.TxHash = common.HexToHash("0xabc")
	lg.Index = 3
	lg.BlockNumber = 100

	ev, err := DecodeLog(lg)
	require.NoError(t, err)
	require.Equal(t, EventClaimSubmitted, ev.Name)
	require.Equal(t, "42", ev.String("claimId"))
	require.Equal(t, "7", ev.String("programId"))
	require.Equal(t, farmer.Hex(), ev.String("farmer"))
	require.Equal(t, digest.Hex(), ev.String("metadataHash"))
	require.Equal(t, lg.TxHash.Hex()+"-3", ev.ID())
}

func TestDecodeProgramCreatedWithString(t *testing.T) {
	creator := common.HexToAddress("0x2222222222222222222222222222222222222222")
	lg, err := BuildLog(registryAddr, EventProgramCreated, big.NewInt(7), creator, "prog-1", big.NewInt(1000), big.NewInt(5000))
	require.NoError(t, err)
	ev, err := DecodeLog(lg)
	require.NoError(t, err)
	require.Equal(t, "prog-1", ev.String("offchainId"))
	require.Equal(t, "5000", ev.String("maxCap"))
}

func TestDecodeUnknownAndMalformed(t *testing.T) {
	_, err := DecodeLog(gethtypes.Log{Topics: []common.Hash{common.HexToHash("0xdead")}})
	require.ErrorIs(t, err, ErrUnknownEvent)

	_, err = DecodeLog(gethtypes.Log{Topics: []common.Hash{Topic(EventClaimApproved)}})
	require.Error(t, err)
}

func TestEmittedIDFiltersByAddress(t *testing.T) {
	farmer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	good, err := BuildLog(registryAddr, EventClaimSubmitted, big.NewInt(42), big.NewInt(7), farmer, [32]byte{1})
	require.NoError(t, err)
	spoofed := good
	spoofed.Address = common.HexToAddress("0xbb")
	spoofed.Topics = append([]common.Hash(nil), good.Topics...)
	spoofed.Topics[1] = common.BigToHash(big.NewInt(99))

	id, ev, ok := EmittedID([]*gethtypes.Log{&spoofed, &good}, registryAddr, EventClaimSubmitted, "claimId")
	require.True(t, ok)
	require.Equal(t, int64(42), id.Int64())
	require.Equal(t, EventClaimSubmitted, ev.Name)

	_, _, ok = EmittedID([]*gethtypes.Log{&spoofed}, registryAddr, EventClaimSubmitted, "claimId")
	require.False(t, ok)
}

func TestEventTopicsCoverAllEvents(t *testing.T) {
	require.Len(t, EventTopics(), 11)
}
