package contract

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// ErrUnknownEvent is returned for logs whose first topic is not a registry event.
var ErrUnknownEvent = errors.New("contract: unknown event")

// PackCreateProgram encodes a createProgram call.
func PackCreateProgram(offchainID string, amount, maxCap *big.Int) ([]byte, error) {
	if offchainID == "" {
		return nil, fmt.Errorf("contract: offchain id required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("contract: amount must be positive")
	}
	if maxCap == nil || maxCap.Sign() <= 0 {
		return nil, fmt.Errorf("contract: max cap must be positive")
	}
	return registry.Pack(MethodCreateProgram, offchainID, amount, maxCap)
}

// PackSubmitClaim encodes a submitClaim call.
func PackSubmitClaim(programID *big.Int, metadataHash common.Hash) ([]byte, error) {
	if programID == nil || programID.Sign() < 0 {
		return nil, fmt.Errorf("contract: program id required")
	}
	if metadataHash == (common.Hash{}) {
		return nil, fmt.Errorf("contract: metadata hash required")
	}
	return registry.Pack(MethodSubmitClaim, programID, [32]byte(metadataHash))
}

// Event is a decoded registry log. Params hold JSON-friendly values: integers
// as base-10 strings, addresses as checksummed hex, bytes32 as 0x hex.
type Event struct {
	Name        string
	Address     common.Address
	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
	BlockHash   common.Hash
	Params      map[string]any
	Removed     bool
}

// ID returns the indexer key "{txHash}-{logIndex}".
func (e Event) ID() string {
	return fmt.Sprintf("%s-%d", e.TxHash.Hex(), e.LogIndex)
}

// String returns a parameter rendered as a string, or "".
func (e Event) String(name string) string {
	if v, ok := e.Params[name].(string); ok {
		return v
	}
	return ""
}

// DecodeLog decodes a registry log into an Event.
func DecodeLog(log gethtypes.Log) (Event, error) {
	if len(log.Topics) == 0 {
		return Event{}, ErrUnknownEvent
	}
	event, err := registry.EventByID(log.Topics[0])
	if err != nil {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownEvent, log.Topics[0].Hex())
	}
	raw := make(map[string]interface{}, len(event.Inputs))
	if len(log.Data) > 0 {
		if err := event.Inputs.NonIndexed().UnpackIntoMap(raw, log.Data); err != nil {
			return Event{}, fmt.Errorf("contract: unpack %s data: %w", event.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if len(log.Topics)-1 != len(indexed) {
		return Event{}, fmt.Errorf("contract: %s expects %d indexed topics, got %d", event.Name, len(indexed), len(log.Topics)-1)
	}
	if err := abi.ParseTopicsIntoMap(raw, indexed, log.Topics[1:]); err != nil {
		return Event{}, fmt.Errorf("contract: parse %s topics: %w", event.Name, err)
	}
	params := make(map[string]any, len(raw))
	for key, value := range raw {
		params[key] = normalize(value)
	}
	return Event{
		Name:        event.Name,
		Address:     log.Address,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash,
		Params:      params,
		Removed:     log.Removed,
	}, nil
}

func normalize(value interface{}) any {
	switch v := value.(type) {
	case *big.Int:
		if v == nil {
			return "0"
		}
		return v.String()
	case common.Address:
		return v.Hex()
	case [32]byte:
		return common.Hash(v).Hex()
	case common.Hash:
		return v.Hex()
	case []byte:
		return hexutil.Encode(v)
	default:
		return v
	}
}

// EmittedID returns the id emitted by the first event of the given name that
// was logged by contractAddr, reading param from the decoded event.
func EmittedID(logs []*gethtypes.Log, contractAddr common.Address, eventName, param string) (*big.Int, *Event, bool) {
	for _, lg := range logs {
		if lg == nil || lg.Address != contractAddr {
			continue
		}
		ev, err := DecodeLog(*lg)
		if err != nil || ev.Name != eventName {
			continue
		}
		id, ok := new(big.Int).SetString(ev.String(param), 10)
		if !ok {
			continue
		}
		return id, &ev, true
	}
	return nil, nil, false
}

// EventTopics returns the topic0 of every registry event, sorted by name.
func EventTopics() []common.Hash {
	names := make([]string, 0, len(registry.Events))
	for name := range registry.Events {
		names = append(names, name)
	}
	sort.Strings(names)
	topics := make([]common.Hash, 0, len(names))
	for _, name := range names {
		topics = append(topics, registry.Events[name].ID)
	}
	return topics
}

// Topic returns topic0 for an event name.
func Topic(name string) common.Hash {
	return registry.Events[name].ID
}
