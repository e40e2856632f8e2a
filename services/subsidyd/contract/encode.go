package contract

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// BuildLog encodes a registry event into a log as the contract would emit it.
// values follow the event's declared input order. It backs the simulated
// backends used in tests and the devnet tooling.
func BuildLog(contractAddr common.Address, eventName string, values ...interface{}) (gethtypes.Log, error) {
	event, ok := registry.Events[eventName]
	if !ok {
		return gethtypes.Log{}, fmt.Errorf("%w: %s", ErrUnknownEvent, eventName)
	}
	if len(values) != len(event.Inputs) {
		return gethtypes.Log{}, fmt.Errorf("contract: %s takes %d values, got %d", eventName, len(event.Inputs), len(values))
	}
	topics := []common.Hash{event.ID}
	var data []interface{}
	for i, input := range event.Inputs {
		if !input.Indexed {
			data = append(data, values[i])
			continue
		}
		topic, err := indexedTopic(values[i])
		if err != nil {
			return gethtypes.Log{}, fmt.Errorf("contract: %s.%s: %w", eventName, input.Name, err)
		}
		topics = append(topics, topic)
	}
	packed, err := event.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return gethtypes.Log{}, fmt.Errorf("contract: pack %s: %w", eventName, err)
	}
	return gethtypes.Log{Address: contractAddr, Topics: topics, Data: packed}, nil
}

func indexedTopic(value interface{}) (common.Hash, error) {
	switch v := value.(type) {
	case common.Address:
		return common.BytesToHash(v.Bytes()), nil
	case common.Hash:
		return v, nil
	case [32]byte:
		return common.Hash(v), nil
	case interface{ FillBytes([]byte) []byte }:
		var h common.Hash
		v.FillBytes(h[:])
		return h, nil
	default:
		return common.Hash{}, fmt.Errorf("unsupported indexed type %T", value)
	}
}
