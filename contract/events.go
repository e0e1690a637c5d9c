package contract

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrUnknownEvent is returned for logs whose topic is not part of the pool ABI.
var ErrUnknownEvent = errors.New("contract: unknown event")

// Event is a decoded pool log. Indexed holds the topic arguments (addresses),
// Fields the data arguments (amounts); values are rendered as checksummed hex
// or decimal strings.
type Event struct {
	Kind     string            `json:"kind"`
	Indexed  map[string]string `json:"indexed"`
	Fields   map[string]string `json:"fields"`
	Block    uint64            `json:"block"`
	TxHash   string            `json:"txHash"`
	LogIndex uint              `json:"logIndex"`
	Removed  bool              `json:"removed,omitempty"`
}

// Value looks a decoded argument up regardless of whether it was indexed.
func (e Event) Value(name string) string {
	if v, ok := e.Indexed[name]; ok {
		return v
	}
	return e.Fields[name]
}

// DecodeLog decodes a raw log emitted by the pool.
func DecodeLog(l types.Log) (Event, error) {
	if len(l.Topics) == 0 {
		return Event{}, ErrUnknownEvent
	}
	abiEvent, err := lendingPool.EventByID(l.Topics[0])
	if err != nil {
		return Event{}, fmt.Errorf("%w: topic %s", ErrUnknownEvent, l.Topics[0].Hex())
	}

	data := make(map[string]interface{})
	if len(l.Data) > 0 {
		if err := lendingPool.UnpackIntoMap(data, abiEvent.Name, l.Data); err != nil {
			return Event{}, fmt.Errorf("contract: decode %s data: %w", abiEvent.Name, err)
		}
	}
	var indexedArgs abi.Arguments
	for _, input := range abiEvent.Inputs {
		if input.Indexed {
			indexedArgs = append(indexedArgs, input)
		}
	}
	topics := make(map[string]interface{})
	if len(indexedArgs) > 0 {
		if err := abi.ParseTopicsIntoMap(topics, indexedArgs, l.Topics[1:]); err != nil {
			return Event{}, fmt.Errorf("contract: decode %s topics: %w", abiEvent.Name, err)
		}
	}

	ev := Event{
		Kind:     abiEvent.Name,
		Indexed:  make(map[string]string, len(topics)),
		Fields:   make(map[string]string, len(data)),
		Block:    l.BlockNumber,
		TxHash:   l.TxHash.Hex(),
		LogIndex: l.Index,
		Removed:  l.Removed,
	}
	for name, value := range topics {
		ev.Indexed[name] = render(value)
	}
	for name, value := range data {
		ev.Fields[name] = render(value)
	}
	return ev, nil
}

func render(value interface{}) string {
	switch v := value.(type) {
	case common.Address:
		return v.Hex()
	case common.Hash:
		return v.Hex()
	case *big.Int:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case []byte:
		return hexutil.Encode(v)
	default:
		return fmt.Sprint(v)
	}
}
