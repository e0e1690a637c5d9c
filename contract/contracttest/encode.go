// Package contracttest builds ABI-encoded pool logs and call results for tests.
package contracttest

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"lendbridge/contract"
)

// Log encodes a pool event. args supplies every argument by name; indexed
// arguments must be common.Address values.
func Log(pool common.Address, kind string, args map[string]interface{}) (types.Log, error) {
	ev, ok := contract.ABI().Events[kind]
	if !ok {
		return types.Log{}, fmt.Errorf("contracttest: unknown event %s", kind)
	}
	topics := []common.Hash{ev.ID}
	var nonIndexed abi.Arguments
	var values []interface{}
	for _, input := range ev.Inputs {
		value, ok := args[input.Name]
		if !ok {
			return types.Log{}, fmt.Errorf("contracttest: %s missing argument %s", kind, input.Name)
		}
		if input.Indexed {
			addr, ok := value.(common.Address)
			if !ok {
				return types.Log{}, fmt.Errorf("contracttest: indexed %s must be an address", input.Name)
			}
			topics = append(topics, common.BytesToHash(addr.Bytes()))
			continue
		}
		nonIndexed = append(nonIndexed, input)
		values = append(values, value)
	}
	data, err := nonIndexed.Pack(values...)
	if err != nil {
		return types.Log{}, fmt.Errorf("contracttest: pack %s: %w", kind, err)
	}
	return types.Log{Address: pool, Topics: topics, Data: data}, nil
}

// MustLog is Log that panics on error.
func MustLog(pool common.Address, kind string, args map[string]interface{}) types.Log {
	l, err := Log(pool, kind, args)
	if err != nil {
		panic(err)
	}
	return l
}

// Output encodes the return values of a view method.
func Output(method string, values ...interface{}) ([]byte, error) {
	m, ok := contract.ABI().Methods[method]
	if !ok {
		return nil, fmt.Errorf("contracttest: unknown method %s", method)
	}
	return m.Outputs.Pack(values...)
}

// Selector returns the 4-byte selector of method.
func Selector(method string) []byte {
	return contract.ABI().Methods[method].ID
}
