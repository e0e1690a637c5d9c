package contract

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrValidation matches every *ValidationError.
var ErrValidation = errors.New("contract: invalid input")

// DefaultMaxAmount is the largest amount accepted when no limit is
// configured: the pool's 128-bit accounting width.
var DefaultMaxAmount = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))

// ValidationError reports input rejected before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("contract: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ParseAmount parses a decimal (or 0x-prefixed hex) unsigned integer. Zero,
// negative, fractional and out-of-range values are rejected; nothing wraps.
func ParseAmount(raw string, max *uint256.Int) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ValidationError{Field: "amount", Reason: "required"}
	}
	if max == nil {
		max = DefaultMaxAmount
	}

	var value *uint256.Int
	if hex, ok := strings.CutPrefix(strings.ToLower(trimmed), "0x"); ok {
		parsed, ok := new(big.Int).SetString(hex, 16)
		if !ok || hex == "" || parsed.Sign() < 0 {
			return nil, &ValidationError{Field: "amount", Reason: "not an unsigned integer"}
		}
		v, overflow := uint256.FromBig(parsed)
		if overflow {
			return nil, &ValidationError{Field: "amount", Reason: "exceeds 256 bits"}
		}
		value = v
	} else {
		for _, r := range trimmed {
			if r < '0' || r > '9' {
				return nil, &ValidationError{Field: "amount", Reason: "not an unsigned integer"}
			}
		}
		v, err := uint256.FromDecimal(trimmed)
		if err != nil {
			return nil, &ValidationError{Field: "amount", Reason: "exceeds 256 bits"}
		}
		value = v
	}

	if value.IsZero() {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if value.Gt(max) {
		return nil, &ValidationError{Field: "amount", Reason: "exceeds maximum " + max.Dec()}
	}
	return value, nil
}

// ParseAddress checks the format of a 20-byte hex address and rejects the
// zero address.
func ParseAddress(field, raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return common.Address{}, &ValidationError{Field: field, Reason: "required"}
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, &ValidationError{Field: field, Reason: "not a 20-byte hex address"}
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return common.Address{}, &ValidationError{Field: field, Reason: "zero address"}
	}
	return addr, nil
}
