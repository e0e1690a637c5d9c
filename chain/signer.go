package chain

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Intent describes an unsigned contract call. Either GasPrice or both fee caps
// must be set.
type Intent struct {
	Nonce     uint64
	To        *common.Address
	Data      []byte
	Value     *big.Int
	Gas       uint64
	GasPrice  *big.Int
	GasFeeCap *big.Int
	GasTipCap *big.Int
}

// Authority is the single credential every write is signed with. The key never
// leaves this type.
type Authority struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer
}

// NewAuthority binds a private key to the chain it signs for.
func NewAuthority(key *ecdsa.PrivateKey, chainID *big.Int) (*Authority, error) {
	if key == nil {
		return nil, errors.New("chain: signing key required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain: positive chain id required")
	}
	id := new(big.Int).Set(chainID)
	return &Authority{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: id,
		signer:  types.LatestSignerForChainID(id),
	}, nil
}

// Address returns the account transactions are sent from.
func (a *Authority) Address() common.Address { return a.address }

// ChainID returns a copy of the chain id bound into every signature.
func (a *Authority) ChainID() *big.Int { return new(big.Int).Set(a.chainID) }

// Sign turns an intent into a signed transaction.
func (a *Authority) Sign(intent Intent) (*types.Transaction, error) {
	if a == nil || a.key == nil {
		return nil, &SigningError{Reason: "authority not initialised"}
	}
	if intent.To == nil || (*intent.To == common.Address{}) {
		return nil, &SigningError{Reason: "intent has no target contract"}
	}
	if intent.Gas == 0 {
		return nil, &SigningError{Reason: "intent has no gas limit"}
	}
	value := intent.Value
	if value == nil {
		value = new(big.Int)
	}
	if value.Sign() < 0 {
		return nil, &SigningError{Reason: "negative value"}
	}

	var tx *types.Transaction
	switch {
	case intent.GasFeeCap != nil && intent.GasTipCap != nil:
		if intent.GasTipCap.Sign() < 0 || intent.GasFeeCap.Sign() <= 0 {
			return nil, &SigningError{Reason: "fee caps must be positive"}
		}
		if intent.GasTipCap.Cmp(intent.GasFeeCap) > 0 {
			return nil, &SigningError{Reason: "tip cap exceeds fee cap"}
		}
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   a.chainID,
			Nonce:     intent.Nonce,
			GasTipCap: intent.GasTipCap,
			GasFeeCap: intent.GasFeeCap,
			Gas:       intent.Gas,
			To:        intent.To,
			Value:     value,
			Data:      intent.Data,
		})
	case intent.GasPrice != nil:
		if intent.GasPrice.Sign() <= 0 {
			return nil, &SigningError{Reason: "gas price must be positive"}
		}
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    intent.Nonce,
			GasPrice: intent.GasPrice,
			Gas:      intent.Gas,
			To:       intent.To,
			Value:    value,
			Data:     intent.Data,
		})
	default:
		return nil, &SigningError{Reason: "intent has no fee parameters"}
	}

	signed, err := types.SignTx(tx, a.signer, a.key)
	if err != nil {
		return nil, &SigningError{Reason: "sign transaction", Err: err}
	}
	return signed, nil
}

func (a *Authority) String() string {
	if a == nil {
		return "Authority(<nil>)"
	}
	return "Authority(" + a.address.Hex() + ")"
}

func (a *Authority) GoString() string { return a.String() }
