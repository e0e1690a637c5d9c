package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrNoSignerKey is returned when neither a raw key nor a keystore is set.
var ErrNoSignerKey = errors.New("crypto: no signer key configured")

// SignerSource describes where the signer key comes from. Key takes
// precedence over Keystore; Passphrase is only consulted for keystores.
type SignerSource struct {
	Key        string
	Keystore   string
	Passphrase func() (string, error)
}

// ParseHexKey decodes a hex secp256k1 private key, with or without 0x.
func ParseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	if trimmed == "" {
		return nil, ErrNoSignerKey
	}
	key, err := ethcrypto.HexToECDSA(trimmed)
	if err != nil {
		// Never echo the decoder error: it can contain key material.
		return nil, errors.New("crypto: signer key is not a valid secp256k1 hex key")
	}
	return key, nil
}

// LoadSigner resolves the signer key from src.
func LoadSigner(src SignerSource) (*ecdsa.PrivateKey, error) {
	if strings.TrimSpace(src.Key) != "" {
		return ParseHexKey(src.Key)
	}
	if strings.TrimSpace(src.Keystore) == "" {
		return nil, ErrNoSignerKey
	}
	if src.Passphrase == nil {
		return nil, errors.New("crypto: keystore passphrase source required")
	}
	passphrase, err := src.Passphrase()
	if err != nil {
		return nil, err
	}
	key, err := LoadFromKeystore(src.Keystore, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: unlock keystore: %w", err)
	}
	return key, nil
}

// Address returns the checksummed account address of key.
func Address(key *ecdsa.PrivateKey) string {
	return ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
}
