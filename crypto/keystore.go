// Package crypto loads and stores the bridge signer key.
package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// ErrWrongPassphrase is returned when a keystore cannot be decrypted.
var ErrWrongPassphrase = errors.New("crypto: keystore passphrase does not match")

// SaveToKeystore encrypts key into an Ethereum v3 keystore file at path. The
// file is written atomically with 0600 permissions; missing parent
// directories are created 0700.
func SaveToKeystore(path string, key *ecdsa.PrivateKey, passphrase string) error {
	return saveToKeystore(path, key, passphrase, keystore.StandardScryptN, keystore.StandardScryptP)
}

func saveToKeystore(path string, key *ecdsa.PrivateKey, passphrase string, scryptN, scryptP int) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("crypto: keystore id: %w", err)
	}
	encrypted, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    ethcrypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}, passphrase, scryptN, scryptP)
	if err != nil {
		return fmt.Errorf("crypto: encrypt keystore: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".keystore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(encrypted); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadFromKeystore decrypts the v3 keystore at path.
func LoadFromKeystore(path, passphrase string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if errors.Is(err, keystore.ErrDecrypt) {
		return nil, ErrWrongPassphrase
	}
	if err != nil {
		return nil, err
	}
	return decrypted.PrivateKey, nil
}
