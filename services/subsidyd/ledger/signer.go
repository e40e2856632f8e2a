package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer signs transactions for a single account.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

// KeySigner signs with an in-memory private key.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeySigner parses a hex private key, with or without 0x prefix.
func NewKeySigner(hexKey string) (*KeySigner, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, errors.New("ledger: signer key required")
	}
	key, err := gethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse signer key: %w", err)
	}
	return NewKeySignerFromKey(key), nil
}

// NewKeySignerFromKey wraps an existing key.
func NewKeySignerFromKey(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, addr: gethcrypto.PubkeyToAddress(key.PublicKey)}
}

// Address implements Signer.
func (s *KeySigner) Address() common.Address { return s.addr }

// SignTx implements Signer.
func (s *KeySigner) SignTx(_ context.Context, tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	return gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), s.key)
}

// PassphraseFunc supplies the keystore passphrase on demand.
type PassphraseFunc func() (string, error)

// KeystoreSigner signs with an encrypted keystore account. The passphrase is
// requested for every signature and never stored by the signer.
type KeystoreSigner struct {
	ks         *keystore.KeyStore
	account    accounts.Account
	passphrase PassphraseFunc
}

// NewKeystoreSigner opens dir and selects address, or the only account when
// address is empty.
func NewKeystoreSigner(dir, address string, passphrase PassphraseFunc) (*KeystoreSigner, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("ledger: keystore directory required")
	}
	if passphrase == nil {
		return nil, errors.New("ledger: keystore passphrase source required")
	}
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
	accs := ks.Accounts()
	var selected *accounts.Account
	switch {
	case strings.TrimSpace(address) != "":
		if !common.IsHexAddress(address) {
			return nil, fmt.Errorf("ledger: invalid keystore address %q", address)
		}
		want := common.HexToAddress(address)
		for i := range accs {
			if accs[i].Address == want {
				selected = &accs[i]
				break
			}
		}
	case len(accs) == 1:
		selected = &accs[0]
	}
	if selected == nil {
		return nil, fmt.Errorf("ledger: keystore %s has %d accounts and none matches %q", dir, len(accs), address)
	}
	return &KeystoreSigner{ks: ks, account: *selected, passphrase: passphrase}, nil
}

// Address implements Signer.
func (s *KeystoreSigner) Address() common.Address { return s.account.Address }

// SignTx implements Signer. A missing or wrong passphrase is reported as
// ErrRejectedByUser.
func (s *KeystoreSigner) SignTx(_ context.Context, tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	pass, err := s.passphrase()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejectedByUser, err)
	}
	signed, err := s.ks.SignTxWithPassphrase(s.account, pass, tx, chainID)
	if errors.Is(err, keystore.ErrDecrypt) {
		return nil, fmt.Errorf("%w: %v", ErrRejectedByUser, err)
	}
	return signed, err
}

// ImportKey writes hexKey into the keystore at dir, encrypted with passphrase.
func ImportKey(dir, hexKey, passphrase string) (common.Address, error) {
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("ledger: parse key: %w", err)
	}
	ks := keystore.NewKeyStore(dir, keystore.StandardScryptN, keystore.StandardScryptP)
	acc, err := ks.ImportECDSA(key, passphrase)
	if err != nil {
		return common.Address{}, fmt.Errorf("ledger: import key: %w", err)
	}
	return acc.Address, nil
}
