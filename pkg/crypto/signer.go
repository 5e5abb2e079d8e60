package crypto

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrUserRejected is returned when the confirmation hook declines a transaction.
var ErrUserRejected = errors.New("user rejected the request")

// ConfirmFunc is asked before every transaction is signed.
// Returning false aborts the transaction with ErrUserRejected.
type ConfirmFunc func(tx *types.Transaction) bool

// AutoConfirm approves every transaction (service mode).
func AutoConfirm(*types.Transaction) bool { return true }

// Signer manages the secp256k1 key of the trading account
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	confirm    ConfirmFunc
}

// GenerateKey creates a new random key pair (devnets and tests)
func GenerateKey() (*Signer, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newSigner(privateKey)
}

// FromPrivateKeyHex creates a Signer from a hex-encoded private key
// Format: "0x1234..." or "1234..." (64 hex chars)
func FromPrivateKeyHex(hexKey string) (*Signer, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return newSigner(privateKey)
}

func newSigner(privateKey *ecdsa.PrivateKey) (*Signer, error) {
	publicKeyECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("failed to cast public key to ECDSA")
	}
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKeyECDSA),
		confirm:    AutoConfirm,
	}, nil
}

// WithConfirm installs a confirmation hook (e.g. an interactive prompt).
func (s *Signer) WithConfirm(confirm ConfirmFunc) *Signer {
	if confirm == nil {
		confirm = AutoConfirm
	}
	s.confirm = confirm
	return s
}

// Address returns the Ethereum address derived from the public key
func (s *Signer) Address() common.Address {
	return s.address
}

// PrivateKeyHex returns the private key as hex string (WITHOUT 0x prefix)
// WARNING: Keep this secret! Never expose to users or logs
func (s *Signer) PrivateKeyHex() string {
	return fmt.Sprintf("%x", crypto.FromECDSA(s.privateKey))
}

// TransactOpts builds bind options for one write call. The confirmation hook
// runs inside the signing step, so a declined transaction is never broadcast.
func (s *Signer) TransactOpts(ctx context.Context, chainID *big.Int) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(s.privateKey, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to build transactor: %w", err)
	}
	sign := opts.Signer
	confirm := s.confirm
	opts.Signer = func(from common.Address, tx *types.Transaction) (*types.Transaction, error) {
		if !confirm(tx) {
			return nil, ErrUserRejected
		}
		return sign(from, tx)
	}
	opts.Context = ctx
	return opts, nil
}
