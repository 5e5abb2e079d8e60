package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/harmony-one/bonding-curve-prototype/pkg/token"
)

// Reader is the read side of the remote ledger: ERC-20 state plus the
// pricing queries of the bonding curve. Implementations never mutate anything.
type Reader interface {
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	GetCost(ctx context.Context, instrument common.Address, quantity *big.Int) (*big.Int, error)
	GetRefund(ctx context.Context, instrument common.Address, quantity *big.Int) (*big.Int, error)
	GetPrice(ctx context.Context, instrument common.Address) (*big.Int, error)
	ListInstruments(ctx context.Context) ([]token.Instrument, error)
}

// Writer submits transactions signed by the session account.
// A returned handle means the transaction was broadcast; it is irrevocable.
type Writer interface {
	Approve(ctx context.Context, token, spender common.Address, ceiling *big.Int) (TxHandle, error)
	Buy(ctx context.Context, instrument common.Address, quantity *big.Int) (TxHandle, error)
	Sell(ctx context.Context, instrument common.Address, quantity *big.Int) (TxHandle, error)
}

// TxHandle resolves a submitted transaction.
// Wait returns nil once the transaction is confirmed, a *RevertError when the
// ledger rejected it, or the context error when no receipt arrived in time.
type TxHandle interface {
	Hash() common.Hash
	Wait(ctx context.Context) error
}

// Ledger is everything a trading session needs from the chain.
type Ledger interface {
	Reader
	Writer

	// Account is the address that signs writes.
	Account() common.Address
	// Curve is the bonding curve contract, spender of both allowances.
	Curve() common.Address
	// Reserve is the reserve currency token.
	Reserve() common.Address
}

// ErrMalformedResponse is returned when a contract call decodes to an unexpected shape.
var ErrMalformedResponse = errors.New("malformed contract response")

// RevertError is a transaction or call rejected by the ledger.
type RevertError struct {
	TxHash common.Hash
	Reason string
	Err    error
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

func (e *RevertError) Unwrap() error {
	return e.Err
}
