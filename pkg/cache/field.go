package cache

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type FieldKind uint8

const (
	TokenBalance     FieldKind = iota // session account's instrument balance
	ReserveBalance                    // session account's reserve balance
	ReserveAllowance                  // reserve the curve may spend (buys)
	TokenAllowance                    // instrument the curve may spend (sells)
)

func (k FieldKind) String() string {
	switch k {
	case TokenBalance:
		return "token_balance"
	case ReserveBalance:
		return "reserve_balance"
	case ReserveAllowance:
		return "reserve_allowance"
	case TokenAllowance:
		return "token_allowance"
	default:
		return "unknown"
	}
}

// Field names one cached figure. Reserve fields are shared by every
// instrument; their Instrument is ignored.
type Field struct {
	Kind       FieldKind
	Instrument common.Address
}

func (f Field) key() Field {
	if f.Kind == ReserveBalance || f.Kind == ReserveAllowance {
		return Field{Kind: f.Kind}
	}
	return f
}

func (f Field) String() string {
	if f.Kind == ReserveBalance || f.Kind == ReserveAllowance {
		return f.Kind.String()
	}
	return f.Kind.String() + ":" + f.Instrument.Hex()
}

// Fields lists the four figures a trade on instrument depends on.
func Fields(instrument common.Address) []Field {
	return []Field{
		{Kind: TokenBalance, Instrument: instrument},
		{Kind: ReserveBalance},
		{Kind: ReserveAllowance},
		{Kind: TokenAllowance, Instrument: instrument},
	}
}

// Entry is one cached figure. A stale entry keeps its last known value.
type Entry struct {
	Value     *big.Int  `json:"value"`
	Stale     bool      `json:"stale"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Known reports whether a value was ever fetched.
func (e Entry) Known() bool {
	return e.Value != nil
}

func (e Entry) clone() Entry {
	if e.Value != nil {
		e.Value = new(big.Int).Set(e.Value)
	}
	return e
}

// Snapshot is the view of an instrument's figures at one point in time.
type Snapshot struct {
	Instrument       common.Address `json:"instrument"`
	TokenBalance     Entry          `json:"token_balance"`
	ReserveBalance   Entry          `json:"reserve_balance"`
	ReserveAllowance Entry          `json:"reserve_allowance"`
	TokenAllowance   Entry          `json:"token_allowance"`
}

// Entry returns the snapshot's figure for kind.
func (s Snapshot) Entry(kind FieldKind) Entry {
	switch kind {
	case TokenBalance:
		return s.TokenBalance
	case ReserveBalance:
		return s.ReserveBalance
	case ReserveAllowance:
		return s.ReserveAllowance
	default:
		return s.TokenAllowance
	}
}

func (s *Snapshot) set(kind FieldKind, e Entry) {
	switch kind {
	case TokenBalance:
		s.TokenBalance = e
	case ReserveBalance:
		s.ReserveBalance = e
	case ReserveAllowance:
		s.ReserveAllowance = e
	case TokenAllowance:
		s.TokenAllowance = e
	}
}
