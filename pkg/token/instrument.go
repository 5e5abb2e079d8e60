package token

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Decimals is the number of fractional digits of every instrument and of the reserve token.
const Decimals = 18

// Instrument is a bonding-curve token as listed by the curve contract.
// Price is advisory: it is refreshed with the list and never used to decide a trade.
type Instrument struct {
	Address     common.Address `json:"address"`
	Symbol      string         `json:"symbol"`
	Name        string         `json:"name"`
	Price       *big.Int       `json:"price"`       // reserve units per whole token, 18 decimals
	TotalSupply *big.Int       `json:"totalSupply"` // smallest units
}

// WithPrice returns a copy of the instrument carrying a new price.
func (i Instrument) WithPrice(price *big.Int) Instrument {
	i.Price = new(big.Int).Set(price)
	return i
}

// MaxUint256 is the ceiling used for one-time approvals.
var MaxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
