package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Journal key schema:
//
//   trade:<account>:<unix-nanos>:<seq>:<requestID> → TradeRecord
//
// Timestamp and append sequence are zero-padded (20 digits) so a prefix scan
// over one account returns records in append order, also within one instant.

const prefixTrade = "trade:"

// tradeKey returns the key for one journal record
func tradeKey(account common.Address, unixNano int64, requestID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%020d:%s", prefixTrade, account.Hex(), unixNano, seq, requestID))
}

// tradePrefix returns the prefix for all records of an account
// Format: "trade:{account}:"
func tradePrefix(account common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, account.Hex()))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
