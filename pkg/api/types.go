package api

import (
	"math/big"
	"time"

	"github.com/harmony-one/bonding-curve-prototype/pkg/cache"
	"github.com/harmony-one/bonding-curve-prototype/pkg/quote"
	"github.com/harmony-one/bonding-curve-prototype/pkg/token"
	"github.com/harmony-one/bonding-curve-prototype/pkg/trade"
)

// API response types for REST endpoints and WebSocket messages.
// Amounts are sent twice: as decimal text in whole tokens and in wei.

// ==============================
// REST Response Types
// ==============================

type InstrumentInfo struct {
	Address     string `json:"address"`
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	Price       string `json:"price"`        // display form, see token.FormatPrice
	PriceWei    string `json:"price_wei"`    // advisory only, quotes are authoritative
	TotalSupply string `json:"total_supply"` // whole tokens
}

func newInstrumentInfo(inst token.Instrument) InstrumentInfo {
	return InstrumentInfo{
		Address:     inst.Address.Hex(),
		Symbol:      inst.Symbol,
		Name:        inst.Name,
		Price:       token.FormatPrice(inst.Price),
		PriceWei:    weiString(inst.Price),
		TotalSupply: token.FormatUnits(inst.TotalSupply),
	}
}

type PriceInfo struct {
	Address  string `json:"address"`
	Price    string `json:"price"`
	PriceWei string `json:"price_wei"`
}

type QuoteInfo struct {
	Address   string    `json:"address"`
	Kind      string    `json:"kind"` // cost or refund
	Quantity  string    `json:"quantity"`
	Amount    string    `json:"amount"`
	AmountWei string    `json:"amount_wei"`
	FetchedAt time.Time `json:"fetched_at"`
}

func newQuoteInfo(q quote.Quote) QuoteInfo {
	return QuoteInfo{
		Address:   q.Instrument.Hex(),
		Kind:      q.Kind.String(),
		Quantity:  token.FormatUnits(q.Quantity),
		Amount:    token.FormatUnits(q.Amount),
		AmountWei: weiString(q.Amount),
		FetchedAt: q.FetchedAt,
	}
}

// FieldInfo is one cached figure. Value is empty when it was never fetched.
type FieldInfo struct {
	Value     string     `json:"value,omitempty"`
	ValueWei  string     `json:"value_wei,omitempty"`
	Stale     bool       `json:"stale"`
	Error     string     `json:"error,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

func newFieldInfo(e cache.Entry) FieldInfo {
	f := FieldInfo{Stale: e.Stale, Error: e.Error}
	if e.Known() {
		f.Value = token.FormatUnits(e.Value)
		f.ValueWei = e.Value.String()
		at := e.UpdatedAt
		f.UpdatedAt = &at
	}
	return f
}

type SnapshotInfo struct {
	Instrument       string    `json:"instrument"`
	TokenBalance     FieldInfo `json:"token_balance"`
	ReserveBalance   FieldInfo `json:"reserve_balance"`
	ReserveAllowance FieldInfo `json:"reserve_allowance"`
	TokenAllowance   FieldInfo `json:"token_allowance"`
}

func newSnapshotInfo(s cache.Snapshot) *SnapshotInfo {
	return &SnapshotInfo{
		Instrument:       s.Instrument.Hex(),
		TokenBalance:     newFieldInfo(s.TokenBalance),
		ReserveBalance:   newFieldInfo(s.ReserveBalance),
		ReserveAllowance: newFieldInfo(s.ReserveAllowance),
		TokenAllowance:   newFieldInfo(s.TokenAllowance),
	}
}

type AccountInfo struct {
	Address       string        `json:"address"`
	ReserveSymbol string        `json:"reserve_symbol"`
	Snapshot      *SnapshotInfo `json:"snapshot,omitempty"` // only with ?instrument=
}

type HealthInfo struct {
	Status  string `json:"status"`
	Account string `json:"account,omitempty"`
}

// ==============================
// REST Request Types
// ==============================

// SubmitTradeRequest is the payload for POST /api/v1/trades
type SubmitTradeRequest struct {
	Instrument string       `json:"instrument"`
	Action     trade.Action `json:"action"`   // "buy" or "sell"
	Quantity   string       `json:"quantity"` // whole tokens, e.g. "1.5"
}

type SubmitTradeResponse struct {
	RequestID string            `json:"request_id"`
	Status    trade.TradeStatus `json:"status"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string       `json:"error"`
	Message string       `json:"message"`
	Cause   *trade.Error `json:"cause,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the base structure for all WebSocket messages
type WSMessage struct {
	Type    string      `json:"type"`    // "status"
	Channel string      `json:"channel"` // channel the client subscribed to
	Data    interface{} `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["status:0x...", "status:*"]
}

func weiString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
