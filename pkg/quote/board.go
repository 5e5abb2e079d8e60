package quote

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Board tracks the latest quantity entered per instrument. A newer input
// cancels the fetch of the previous one and a late result for a superseded
// input is dropped.
type Board struct {
	adapter *Adapter

	mu      sync.Mutex
	entries map[common.Address]*boardEntry
}

type boardEntry struct {
	seq    uint64
	kind   Kind
	qty    *big.Int
	cancel context.CancelFunc
	quote  *Quote
}

func NewBoard(adapter *Adapter) *Board {
	return &Board{
		adapter: adapter,
		entries: make(map[common.Address]*boardEntry),
	}
}

// Update makes (kind, qty) the current input for instrument and fetches its
// quote. ok is false when the quote is unavailable or was superseded before
// it arrived.
func (b *Board) Update(ctx context.Context, instrument common.Address, kind Kind, qty *big.Int) (Quote, bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.mu.Lock()
	e, ok := b.entries[instrument]
	if !ok {
		e = &boardEntry{}
		b.entries[instrument] = e
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.seq++
	seq := e.seq
	e.kind = kind
	e.qty = nil
	if qty != nil {
		e.qty = new(big.Int).Set(qty)
	}
	e.cancel = cancel
	e.quote = nil
	b.mu.Unlock()

	q, ok := b.adapter.Quote(ctx, kind, instrument, qty)

	b.mu.Lock()
	defer b.mu.Unlock()
	if e.seq != seq || b.entries[instrument] != e {
		return Quote{}, false
	}
	e.cancel = nil
	if !ok {
		return Quote{}, false
	}
	e.quote = &q
	return q, true
}

// Latest returns the quote for the current input, if it has arrived.
func (b *Board) Latest(instrument common.Address) (Quote, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[instrument]
	if !ok || e.quote == nil || !e.quote.Matches(instrument, e.kind, e.qty) {
		return Quote{}, false
	}
	return *e.quote, true
}

// Clear forgets the input for instrument and cancels its fetch.
func (b *Board) Clear(instrument common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[instrument]; ok {
		if e.cancel != nil {
			e.cancel()
		}
		delete(b.entries, instrument)
	}
}
