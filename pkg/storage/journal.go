package storage

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// TradeRecord is one journal line: a trade request reaching a phase.
type TradeRecord struct {
	RequestID  string         `json:"request_id"`
	Account    common.Address `json:"account"`
	Instrument common.Address `json:"instrument"`
	Symbol     string         `json:"symbol,omitempty"`
	Action     string         `json:"action"`
	Quantity   string         `json:"quantity"`
	Quote      string         `json:"quote,omitempty"`
	Phase      string         `json:"phase"`
	TxHash     string         `json:"tx_hash,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	Error      string         `json:"error,omitempty"`
	At         time.Time      `json:"at"`
}

// Journal is an append-only audit log of trade requests. It is never read
// back to rebuild engine state.
type Journal interface {
	Append(rec TradeRecord) error
	Recent(account common.Address, limit int) ([]TradeRecord, error)
	Close() error
}

type NopJournal struct{}

func NewNopJournal() *NopJournal                                     { return &NopJournal{} }
func (NopJournal) Append(TradeRecord) error                          { return nil }
func (NopJournal) Recent(common.Address, int) ([]TradeRecord, error) { return nil, nil }
func (NopJournal) Close() error                                      { return nil }

// PebbleJournal stores records in a Pebble database.
type PebbleJournal struct {
	db  *pebble.DB
	seq atomic.Uint64
}

// OpenPebbleJournal opens (or creates) the journal database at path
func OpenPebbleJournal(path string) (*PebbleJournal, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(8 << 20), // 8MB cache
		MemTableSize: 4 << 20,
		MaxOpenFiles: 256,
		BytesPerSync: 512 << 10, // 512KB
	}
	defer opts.Cache.Unref()

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleJournal{db: db}, nil
}

func (j *PebbleJournal) Close() error { return j.db.Close() }

// Append persists a record
func (j *PebbleJournal) Append(rec TradeRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal trade record: %w", err)
	}

	key := tradeKey(rec.Account, rec.At.UnixNano(), rec.RequestID, j.seq.Add(1))
	if err := j.db.Set(key, data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save trade record: %w", err)
	}
	return nil
}

// Recent loads the newest records of an account, newest first
func (j *PebbleJournal) Recent(account common.Address, limit int) ([]TradeRecord, error) {
	prefix := tradePrefix(account)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var out []TradeRecord
	for iter.Last(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Prev() {
		var rec TradeRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue // Skip invalid entries
		}
		out = append(out, rec)
	}
	return out, nil
}

var _ Journal = (*NopJournal)(nil)
var _ Journal = (*PebbleJournal)(nil)
