// Package session bundles everything the engine keeps for one account.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/harmony-one/bonding-curve-prototype/params"
	"github.com/harmony-one/bonding-curve-prototype/pkg/cache"
	"github.com/harmony-one/bonding-curve-prototype/pkg/chain"
	"github.com/harmony-one/bonding-curve-prototype/pkg/metrics"
	"github.com/harmony-one/bonding-curve-prototype/pkg/quote"
	"github.com/harmony-one/bonding-curve-prototype/pkg/storage"
	"github.com/harmony-one/bonding-curve-prototype/pkg/token"
	"github.com/harmony-one/bonding-curve-prototype/pkg/trade"
	"github.com/harmony-one/bonding-curve-prototype/pkg/util"
)

var ErrUnknownInstrument = errors.New("instrument is not listed by the curve")

// Options are shared by every session a Manager builds.
type Options struct {
	Engine        params.Engine
	ReserveSymbol string
	Journal       storage.Journal
	Metrics       *metrics.Metrics
	Clock         util.Clock
}

// Session is the context of one account: its cache, quotes, orchestrator
// and instrument list. Switching accounts builds a new Session.
type Session struct {
	ledger       chain.Ledger
	cache        *cache.Cache
	quotes       *quote.Adapter
	board        *quote.Board
	orchestrator *trade.Orchestrator
	journal      storage.Journal
	logger       *zap.SugaredLogger
	listTTL      time.Duration
	listTimeout  time.Duration
	clock        util.Clock

	listGroup singleflight.Group
	listMu    sync.RWMutex
	list      []token.Instrument
	listedAt  time.Time

	runCancel context.CancelFunc
	runDone   chan struct{}
	closeOnce sync.Once
}

func New(ledger chain.Ledger, opts Options, logger *zap.SugaredLogger) *Session {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NopMetrics()
	}
	if opts.Journal == nil {
		opts.Journal = storage.NewNopJournal()
	}
	if opts.Clock == nil {
		opts.Clock = util.NewClock()
	}
	logger = logger.With("account", ledger.Account().Hex())
	listTimeout := opts.Engine.QuoteTimeout
	if listTimeout <= 0 {
		listTimeout = 10 * time.Second
	}

	c := cache.New(ledger, cache.Config{
		Owner:          ledger.Account(),
		Spender:        ledger.Curve(),
		Reserve:        ledger.Reserve(),
		ResyncInterval: opts.Engine.ResyncInterval,
		SettleDelay:    opts.Engine.SettleDelay,
	}, logger.Named("cache")).WithClock(opts.Clock).WithMetrics(opts.Metrics)

	quotes := quote.NewAdapter(ledger, opts.Engine.QuoteTimeout, logger.Named("quote")).
		WithClock(opts.Clock).WithMetrics(opts.Metrics)
	board := quote.NewBoard(quotes)

	orch := trade.New(ledger, quotes, c, trade.Config{
		ReserveSymbol:  opts.ReserveSymbol,
		SuccessDisplay: opts.Engine.SuccessDisplay,
		TxTimeout:      opts.Engine.TxTimeout,
	}, logger.Named("trade")).
		WithJournal(opts.Journal).
		WithMetrics(opts.Metrics).
		WithClock(opts.Clock).
		WithBoard(board)

	return &Session{
		ledger:       ledger,
		cache:        c,
		quotes:       quotes,
		board:        board,
		orchestrator: orch,
		journal:      opts.Journal,
		logger:       logger,
		listTTL:      opts.Engine.ResyncInterval,
		listTimeout:  listTimeout,
		clock:        opts.Clock,
	}
}

// Start runs the background resync until Close.
func (s *Session) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.runCancel = cancel
	s.runDone = make(chan struct{})
	go func() {
		defer close(s.runDone)
		s.cache.Run(ctx)
	}()
	s.logger.Infow("session_started")
}

// Close stops the resync loop and waits for in-flight requests to be
// abandoned. The journal is shared and stays open.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.runCancel != nil {
			s.runCancel()
			<-s.runDone
		}
		s.orchestrator.Close()
		s.logger.Infow("session_closed")
	})
}

func (s *Session) Account() common.Address { return s.ledger.Account() }

// Instruments returns the curve's listing, fetched at most once per resync
// interval.
func (s *Session) Instruments(ctx context.Context) ([]token.Instrument, error) {
	s.listMu.RLock()
	if s.list != nil && s.clock.Now().Sub(s.listedAt) < s.listTTL {
		list := s.list
		s.listMu.RUnlock()
		return list, nil
	}
	s.listMu.RUnlock()
	return s.reloadInstruments(ctx)
}

func (s *Session) reloadInstruments(ctx context.Context) ([]token.Instrument, error) {
	v, err, _ := s.listGroup.Do("list", func() (interface{}, error) {
		// Shared by every caller that joins; none of them may cancel it.
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.listTimeout)
		defer cancel()
		list, err := s.ledger.ListInstruments(lctx)
		if err != nil {
			return nil, err
		}
		s.listMu.Lock()
		s.list = list
		s.listedAt = s.clock.Now()
		s.listMu.Unlock()
		s.logger.Debugw("instruments_listed", "count", len(list))

		for _, addr := range s.cache.Tracked() {
			if _, ok := find(list, addr); !ok {
				s.cache.Evict(addr)
				s.logger.Infow("instrument_evicted", "instrument", addr.Hex())
			}
		}
		return list, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	return v.([]token.Instrument), nil
}

// listed reports whether addr is in the current listing, without a remote call.
func (s *Session) listed(addr common.Address) bool {
	s.listMu.RLock()
	defer s.listMu.RUnlock()
	_, ok := find(s.list, addr)
	return ok
}

// Instrument looks addr up in the listing, reloading it once on a miss.
func (s *Session) Instrument(ctx context.Context, addr common.Address) (token.Instrument, error) {
	list, err := s.Instruments(ctx)
	if err != nil {
		return token.Instrument{}, err
	}
	inst, ok := find(list, addr)
	if !ok {
		if list, err = s.reloadInstruments(ctx); err != nil {
			return token.Instrument{}, err
		}
		inst, ok = find(list, addr)
	}
	if ok {
		s.cache.Track(addr)
		return inst, nil
	}
	return token.Instrument{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, addr.Hex())
}

func find(list []token.Instrument, addr common.Address) (token.Instrument, bool) {
	for _, inst := range list {
		if inst.Address == addr {
			return inst, true
		}
	}
	return token.Instrument{}, false
}

// SubmitTrade starts a buy or sell and returns its request id. The outcome is
// observed through CurrentStatus or Subscribe.
func (s *Session) SubmitTrade(ctx context.Context, action trade.Action, addr common.Address, quantityText string) (string, error) {
	inst, err := s.Instrument(ctx, addr)
	if err != nil {
		return "", err
	}
	return s.orchestrator.Submit(ctx, action, inst, quantityText)
}

func (s *Session) CurrentStatus(addr common.Address) trade.TradeStatus {
	return s.orchestrator.Status(addr)
}

func (s *Session) Statuses() []trade.TradeStatus {
	return s.orchestrator.Statuses()
}

func (s *Session) Subscribe(buffer int) (<-chan trade.TradeStatus, func()) {
	return s.orchestrator.Subscribe(buffer)
}

func (s *Session) Dismiss(addr common.Address) error {
	return s.orchestrator.Dismiss(addr)
}

// CurrentSnapshot returns cached figures for addr without remote calls. A
// listed addr is kept in the resync set.
func (s *Session) CurrentSnapshot(addr common.Address) cache.Snapshot {
	if s.listed(addr) {
		s.cache.Track(addr)
	}
	return s.cache.Snapshot(addr)
}

// RefreshSnapshot refetches all figures for a listed addr.
func (s *Session) RefreshSnapshot(ctx context.Context, addr common.Address) (cache.Snapshot, error) {
	if _, err := s.Instrument(ctx, addr); err != nil {
		return cache.Snapshot{}, err
	}
	return s.cache.RefreshAll(ctx, addr), nil
}

// Quote prices quantityText for action and makes it the displayed input of
// addr. A newer call for the same instrument supersedes this one.
func (s *Session) Quote(ctx context.Context, action trade.Action, addr common.Address, quantityText string) (quote.Quote, error) {
	kind := quote.Cost
	if action == trade.ActionSell {
		kind = quote.Refund
	}
	qty, err := trade.ParseQuantity(quantityText)
	if err != nil {
		return quote.Quote{}, err
	}
	s.orchestrator.SetInput(addr, quantityText)
	q, ok := s.board.Update(ctx, addr, kind, qty)
	if !ok {
		return quote.Quote{}, trade.ErrQuoteUnavailable
	}
	return q, nil
}

// LatestQuote returns the quote shown for addr's current input. It is absent
// once a newer input superseded it or a trade cleared it.
func (s *Session) LatestQuote(addr common.Address) (quote.Quote, bool) {
	return s.board.Latest(addr)
}

// Price returns the current unit price of addr.
func (s *Session) Price(ctx context.Context, addr common.Address) (*big.Int, error) {
	p, ok := s.quotes.Price(ctx, addr)
	if !ok {
		return nil, trade.ErrQuoteUnavailable
	}
	return p, nil
}

// History returns the account's journaled trade records, newest first.
func (s *Session) History(limit int) ([]storage.TradeRecord, error) {
	return s.journal.Recent(s.Account(), limit)
}
