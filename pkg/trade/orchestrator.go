package trade

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harmony-one/bonding-curve-prototype/pkg/cache"
	"github.com/harmony-one/bonding-curve-prototype/pkg/chain"
	"github.com/harmony-one/bonding-curve-prototype/pkg/metrics"
	"github.com/harmony-one/bonding-curve-prototype/pkg/quote"
	"github.com/harmony-one/bonding-curve-prototype/pkg/storage"
	"github.com/harmony-one/bonding-curve-prototype/pkg/token"
	"github.com/harmony-one/bonding-curve-prototype/pkg/util"
)

type Config struct {
	ReserveSymbol  string
	SuccessDisplay time.Duration
	TxTimeout      time.Duration
}

// request is one trade from acceptance to its terminal phase.
type request struct {
	id         string
	action     Action
	instrument token.Instrument
	quantity   *big.Int
	quote      quote.Quote
	phase      Phase
	cause      *Error
	txHash     common.Hash
}

// Orchestrator runs trade requests for one account. Requests are keyed by
// instrument: at most one is in flight per instrument, different
// instruments run concurrently.
type Orchestrator struct {
	ledger   chain.Ledger
	quotes   *quote.Adapter
	cache    *cache.Cache
	board    *quote.Board
	reporter *Reporter
	journal  storage.Journal
	metrics  *metrics.Metrics
	clock    util.Clock
	logger   *zap.SugaredLogger
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[common.Address]*request
	inputs map[common.Address]string
}

func New(ledger chain.Ledger, quotes *quote.Adapter, c *cache.Cache, cfg Config, logger *zap.SugaredLogger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.ReserveSymbol == "" {
		cfg.ReserveSymbol = "ONE"
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		ledger:   ledger,
		quotes:   quotes,
		cache:    c,
		reporter: NewReporter(),
		journal:  storage.NewNopJournal(),
		metrics:  metrics.NopMetrics(),
		clock:    util.NewClock(),
		logger:   logger,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[common.Address]*request),
		inputs:   make(map[common.Address]string),
	}
}

func (o *Orchestrator) WithJournal(j storage.Journal) *Orchestrator {
	if j != nil {
		o.journal = j
	}
	return o
}

func (o *Orchestrator) WithMetrics(m *metrics.Metrics) *Orchestrator {
	if m != nil {
		o.metrics = m
	}
	return o
}

func (o *Orchestrator) WithClock(c util.Clock) *Orchestrator {
	o.clock = c
	return o
}

// WithBoard lets a successful trade clear the instrument's displayed quote.
func (o *Orchestrator) WithBoard(b *quote.Board) *Orchestrator {
	o.board = b
	return o
}

// Submit validates and accepts a trade request and returns its id. The trade
// itself runs in the background; observe it through Status or Subscribe.
//
// Invalid input and ErrBusy leave the instrument's status untouched. Once a
// request is accepted for pricing, a finished status of an earlier request is
// reset to idle, also when the quote then turns out unavailable.
func (o *Orchestrator) Submit(ctx context.Context, action Action, instrument token.Instrument, text string) (string, error) {
	if action != ActionBuy && action != ActionSell {
		return "", inputError(fmt.Sprintf("unsupported action %q", action), nil)
	}
	qty, err := ParseQuantity(text)
	if err != nil {
		return "", err
	}

	addr := instrument.Address
	req := &request{
		id:         uuid.NewString(),
		action:     action,
		instrument: instrument,
		quantity:   qty,
	}

	o.mu.Lock()
	if _, busy := o.active[addr]; busy {
		o.mu.Unlock()
		return "", ErrBusy
	}
	o.active[addr] = req
	if cur := o.reporter.Current(addr); cur.Type == StatusSuccess || cur.Type == StatusError {
		o.publishLocked(addr, TradeStatus{Type: StatusIdle, Action: action}, "")
	}
	o.mu.Unlock()

	kind := quote.Cost
	if action == ActionSell {
		kind = quote.Refund
	}
	q, ok := o.quotes.Quote(ctx, kind, addr, qty)
	if !ok {
		o.release(addr, req)
		return "", ErrQuoteUnavailable
	}
	req.quote = q

	o.metrics.TradesSubmitted.With("action", string(action)).Add(1)
	o.metrics.TradesInFlight.Add(1)
	o.logger.Infow("trade_submitted",
		"request_id", req.id,
		"action", action,
		"instrument", addr.Hex(),
		"symbol", instrument.Symbol,
		"quantity", qty.String(),
		kind.String(), q.Amount.String(),
	)
	o.record(req, "submitted")

	o.wg.Add(1)
	go o.run(req)
	return req.id, nil
}

// Status returns the live status of instrument.
func (o *Orchestrator) Status(instrument common.Address) TradeStatus {
	return o.reporter.Current(instrument)
}

// Statuses returns every non-idle status.
func (o *Orchestrator) Statuses() []TradeStatus {
	return o.reporter.All()
}

func (o *Orchestrator) Subscribe(buffer int) (<-chan TradeStatus, func()) {
	return o.reporter.Subscribe(buffer)
}

// Dismiss resets a terminal status to idle. It fails with ErrBusy while a
// request for instrument is still running.
func (o *Orchestrator) Dismiss(instrument common.Address) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[instrument]; busy {
		return ErrBusy
	}
	o.publishLocked(instrument, TradeStatus{Type: StatusIdle, Action: o.Status(instrument).Action}, "")
	return nil
}

// SetInput stores the quantity text currently entered for instrument.
func (o *Orchestrator) SetInput(instrument common.Address, text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if text == "" {
		delete(o.inputs, instrument)
		return
	}
	o.inputs[instrument] = text
}

func (o *Orchestrator) Input(instrument common.Address) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inputs[instrument]
}

// Busy reports whether a request for instrument is in flight.
func (o *Orchestrator) Busy(instrument common.Address) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[instrument]
	return ok
}

// Close stops tracking in-flight requests and waits for their goroutines.
// Transactions already broadcast are not affected.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) release(addr common.Address, req *request) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[addr] == req {
		delete(o.active, addr)
	}
}

func (o *Orchestrator) run(req *request) {
	defer o.wg.Done()
	defer o.metrics.TradesInFlight.Add(-1)

	if cause := o.execute(o.ctx, req); cause != nil {
		o.finish(req, PhaseFailed, cause)
		return
	}
	o.finish(req, PhaseSucceeded, nil)
}

func (o *Orchestrator) execute(ctx context.Context, req *request) *Error {
	addr := req.instrument.Address

	// What the trade spends, from which balance and under which allowance.
	spendToken := o.ledger.Reserve()
	balanceField := cache.Field{Kind: cache.ReserveBalance}
	allowanceField := cache.Field{Kind: cache.ReserveAllowance}
	required := req.quote.Amount
	spendSymbol := o.cfg.ReserveSymbol
	if req.action == ActionSell {
		spendToken = addr
		balanceField = cache.Field{Kind: cache.TokenBalance, Instrument: addr}
		allowanceField = cache.Field{Kind: cache.TokenAllowance, Instrument: addr}
		// tokens move directly, so the quantity itself is what must be allowed
		required = req.quantity
		spendSymbol = req.instrument.Symbol
	}

	o.cache.Track(addr)
	if err := o.cache.Refresh(ctx, balanceField, allowanceField); err != nil {
		o.logger.Debugw("trade_prefetch_partial", "request_id", req.id, "error", err)
	}

	balance, err := o.cache.Get(ctx, balanceField)
	switch {
	case err != nil:
		o.logger.Warnw("balance_check_skipped", "request_id", req.id, "error", err)
	case balance.Cmp(required) < 0:
		return &Error{
			Kind: KindInsufficientBalance,
			Op:   "balance",
			Reason: fmt.Sprintf("Insufficient %s balance: have %s, need %s",
				spendSymbol, token.FormatUnits(balance), token.FormatUnits(required)),
		}
	}

	allowance, err := o.cache.Get(ctx, allowanceField)
	if err != nil {
		return classify("allowance", err)
	}

	if allowance.Cmp(required) < 0 {
		o.advance(req, PhaseAwaitingApproval)
		sctx, cancel := context.WithTimeout(ctx, o.cfg.TxTimeout)
		h, err := o.ledger.Approve(sctx, spendToken, o.ledger.Curve(), token.MaxUint256)
		cancel()
		if err != nil {
			return classify(string(ActionApprove), err)
		}
		o.metrics.Approvals.With("token", spendSymbol).Add(1)
		req.txHash = h.Hash()
		o.advance(req, PhaseApproving)
		if err := o.wait(ctx, string(ActionApprove), h); err != nil {
			return classify(string(ActionApprove), err)
		}
		o.cache.Invalidate(allowanceField)
		o.advance(req, PhaseAwaitingAction)
	}

	if req.phase != PhaseAwaitingAction {
		o.advance(req, PhaseExecuting)
	}
	sctx, cancel := context.WithTimeout(ctx, o.cfg.TxTimeout)
	var h chain.TxHandle
	if req.action == ActionBuy {
		h, err = o.ledger.Buy(sctx, addr, req.quantity)
	} else {
		h, err = o.ledger.Sell(sctx, addr, req.quantity)
	}
	cancel()
	if err != nil {
		return classify(string(req.action), err)
	}
	req.txHash = h.Hash()
	if req.phase != PhaseExecuting {
		o.advance(req, PhaseExecuting)
	}
	if err := o.wait(ctx, string(req.action), h); err != nil {
		return classify(string(req.action), err)
	}

	o.advance(req, PhaseReconciling)
	touched := []cache.Field{
		{Kind: cache.TokenBalance, Instrument: addr},
		{Kind: cache.ReserveBalance},
		allowanceField,
	}
	o.cache.Invalidate(touched...)
	if err := o.cache.SettleAndRefresh(ctx, touched...); err != nil {
		// the stale marks stay; the next read or resync refetches
		o.logger.Warnw("reconcile_refresh_failed", "request_id", req.id, "error", err)
	}
	o.SetInput(addr, "")
	if o.board != nil {
		o.board.Clear(addr)
	}
	return nil
}

// wait blocks until h resolves, bounded by the transaction timeout.
func (o *Orchestrator) wait(ctx context.Context, method string, h chain.TxHandle) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.TxTimeout)
	defer cancel()
	start := o.clock.Now()
	err := h.Wait(ctx)
	if err == nil {
		o.metrics.TxConfirmSeconds.With("method", method).Observe(o.clock.Now().Sub(start).Seconds())
	}
	return err
}

func (o *Orchestrator) advance(req *request, phase Phase) {
	o.mu.Lock()
	req.phase = phase
	o.publishRequestLocked(req)
	o.mu.Unlock()

	o.logger.Infow("trade_phase",
		"request_id", req.id,
		"instrument", req.instrument.Address.Hex(),
		"phase", phase.String(),
		"tx_hash", txHashString(req.txHash),
	)
	o.record(req, phase.String())
}

func (o *Orchestrator) finish(req *request, phase Phase, cause *Error) {
	addr := req.instrument.Address
	outcome := "success"

	// Armed before success is published, so the display time counts from it.
	var expire <-chan time.Time
	if cause == nil && o.cfg.SuccessDisplay > 0 {
		expire = o.clock.After(o.cfg.SuccessDisplay)
	}

	o.mu.Lock()
	req.phase = phase
	req.cause = cause
	if o.active[addr] == req {
		delete(o.active, addr)
	}
	o.publishRequestLocked(req)
	o.mu.Unlock()

	if cause != nil {
		outcome = "error"
		o.logger.Warnw("trade_failed",
			"request_id", req.id,
			"instrument", addr.Hex(),
			"kind", cause.Kind.String(),
			"op", cause.Op,
			"reason", cause.Reason,
			"error", cause.Err,
		)
	} else {
		o.logger.Infow("trade_succeeded",
			"request_id", req.id,
			"instrument", addr.Hex(),
			"action", req.action,
			"tx_hash", txHashString(req.txHash),
		)
	}
	o.metrics.TradesCompleted.With("action", string(req.action), "outcome", outcome).Add(1)
	o.record(req, phase.String())

	if expire != nil {
		o.wg.Add(1)
		go o.resetAfter(req, expire)
	}
}

// resetAfter returns a success status to idle once it has been displayed,
// unless a newer request for the instrument took over meanwhile.
func (o *Orchestrator) resetAfter(req *request, expire <-chan time.Time) {
	defer o.wg.Done()
	select {
	case <-expire:
	case <-o.ctx.Done():
		return
	}

	addr := req.instrument.Address
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[addr]; busy {
		return
	}
	if cur := o.reporter.Current(addr); cur.RequestID != req.id || cur.Type != StatusSuccess {
		return
	}
	o.publishLocked(addr, TradeStatus{Type: StatusIdle, Action: req.action}, "")
}

func (o *Orchestrator) publishRequestLocked(req *request) {
	s := Project(View{
		Phase:         req.phase,
		Action:        req.action,
		Symbol:        req.instrument.Symbol,
		ReserveSymbol: o.cfg.ReserveSymbol,
		Cause:         req.cause,
	})
	s.TxHash = txHashString(req.txHash)
	o.publishLocked(req.instrument.Address, s, req.id)
}

func (o *Orchestrator) publishLocked(addr common.Address, s TradeStatus, requestID string) {
	s.Instrument = addr
	s.RequestID = requestID
	s.At = o.clock.Now()
	o.reporter.Publish(s)
}

func (o *Orchestrator) record(req *request, phase string) {
	rec := storage.TradeRecord{
		RequestID:  req.id,
		Account:    o.ledger.Account(),
		Instrument: req.instrument.Address,
		Symbol:     req.instrument.Symbol,
		Action:     string(req.action),
		Quantity:   token.FormatUnits(req.quantity),
		Phase:      phase,
		TxHash:     txHashString(req.txHash),
		At:         o.clock.Now(),
	}
	if req.quote.Amount != nil {
		rec.Quote = token.FormatUnits(req.quote.Amount)
	}
	if req.cause != nil {
		rec.ErrorKind = req.cause.Kind.String()
		rec.Error = req.cause.Reason
	}
	if err := o.journal.Append(rec); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Warnw("journal_append_failed", "request_id", req.id, "error", err)
	}
}

func txHashString(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
