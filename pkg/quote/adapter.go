package quote

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/harmony-one/bonding-curve-prototype/pkg/chain"
	"github.com/harmony-one/bonding-curve-prototype/pkg/metrics"
	"github.com/harmony-one/bonding-curve-prototype/pkg/util"
)

type Kind uint8

const (
	Cost   Kind = iota // reserve paid to buy a quantity
	Refund             // reserve received for selling a quantity
)

func (k Kind) String() string {
	switch k {
	case Cost:
		return "cost"
	case Refund:
		return "refund"
	default:
		return "unknown"
	}
}

// Quote is only meaningful for the exact (Instrument, Quantity) it was fetched for.
type Quote struct {
	Instrument common.Address `json:"instrument"`
	Kind       Kind           `json:"-"`
	Quantity   *big.Int       `json:"quantity"`
	Amount     *big.Int       `json:"amount"`
	FetchedAt  time.Time      `json:"fetched_at"`
}

// Matches reports whether q answers the given input.
func (q Quote) Matches(instrument common.Address, kind Kind, qty *big.Int) bool {
	return q.Instrument == instrument && q.Kind == kind && qty != nil && q.Quantity.Cmp(qty) == 0
}

// Adapter wraps the curve's pricing reads. A query that cannot be answered
// is reported as unavailable (ok == false) rather than as an error.
type Adapter struct {
	reader  chain.Reader
	timeout time.Duration
	clock   util.Clock
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
}

func NewAdapter(reader chain.Reader, timeout time.Duration, logger *zap.SugaredLogger) *Adapter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Adapter{
		reader:  reader,
		timeout: timeout,
		clock:   util.NewClock(),
		metrics: metrics.NopMetrics(),
		logger:  logger,
	}
}

// WithClock swaps the clock used to stamp quotes.
func (a *Adapter) WithClock(c util.Clock) *Adapter {
	a.clock = c
	return a
}

func positive(qty *big.Int) bool {
	return qty != nil && qty.Sign() > 0
}

func (a *Adapter) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}

func (a *Adapter) WithMetrics(m *metrics.Metrics) *Adapter {
	if m != nil {
		a.metrics = m
	}
	return a
}

// Cost is the reserve amount needed to buy qty of instrument.
func (a *Adapter) Cost(ctx context.Context, instrument common.Address, qty *big.Int) (*big.Int, bool) {
	if !positive(qty) {
		return nil, false
	}
	ctx, cancel := a.bounded(ctx)
	defer cancel()
	amount, err := a.reader.GetCost(ctx, instrument, qty)
	return a.result(Cost.String(), instrument, amount, err)
}

// Refund is the reserve amount received for selling qty of instrument.
func (a *Adapter) Refund(ctx context.Context, instrument common.Address, qty *big.Int) (*big.Int, bool) {
	if !positive(qty) {
		return nil, false
	}
	ctx, cancel := a.bounded(ctx)
	defer cancel()
	amount, err := a.reader.GetRefund(ctx, instrument, qty)
	return a.result(Refund.String(), instrument, amount, err)
}

// Price is the advisory spot price of one whole token.
func (a *Adapter) Price(ctx context.Context, instrument common.Address) (*big.Int, bool) {
	ctx, cancel := a.bounded(ctx)
	defer cancel()
	price, err := a.reader.GetPrice(ctx, instrument)
	return a.result("price", instrument, price, err)
}

// Quote fetches a cost or refund and stamps it.
func (a *Adapter) Quote(ctx context.Context, kind Kind, instrument common.Address, qty *big.Int) (Quote, bool) {
	var (
		amount *big.Int
		ok     bool
	)
	switch kind {
	case Cost:
		amount, ok = a.Cost(ctx, instrument, qty)
	case Refund:
		amount, ok = a.Refund(ctx, instrument, qty)
	}
	if !ok {
		return Quote{}, false
	}
	return Quote{
		Instrument: instrument,
		Kind:       kind,
		Quantity:   new(big.Int).Set(qty),
		Amount:     amount,
		FetchedAt:  a.clock.Now(),
	}, true
}

func (a *Adapter) result(kind string, instrument common.Address, v *big.Int, err error) (*big.Int, bool) {
	if err == nil && (v == nil || v.Sign() < 0) {
		err = chain.ErrMalformedResponse
	}
	if err != nil {
		a.metrics.QuotesUnavailable.With("kind", kind).Add(1)
		a.logger.Debugw("quote_unavailable",
			"kind", kind,
			"instrument", instrument.Hex(),
			"error", err,
		)
		return nil, false
	}
	return v, true
}
