// Package chaintest provides an in-memory Ledger for tests.
package chaintest

import (
	"context"
	"encoding/binary"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/harmony-one/bonding-curve-prototype/pkg/chain"
	"github.com/harmony-one/bonding-curve-prototype/pkg/token"
)

var (
	DefaultAccount = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	DefaultCurve   = common.HexToAddress("0x46eD5701b0Bbd4ABEf82C2a8091d7ec5bBB3E7a1")
	DefaultReserve = common.HexToAddress("0x3e604CAfE8a802A320595C27060ADf950eb9C494")
)

// Method names used for call counts, failures and gates.
const (
	MethodBalanceOf = "balanceOf"
	MethodAllowance = "allowance"
	MethodGetCost   = "getCost"
	MethodGetRefund = "getRefund"
	MethodGetPrice  = "getCurrentPrice"
	MethodList      = "getTokenListWithPrice"
	MethodApprove   = "approve"
	MethodBuy       = "buy"
	MethodSell      = "sell"
)

var one = new(big.Int).Exp(big.NewInt(10), big.NewInt(token.Decimals), nil)

// Write is a submitted transaction as seen by the ledger.
type Write struct {
	Method string
	Target common.Address // token for approve, instrument for buy/sell
	Amount *big.Int
	Hash   common.Hash
}

type holding struct {
	token, owner common.Address
}

type grant struct {
	token, owner, spender common.Address
}

// Ledger is a chain.Ledger backed by maps. Cost and refund are priced
// linearly at the instrument's current price. Confirmed writes move balances
// the way the curve contract does.
type Ledger struct {
	mu sync.Mutex

	account, curve, reserve common.Address

	instruments []token.Instrument
	prices      map[common.Address]*big.Int
	balances    map[holding]*big.Int
	allowances  map[grant]*big.Int

	calls    map[string]int
	inflight map[string]int
	peak     map[string]int
	events   []string
	writes   []Write
	nonce    uint64

	readErr   map[string]error
	submitErr map[string]error
	reverts   map[string]string
	gates     map[string]chan struct{}
	readDelay time.Duration
}

func New() *Ledger {
	return &Ledger{
		account:    DefaultAccount,
		curve:      DefaultCurve,
		reserve:    DefaultReserve,
		prices:     make(map[common.Address]*big.Int),
		balances:   make(map[holding]*big.Int),
		allowances: make(map[grant]*big.Int),
		calls:      make(map[string]int),
		inflight:   make(map[string]int),
		peak:       make(map[string]int),
		readErr:    make(map[string]error),
		submitErr:  make(map[string]error),
		reverts:    make(map[string]string),
		gates:      make(map[string]chan struct{}),
	}
}

var _ chain.Ledger = (*Ledger)(nil)

func (l *Ledger) Account() common.Address { return l.account }
func (l *Ledger) Curve() common.Address   { return l.curve }
func (l *Ledger) Reserve() common.Address { return l.reserve }

// SetAccount switches the signing account.
func (l *Ledger) SetAccount(addr common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.account = addr
}

// AddInstrument lists an instrument priced at price wei per whole token.
func (l *Ledger) AddInstrument(addr common.Address, symbol string, price *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.instruments = append(l.instruments, token.Instrument{
		Address:     addr,
		Symbol:      symbol,
		Name:        symbol + " Token",
		Price:       new(big.Int).Set(price),
		TotalSupply: new(big.Int),
	})
	l.prices[addr] = new(big.Int).Set(price)
}

// RemoveInstrument drops addr from the listing.
func (l *Ledger) RemoveInstrument(addr common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.instruments[:0]
	for _, inst := range l.instruments {
		if inst.Address != addr {
			kept = append(kept, inst)
		}
	}
	l.instruments = kept
	delete(l.prices, addr)
}

func (l *Ledger) SetBalance(tok, owner common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[holding{tok, owner}] = new(big.Int).Set(amount)
}

func (l *Ledger) SetAllowance(tok, owner, spender common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowances[grant{tok, owner, spender}] = new(big.Int).Set(amount)
}

func (l *Ledger) Balance(tok, owner common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(tok, owner)
}

func (l *Ledger) AllowanceOf(tok, owner, spender common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowanceLocked(tok, owner, spender)
}

// FailRead makes every call of method fail with err until cleared with nil.
func (l *Ledger) FailRead(method string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.readErr, method)
		return
	}
	l.readErr[method] = err
}

// FailSubmit makes the next submissions of method fail before broadcast.
func (l *Ledger) FailSubmit(method string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.submitErr, method)
		return
	}
	l.submitErr[method] = err
}

// Revert makes transactions of method broadcast fine but fail on confirmation.
func (l *Ledger) Revert(method, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reverts[method] = reason
}

// Gate holds confirmation of method transactions until the returned
// release func is called.
func (l *Ledger) Gate(method string) (release func()) {
	ch := make(chan struct{})
	l.mu.Lock()
	l.gates[method] = ch
	l.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() { close(ch) })
	}
}

// SetReadDelay slows every read call down.
func (l *Ledger) SetReadDelay(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readDelay = d
}

// Calls returns how many times method was invoked.
func (l *Ledger) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

// PeakInFlight returns the highest number of concurrent invocations of method.
func (l *Ledger) PeakInFlight(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peak[method]
}

// Writes returns submitted transactions in broadcast order.
func (l *Ledger) Writes() []Write {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Write(nil), l.writes...)
}

// Events returns "submit:<method>" and "confirm:<method>" entries in order.
func (l *Ledger) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *Ledger) balanceLocked(tok, owner common.Address) *big.Int {
	if b, ok := l.balances[holding{tok, owner}]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (l *Ledger) allowanceLocked(tok, owner, spender common.Address) *big.Int {
	if a, ok := l.allowances[grant{tok, owner, spender}]; ok {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

func (l *Ledger) enter(ctx context.Context, method string) (func(), error) {
	l.mu.Lock()
	l.calls[method]++
	l.inflight[method]++
	if l.inflight[method] > l.peak[method] {
		l.peak[method] = l.inflight[method]
	}
	delay := l.readDelay
	err := l.readErr[method]
	l.mu.Unlock()

	leave := func() {
		l.mu.Lock()
		l.inflight[method]--
		l.mu.Unlock()
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			leave()
			return nil, ctx.Err()
		}
	}
	if err != nil {
		leave()
		return nil, err
	}
	return leave, nil
}

func (l *Ledger) BalanceOf(ctx context.Context, tok, owner common.Address) (*big.Int, error) {
	leave, err := l.enter(ctx, MethodBalanceOf)
	if err != nil {
		return nil, err
	}
	defer leave()
	return l.Balance(tok, owner), nil
}

func (l *Ledger) Allowance(ctx context.Context, tok, owner, spender common.Address) (*big.Int, error) {
	leave, err := l.enter(ctx, MethodAllowance)
	if err != nil {
		return nil, err
	}
	defer leave()
	return l.AllowanceOf(tok, owner, spender), nil
}

func (l *Ledger) price(instrument common.Address) (*big.Int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.prices[instrument]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(p), true
}

func (l *Ledger) valueOf(instrument common.Address, quantity *big.Int) (*big.Int, error) {
	p, ok := l.price(instrument)
	if !ok {
		return nil, &chain.RevertError{Reason: "Token not found"}
	}
	v := new(big.Int).Mul(quantity, p)
	return v.Quo(v, one), nil
}

func (l *Ledger) GetCost(ctx context.Context, instrument common.Address, quantity *big.Int) (*big.Int, error) {
	leave, err := l.enter(ctx, MethodGetCost)
	if err != nil {
		return nil, err
	}
	defer leave()
	return l.valueOf(instrument, quantity)
}

func (l *Ledger) GetRefund(ctx context.Context, instrument common.Address, quantity *big.Int) (*big.Int, error) {
	leave, err := l.enter(ctx, MethodGetRefund)
	if err != nil {
		return nil, err
	}
	defer leave()
	return l.valueOf(instrument, quantity)
}

func (l *Ledger) GetPrice(ctx context.Context, instrument common.Address) (*big.Int, error) {
	leave, err := l.enter(ctx, MethodGetPrice)
	if err != nil {
		return nil, err
	}
	defer leave()
	p, ok := l.price(instrument)
	if !ok {
		return nil, &chain.RevertError{Reason: "Token not found"}
	}
	return p, nil
}

func (l *Ledger) ListInstruments(ctx context.Context) ([]token.Instrument, error) {
	leave, err := l.enter(ctx, MethodList)
	if err != nil {
		return nil, err
	}
	defer leave()
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]token.Instrument, len(l.instruments))
	for i, inst := range l.instruments {
		out[i] = inst.WithPrice(l.prices[inst.Address])
	}
	return out, nil
}

// submit records a write and returns a handle whose confirmation runs apply.
func (l *Ledger) submit(method string, target common.Address, amount *big.Int, apply func() error) (chain.TxHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls[method]++
	if err := l.submitErr[method]; err != nil {
		return nil, err
	}

	l.nonce++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], l.nonce)
	hash := crypto.Keccak256Hash([]byte(method), buf[:])

	l.writes = append(l.writes, Write{Method: method, Target: target, Amount: new(big.Int).Set(amount), Hash: hash})
	l.events = append(l.events, "submit:"+method)

	return &tx{
		ledger: l,
		hash:   hash,
		method: method,
		gate:   l.gates[method],
		revert: l.reverts[method],
		apply:  apply,
	}, nil
}

func (l *Ledger) Approve(ctx context.Context, tok, spender common.Address, ceiling *big.Int) (chain.TxHandle, error) {
	owner := l.Account()
	return l.submit(MethodApprove, tok, ceiling, func() error {
		l.allowances[grant{tok, owner, spender}] = new(big.Int).Set(ceiling)
		return nil
	})
}

// spendLocked moves the allowance the way an ERC-20 transferFrom does.
// An unlimited allowance is never decremented.
func (l *Ledger) spendLocked(tok, owner common.Address, amount *big.Int) error {
	g := grant{tok, owner, l.curve}
	allowed := l.allowanceLocked(tok, owner, l.curve)
	if allowed.Cmp(amount) < 0 {
		return &chain.RevertError{Reason: "ERC20: insufficient allowance"}
	}
	if allowed.Cmp(token.MaxUint256) != 0 {
		l.allowances[g] = allowed.Sub(allowed, amount)
	}
	bal := l.balanceLocked(tok, owner)
	if bal.Cmp(amount) < 0 {
		return &chain.RevertError{Reason: "ERC20: transfer amount exceeds balance"}
	}
	l.balances[holding{tok, owner}] = bal.Sub(bal, amount)
	return nil
}

func (l *Ledger) Buy(ctx context.Context, instrument common.Address, quantity *big.Int) (chain.TxHandle, error) {
	owner := l.Account()
	cost, err := l.valueOf(instrument, quantity)
	if err != nil {
		return nil, err
	}
	return l.submit(MethodBuy, instrument, quantity, func() error {
		if err := l.spendLocked(l.reserve, owner, cost); err != nil {
			return err
		}
		bal := l.balanceLocked(instrument, owner)
		l.balances[holding{instrument, owner}] = bal.Add(bal, quantity)
		return nil
	})
}

func (l *Ledger) Sell(ctx context.Context, instrument common.Address, quantity *big.Int) (chain.TxHandle, error) {
	owner := l.Account()
	refund, err := l.valueOf(instrument, quantity)
	if err != nil {
		return nil, err
	}
	return l.submit(MethodSell, instrument, quantity, func() error {
		if err := l.spendLocked(instrument, owner, quantity); err != nil {
			return err
		}
		bal := l.balanceLocked(l.reserve, owner)
		l.balances[holding{l.reserve, owner}] = bal.Add(bal, refund)
		return nil
	})
}

type tx struct {
	ledger *Ledger
	hash   common.Hash
	method string
	gate   chan struct{}
	revert string
	apply  func() error

	once sync.Once
	err  error
}

func (t *tx) Hash() common.Hash { return t.hash }

func (t *tx) Wait(ctx context.Context) error {
	if t.gate != nil {
		select {
		case <-t.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.once.Do(func() {
		l := t.ledger
		l.mu.Lock()
		defer l.mu.Unlock()
		if t.revert != "" {
			t.err = &chain.RevertError{TxHash: t.hash, Reason: t.revert}
		} else if err := t.apply(); err != nil {
			var re *chain.RevertError
			if r, ok := err.(*chain.RevertError); ok {
				re = r
			} else {
				re = &chain.RevertError{Err: err}
			}
			re.TxHash = t.hash
			t.err = re
		}
		l.events = append(l.events, "confirm:"+t.method)
	})
	return t.err
}
