package trade

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/harmony-one/bonding-curve-prototype/pkg/cache"
	"github.com/harmony-one/bonding-curve-prototype/pkg/chain/chaintest"
	"github.com/harmony-one/bonding-curve-prototype/pkg/crypto"
	"github.com/harmony-one/bonding-curve-prototype/pkg/quote"
	"github.com/harmony-one/bonding-curve-prototype/pkg/storage"
	"github.com/harmony-one/bonding-curve-prototype/pkg/token"
)

var (
	tokA  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tokB  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	ether = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), ether)
}

type fixture struct {
	ledger   *chaintest.Ledger
	cache    *cache.Cache
	orch     *Orchestrator
	clock    *clock.Mock
	statuses <-chan TradeStatus
	instA    token.Instrument
	instB    token.Instrument
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	l := chaintest.New()
	l.AddInstrument(tokA, "AAA", units(5)) // 5 reserve per token
	l.AddInstrument(tokB, "BBB", units(1))
	l.SetBalance(l.Reserve(), l.Account(), units(1000))

	c := cache.New(l, cache.Config{
		Owner:   l.Account(),
		Spender: l.Curve(),
		Reserve: l.Reserve(),
	}, nil)

	if cfg.ReserveSymbol == "" {
		cfg.ReserveSymbol = "ONE"
	}
	if cfg.SuccessDisplay == 0 {
		cfg.SuccessDisplay = 3 * time.Second
	}
	if cfg.TxTimeout == 0 {
		cfg.TxTimeout = 2 * time.Second
	}
	mock := clock.NewMock()
	o := New(l, quote.NewAdapter(l, time.Second, nil), c, cfg, nil).WithClock(mock)
	statuses, unsubscribe := o.Subscribe(64)
	t.Cleanup(func() {
		o.Close()
		unsubscribe()
	})

	list, err := l.ListInstruments(context.Background())
	require.NoError(t, err)
	return &fixture{
		ledger:   l,
		cache:    c,
		orch:     o,
		clock:    mock,
		statuses: statuses,
		instA:    list[0],
		instB:    list[1],
	}
}

// collect reads statuses of addr until a terminal one arrives.
func (f *fixture) collect(t *testing.T, addr common.Address) []TradeStatus {
	t.Helper()
	var seen []TradeStatus
	timeout := time.After(3 * time.Second)
	for {
		select {
		case s := <-f.statuses:
			if s.Instrument != addr {
				continue
			}
			seen = append(seen, s)
			if s.Type == StatusSuccess || s.Type == StatusError {
				return seen
			}
		case <-timeout:
			t.Fatalf("no terminal status for %s, saw %+v", addr.Hex(), seen)
		}
	}
}

func messages(statuses []TradeStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = fmt.Sprintf("%s(%s)", s.Type, s.Message)
	}
	return out
}

func TestBuy_SufficientAllowanceSkipsApproval(t *testing.T) {
	f := newFixture(t, Config{})
	owner := f.ledger.Account()
	f.ledger.SetAllowance(f.ledger.Reserve(), owner, f.ledger.Curve(), units(100))

	_, err := f.orch.Submit(context.Background(), ActionBuy, f.instA, "2")
	require.NoError(t, err)

	seen := f.collect(t, tokA)
	require.Equal(t, []string{"pending(Buying tokens...)", "success(Transaction successful!)"}, messages(seen))
	require.Equal(t, ActionBuy, seen[0].Action)

	require.Zero(t, f.ledger.Calls(chaintest.MethodApprove))
	writes := f.ledger.Writes()
	require.Len(t, writes, 1)
	require.Equal(t, chaintest.MethodBuy, writes[0].Method)
	require.Equal(t, units(2).String(), writes[0].Amount.String())
}

func TestBuy_ApprovesThenBuys(t *testing.T) {
	f := newFixture(t, Config{})
	l := f.ledger
	owner := l.Account()

	// 10 tokens at 5 each: a quoted cost of 50 against a zero allowance
	_, err := f.orch.Submit(context.Background(), ActionBuy, f.instA, "10")
	require.NoError(t, err)

	seen := f.collect(t, tokA)
	require.Equal(t, []string{
		"pending(Approving ONE...)",
		"pending(Buying tokens...)",
		"success(Transaction successful!)",
	}, messages(seen))
	require.Equal(t, ActionApprove, seen[0].Action)
	require.Equal(t, ActionBuy, seen[1].Action)

	require.Equal(t, []string{"submit:approve", "confirm:approve", "submit:buy", "confirm:buy"}, l.Events())
	writes := l.Writes()
	require.Equal(t, l.Reserve(), writes[0].Target)
	require.Equal(t, 0, writes[0].Amount.Cmp(token.MaxUint256))

	require.GreaterOrEqual(t, l.AllowanceOf(l.Reserve(), owner, l.Curve()).Cmp(units(50)), 0)
	require.Equal(t, units(10).String(), l.Balance(tokA, owner).String())
	require.Equal(t, units(950).String(), l.Balance(l.Reserve(), owner).String())
}

func TestApprovalConfirmationPrecedesAction(t *testing.T) {
	f := newFixture(t, Config{})
	release := f.ledger.Gate(chaintest.MethodApprove)
	defer release()

	_, err := f.orch.Submit(context.Background(), ActionBuy, f.instA, "1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.orch.Status(tokA).Message == "Approving ONE..."
	}, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{"submit:approve"}, f.ledger.Events(), "nothing submitted before the approval confirms")

	release()
	seen := f.collect(t, tokA)
	require.Equal(t, StatusSuccess, seen[len(seen)-1].Type)
	require.Equal(t, 1, f.ledger.Calls(chaintest.MethodApprove))
	require.Equal(t, 1, f.ledger.Calls(chaintest.MethodBuy))
}

func TestSell_ApprovesInstrumentToken(t *testing.T) {
	f := newFixture(t, Config{})
	l := f.ledger
	owner := l.Account()
	l.SetBalance(tokA, owner, units(20))

	_, err := f.orch.Submit(context.Background(), ActionSell, f.instA, "4")
	require.NoError(t, err)

	seen := f.collect(t, tokA)
	require.Equal(t, []string{
		"pending(Approving AAA...)",
		"pending(Selling tokens...)",
		"success(Transaction successful!)",
	}, messages(seen))

	writes := l.Writes()
	require.Len(t, writes, 2)
	require.Equal(t, tokA, writes[0].Target, "sell approves the instrument token")
	require.Equal(t, chaintest.MethodSell, writes[1].Method)
	require.Equal(t, units(4).String(), writes[1].Amount.String())
	require.Equal(t, units(16).String(), l.Balance(tokA, owner).String())
	require.Equal(t, units(1020).String(), l.Balance(l.Reserve(), owner).String())
}

func TestSell_AllowanceComparedToQuantity(t *testing.T) {
	f := newFixture(t, Config{})
	l := f.ledger
	owner := l.Account()
	l.SetBalance(tokA, owner, units(20))
	// covers the 4 tokens although the refund (20 reserve) is larger
	l.SetAllowance(tokA, owner, l.Curve(), units(4))

	_, err := f.orch.Submit(context.Background(), ActionSell, f.instA, "4")
	require.NoError(t, err)

	seen := f.collect(t, tokA)
	require.Equal(t, StatusSuccess, seen[len(seen)-1].Type)
	require.Zero(t, l.Calls(chaintest.MethodApprove))
}

func TestSell_InsufficientBalanceNoWrite(t *testing.T) {
	f := newFixture(t, Config{})
	f.ledger.SetBalance(tokA, f.ledger.Account(), units(1))

	_, err := f.orch.Submit(context.Background(), ActionSell, f.instA, "5")
	require.NoError(t, err)

	seen := f.collect(t, tokA)
	require.Len(t, seen, 1)
	last := seen[0]
	require.Equal(t, StatusError, last.Type)
	require.Equal(t, ActionSell, last.Action)
	require.Equal(t, KindInsufficientBalance, last.Err.Kind)
	require.Empty(t, f.ledger.Writes())
	require.Zero(t, f.ledger.Calls(chaintest.MethodApprove))
	require.Zero(t, f.ledger.Calls(chaintest.MethodSell))
}

func TestSubmit_QuoteUnavailableIsSilent(t *testing.T) {
	f := newFixture(t, Config{})
	f.ledger.FailRead(chaintest.MethodGetCost, errors.New("rpc unavailable"))

	_, err := f.orch.Submit(context.Background(), ActionBuy, f.instA, "1")
	require.ErrorIs(t, err, ErrQuoteUnavailable)
	require.Equal(t, StatusIdle, f.orch.Status(tokA).Type)
	require.False(t, f.orch.Busy(tokA))

	select {
	case s := <-f.statuses:
		t.Fatalf("unexpected status %+v", s)
	case <-time.After(50 * time.Millisecond):
	}

	// the next input goes through once pricing answers again
	f.ledger.FailRead(chaintest.MethodGetCost, nil)
	f.ledger.SetAllowance(f.ledger.Reserve(), f.ledger.Account(), f.ledger.Curve(), units(100))
	_, err = f.orch.Submit(context.Background(), ActionBuy, f.instA, "1")
	require.NoError(t, err)
	seen := f.collect(t, tokA)
	require.Equal(t, StatusSuccess, seen[len(seen)-1].Type)
}

func TestSubmit_InvalidInput(t *testing.T) {
	f := newFixture(t, Config{})

	for _, text := range []string{"", "abc", "0", "0.0", "-1", "0.0000000000000000001"} {
		_, err := f.orch.Submit(context.Background(), ActionBuy, f.instA, text)
		require.True(t, IsKind(err, KindInputInvalid), "input %q: %v", text, err)
	}
	_, err := f.orch.Submit(context.Background(), Action("hold"), f.instA, "1")
	require.True(t, IsKind(err, KindInputInvalid))

	require.Zero(t, f.ledger.Calls(chaintest.MethodGetCost))
	require.Equal(t, StatusIdle, f.orch.Status(tokA).Type)
	require.False(t, f.orch.Busy(tokA))
}

func TestNew_DefaultsTimeouts(t *testing.T) {
	l := chaintest.New()
	c := cache.New(l, cache.Config{Owner: l.Account(), Spender: l.Curve(), Reserve: l.Reserve()}, nil)
	o := New(l, quote.NewAdapter(l, time.Second, nil), c, Config{}, nil)
	defer o.Close()

	require.Equal(t, 2*time.Minute, o.cfg.TxTimeout)
	require.Equal(t, "ONE", o.cfg.ReserveSymbol)
}

func TestSubmit_BusyPerInstrument(t *testing.T) {
	f := newFixture(t, Config{})
	l := f.ledger
	owner := l.Account()
	l.SetAllowance(l.Reserve(), owner, l.Curve(), token.MaxUint256)
	l.SetBalance(tokB, owner, units(10))
	l.SetAllowance(tokB, owner, l.Curve(), token.MaxUint256)

	release := l.Gate(chaintest.MethodBuy)
	defer release()

	_, err := f.orch.Submit(context.Background(), ActionBuy, f.instA, "1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.orch.Status(tokA).Message == "Buying tokens..."
	}, time.Second, time.Millisecond)

	_, err = f.orch.Submit(context.Background(), ActionBuy, f.instA, "2")
	require.ErrorIs(t, err, ErrBusy)
	require.ErrorIs(t, f.orch.Dismiss(tokA), ErrBusy)

	// another instrument is not blocked and does not touch tokA's status
	_, err = f.orch.Submit(context.Background(), ActionSell, f.instB, "3")
	require.NoError(t, err)
	seenB := f.collect(t, tokB)
	require.Equal(t, StatusSuccess, seenB[len(seenB)-1].Type)

	statusA := f.orch.Status(tokA)
	require.Equal(t, StatusPending, statusA.Type)
	require.Equal(t, "Buying tokens...", statusA.Message)

	release()
	require.Eventually(t, func() bool {
		return f.orch.Status(tokA).Type == StatusSuccess
	}, time.Second, time.Millisecond)
	require.Equal(t, 1, l.Calls(chaintest.MethodBuy))
}

func TestConcurrentInstrumentsKeepSeparateStatuses(t *testing.T) {
	f := newFixture(t, Config{})
	l := f.ledger
	owner := l.Account()
	l.SetBalance(tokB, owner, units(1))

	// tokA succeeds via approval, tokB fails on balance
	_, err := f.orch.Submit(context.Background(), ActionBuy, f.instA, "1")
	require.NoError(t, err)
	_, err = f.orch.Submit(context.Background(), ActionSell, f.instB, "2")
	require.NoError(t, err)

	final := map[common.Address]TradeStatus{}
	timeout := time.After(3 * time.Second)
	for len(final) < 2 {
		select {
		case s := <-f.statuses:
			if s.Type == StatusSuccess || s.Type == StatusError {
				final[s.Instrument] = s
			}
		case <-timeout:
			t.Fatalf("statuses did not settle: %+v", final)
		}
	}
	require.Equal(t, StatusSuccess, final[tokA].Type)
	require.Equal(t, StatusError, final[tokB].Type)
	require.NotEqual(t, final[tokA].RequestID, final[tokB].RequestID)
	require.Equal(t, StatusSuccess, f.orch.Status(tokA).Type)
	require.Equal(t, KindInsufficientBalance, f.orch.Status(tokB).Err.Kind)
}

func TestRevert_StaysUntilDismissed(t *testing.T) {
	f := newFixture(t, Config{})
	l := f.ledger
	l.SetAllowance(l.Reserve(), l.Account(), l.Curve(), units(100))
	l.Revert(chaintest.MethodBuy, "Insufficient reserve")

	_, err := f.orch.Submit(context.Background(), ActionBuy, f.instA, "1")
	require.NoError(t, err)

	seen := f.collect(t, tokA)
	last := seen[len(seen)-1]
	require.Equal(t, StatusError, last.Type)
	require.Equal(t, KindRemoteReverted, last.Err.Kind)
	require.Equal(t, "Insufficient reserve", last.Message)
	require.Equal(t, 1, l.Calls(chaintest.MethodBuy), "no automatic retry")

	f.clock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StatusError, f.orch.Status(tokA).Type)

	require.NoError(t, f.orch.Dismiss(tokA))
	require.Equal(t, StatusIdle, f.orch.Status(tokA).Type)
}

func TestNewRequestClearsPreviousError(t *testing.T) {
	f := newFixture(t, Config{})
	l := f.ledger
	l.SetAllowance(l.Reserve(), l.Account(), l.Curve(), units(100))
	l.Revert(chaintest.MethodBuy, "Insufficient reserve")

	_, err := f.orch.Submit(context.Background(), ActionBuy, f.instA, "1")
	require.NoError(t, err)
	seen := f.collect(t, tokA)
	require.Equal(t, StatusError, seen[len(seen)-1].Type)

	// input errors keep the error on display
	_, err = f.orch.Submit(context.Background(), ActionBuy, f.instA, "0")
	require.True(t, IsKind(err, KindInputInvalid))
	require.Equal(t, StatusError, f.orch.Status(tokA).Type)

	l.FailRead(chaintest.MethodGetCost, errors.New("rpc unavailable"))
	_, err = f.orch.Submit(context.Background(), ActionBuy, f.instA, "1")
	require.ErrorIs(t, err, ErrQuoteUnavailable)
	require.Equal(t, StatusIdle, f.orch.Status(tokA).Type)
	select {
	case s := <-f.statuses:
		require.Equal(t, StatusIdle, s.Type)
		require.Equal(t, tokA, s.Instrument)
	case <-time.After(time.Second):
		t.Fatal("error status was not cleared")
	}
	require.False(t, f.orch.Busy(tokA))
}

func TestUserRejectedApproval(t *testing.T) {
	f := newFixture(t, Config{})
	f.ledger.FailSubmit(chaintest.MethodApprove, fmt.Errorf("approve: %w", crypto.ErrUserRejected))

	_, err := f.orch.Submit(context.Background(), ActionBuy, f.instA, "1")
	require.NoError(t, err)

	seen := f.collect(t, tokA)
	last := seen[len(seen)-1]
	require.Equal(t, StatusError, last.Type)
	require.Equal(t, ActionApprove, last.Action)
	require.Equal(t, KindUserRejected, last.Err.Kind)
	require.Empty(t, f.ledger.Writes())
	require.Zero(t, f.ledger.Calls(chaintest.MethodBuy))
}

func TestConfirmationTimeout(t *testing.T) {
	f := newFixture(t, Config{TxTimeout: 50 * time.Millisecond})
	l := f.ledger
	l.SetAllowance(l.Reserve(), l.Account(), l.Curve(), units(100))
	release := l.Gate(chaintest.MethodBuy)
	defer release()

	_, err := f.orch.Submit(context.Background(), ActionBuy, f.instA, "1")
	require.NoError(t, err)

	seen := f.collect(t, tokA)
	last := seen[len(seen)-1]
	require.Equal(t, StatusError, last.Type)
	require.Equal(t, KindNetworkTimeout, last.Err.Kind)
	require.False(t, f.orch.Busy(tokA))
}

func TestSuccessResetsAfterDisplay(t *testing.T) {
	f := newFixture(t, Config{SuccessDisplay: 3 * time.Second})
	l := f.ledger
	l.SetAllowance(l.Reserve(), l.Account(), l.Curve(), units(100))

	_, err := f.orch.Submit(context.Background(), ActionBuy, f.instA, "1")
	require.NoError(t, err)
	seen := f.collect(t, tokA)
	require.Equal(t, StatusSuccess, seen[len(seen)-1].Type)

	f.clock.Add(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StatusSuccess, f.orch.Status(tokA).Type)

	f.clock.Add(time.Second)
	select {
	case s := <-f.statuses:
		require.Equal(t, StatusIdle, s.Type, "success only ever moves to idle")
		require.Equal(t, tokA, s.Instrument)
	case <-time.After(time.Second):
		t.Fatal("success was not reset")
	}
	require.Equal(t, StatusIdle, f.orch.Status(tokA).Type)
}

func TestNewRequestIsNotResetByOldTimer(t *testing.T) {
	f := newFixture(t, Config{})
	l := f.ledger
	l.SetAllowance(l.Reserve(), l.Account(), l.Curve(), units(100))

	_, err := f.orch.Submit(context.Background(), ActionBuy, f.instA, "1")
	require.NoError(t, err)
	f.collect(t, tokA)

	release := l.Gate(chaintest.MethodBuy)
	defer release()
	second, err := f.orch.Submit(context.Background(), ActionBuy, f.instA, "1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.orch.Status(tokA).RequestID == second
	}, time.Second, time.Millisecond)

	f.clock.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	s := f.orch.Status(tokA)
	require.Equal(t, StatusPending, s.Type)
	require.Equal(t, second, s.RequestID)
}

func TestReconcileRefreshesCacheAndClearsInput(t *testing.T) {
	f := newFixture(t, Config{})
	l := f.ledger
	owner := l.Account()

	// prime the cache so stale values would show if not refreshed
	f.cache.RefreshAll(context.Background(), tokA)
	f.orch.SetInput(tokA, "10")

	_, err := f.orch.Submit(context.Background(), ActionBuy, f.instA, "10")
	require.NoError(t, err)
	seen := f.collect(t, tokA)
	require.Equal(t, StatusSuccess, seen[len(seen)-1].Type)

	snap := f.cache.Snapshot(tokA)
	for _, kind := range []cache.FieldKind{cache.TokenBalance, cache.ReserveBalance, cache.ReserveAllowance} {
		e := snap.Entry(kind)
		require.False(t, e.Stale, kind.String())
	}
	require.Equal(t, units(10).String(), snap.TokenBalance.Value.String())
	require.Equal(t, units(950).String(), snap.ReserveBalance.Value.String())
	require.Equal(t, l.AllowanceOf(l.Reserve(), owner, l.Curve()).String(), snap.ReserveAllowance.Value.String())
	require.Empty(t, f.orch.Input(tokA))
}

func TestJournalRecordsLifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	j, err := storage.OpenPebbleJournal(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)
	defer j.Close()
	f.orch.WithJournal(j)

	id, err := f.orch.Submit(context.Background(), ActionBuy, f.instA, "1")
	require.NoError(t, err)
	f.collect(t, tokA)

	recs, err := j.Recent(f.ledger.Account(), 0)
	require.NoError(t, err)
	var phases []string
	for i := len(recs) - 1; i >= 0; i-- {
		require.Equal(t, id, recs[i].RequestID)
		phases = append(phases, recs[i].Phase)
	}
	require.Equal(t, []string{
		"submitted", "awaiting_approval", "approving", "awaiting_action",
		"executing", "reconciling", "succeeded",
	}, phases)
	require.Equal(t, "5", recs[0].Quote)
}
