package session

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/harmony-one/bonding-curve-prototype/params"
	"github.com/harmony-one/bonding-curve-prototype/pkg/chain/chaintest"
	"github.com/harmony-one/bonding-curve-prototype/pkg/storage"
	"github.com/harmony-one/bonding-curve-prototype/pkg/token"
	"github.com/harmony-one/bonding-curve-prototype/pkg/trade"
)

var (
	tokA  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	ether = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), ether)
}

func testOptions() Options {
	return Options{
		Engine: params.Engine{
			ResyncInterval: time.Hour,
			SuccessDisplay: time.Hour,
			TxTimeout:      2 * time.Second,
			QuoteTimeout:   time.Second,
		},
		ReserveSymbol: "ONE",
	}
}

func newLedger(account common.Address) *chaintest.Ledger {
	l := chaintest.New()
	l.SetAccount(account)
	l.AddInstrument(tokA, "AAA", units(2))
	l.SetBalance(l.Reserve(), account, units(100))
	return l
}

func waitTerminal(t *testing.T, ch <-chan trade.TradeStatus) trade.TradeStatus {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case s := <-ch:
			if s.Type == trade.StatusSuccess || s.Type == trade.StatusError {
				return s
			}
		case <-timeout:
			t.Fatal("no terminal status")
		}
	}
}

func TestSession_SubmitTradeUpdatesSnapshot(t *testing.T) {
	l := newLedger(chaintest.DefaultAccount)
	s := New(l, testOptions(), nil)
	s.Start()
	defer s.Close()
	ch, cancel := s.Subscribe(16)
	defer cancel()

	q, err := s.Quote(context.Background(), trade.ActionBuy, tokA, "3")
	require.NoError(t, err)
	require.Equal(t, units(6).String(), q.Amount.String())
	require.Equal(t, "3", s.orchestrator.Input(tokA))

	_, err = s.SubmitTrade(context.Background(), trade.ActionBuy, tokA, "3")
	require.NoError(t, err)
	final := waitTerminal(t, ch)
	require.Equal(t, trade.StatusSuccess, final.Type)
	require.Equal(t, final, s.CurrentStatus(tokA))

	snap := s.CurrentSnapshot(tokA)
	require.Equal(t, units(3).String(), snap.TokenBalance.Value.String())
	require.Equal(t, units(94).String(), snap.ReserveBalance.Value.String())
	require.Empty(t, s.orchestrator.Input(tokA))
	_, ok := s.board.Latest(tokA)
	require.False(t, ok, "displayed quote is cleared after the trade")
}

func TestSession_UnknownInstrument(t *testing.T) {
	s := New(newLedger(chaintest.DefaultAccount), testOptions(), nil)
	defer s.Close()

	_, err := s.SubmitTrade(context.Background(), trade.ActionBuy, common.HexToAddress("0xdead"), "1")
	require.ErrorIs(t, err, ErrUnknownInstrument)
}

func TestSession_InstrumentsListedOncePerInterval(t *testing.T) {
	l := newLedger(chaintest.DefaultAccount)
	s := New(l, testOptions(), nil)
	defer s.Close()

	for i := 0; i < 3; i++ {
		list, err := s.Instruments(context.Background())
		require.NoError(t, err)
		require.Len(t, list, 1)
	}
	require.Equal(t, 1, l.Calls(chaintest.MethodList))

	// a listing added later is found by reloading on a miss
	tokB := common.HexToAddress("0xbb")
	l.AddInstrument(tokB, "BBB", units(1))
	inst, err := s.Instrument(context.Background(), tokB)
	require.NoError(t, err)
	require.Equal(t, "BBB", inst.Symbol)
	require.Equal(t, 2, l.Calls(chaintest.MethodList))
}

func TestSession_OnlyListedInstrumentsAreResynced(t *testing.T) {
	s := New(newLedger(chaintest.DefaultAccount), testOptions(), nil)
	defer s.Close()
	ctx := context.Background()
	_, err := s.Instruments(ctx)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		s.CurrentSnapshot(common.BigToAddress(big.NewInt(int64(0x1000 + i))))
	}
	require.Empty(t, s.cache.Tracked())

	_, err = s.RefreshSnapshot(ctx, common.HexToAddress("0xdead"))
	require.ErrorIs(t, err, ErrUnknownInstrument)
	require.Empty(t, s.cache.Tracked())

	s.CurrentSnapshot(tokA)
	require.Equal(t, []common.Address{tokA}, s.cache.Tracked())
}

func TestSession_DelistedInstrumentIsEvicted(t *testing.T) {
	l := newLedger(chaintest.DefaultAccount)
	l.SetBalance(tokA, l.Account(), units(4))
	mock := clock.NewMock()
	opts := testOptions()
	opts.Clock = mock
	s := New(l, opts, nil)
	defer s.Close()
	ctx := context.Background()

	snap, err := s.RefreshSnapshot(ctx, tokA)
	require.NoError(t, err)
	require.Equal(t, units(4).String(), snap.TokenBalance.Value.String())
	require.Equal(t, []common.Address{tokA}, s.cache.Tracked())

	l.RemoveInstrument(tokA)
	mock.Add(opts.Engine.ResyncInterval)
	list, err := s.Instruments(ctx)
	require.NoError(t, err)
	require.Empty(t, list)

	require.Empty(t, s.cache.Tracked())
	require.False(t, s.CurrentSnapshot(tokA).TokenBalance.Known())
	require.Empty(t, s.cache.Tracked())
}

func TestSession_ListingSurvivesCallerCancel(t *testing.T) {
	l := newLedger(chaintest.DefaultAccount)
	l.SetReadDelay(100 * time.Millisecond)
	s := New(l, testOptions(), nil)
	defer s.Close()

	first, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := s.Instruments(first)
		errs <- err
	}()
	require.Eventually(t, func() bool {
		return l.Calls(chaintest.MethodList) == 1
	}, time.Second, time.Millisecond)

	joined := make(chan []token.Instrument, 1)
	go func() {
		list, _ := s.Instruments(context.Background())
		joined <- list
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	require.NoError(t, <-errs)
	require.Len(t, <-joined, 1)
	require.Equal(t, 1, l.Calls(chaintest.MethodList))
}

func TestSession_QuoteRejectsBadInput(t *testing.T) {
	l := newLedger(chaintest.DefaultAccount)
	s := New(l, testOptions(), nil)
	defer s.Close()

	_, err := s.Quote(context.Background(), trade.ActionSell, tokA, "-2")
	require.True(t, trade.IsKind(err, trade.KindInputInvalid))
	require.Zero(t, l.Calls(chaintest.MethodGetRefund))

	l.FailRead(chaintest.MethodGetRefund, context.DeadlineExceeded)
	_, err = s.Quote(context.Background(), trade.ActionSell, tokA, "2")
	require.ErrorIs(t, err, trade.ErrQuoteUnavailable)
}

func TestSession_HistoryFromJournal(t *testing.T) {
	j, err := storage.OpenPebbleJournal(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)
	defer j.Close()

	opts := testOptions()
	opts.Journal = j
	s := New(newLedger(chaintest.DefaultAccount), opts, nil)
	defer s.Close()
	ch, cancel := s.Subscribe(16)
	defer cancel()

	id, err := s.SubmitTrade(context.Background(), trade.ActionBuy, tokA, "1")
	require.NoError(t, err)
	waitTerminal(t, ch)

	recs, err := s.History(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, id, recs[0].RequestID)
	require.Equal(t, "succeeded", recs[0].Phase)
}

func TestManager_SwitchBuildsFreshSession(t *testing.T) {
	m := NewManager(testOptions(), nil)
	defer m.Close()

	_, err := m.Current()
	require.ErrorIs(t, err, ErrNoSession)

	ch, cancel := m.Subscribe(16)
	defer cancel()

	alice := common.HexToAddress("0xa11ce")
	first := m.Switch(newLedger(alice))
	_, err = first.SubmitTrade(context.Background(), trade.ActionBuy, tokA, "1")
	require.NoError(t, err)
	require.Equal(t, trade.StatusSuccess, waitTerminal(t, ch).Type)
	require.NotNil(t, first.CurrentSnapshot(tokA).TokenBalance.Value)

	bob := common.HexToAddress("0xb0b")
	second := m.Switch(newLedger(bob))
	require.NotSame(t, first, second)
	cur, err := m.Current()
	require.NoError(t, err)
	require.Equal(t, bob, cur.Account())

	// nothing from the previous account carries over
	require.Equal(t, trade.StatusIdle, cur.CurrentStatus(tokA).Type)
	require.False(t, cur.CurrentSnapshot(tokA).TokenBalance.Known())

	// subscribers keep receiving from the new session
	_, err = cur.SubmitTrade(context.Background(), trade.ActionBuy, tokA, "1")
	require.NoError(t, err)
	final := waitTerminal(t, ch)
	require.Equal(t, trade.StatusSuccess, final.Type)
	require.Equal(t, cur.CurrentStatus(tokA).RequestID, final.RequestID)
}
