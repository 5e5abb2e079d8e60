package trade

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestProject(t *testing.T) {
	reverted := &Error{Kind: KindRemoteReverted, Op: "buy", Reason: "Insufficient reserve"}
	rejected := &Error{Kind: KindUserRejected, Op: "approve", Reason: "User rejected the request."}

	tests := []struct {
		name    string
		view    View
		typ     StatusType
		action  Action
		message string
	}{
		{"idle", View{Phase: PhaseIdle}, StatusIdle, ActionBuy, ""},
		{"buy awaiting approval", View{Phase: PhaseAwaitingApproval, Action: ActionBuy, Symbol: "AAA", ReserveSymbol: "ONE"}, StatusPending, ActionApprove, "Approving ONE..."},
		{"buy approving", View{Phase: PhaseApproving, Action: ActionBuy, Symbol: "AAA", ReserveSymbol: "ONE"}, StatusPending, ActionApprove, "Approving ONE..."},
		{"sell approving", View{Phase: PhaseApproving, Action: ActionSell, Symbol: "AAA", ReserveSymbol: "ONE"}, StatusPending, ActionApprove, "Approving AAA..."},
		{"buy after approval", View{Phase: PhaseAwaitingAction, Action: ActionBuy}, StatusPending, ActionBuy, "Buying tokens..."},
		{"buy executing", View{Phase: PhaseExecuting, Action: ActionBuy}, StatusPending, ActionBuy, "Buying tokens..."},
		{"sell executing", View{Phase: PhaseExecuting, Action: ActionSell}, StatusPending, ActionSell, "Selling tokens..."},
		{"reconciling", View{Phase: PhaseReconciling, Action: ActionSell}, StatusPending, ActionSell, "Selling tokens..."},
		{"success", View{Phase: PhaseSucceeded, Action: ActionSell}, StatusSuccess, ActionSell, "Transaction successful!"},
		{"trade failed", View{Phase: PhaseFailed, Action: ActionBuy, Cause: reverted}, StatusError, ActionBuy, "Insufficient reserve"},
		{"approval failed", View{Phase: PhaseFailed, Action: ActionBuy, Cause: rejected}, StatusError, ActionApprove, "User rejected the request."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Project(tt.view)
			require.Equal(t, tt.typ, s.Type)
			require.Equal(t, tt.action, s.Action)
			require.Equal(t, tt.message, s.Message)
			if tt.typ == StatusError {
				require.Same(t, tt.view.Cause, s.Err)
			} else {
				require.Nil(t, s.Err)
			}
		})
	}
}

func TestPhaseTerminal(t *testing.T) {
	for p := PhaseIdle; p <= PhaseFailed; p++ {
		want := p == PhaseSucceeded || p == PhaseFailed
		require.Equal(t, want, p.Terminal(), p.String())
	}
}

func TestReporter_DedupesAndFansOut(t *testing.T) {
	r := NewReporter()
	a := common.HexToAddress("0xaa")
	b := common.HexToAddress("0xbb")

	ch1, cancel1 := r.Subscribe(8)
	ch2, cancel2 := r.Subscribe(8)
	defer cancel2()

	pending := TradeStatus{Type: StatusPending, Action: ActionBuy, Message: "Buying tokens...", Instrument: a, RequestID: "r1"}
	require.True(t, r.Publish(pending))

	withHash := pending
	withHash.TxHash = "0x01"
	require.False(t, r.Publish(withHash), "same status is not re-sent")
	require.Equal(t, "0x01", r.Current(a).TxHash)

	require.True(t, r.Publish(TradeStatus{Type: StatusPending, Action: ActionSell, Message: "Selling tokens...", Instrument: b, RequestID: "r2"}))

	require.Equal(t, StatusPending, r.Current(a).Type)
	require.Equal(t, ActionSell, r.Current(b).Action)
	require.Len(t, r.All(), 2)

	for _, ch := range []<-chan TradeStatus{ch1, ch2} {
		require.Equal(t, a, (<-ch).Instrument)
		require.Equal(t, b, (<-ch).Instrument)
	}

	cancel1()
	_, open := <-ch1
	require.False(t, open)
	cancel1() // idempotent

	require.True(t, r.Publish(TradeStatus{Type: StatusIdle, Instrument: a}))
	require.Equal(t, StatusIdle, r.Current(a).Type)
	require.False(t, r.Publish(TradeStatus{Type: StatusIdle, Instrument: a}), "idle over idle is a no-op")

	select {
	case s := <-ch2:
		require.Equal(t, StatusIdle, s.Type)
	case <-time.After(time.Second):
		t.Fatal("idle status not delivered")
	}
}

func TestReporter_SlowSubscriberDoesNotBlock(t *testing.T) {
	r := NewReporter()
	_, cancel := r.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			r.Publish(TradeStatus{Type: StatusPending, Message: string(rune('a' + i)), Instrument: common.HexToAddress("0xaa")})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}
