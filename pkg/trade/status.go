package trade

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Action string

const (
	ActionBuy     Action = "buy"
	ActionSell    Action = "sell"
	ActionApprove Action = "approve"
)

type StatusType string

const (
	StatusIdle    StatusType = "idle"
	StatusPending StatusType = "pending"
	StatusSuccess StatusType = "success"
	StatusError   StatusType = "error"
)

// Phase is the orchestrator's internal state for one instrument.
type Phase uint8

const (
	PhaseIdle             Phase = iota
	PhaseAwaitingApproval       // approval built, waiting for the signer
	PhaseApproving              // approval broadcast, waiting for confirmation
	PhaseAwaitingAction         // approval confirmed, trade being signed
	PhaseExecuting              // trade broadcast, waiting for confirmation
	PhaseReconciling            // trade confirmed, refreshing balances
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingApproval:
		return "awaiting_approval"
	case PhaseApproving:
		return "approving"
	case PhaseAwaitingAction:
		return "awaiting_action"
	case PhaseExecuting:
		return "executing"
	case PhaseReconciling:
		return "reconciling"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

const successMessage = "Transaction successful!"

// TradeStatus is what a presentation layer shows for one instrument.
type TradeStatus struct {
	Type       StatusType     `json:"type"`
	Action     Action         `json:"action"`
	Message    string         `json:"message,omitempty"`
	Err        *Error         `json:"error,omitempty"`
	Instrument common.Address `json:"instrument"`
	RequestID  string         `json:"request_id,omitempty"`
	TxHash     string         `json:"tx_hash,omitempty"`
	At         time.Time      `json:"at"`
}

// View is the orchestrator state a status is projected from.
type View struct {
	Phase         Phase
	Action        Action // buy or sell
	Symbol        string // instrument symbol
	ReserveSymbol string
	Cause         *Error
}

// Project maps an orchestrator state to its status. Buy, sell and the
// approval step share one vocabulary.
func Project(v View) TradeStatus {
	action := v.Action
	if action == "" {
		action = ActionBuy
	}

	switch v.Phase {
	case PhaseAwaitingApproval, PhaseApproving:
		sym := v.ReserveSymbol
		if action == ActionSell {
			sym = v.Symbol
		}
		return TradeStatus{Type: StatusPending, Action: ActionApprove, Message: "Approving " + sym + "..."}
	case PhaseAwaitingAction, PhaseExecuting, PhaseReconciling:
		msg := "Buying tokens..."
		if action == ActionSell {
			msg = "Selling tokens..."
		}
		return TradeStatus{Type: StatusPending, Action: action, Message: msg}
	case PhaseSucceeded:
		return TradeStatus{Type: StatusSuccess, Action: action, Message: successMessage}
	case PhaseFailed:
		s := TradeStatus{Type: StatusError, Action: action, Err: v.Cause}
		if v.Cause != nil {
			if v.Cause.Op == string(ActionApprove) {
				s.Action = ActionApprove
			}
			s.Message = v.Cause.Reason
		}
		return s
	default:
		return TradeStatus{Type: StatusIdle, Action: action}
	}
}

func sameStatus(a, b TradeStatus) bool {
	return a.Type == b.Type && a.Action == b.Action && a.Message == b.Message && a.RequestID == b.RequestID
}

// Reporter keeps the live status per instrument and fans changes out to
// subscribers. Slow subscribers miss updates rather than block the engine.
type Reporter struct {
	mu      sync.Mutex
	current map[common.Address]TradeStatus
	subs    map[uint64]chan TradeStatus
	nextID  uint64
}

func NewReporter() *Reporter {
	return &Reporter{
		current: make(map[common.Address]TradeStatus),
		subs:    make(map[uint64]chan TradeStatus),
	}
}

// Publish records s as the instrument's live status. It returns false when s
// repeats the current status and nothing was sent.
func (r *Reporter) Publish(s TradeStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.current[s.Instrument]
	if !ok && s.Type == StatusIdle {
		return false
	}
	if ok && sameStatus(cur, s) {
		// keep details such as the tx hash current without re-sending
		cur.TxHash = s.TxHash
		r.current[s.Instrument] = cur
		return false
	}
	if s.Type == StatusIdle {
		delete(r.current, s.Instrument)
	} else {
		r.current[s.Instrument] = s
	}
	for _, ch := range r.subs {
		select {
		case ch <- s:
		default:
		}
	}
	return true
}

// Current returns the live status of instrument (idle when none).
func (r *Reporter) Current(instrument common.Address) TradeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.current[instrument]; ok {
		return s
	}
	return TradeStatus{Type: StatusIdle, Action: ActionBuy, Instrument: instrument}
}

// All returns every non-idle status.
func (r *Reporter) All() []TradeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TradeStatus, 0, len(r.current))
	for _, s := range r.current {
		out = append(out, s)
	}
	return out
}

// Subscribe returns a channel receiving every published status and a func
// that ends the subscription and closes the channel.
func (r *Reporter) Subscribe(buffer int) (<-chan TradeStatus, func()) {
	ch := make(chan TradeStatus, buffer)
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}
