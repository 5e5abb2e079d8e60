package trade

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"regexp"
	"strings"

	"github.com/harmony-one/bonding-curve-prototype/pkg/chain"
	"github.com/harmony-one/bonding-curve-prototype/pkg/crypto"
	"github.com/harmony-one/bonding-curve-prototype/pkg/token"
)

var (
	// ErrBusy rejects a request for an instrument that already has one in flight.
	ErrBusy = errors.New("a trade for this instrument is already in progress")
	// ErrQuoteUnavailable means the price could not be read yet; retry once the input settles.
	ErrQuoteUnavailable = errors.New("quote unavailable")
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindInputInvalid
	KindQuoteUnavailable
	KindInsufficientBalance
	KindUserRejected
	KindRemoteReverted
	KindNetworkTimeout
)

func (k Kind) String() string {
	switch k {
	case KindInputInvalid:
		return "input_invalid"
	case KindQuoteUnavailable:
		return "quote_unavailable"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindUserRejected:
		return "user_rejected"
	case KindRemoteReverted:
		return "remote_reverted"
	case KindNetworkTimeout:
		return "network_timeout"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for c := KindUnknown; c <= KindNetworkTimeout; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	*k = KindUnknown
	return nil
}

// Error is the structured cause carried by an error status.
// Reason is already sanitized for display.
type Error struct {
	Kind    Kind
	Op      string // step that failed: parse, balance, allowance, approve, buy, sell
	Reason  string
	DocsURL string
	Err     error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Reason
	}
	return e.Op + ": " + e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind    Kind   `json:"kind"`
		Op      string `json:"op,omitempty"`
		Reason  string `json:"reason"`
		DocsURL string `json:"docs_url,omitempty"`
	}{e.Kind, e.Op, e.Reason, e.DocsURL})
}

// IsKind reports whether err carries a *Error of kind k.
func IsKind(err error, k Kind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == k
}

func inputError(reason string, err error) *Error {
	return &Error{Kind: KindInputInvalid, Op: "parse", Reason: reason, Err: err}
}

// ParseQuantity parses a tradeable quantity. Anything that is not a positive
// amount in whole tokens fails with KindInputInvalid.
func ParseQuantity(text string) (*big.Int, error) {
	qty, err := token.ParseQuantity(text)
	if err != nil {
		return nil, inputError("Please enter a valid amount", err)
	}
	if qty.Sign() <= 0 {
		return nil, inputError("Amount must be greater than zero", nil)
	}
	return qty, nil
}

// classify maps a remote failure onto the error taxonomy.
func classify(op string, err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}

	e := &Error{Kind: KindUnknown, Op: op, Err: err}
	var re *chain.RevertError
	switch {
	case errors.Is(err, crypto.ErrUserRejected):
		e.Kind = KindUserRejected
		e.Reason = "User rejected the request."
	case errors.As(err, &re):
		e.Kind = KindRemoteReverted
		e.Reason, e.DocsURL = Sanitize(re.Reason)
		if e.Reason == "" {
			e.Reason = "Transaction reverted"
		}
	case errors.Is(err, context.DeadlineExceeded):
		e.Kind = KindNetworkTimeout
		e.Reason = "No response from the network in time"
	case errors.Is(err, context.Canceled):
		e.Reason = "Session closed"
	default:
		e.Reason, e.DocsURL = Sanitize(err.Error())
	}
	return e
}

var (
	reasonPattern   = regexp.MustCompile(`reason:\s*(.*?)(?:\n|Contract Call|$)`)
	revertedPattern = regexp.MustCompile(`execution reverted:? ?(.*?)(?:\n|$)`)
)

// Sanitize reduces a provider error message to the part worth showing: the
// revert reason when there is one, otherwise the first line. A trailing
// "Docs: <url>" reference is returned separately.
func Sanitize(msg string) (reason, docsURL string) {
	if i := strings.Index(msg, "Docs: "); i >= 0 {
		docsURL = strings.TrimSpace(strings.SplitN(msg[i+len("Docs: "):], "\n", 2)[0])
	}

	if strings.Contains(msg, "reverted") {
		if m := reasonPattern.FindStringSubmatch(msg); m != nil {
			return strings.TrimSpace(m[1]), docsURL
		}
		if m := revertedPattern.FindStringSubmatch(msg); m != nil && strings.TrimSpace(m[1]) != "" {
			return strings.TrimSpace(m[1]), docsURL
		}
	}

	line := strings.TrimSpace(strings.SplitN(msg, "\n", 2)[0])
	if i := strings.Index(line, "Docs: "); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	return line, docsURL
}
