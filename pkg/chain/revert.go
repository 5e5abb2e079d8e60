package chain

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const revertMarker = "execution reverted"

// RevertReason extracts the revert reason from a node error. It prefers the
// ABI-encoded Error(string) payload carried by JSON-RPC data errors and falls
// back to the "execution reverted: <reason>" text most nodes produce.
func RevertReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return reason, true
				}
			}
		}
	}

	msg := err.Error()
	i := strings.Index(msg, revertMarker)
	if i < 0 {
		return "", false
	}
	reason := strings.TrimLeft(msg[i+len(revertMarker):], ": ")
	return reason, true
}

// asRevert wraps err in a *RevertError when the node reported a revert.
func asRevert(err error) error {
	if err == nil {
		return nil
	}
	var re *RevertError
	if errors.As(err, &re) {
		return err
	}
	if reason, ok := RevertReason(err); ok {
		return &RevertError{Reason: reason, Err: err}
	}
	return err
}
