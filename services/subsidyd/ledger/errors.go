package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Failure kinds. The client never retries a write on any of them.
var (
	// ErrRejectedByUser means the signer refused or could not sign.
	ErrRejectedByUser = errors.New("ledger: rejected by signer")
	// ErrRevertedOnChain means the contract rejected the call.
	ErrRevertedOnChain = errors.New("ledger: reverted on chain")
	// ErrConfirmationTimeout means the transaction was broadcast but its
	// outcome was not observed within the confirmation bound.
	ErrConfirmationTimeout = errors.New("ledger: confirmation timeout")
	// ErrNetworkUnavailable means the node could not be reached.
	ErrNetworkUnavailable = errors.New("ledger: network unavailable")
)

// TxError describes a failed submission.
type TxError struct {
	Kind   error
	TxHash common.Hash
	// Broadcast reports whether the signed transaction may have reached the
	// network. When true the outcome must be looked up, never assumed.
	Broadcast bool
	Reason    string
	Err       error
}

func (e *TxError) Error() string {
	msg := e.Kind.Error()
	if e.TxHash != (common.Hash{}) {
		msg = fmt.Sprintf("%s (tx %s)", msg, e.TxHash.Hex())
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause to errors.Is.
func (e *TxError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// AsTxError extracts a TxError from err.
func AsTxError(err error) (*TxError, bool) {
	var txErr *TxError
	if errors.As(err, &txErr) {
		return txErr, true
	}
	return nil, false
}
