// Package ledger submits program and claim transactions to the SubsidyRegistry
// contract and waits for their confirmation.
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Kind selects which emitted id a receipt carries.
type Kind string

// Submission kinds.
const (
	KindProgram Kind = "program"
	KindClaim   Kind = "claim"
)

// ProgramParams are the validated inputs of createProgram.
type ProgramParams struct {
	OffchainID string
	AmountWei  *big.Int
	MaxCapWei  *big.Int
}

// Receipt is a confirmed submission.
type Receipt struct {
	TxHash         common.Hash
	ConfirmedBlock uint64
	EmittedID      *big.Int
	From           common.Address
	Nonce          uint64
}

// Broadcast describes a signed transaction about to be sent.
type Broadcast struct {
	TxHash common.Hash
	From   common.Address
	Nonce  uint64
}

// BroadcastHook runs after signing and before sending. Returning an error
// aborts the send.
type BroadcastHook func(ctx context.Context, b Broadcast) error

type submitOptions struct {
	hook BroadcastHook
}

// SubmitOption customises a single submission.
type SubmitOption func(*submitOptions)

// WithBroadcastHook registers a hook run before the transaction is sent.
func WithBroadcastHook(hook BroadcastHook) SubmitOption {
	return func(o *submitOptions) { o.hook = hook }
}

// HookFrom returns the broadcast hook set by opts, or a no-op hook.
// Client implementations call it before sending.
func HookFrom(opts []SubmitOption) BroadcastHook {
	var options submitOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.hook == nil {
		return func(context.Context, Broadcast) error { return nil }
	}
	return options.hook
}

// LookupStatus is the observed state of a previously broadcast transaction.
type LookupStatus string

// Lookup outcomes.
const (
	StatusConfirmed LookupStatus = "confirmed"
	StatusReverted  LookupStatus = "reverted"
	StatusPending   LookupStatus = "pending"
	// StatusDropped means the transaction is unknown to the node and cannot be
	// mined any more, so a fresh submission is safe.
	StatusDropped LookupStatus = "dropped"
	// StatusUnknown means the node does not know the transaction and the
	// sender nonce gives no proof either way.
	StatusUnknown LookupStatus = "unknown"
)

// LookupRequest identifies a transaction to resolve.
type LookupRequest struct {
	TxHash common.Hash
	From   common.Address
	Nonce  *uint64
	Kind   Kind
}

// LookupResult is the resolution of a LookupRequest.
type LookupResult struct {
	Status  LookupStatus
	Receipt *Receipt
	Reason  string
}

// Client is the ledger surface used by the reconciliation core.
type Client interface {
	SubmitProgramCreation(ctx context.Context, params ProgramParams, opts ...SubmitOption) (Receipt, error)
	SubmitClaim(ctx context.Context, programOnchainID *big.Int, metadataDigest common.Hash, opts ...SubmitOption) (Receipt, error)
	Lookup(ctx context.Context, req LookupRequest) (LookupResult, error)
}
