package recon

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"agrisubsidy/services/subsidyd/ledger"
	"agrisubsidy/services/subsidyd/models"
	"agrisubsidy/services/subsidyd/store"
)

// Failure classes surfaced to callers. Ledger-stage classes mean the
// submission failed; ErrStoreWriteFailed means it was recorded on chain and
// the store is catching up.
var (
	ErrValidation           = errors.New("recon: validation failed")
	ErrLedgerRejected       = errors.New("recon: ledger submission rejected")
	ErrLedgerReverted       = errors.New("recon: ledger submission reverted")
	ErrLedgerTimeout        = errors.New("recon: ledger outcome not yet known")
	ErrLedgerUnavailable    = errors.New("recon: ledger unavailable")
	ErrStoreWriteFailed     = errors.New("recon: store write failed after ledger confirmation")
	ErrEvidenceUploadFailed = errors.New("recon: evidence upload failed")

	// ErrInFlight is returned when the same intent is already being processed.
	ErrInFlight = fmt.Errorf("recon: submission in flight: %w", store.ErrPreconditionFailed)
	// ErrIntentConflict is returned when an intent key is reused for a
	// different payload.
	ErrIntentConflict = errors.New("recon: intent key reused with a different payload")
	// ErrNotResumable is returned by Resume for intents that reached a
	// terminal failure.
	ErrNotResumable = errors.New("recon: intent is not resumable")
)

// Error classes persisted on the journal row.
const (
	classRejected    = "ledger_rejected"
	classReverted    = "ledger_reverted"
	classTimeout     = "ledger_timeout"
	classUnavailable = "ledger_unavailable"
	classDropped     = "ledger_dropped"
	classAbandoned   = "abandoned_before_broadcast"
	classJournal     = "journal_unavailable"
	classStore       = "store_write_failed"
	classConflict    = "precondition_failed"
)

// ValidationError rejects a request before any ledger interaction.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("recon: invalid %s: %s", e.Field, e.Reason)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// SubmissionError reports a failed or incomplete submission.
type SubmissionError struct {
	Class    error
	IntentID uuid.UUID
	State    models.IntentState
	TxHash   string
	Reason   string
	Err      error
}

func (e *SubmissionError) Error() string {
	msg := e.Class.Error()
	if e.IntentID != uuid.Nil {
		msg = fmt.Sprintf("%s (intent %s)", msg, e.IntentID)
	}
	if e.TxHash != "" {
		msg = fmt.Sprintf("%s (tx %s)", msg, e.TxHash)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap exposes the class and the cause.
func (e *SubmissionError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Class}
	}
	return []error{e.Class, e.Err}
}

// SyncPending reports whether the chain holds the submission but the store
// does not yet.
func (e *SubmissionError) SyncPending() bool {
	return errors.Is(e.Class, ErrStoreWriteFailed)
}

// AsSubmissionError extracts a SubmissionError from err.
func AsSubmissionError(err error) (*SubmissionError, bool) {
	var subErr *SubmissionError
	if errors.As(err, &subErr) {
		return subErr, true
	}
	return nil, false
}

// classifyLedger maps a ledger failure to a recon class and journal class.
// ambiguous reports that the transaction may still be mined.
func classifyLedger(err error) (class error, journal string, ambiguous bool) {
	txErr, ok := ledger.AsTxError(err)
	if !ok {
		return ErrLedgerUnavailable, classJournal, false
	}
	switch {
	case errors.Is(txErr.Kind, ledger.ErrRejectedByUser):
		return ErrLedgerRejected, classRejected, false
	case errors.Is(txErr.Kind, ledger.ErrRevertedOnChain):
		return ErrLedgerReverted, classReverted, false
	case errors.Is(txErr.Kind, ledger.ErrConfirmationTimeout):
		return ErrLedgerTimeout, classTimeout, true
	case txErr.Broadcast:
		return ErrLedgerTimeout, classTimeout, true
	default:
		return ErrLedgerUnavailable, classUnavailable, false
	}
}

// classError restores the failure class recorded on a journal row.
func classError(journal string) error {
	switch journal {
	case classRejected:
		return ErrLedgerRejected
	case classReverted:
		return ErrLedgerReverted
	case classTimeout:
		return ErrLedgerTimeout
	case classStore, classConflict:
		return ErrStoreWriteFailed
	default:
		return ErrLedgerUnavailable
	}
}
