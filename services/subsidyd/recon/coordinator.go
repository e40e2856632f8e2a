// Package recon reconciles the off-chain record store with the SubsidyRegistry
// ledger. Every submission is journaled as a SyncIntent that moves through
// INIT, LEDGER_PENDING, LEDGER_CONFIRMED, STORE_PENDING and STORE_CONFIRMED,
// with LEDGER_FAILED and STORE_FAILED_AFTER_LEDGER as failure exits.
package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"agrisubsidy/observability"
	telemetry "agrisubsidy/observability/otel"
	"agrisubsidy/services/subsidyd/actor"
	"agrisubsidy/services/subsidyd/evidence"
	"agrisubsidy/services/subsidyd/ledger"
	"agrisubsidy/services/subsidyd/models"
	"agrisubsidy/services/subsidyd/store"
)

// Recovery triggers recorded in metrics and logs.
const (
	TriggerSubmit   = "submit"
	TriggerRetry    = "retry"
	TriggerSweep    = "sweep"
	TriggerIndexer  = "indexer"
	TriggerOperator = "operator"
)

// Notification topics published to the Notifier.
const (
	TopicIntentUpdated     = "intent.updated"
	TopicClaimCreated      = "claim.created"
	TopicProgramActivated  = "program.activated"
	TopicClaimTransitioned = "claim.transitioned"
	TopicAuditAnomaly      = "audit.anomaly"
)

// ErrForbidden is returned when an actor acts on a record it does not own.
var ErrForbidden = errors.New("recon: actor may not act on this record")

// Notifier receives reconciliation notifications.
type Notifier interface {
	Publish(topic string, payload any)
}

// EvidenceVault stores uploaded evidence files.
type EvidenceVault interface {
	Put(claimID, name, contentType string, r io.Reader) (evidence.Object, error)
}

// Config wires a Coordinator.
type Config struct {
	Store    *store.Store
	Ledger   ledger.Client
	Vault    EvidenceVault
	Notifier Notifier
	Logger   *slog.Logger
	Metrics  *observability.SubsidydMetrics
	Now      func() time.Time

	// StoreRetries bounds the retries of a store write after ledger
	// confirmation.
	StoreRetries       int
	StoreRetryInterval time.Duration
	// StoreTimeout bounds a single store write attempt.
	StoreTimeout time.Duration
	// PendingGrace is how long an unbroadcast or unknown transaction is
	// given before it is treated as dropped.
	PendingGrace time.Duration
}

// Coordinator runs submissions and recoveries.
type Coordinator struct {
	store    *store.Store
	ledger   ledger.Client
	vault    EvidenceVault
	notifier Notifier
	logger   *slog.Logger
	metrics  *observability.SubsidydMetrics
	now      func() time.Time
	tracer   trace.Tracer

	storeRetries  int
	retryInterval time.Duration
	storeTimeout  time.Duration
	pendingGrace  time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
	group    singleflight.Group
}

// New validates cfg and returns a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("recon: store is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("recon: ledger client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	c := &Coordinator{
		store:         cfg.Store,
		ledger:        cfg.Ledger,
		vault:         cfg.Vault,
		notifier:      cfg.Notifier,
		logger:        logger,
		metrics:       cfg.Metrics,
		now:           now,
		tracer:        telemetry.Tracer("agrisubsidy/recon"),
		storeRetries:  cfg.StoreRetries,
		retryInterval: cfg.StoreRetryInterval,
		storeTimeout:  cfg.StoreTimeout,
		pendingGrace:  cfg.PendingGrace,
		inflight:      make(map[string]struct{}),
	}
	if c.storeRetries < 0 {
		c.storeRetries = 0
	} else if c.storeRetries == 0 {
		c.storeRetries = 5
	}
	if c.retryInterval <= 0 {
		c.retryInterval = 200 * time.Millisecond
	}
	if c.storeTimeout <= 0 {
		c.storeTimeout = 5 * time.Second
	}
	if c.pendingGrace <= 0 {
		c.pendingGrace = 10 * time.Minute
	}
	return c, nil
}

// Outcome describes the result of a submission or recovery.
type Outcome struct {
	IntentID       uuid.UUID          `json:"intent_id"`
	Key            string             `json:"key"`
	Kind           models.IntentKind  `json:"kind"`
	State          models.IntentState `json:"state"`
	TxHash         string             `json:"tx_hash,omitempty"`
	EmittedID      string             `json:"emitted_id,omitempty"`
	ConfirmedBlock uint64             `json:"confirmed_block,omitempty"`
	Digest         string             `json:"digest,omitempty"`
	Claim          *models.Claim      `json:"claim,omitempty"`
	Program        *models.Program    `json:"program,omitempty"`
	Replayed       bool               `json:"replayed,omitempty"`
	SyncPending    bool               `json:"sync_pending,omitempty"`
	EvidenceError  string             `json:"evidenceError,omitempty"`
}

func outcomeOf(in models.SyncIntent) Outcome {
	return Outcome{
		IntentID:       in.ID,
		Key:            in.Key,
		Kind:           in.Kind,
		State:          in.State,
		TxHash:         in.TxHash,
		EmittedID:      in.EmittedID,
		ConfirmedBlock: in.ConfirmedBlock,
		Digest:         in.Digest,
		SyncPending:    in.State == models.IntentStoreFailedAfterLedger,
	}
}

// EvidenceUpload is an evidence file supplied with a claim.
type EvidenceUpload struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// acquire marks key as in flight in this process.
func (c *Coordinator) acquire(key string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[key]; busy {
		return nil, ErrInFlight
	}
	c.inflight[key] = struct{}{}
	return func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
	}, nil
}

func (c *Coordinator) isInFlight(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, busy := c.inflight[key]
	return busy
}

func (c *Coordinator) intentLogger(in models.SyncIntent) *slog.Logger {
	return c.logger.With(
		slog.String("intent_key", in.Key),
		slog.String("intent_id", in.ID.String()),
		slog.String("kind", string(in.Kind)),
		slog.String("state", string(in.State)),
		slog.String("tx_hash", in.TxHash),
	)
}

func (c *Coordinator) publish(topic string, payload any) {
	if c.notifier != nil {
		c.notifier.Publish(topic, payload)
	}
}

// existing handles an OpenIntent hit. handled is false when the caller should
// run the returned intent from INIT.
func (c *Coordinator) existing(ctx context.Context, in models.SyncIntent) (models.SyncIntent, Outcome, bool, error) {
	switch in.State {
	case models.IntentInit:
		// Nothing was broadcast: the broadcast hook moves the intent out of
		// INIT before any send.
		return in, Outcome{}, false, nil
	case models.IntentLedgerFailed:
		if receipt, ok := c.landed(ctx, in); ok {
			c.intentLogger(in).Warn("failed intent has a recorded transaction; converging instead of resubmitting")
			j, err := c.jobFor(in)
			if err != nil {
				return in, outcomeOf(in), true, err
			}
			out, err := c.confirmLedger(ctx, in, j, receipt, []models.IntentState{models.IntentLedgerFailed})
			if err == nil {
				out.Replayed = true
			}
			return in, out, true, err
		}
		empty := ""
		rearmed, err := c.store.AdvanceIntent(ctx, in.ID, []models.IntentState{models.IntentLedgerFailed}, store.IntentPatch{
			State:      models.IntentInit,
			TxHash:     &empty,
			EmittedID:  &empty,
			ErrorClass: &empty,
			LastError:  &empty,
		})
		if err != nil {
			if errors.Is(err, store.ErrPreconditionFailed) {
				return in, Outcome{}, true, ErrInFlight
			}
			return in, Outcome{}, true, err
		}
		c.intentLogger(rearmed).Info("retrying failed submission")
		return rearmed, Outcome{}, false, nil
	default:
		out, err := c.resume(ctx, in, TriggerRetry)
		if err == nil {
			out.Replayed = true
		}
		return in, out, true, err
	}
}

// Resume drives a journaled intent towards a terminal state. Concurrent calls
// for the same intent share one execution.
func (c *Coordinator) Resume(ctx context.Context, id uuid.UUID, trigger string) (Outcome, error) {
	v, err, _ := c.group.Do(id.String(), func() (interface{}, error) {
		in, err := c.store.GetIntent(ctx, id)
		if err != nil {
			return Outcome{}, err
		}
		release, err := c.acquire(in.Key)
		if err != nil {
			return outcomeOf(in), err
		}
		defer release()
		out, err := c.resume(ctx, in, trigger)
		c.metrics.RecordRecovery(trigger, recoveryLabel(out, err))
		return out, err
	})
	out, _ := v.(Outcome)
	return out, err
}

func recoveryLabel(out Outcome, err error) string {
	switch {
	case err == nil:
		return strings.ToLower(string(out.State))
	case errors.Is(err, ErrLedgerTimeout), errors.Is(err, ErrInFlight):
		return "pending"
	case errors.Is(err, ErrNotResumable):
		return "terminal"
	default:
		return "error"
	}
}

// resume assumes the intent key is held by the caller.
func (c *Coordinator) resume(ctx context.Context, in models.SyncIntent, trigger string) (Outcome, error) {
	log := c.intentLogger(in).With(slog.String("trigger", trigger))
	switch in.State {
	case models.IntentStoreConfirmed:
		out := c.replay(ctx, in)
		out.Replayed = true
		return out, nil
	case models.IntentLedgerFailed:
		return outcomeOf(in), &SubmissionError{
			Class:    ErrNotResumable,
			IntentID: in.ID,
			State:    in.State,
			TxHash:   in.TxHash,
			Reason:   in.LastError,
			Err:      classError(in.ErrorClass),
		}
	}
	j, err := c.jobFor(in)
	if err != nil {
		return outcomeOf(in), err
	}
	switch in.State {
	case models.IntentInit:
		if c.now().Sub(in.UpdatedAt) < c.pendingGrace {
			return outcomeOf(in), &SubmissionError{Class: ErrLedgerTimeout, IntentID: in.ID, State: in.State, Reason: "submission not yet broadcast"}
		}
		log.Warn("abandoning submission that never broadcast")
		return c.markLedgerFailed(ctx, in, []models.IntentState{models.IntentInit}, classAbandoned, "abandoned before broadcast")
	case models.IntentLedgerPending:
		return c.resolvePending(ctx, in, j)
	case models.IntentLedgerConfirmed, models.IntentStorePending, models.IntentStoreFailedAfterLedger:
		log.Info("resuming store phase")
		return c.storePhase(ctx, in, j)
	default:
		return outcomeOf(in), fmt.Errorf("recon: intent %s has unknown state %q", in.ID, in.State)
	}
}

// resolvePending determines the outcome of a broadcast whose confirmation was
// not observed. It never resubmits.
func (c *Coordinator) resolvePending(ctx context.Context, in models.SyncIntent, j job) (Outcome, error) {
	log := c.intentLogger(in)
	if ev, ok := c.indexedConfirmation(ctx, in); ok {
		log.Info("ledger outcome resolved from indexed event", slog.String("event_id", ev.ID))
		receipt, err := receiptFromEvent(ev)
		if err == nil {
			return c.confirmLedger(ctx, in, j, receipt, []models.IntentState{models.IntentLedgerPending})
		}
		log.Warn("indexed event unusable", slog.String("error", err.Error()))
	}
	if in.TxHash == "" {
		return c.markLedgerFailed(ctx, in, []models.IntentState{models.IntentLedgerPending}, classDropped, "no transaction recorded")
	}
	res, err := c.ledger.Lookup(ctx, lookupRequest(in, j.kind))
	if err != nil {
		return outcomeOf(in), &SubmissionError{Class: ErrLedgerUnavailable, IntentID: in.ID, State: in.State, TxHash: in.TxHash, Reason: "receipt lookup failed", Err: err}
	}
	switch res.Status {
	case ledger.StatusConfirmed:
		return c.confirmLedger(ctx, in, j, *res.Receipt, []models.IntentState{models.IntentLedgerPending})
	case ledger.StatusReverted:
		out, err := c.markLedgerFailed(ctx, in, []models.IntentState{models.IntentLedgerPending}, classReverted, res.Reason)
		if err != nil {
			return out, err
		}
		return out, &SubmissionError{Class: ErrLedgerReverted, IntentID: in.ID, State: out.State, TxHash: in.TxHash, Reason: res.Reason}
	case ledger.StatusDropped:
		return c.dropped(ctx, in, res.Reason)
	case ledger.StatusUnknown:
		if c.now().Sub(in.UpdatedAt) >= c.pendingGrace {
			return c.dropped(ctx, in, res.Reason)
		}
	}
	return outcomeOf(in), &SubmissionError{Class: ErrLedgerTimeout, IntentID: in.ID, State: in.State, TxHash: in.TxHash, Reason: "transaction not yet confirmed"}
}

func (c *Coordinator) dropped(ctx context.Context, in models.SyncIntent, reason string) (Outcome, error) {
	if reason == "" {
		reason = "transaction dropped"
	}
	out, err := c.markLedgerFailed(ctx, in, []models.IntentState{models.IntentLedgerPending}, classDropped, reason)
	if err != nil {
		return out, err
	}
	return out, &SubmissionError{Class: ErrLedgerUnavailable, IntentID: in.ID, State: out.State, TxHash: in.TxHash, Reason: "transaction was not recorded on chain: " + reason}
}

// markLedgerFailed closes the intent as LEDGER_FAILED when it is still in one
// of from. An intent that another worker moved on is left alone and reported
// through movedOn.
func (c *Coordinator) markLedgerFailed(ctx context.Context, in models.SyncIntent, from []models.IntentState, class, reason string) (Outcome, error) {
	failed, err := c.store.AdvanceIntent(context.WithoutCancel(ctx), in.ID, from, store.IntentPatch{
		State:      models.IntentLedgerFailed,
		ErrorClass: &class,
		LastError:  &reason,
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrPreconditionFailed):
		c.intentLogger(failed).Warn("intent advanced elsewhere; not closing it", slog.String("class", class))
		return c.movedOn(ctx, failed)
	default:
		c.intentLogger(in).Error("journal ledger failure", slog.String("error", err.Error()))
		in.State = models.IntentLedgerFailed
		failed = in
	}
	c.metrics.RecordSubmission(string(in.Kind), class)
	out := outcomeOf(failed)
	c.publish(TopicIntentUpdated, out)
	return out, nil
}

// movedOn reports an intent that another worker advanced past the state this
// one expected. A finished intent replays; anything else is in flight.
func (c *Coordinator) movedOn(ctx context.Context, in models.SyncIntent) (Outcome, error) {
	if in.State == models.IntentStoreConfirmed {
		out := c.replay(ctx, in)
		out.Replayed = true
		return out, nil
	}
	return outcomeOf(in), &SubmissionError{
		Class:    ErrInFlight,
		IntentID: in.ID,
		State:    in.State,
		TxHash:   in.TxHash,
		Reason:   "intent is being processed by another worker",
	}
}

// diverged reports a confirmed transaction that the journal does not track.
// Writing it to the store would attach a second on-chain record to the intent.
func (c *Coordinator) diverged(in models.SyncIntent, hash string) (Outcome, error) {
	c.intentLogger(in).Error("confirmed transaction differs from the journaled one",
		slog.String("confirmed_tx", hash))
	return outcomeOf(in), &SubmissionError{
		Class:    ErrIntentConflict,
		IntentID: in.ID,
		State:    in.State,
		TxHash:   hash,
		Reason:   "journal tracks transaction " + in.TxHash,
	}
}

// landed looks for proof that the transaction of a failed intent was recorded
// after all: a store record carrying its hash or an indexed event.
func (c *Coordinator) landed(ctx context.Context, in models.SyncIntent) (ledger.Receipt, bool) {
	if in.TxHash == "" {
		return ledger.Receipt{}, false
	}
	receipt := ledger.Receipt{TxHash: common.HexToHash(in.TxHash), ConfirmedBlock: in.ConfirmedBlock}
	switch in.Kind {
	case models.IntentClaimSubmission:
		if claim, err := c.store.ClaimByTxHash(ctx, in.TxHash); err == nil {
			if id, ok := new(big.Int).SetString(claim.OnchainClaimID, 10); ok {
				receipt.EmittedID = id
				return receipt, true
			}
		}
	case models.IntentProgramActivation:
		program, err := c.store.GetProgram(ctx, in.ProgramID)
		if err == nil && program.OnchainID != nil && program.ActivationTxHash != nil && strings.EqualFold(*program.ActivationTxHash, in.TxHash) {
			if id, ok := new(big.Int).SetString(*program.OnchainID, 10); ok {
				receipt.EmittedID = id
				return receipt, true
			}
		}
	}
	if ev, ok := c.indexedConfirmation(ctx, in); ok {
		if r, err := receiptFromEvent(ev); err == nil {
			return r, true
		}
	}
	return ledger.Receipt{}, false
}

// execute runs the ledger and store phases for an intent in INIT.
func (c *Coordinator) execute(ctx context.Context, in models.SyncIntent) (Outcome, error) {
	j, err := c.jobFor(in)
	if err != nil {
		return outcomeOf(in), err
	}
	if err := ctx.Err(); err != nil {
		return outcomeOf(in), err
	}
	// The broadcast hook journals LEDGER_PENDING before the send; from then
	// on the caller can no longer cancel.
	ledgerCtx, span := c.tracer.Start(context.WithoutCancel(ctx), "recon.ledger",
		trace.WithAttributes(intentAttributes(in)...))
	start := c.now()
	journaled := false
	hook := func(hctx context.Context, b ledger.Broadcast) error {
		hash := strings.ToLower(b.TxHash.Hex())
		from := b.From.Hex()
		nonce := b.Nonce
		updated, err := c.store.AdvanceIntent(hctx, in.ID, []models.IntentState{models.IntentInit}, store.IntentPatch{
			State:       models.IntentLedgerPending,
			TxHash:      &hash,
			TxNonce:     &nonce,
			TxFrom:      &from,
			IncAttempts: true,
		})
		if err != nil {
			return err
		}
		in = updated
		journaled = true
		c.intentLogger(in).Info("ledger broadcast journaled", slog.Uint64("nonce", nonce))
		return nil
	}
	receipt, err := j.submit(ledgerCtx, ledger.WithBroadcastHook(hook))
	c.metrics.ObservePhase(string(in.Kind), "ledger", c.now().Sub(start))
	if err != nil {
		span.RecordError(err)
		span.End()
		return c.ledgerFailed(ctx, in, err, journaled)
	}
	span.End()
	return c.confirmLedger(ctx, in, j, receipt, []models.IntentState{models.IntentLedgerPending})
}

// ledgerFailed journals a failed submission. journaled reports whether this
// call's broadcast hook moved the intent to LEDGER_PENDING; without it nothing
// left this process and only INIT may be closed.
func (c *Coordinator) ledgerFailed(ctx context.Context, in models.SyncIntent, err error, journaled bool) (Outcome, error) {
	class, journal, ambiguous := classifyLedger(err)
	reason := ""
	if txErr, ok := ledger.AsTxError(err); ok {
		reason = txErr.Reason
		if in.TxHash == "" && txErr.TxHash != (common.Hash{}) {
			in.TxHash = strings.ToLower(txErr.TxHash.Hex())
		}
	}
	log := c.intentLogger(in)
	if ambiguous && journaled {
		msg := err.Error()
		updated, jerr := c.store.AdvanceIntent(context.WithoutCancel(ctx), in.ID, []models.IntentState{models.IntentLedgerPending}, store.IntentPatch{
			ErrorClass: &journal,
			LastError:  &msg,
		})
		if jerr == nil {
			in = updated
		}
		log.Warn("ledger outcome unknown; intent left pending for lookup", slog.String("error", msg))
		c.metrics.RecordSubmission(string(in.Kind), journal)
		out := outcomeOf(in)
		c.publish(TopicIntentUpdated, out)
		return out, &SubmissionError{Class: class, IntentID: in.ID, State: in.State, TxHash: in.TxHash, Reason: reason, Err: err}
	}
	log.Warn("ledger submission failed", slog.String("class", journal), slog.String("error", err.Error()))
	from := []models.IntentState{models.IntentInit}
	if journaled {
		from = []models.IntentState{models.IntentLedgerPending}
	}
	out, merr := c.markLedgerFailed(ctx, in, from, journal, err.Error())
	if merr != nil {
		return out, merr
	}
	return out, &SubmissionError{Class: class, IntentID: in.ID, State: out.State, TxHash: in.TxHash, Reason: reason, Err: err}
}

// confirmLedger journals a confirmed receipt and runs the store phase.
func (c *Coordinator) confirmLedger(ctx context.Context, in models.SyncIntent, j job, receipt ledger.Receipt, from []models.IntentState) (Outcome, error) {
	hash := strings.ToLower(receipt.TxHash.Hex())
	emitted := ""
	if receipt.EmittedID != nil {
		emitted = receipt.EmittedID.String()
	}
	block := receipt.ConfirmedBlock
	updated, err := c.store.AdvanceIntent(context.WithoutCancel(ctx), in.ID, from, store.IntentPatch{
		State:          models.IntentLedgerConfirmed,
		TxHash:         &hash,
		EmittedID:      &emitted,
		ConfirmedBlock: &block,
	})
	switch {
	case err == nil:
		in = updated
	case errors.Is(err, store.ErrPreconditionFailed):
		current := updated
		if current.TxHash != "" && current.TxHash != hash {
			return c.diverged(current, hash)
		}
		switch current.State {
		case models.IntentStoreConfirmed:
			return c.movedOn(ctx, current)
		case models.IntentLedgerConfirmed, models.IntentStorePending, models.IntentStoreFailedAfterLedger:
			// Another worker confirmed the same transaction; the store phase
			// is idempotent on its hash.
			in = current
		case models.IntentLedgerFailed:
			// A receipt outranks an earlier failure verdict on the same
			// transaction.
			empty := ""
			revived, rerr := c.store.AdvanceIntent(context.WithoutCancel(ctx), in.ID, []models.IntentState{models.IntentLedgerFailed}, store.IntentPatch{
				State:          models.IntentLedgerConfirmed,
				TxHash:         &hash,
				EmittedID:      &emitted,
				ConfirmedBlock: &block,
				ErrorClass:     &empty,
				LastError:      &empty,
			})
			if rerr != nil {
				if errors.Is(rerr, store.ErrPreconditionFailed) {
					return c.movedOn(ctx, revived)
				}
				return outcomeOf(current), rerr
			}
			c.intentLogger(revived).Warn("revived failed intent from confirmed receipt")
			in = revived
		default:
			return c.movedOn(ctx, current)
		}
	default:
		// The store phase below is idempotent on the tx hash, so it still
		// runs with the receipt held in memory.
		c.intentLogger(in).Warn("journal ledger confirmation", slog.String("error", err.Error()))
	}
	in.State = models.IntentLedgerConfirmed
	in.TxHash, in.EmittedID, in.ConfirmedBlock = hash, emitted, block
	c.intentLogger(in).Info("ledger submission confirmed", slog.String("emitted_id", emitted), slog.Uint64("block", block))
	return c.storePhase(ctx, in, j)
}

func (c *Coordinator) replay(ctx context.Context, in models.SyncIntent) Outcome {
	out := outcomeOf(in)
	switch in.Kind {
	case models.IntentClaimSubmission:
		var (
			claim models.Claim
			err   error
		)
		if in.RecordID != nil {
			claim, err = c.store.GetClaim(ctx, *in.RecordID)
		} else {
			claim, err = c.store.ClaimByTxHash(ctx, in.TxHash)
		}
		if err == nil {
			out.Claim = &claim
		}
	case models.IntentProgramActivation:
		if program, err := c.store.GetProgram(ctx, in.ProgramID); err == nil {
			out.Program = &program
		}
	}
	return out
}

// SubmitClaim validates req, commits its digest on chain and records the claim.
// Evidence, when supplied, is stored after the claim exists; an evidence
// failure is reported in Outcome.EvidenceError and does not fail the call.
func (c *Coordinator) SubmitClaim(ctx context.Context, a actor.Actor, req ClaimRequest) (Outcome, error) {
	payload, hash, err := c.validateClaim(ctx, a, req)
	if err != nil {
		return Outcome{}, err
	}
	key := claimKey(a.ID, req.Key, hash.Hex())
	release, err := c.acquire(key)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	raw, err := json.Marshal(payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("recon: encode claim payload: %w", err)
	}
	in, created, err := c.store.OpenIntent(ctx, models.SyncIntent{
		Key:       key,
		Kind:      models.IntentClaimSubmission,
		ProgramID: payload.ProgramID,
		ActorID:   a.ID,
		Payload:   string(raw),
		Digest:    hash.Hex(),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("recon: open intent: %w", err)
	}
	var out Outcome
	if !created {
		var prior claimPayload
		if err := json.Unmarshal([]byte(in.Payload), &prior); err != nil {
			return Outcome{}, fmt.Errorf("recon: decode intent %s payload: %w", in.ID, err)
		}
		if !prior.sameRequest(payload, !req.SubmittedAt.IsZero()) {
			return outcomeOf(in), ErrIntentConflict
		}
		var handled bool
		in, out, handled, err = c.existing(ctx, in)
		if handled {
			if err != nil {
				return out, err
			}
			return c.withEvidence(ctx, a.ID, out, req.Evidence), nil
		}
	}
	out, err = c.execute(ctx, in)
	if err != nil {
		return out, err
	}
	return c.withEvidence(ctx, a.ID, out, req.Evidence), nil
}

func (c *Coordinator) withEvidence(ctx context.Context, actorID string, out Outcome, upload *EvidenceUpload) Outcome {
	if upload == nil || out.Claim == nil {
		return out
	}
	if out.Claim.EvidenceRef != nil {
		return out
	}
	claim, err := c.attachEvidence(context.WithoutCancel(ctx), actorID, *out.Claim, *upload)
	if err != nil {
		c.logger.Warn("evidence upload failed after claim creation",
			slog.String("claim_id", out.Claim.ID.String()),
			slog.String("error", err.Error()))
		out.EvidenceError = err.Error()
		return out
	}
	out.Claim = &claim
	return out
}

// RetryEvidence attaches evidence to an existing claim.
func (c *Coordinator) RetryEvidence(ctx context.Context, a actor.Actor, claimID uuid.UUID, upload EvidenceUpload) (models.Claim, error) {
	claim, err := c.store.GetClaim(ctx, claimID)
	if err != nil {
		return models.Claim{}, err
	}
	if a.Role == actor.RoleFarmer && claim.FarmerID != a.ID {
		return models.Claim{}, ErrForbidden
	}
	return c.attachEvidence(ctx, a.ID, claim, upload)
}

func (c *Coordinator) attachEvidence(ctx context.Context, actorID string, claim models.Claim, upload EvidenceUpload) (models.Claim, error) {
	if c.vault == nil {
		return claim, fmt.Errorf("%w: evidence storage is not configured", ErrEvidenceUploadFailed)
	}
	if upload.Body == nil {
		return claim, fmt.Errorf("%w: empty upload", ErrEvidenceUploadFailed)
	}
	obj, err := c.vault.Put(claim.ID.String(), upload.Name, upload.ContentType, upload.Body)
	if err != nil {
		return claim, fmt.Errorf("%w: %w", ErrEvidenceUploadFailed, err)
	}
	updated, err := c.store.AttachEvidence(ctx, claim.ID, store.Evidence{
		Ref:         obj.Ref,
		Name:        obj.Name,
		ContentType: obj.ContentType,
	}, actorID)
	if err != nil {
		return claim, fmt.Errorf("%w: %w", ErrEvidenceUploadFailed, err)
	}
	return updated, nil
}

// ActivateProgram creates the program on chain and marks it ACTIVE with the
// emitted on-chain id.
func (c *Coordinator) ActivateProgram(ctx context.Context, a actor.Actor, req ActivationRequest) (Outcome, error) {
	program, payload, err := c.validateActivation(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	releaseProgram, err := c.acquire("program:" + program.ID.String())
	if err != nil {
		return Outcome{}, err
	}
	defer releaseProgram()

	key := activationKey(program.ID, req.Key)
	if other, ok := c.openActivation(ctx, program.ID, key); ok {
		// Another activation of this program already reached the ledger;
		// converge it instead of creating a second on-chain program.
		release, err := c.acquire(other.Key)
		if err != nil {
			return outcomeOf(other), err
		}
		defer release()
		return c.resume(ctx, other, TriggerRetry)
	}
	release, err := c.acquire(key)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	raw, err := json.Marshal(payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("recon: encode activation payload: %w", err)
	}
	in, created, err := c.store.OpenIntent(ctx, models.SyncIntent{
		Key:       key,
		Kind:      models.IntentProgramActivation,
		ProgramID: program.ID,
		ActorID:   a.ID,
		Payload:   string(raw),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("recon: open intent: %w", err)
	}
	if !created {
		var prior activationPayload
		if err := json.Unmarshal([]byte(in.Payload), &prior); err != nil {
			return Outcome{}, fmt.Errorf("recon: decode intent %s payload: %w", in.ID, err)
		}
		if prior != payload {
			return outcomeOf(in), ErrIntentConflict
		}
		var (
			out     Outcome
			handled bool
		)
		in, out, handled, err = c.existing(ctx, in)
		if handled {
			return out, err
		}
	}
	if program.Status != models.ProgramDraft {
		out, err := c.markLedgerFailed(ctx, in, []models.IntentState{models.IntentInit}, classConflict, "program already active")
		if err != nil {
			return out, err
		}
		return out, fmt.Errorf("%w: program %s is already active", store.ErrPreconditionFailed, program.ID)
	}
	return c.execute(ctx, in)
}

// openActivation returns an activation intent for the program, other than key,
// that reached the ledger and is not finished.
func (c *Coordinator) openActivation(ctx context.Context, programID uuid.UUID, key string) (models.SyncIntent, bool) {
	intents, err := c.store.ListIntents(ctx, store.IntentFilter{
		Kind:      models.IntentProgramActivation,
		ProgramID: programID,
		States: []models.IntentState{
			models.IntentLedgerPending,
			models.IntentLedgerConfirmed,
			models.IntentStorePending,
			models.IntentStoreFailedAfterLedger,
		},
	})
	if err != nil {
		c.logger.Warn("list activation intents", slog.String("program_id", programID.String()), slog.String("error", err.Error()))
		return models.SyncIntent{}, false
	}
	for _, in := range intents {
		if in.Key != key && in.ErrorClass != classConflict {
			return in, true
		}
	}
	return models.SyncIntent{}, false
}
