package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"agrisubsidy/services/subsidyd/actor"
	"agrisubsidy/services/subsidyd/contract"
	"agrisubsidy/services/subsidyd/digest"
	"agrisubsidy/services/subsidyd/ledger"
	"agrisubsidy/services/subsidyd/models"
	"agrisubsidy/services/subsidyd/store"
	"agrisubsidy/services/subsidyd/units"
)

// ClaimRequest is a farmer's claim submission.
type ClaimRequest struct {
	// Key identifies the logical submission. Retries with the same key never
	// submit on chain twice. Empty derives a key from the metadata digest.
	Key       string
	ProgramID uuid.UUID
	AmountWei string
	Remarks   string
	// SubmittedAt defaults to the current time.
	SubmittedAt time.Time
	Evidence    *EvidenceUpload
}

// ActivationRequest activates a DRAFT program.
type ActivationRequest struct {
	Key       string
	ProgramID uuid.UUID
}

type claimPayload struct {
	ProgramID        uuid.UUID `json:"program_id"`
	ProgramOnchainID string    `json:"program_onchain_id"`
	FarmerID         string    `json:"farmer_id"`
	AmountWei        string    `json:"amount_wei"`
	Remarks          string    `json:"remarks"`
	SubmittedAt      int64     `json:"submitted_at"`
}

// sameRequest compares the caller-supplied fields. The timestamp only counts
// when the caller supplied one.
func (p claimPayload) sameRequest(other claimPayload, withTimestamp bool) bool {
	if withTimestamp && p.SubmittedAt != other.SubmittedAt {
		return false
	}
	return p.ProgramID == other.ProgramID &&
		p.FarmerID == other.FarmerID &&
		p.AmountWei == other.AmountWei &&
		p.Remarks == other.Remarks
}

func (p claimPayload) metadata() digest.Metadata {
	return digest.Metadata{
		AmountWei:        p.AmountWei,
		Remarks:          p.Remarks,
		ProgramID:        p.ProgramID.String(),
		ProgramOnchainID: p.ProgramOnchainID,
		SubmittedAt:      p.SubmittedAt,
	}
}

type activationPayload struct {
	ProgramID uuid.UUID `json:"program_id"`
	AmountWei string    `json:"amount_wei"`
	MaxCapWei string    `json:"max_cap_wei"`
}

func claimKey(actorID, key, digestHex string) string {
	if k := strings.TrimSpace(key); k != "" {
		return "claim:" + actorID + ":" + k
	}
	return "claim:" + actorID + ":" + strings.ToLower(digestHex)
}

func activationKey(programID uuid.UUID, key string) string {
	if k := strings.TrimSpace(key); k != "" {
		return "program:" + programID.String() + ":activate:" + k
	}
	return "program:" + programID.String() + ":activate"
}

func (c *Coordinator) validateClaim(ctx context.Context, a actor.Actor, req ClaimRequest) (claimPayload, common.Hash, error) {
	if strings.TrimSpace(a.ID) == "" {
		return claimPayload{}, common.Hash{}, &ValidationError{Field: "actor", Reason: "required"}
	}
	program, err := c.store.GetProgram(ctx, req.ProgramID)
	if errors.Is(err, store.ErrNotFound) {
		return claimPayload{}, common.Hash{}, &ValidationError{Field: "program", Reason: "not found"}
	}
	if err != nil {
		return claimPayload{}, common.Hash{}, err
	}
	if program.Status != models.ProgramActive || program.OnchainID == nil {
		return claimPayload{}, common.Hash{}, &ValidationError{Field: "program", Reason: "not active"}
	}
	amount, err := units.ParseWei(req.AmountWei)
	if err != nil || amount.IsZero() {
		return claimPayload{}, common.Hash{}, &ValidationError{Field: "amount", Reason: "must be a positive wei amount"}
	}
	maxCap, err := units.ParseWei(program.MaxCapWei)
	if err != nil {
		return claimPayload{}, common.Hash{}, fmt.Errorf("recon: program %s max cap: %w", program.ID, err)
	}
	if amount.Gt(maxCap) {
		return claimPayload{}, common.Hash{}, &ValidationError{
			Field:  "amount",
			Reason: fmt.Sprintf("%s ETH exceeds the program cap of %s ETH", units.FormatEther(amount), units.FormatEther(maxCap)),
		}
	}
	if err := checkEligibility(program.Eligibility, a.Farm); err != nil {
		return claimPayload{}, common.Hash{}, err
	}
	submitted := req.SubmittedAt
	if submitted.IsZero() {
		submitted = c.now()
	}
	payload := claimPayload{
		ProgramID:        program.ID,
		ProgramOnchainID: *program.OnchainID,
		FarmerID:         a.ID,
		AmountWei:        amount.Dec(),
		Remarks:          strings.TrimSpace(req.Remarks),
		SubmittedAt:      submitted.Unix(),
	}
	hash, err := payload.metadata().Digest()
	if err != nil {
		var encErr *digest.EncodingError
		if errors.As(err, &encErr) {
			return claimPayload{}, common.Hash{}, &ValidationError{Field: encErr.Field, Reason: encErr.Reason}
		}
		return claimPayload{}, common.Hash{}, err
	}
	return payload, hash, nil
}

func checkEligibility(e models.Eligibility, farm *actor.FarmProfile) error {
	if farm == nil {
		return &ValidationError{Field: "farm", Reason: "farm profile required"}
	}
	if e.MinFarmSizeAcres > 0 && farm.SizeAcres < e.MinFarmSizeAcres {
		return &ValidationError{Field: "farm.size_acres", Reason: fmt.Sprintf("below the minimum of %g acres", e.MinFarmSizeAcres)}
	}
	if e.MaxFarmSizeAcres > 0 && farm.SizeAcres > e.MaxFarmSizeAcres {
		return &ValidationError{Field: "farm.size_acres", Reason: fmt.Sprintf("above the maximum of %g acres", e.MaxFarmSizeAcres)}
	}
	if len(e.States) > 0 && !containsFold(e.States, farm.State) {
		return &ValidationError{Field: "farm.state", Reason: "not eligible for this program"}
	}
	if len(e.Districts) > 0 && !containsFold(e.Districts, farm.District) {
		return &ValidationError{Field: "farm.district", Reason: "not eligible for this program"}
	}
	if len(e.CropTypes) > 0 {
		eligible := false
		for _, crop := range farm.Crops {
			if containsFold(e.CropTypes, crop) {
				eligible = true
				break
			}
		}
		if !eligible {
			return &ValidationError{Field: "farm.crops", Reason: "no eligible crop"}
		}
	}
	if len(e.LandDocTypes) > 0 && !containsFold(e.LandDocTypes, farm.LandDocType) {
		return &ValidationError{Field: "farm.land_doc_type", Reason: "document type not accepted"}
	}
	return nil
}

func containsFold(list []string, value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), value) {
			return true
		}
	}
	return false
}

func (c *Coordinator) validateActivation(ctx context.Context, req ActivationRequest) (models.Program, activationPayload, error) {
	program, err := c.store.GetProgram(ctx, req.ProgramID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Program{}, activationPayload{}, &ValidationError{Field: "program", Reason: "not found"}
	}
	if err != nil {
		return models.Program{}, activationPayload{}, err
	}
	amount, err := units.ParseWei(program.PayoutAmountWei)
	if err != nil || amount.IsZero() {
		return models.Program{}, activationPayload{}, &ValidationError{Field: "payout_amount", Reason: "must be positive"}
	}
	maxCap, err := units.ParseWei(program.MaxCapWei)
	if err != nil || maxCap.IsZero() {
		return models.Program{}, activationPayload{}, &ValidationError{Field: "max_cap", Reason: "must be positive"}
	}
	if amount.Gt(maxCap) {
		return models.Program{}, activationPayload{}, &ValidationError{Field: "payout_amount", Reason: "exceeds max cap"}
	}
	return program, activationPayload{ProgramID: program.ID, AmountWei: amount.Dec(), MaxCapWei: maxCap.Dec()}, nil
}

// job binds an intent to its ledger call and store write.
type job struct {
	kind   ledger.Kind
	submit func(ctx context.Context, opts ...ledger.SubmitOption) (ledger.Receipt, error)
	apply  func(ctx context.Context, in models.SyncIntent) (uuid.UUID, error)
}

func (c *Coordinator) jobFor(in models.SyncIntent) (job, error) {
	switch in.Kind {
	case models.IntentClaimSubmission:
		var p claimPayload
		if err := json.Unmarshal([]byte(in.Payload), &p); err != nil {
			return job{}, fmt.Errorf("recon: decode intent %s payload: %w", in.ID, err)
		}
		programID, ok := new(big.Int).SetString(p.ProgramOnchainID, 10)
		if !ok {
			return job{}, fmt.Errorf("recon: intent %s has invalid program on-chain id %q", in.ID, p.ProgramOnchainID)
		}
		hash, err := digest.ParseHash(in.Digest)
		if err != nil {
			return job{}, fmt.Errorf("recon: intent %s digest: %w", in.ID, err)
		}
		return job{
			kind: ledger.KindClaim,
			submit: func(ctx context.Context, opts ...ledger.SubmitOption) (ledger.Receipt, error) {
				return c.ledger.SubmitClaim(ctx, programID, hash, opts...)
			},
			apply: func(ctx context.Context, in models.SyncIntent) (uuid.UUID, error) {
				claim, _, err := c.store.CreateClaim(ctx, models.Claim{
					ID:               in.ID,
					ProgramID:        p.ProgramID,
					ProgramOnchainID: p.ProgramOnchainID,
					FarmerID:         p.FarmerID,
					AmountWei:        p.AmountWei,
					Remarks:          p.Remarks,
					SubmittedAt:      p.SubmittedAt,
					OnchainClaimID:   in.EmittedID,
					OnchainTxHash:    in.TxHash,
					ConfirmedBlock:   in.ConfirmedBlock,
					MetadataDigest:   in.Digest,
				}, in.ActorID)
				return claim.ID, err
			},
		}, nil
	case models.IntentProgramActivation:
		var p activationPayload
		if err := json.Unmarshal([]byte(in.Payload), &p); err != nil {
			return job{}, fmt.Errorf("recon: decode intent %s payload: %w", in.ID, err)
		}
		amount, ok := new(big.Int).SetString(p.AmountWei, 10)
		if !ok {
			return job{}, fmt.Errorf("recon: intent %s has invalid amount %q", in.ID, p.AmountWei)
		}
		maxCap, ok := new(big.Int).SetString(p.MaxCapWei, 10)
		if !ok {
			return job{}, fmt.Errorf("recon: intent %s has invalid max cap %q", in.ID, p.MaxCapWei)
		}
		return job{
			kind: ledger.KindProgram,
			submit: func(ctx context.Context, opts ...ledger.SubmitOption) (ledger.Receipt, error) {
				return c.ledger.SubmitProgramCreation(ctx, ledger.ProgramParams{
					OffchainID: p.ProgramID.String(),
					AmountWei:  amount,
					MaxCapWei:  maxCap,
				}, opts...)
			},
			apply: func(ctx context.Context, in models.SyncIntent) (uuid.UUID, error) {
				program, err := c.store.ActivateProgram(ctx, p.ProgramID, in.EmittedID, in.TxHash, in.ActorID)
				return program.ID, err
			},
		}, nil
	default:
		return job{}, fmt.Errorf("recon: intent %s has unknown kind %q", in.ID, in.Kind)
	}
}

func isPermanentStoreError(err error) bool {
	return errors.Is(err, store.ErrPreconditionFailed) ||
		errors.Is(err, store.ErrDuplicate) ||
		errors.Is(err, store.ErrMissingLinkage) ||
		errors.Is(err, store.ErrNotFound)
}

// storePhase writes the off-chain record for a ledger-confirmed intent. It
// runs to completion regardless of caller cancellation and retries transient
// failures; exhaustion leaves the intent in STORE_FAILED_AFTER_LEDGER.
func (c *Coordinator) storePhase(ctx context.Context, in models.SyncIntent, j job) (Outcome, error) {
	bg, span := c.tracer.Start(context.WithoutCancel(ctx), "recon.store",
		trace.WithAttributes(intentAttributes(in)...))
	defer span.End()
	start := c.now()
	log := c.intentLogger(in)

	moved, err := c.store.AdvanceIntent(bg, in.ID, []models.IntentState{
		models.IntentLedgerConfirmed, models.IntentStorePending, models.IntentStoreFailedAfterLedger,
	}, store.IntentPatch{State: models.IntentStorePending, IncStore: true})
	switch {
	case err == nil:
		held := in
		in = moved
		if in.EmittedID == "" {
			in.EmittedID = held.EmittedID
		}
		if in.TxHash == "" {
			in.TxHash = held.TxHash
		}
		if in.ConfirmedBlock == 0 {
			in.ConfirmedBlock = held.ConfirmedBlock
		}
	case errors.Is(err, store.ErrPreconditionFailed) && moved.State == models.IntentStoreConfirmed:
		return c.replay(bg, moved), nil
	case errors.Is(err, store.ErrPreconditionFailed) && moved.TxHash != "" && moved.TxHash != in.TxHash:
		return c.diverged(moved, in.TxHash)
	case errors.Is(err, store.ErrPreconditionFailed) && moved.State != models.IntentLedgerPending:
		// INIT or LEDGER_FAILED: the journal no longer expects a store write.
		return c.movedOn(bg, moved)
	default:
		log.Warn("journal store phase start", slog.String("error", err.Error()))
	}
	if in.EmittedID == "" || in.TxHash == "" {
		return outcomeOf(in), fmt.Errorf("recon: intent %s has no confirmed ledger linkage", in.ID)
	}

	var recordID uuid.UUID
	attempt := 0
	op := func() error {
		attempt++
		actx, cancel := context.WithTimeout(bg, c.storeTimeout)
		defer cancel()
		id, err := j.apply(actx, in)
		if err == nil {
			recordID = id
			return nil
		}
		if isPermanentStoreError(err) {
			return backoff.Permanent(err)
		}
		c.metrics.RecordStoreRetry(string(in.Kind))
		log.Warn("store write failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval
	policy.MaxInterval = 20 * c.retryInterval
	policy.MaxElapsedTime = 0
	err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.storeRetries)), bg))
	c.metrics.ObservePhase(string(in.Kind), "store", c.now().Sub(start))

	all := []models.IntentState{models.IntentStorePending, models.IntentLedgerConfirmed, models.IntentStoreFailedAfterLedger}
	if err != nil {
		span.RecordError(err)
		class := classStore
		if isPermanentStoreError(err) {
			class = classConflict
		}
		msg := err.Error()
		failed, jerr := c.store.AdvanceIntent(bg, in.ID, all, store.IntentPatch{
			State:      models.IntentStoreFailedAfterLedger,
			ErrorClass: &class,
			LastError:  &msg,
		})
		if jerr != nil {
			log.Error("journal store failure", slog.String("error", jerr.Error()))
			in.State = models.IntentStoreFailedAfterLedger
		} else {
			in = failed
		}
		log.Error("store write failed after ledger confirmation; sync pending",
			slog.Int("attempts", attempt), slog.String("error", msg))
		c.metrics.RecordSubmission(string(in.Kind), "sync_pending")
		out := outcomeOf(in)
		c.publish(TopicIntentUpdated, out)
		return out, &SubmissionError{
			Class:    ErrStoreWriteFailed,
			IntentID: in.ID,
			State:    in.State,
			TxHash:   in.TxHash,
			Reason:   "recorded on chain, sync pending",
			Err:      err,
		}
	}

	empty := ""
	done, jerr := c.store.AdvanceIntent(bg, in.ID, all, store.IntentPatch{
		State:      models.IntentStoreConfirmed,
		RecordID:   &recordID,
		ErrorClass: &empty,
		LastError:  &empty,
	})
	if jerr != nil {
		// The record exists; the sweeper re-applies the idempotent write and
		// closes the journal entry.
		log.Warn("journal store confirmation", slog.String("error", jerr.Error()))
		in.State = models.IntentStoreConfirmed
		in.RecordID = &recordID
	} else {
		in = done
	}
	c.metrics.RecordSubmission(string(in.Kind), "confirmed")
	out := c.replay(bg, in)
	c.intentLogger(in).Info("submission reconciled", slog.String("record_id", recordID.String()))
	c.publish(TopicIntentUpdated, outcomeOf(in))
	switch {
	case out.Claim != nil:
		c.publish(TopicClaimCreated, out.Claim)
	case out.Program != nil:
		c.publish(TopicProgramActivated, out.Program)
	}
	return out, nil
}

func intentAttributes(in models.SyncIntent) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("intent.id", in.ID.String()),
		attribute.String("intent.kind", string(in.Kind)),
		attribute.String("intent.state", string(in.State)),
	}
}

func lookupRequest(in models.SyncIntent, kind ledger.Kind) ledger.LookupRequest {
	req := ledger.LookupRequest{
		TxHash: common.HexToHash(in.TxHash),
		Nonce:  in.TxNonce,
		Kind:   kind,
	}
	if common.IsHexAddress(in.TxFrom) {
		req.From = common.HexToAddress(in.TxFrom)
	}
	return req
}

// indexedConfirmation looks for the indexer's record of the intent's
// submission. A recorded transaction hash is authoritative; the digest is
// only consulted when the hash never made it into the journal.
func (c *Coordinator) indexedConfirmation(ctx context.Context, in models.SyncIntent) (models.IndexedEvent, bool) {
	name := contract.EventProgramCreated
	if in.Kind == models.IntentClaimSubmission {
		name = contract.EventClaimSubmitted
	}
	if in.TxHash != "" {
		events, err := c.store.EventsByTx(ctx, in.TxHash)
		if err != nil {
			return models.IndexedEvent{}, false
		}
		for _, ev := range events {
			if ev.Name == name && ev.EntityID != "" {
				return ev, true
			}
		}
		return models.IndexedEvent{}, false
	}
	if in.Kind != models.IntentClaimSubmission || in.Digest == "" {
		return models.IndexedEvent{}, false
	}
	ev, err := c.store.ClaimSubmittedByDigest(ctx, name, in.Digest)
	if err != nil || ev.EntityID == "" {
		return models.IndexedEvent{}, false
	}
	return ev, true
}

func receiptFromEvent(ev models.IndexedEvent) (ledger.Receipt, error) {
	id, ok := new(big.Int).SetString(ev.EntityID, 10)
	if !ok {
		return ledger.Receipt{}, fmt.Errorf("recon: event %s has invalid entity id %q", ev.ID, ev.EntityID)
	}
	if !strings.HasPrefix(ev.TxHash, "0x") || len(ev.TxHash) != 66 {
		return ledger.Receipt{}, fmt.Errorf("recon: event %s has invalid tx hash", ev.ID)
	}
	return ledger.Receipt{
		TxHash:         common.HexToHash(ev.TxHash),
		ConfirmedBlock: ev.BlockNumber,
		EmittedID:      id,
	}, nil
}
