package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"agrisubsidy/services/subsidyd/contract"
	"agrisubsidy/services/subsidyd/models"
	"agrisubsidy/services/subsidyd/store"
)

// HandleEvents advances journaled intents whose submission the indexer has
// observed on chain. Events are expected to be stored before the call.
func (c *Coordinator) HandleEvents(ctx context.Context, events []models.IndexedEvent) error {
	var errs error
	for _, ev := range events {
		var (
			in  models.SyncIntent
			ok  bool
			err error
		)
		switch ev.Name {
		case contract.EventClaimSubmitted:
			in, ok, err = c.claimIntentFor(ctx, ev)
		case contract.EventProgramCreated:
			in, ok, err = c.activationIntentFor(ctx, ev)
		default:
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		if err := c.backfill(ctx, in, ev); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (c *Coordinator) claimIntentFor(ctx context.Context, ev models.IndexedEvent) (models.SyncIntent, bool, error) {
	in, err := c.store.IntentByTxHash(ctx, ev.TxHash)
	if err == nil {
		return in, in.Kind == models.IntentClaimSubmission, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return in, false, err
	}
	if ev.MetadataDigest == "" {
		return in, false, nil
	}
	in, err = c.store.IntentByDigest(ctx, ev.MetadataDigest)
	if errors.Is(err, store.ErrNotFound) {
		return in, false, nil
	}
	if err != nil {
		return in, false, err
	}
	// A digest match only identifies the intent when no other transaction
	// was journaled for it.
	return in, in.TxHash == "", nil
}

func (c *Coordinator) activationIntentFor(ctx context.Context, ev models.IndexedEvent) (models.SyncIntent, bool, error) {
	in, err := c.store.IntentByTxHash(ctx, ev.TxHash)
	if err == nil {
		return in, in.Kind == models.IntentProgramActivation, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return in, false, err
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(ev.Params), &params); err != nil {
		return in, false, nil
	}
	offchain, _ := params["offchainId"].(string)
	programID, err := uuid.Parse(offchain)
	if err != nil {
		return in, false, nil
	}
	intents, err := c.store.ListIntents(ctx, store.IntentFilter{
		Kind:      models.IntentProgramActivation,
		ProgramID: programID,
		States:    []models.IntentState{models.IntentLedgerPending},
	})
	if err != nil {
		return in, false, err
	}
	for _, candidate := range intents {
		if candidate.TxHash == "" {
			return candidate, true, nil
		}
	}
	return in, false, nil
}

// backfill resumes in with ev available as its ledger confirmation.
func (c *Coordinator) backfill(ctx context.Context, in models.SyncIntent, ev models.IndexedEvent) error {
	log := c.intentLogger(in).With(slog.String("event_id", ev.ID))
	if c.isInFlight(in.Key) {
		log.Debug("backfill skipped; submission in flight")
		return nil
	}
	switch in.State {
	case models.IntentStoreConfirmed, models.IntentInit:
		return nil
	case models.IntentStoreFailedAfterLedger:
		if in.ErrorClass == classConflict {
			return nil
		}
	case models.IntentLedgerFailed:
		// The ledger outcome was judged dropped or unknown, yet the indexer
		// saw the very transaction mined.
		if in.TxHash == "" || in.TxHash != ev.TxHash || in.ErrorClass == classReverted {
			return nil
		}
		empty := ""
		revived, err := c.store.AdvanceIntent(ctx, in.ID, []models.IntentState{models.IntentLedgerFailed}, store.IntentPatch{
			State:      models.IntentLedgerPending,
			ErrorClass: &empty,
			LastError:  &empty,
		})
		if err != nil {
			if errors.Is(err, store.ErrPreconditionFailed) {
				return nil
			}
			return fmt.Errorf("recon: revive intent %s: %w", in.ID, err)
		}
		log.Warn("failed intent observed on chain; resuming")
		in = revived
	}
	out, err := c.Resume(ctx, in.ID, TriggerIndexer)
	if err != nil {
		if errors.Is(err, ErrLedgerTimeout) || errors.Is(err, ErrInFlight) {
			return nil
		}
		return fmt.Errorf("recon: backfill intent %s: %w", in.ID, err)
	}
	log.Info("intent advanced from indexed event", slog.String("state", string(out.State)))
	return nil
}
