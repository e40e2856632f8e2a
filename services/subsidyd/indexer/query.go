package indexer

import (
	"context"

	"agrisubsidy/services/subsidyd/contract"
	"agrisubsidy/services/subsidyd/models"
	"agrisubsidy/services/subsidyd/store"
)

// EventsByTx returns the events a transaction emitted.
func (ix *Indexer) EventsByTx(ctx context.Context, txHash string) ([]models.IndexedEvent, error) {
	return ix.store.EventsByTx(ctx, txHash)
}

// Events lists stored events, newest first.
func (ix *Indexer) Events(ctx context.Context, f store.EventFilter) ([]models.IndexedEvent, error) {
	return ix.store.ListEvents(ctx, f)
}

// ClaimByDigest returns the ClaimSubmitted event that committed digest.
func (ix *Indexer) ClaimByDigest(ctx context.Context, digest string) (models.IndexedEvent, error) {
	return ix.store.ClaimSubmittedByDigest(ctx, contract.EventClaimSubmitted, digest)
}

// Cursor returns the last fully indexed block.
func (ix *Indexer) Cursor(ctx context.Context) (uint64, bool, error) {
	return ix.store.GetCursor(ctx, ix.contract.Hex())
}
