// Package indexer projects SubsidyRegistry logs into the record store and
// hands them to the reconciliation core.
package indexer

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
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"agrisubsidy/observability"
	"agrisubsidy/services/subsidyd/contract"
	"agrisubsidy/services/subsidyd/models"
	"agrisubsidy/services/subsidyd/store"
)

// Backend is the chain RPC surface the indexer reads.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// Handler receives each stored batch of events.
type Handler func(ctx context.Context, events []models.IndexedEvent) error

// Config wires an Indexer.
type Config struct {
	Store    *store.Store
	Backend  Backend
	Contract common.Address
	// Confirmations a block needs before its logs are projected. A block at
	// the head has one confirmation.
	Confirmations uint64
	// StartBlock is the first block scanned when no cursor is stored.
	StartBlock   uint64
	BatchBlocks  uint64
	PollInterval time.Duration
	// RPCRetries bounds the retries of one RPC call.
	RPCRetries int
	Handler    Handler
	Logger     *slog.Logger
	Metrics    *observability.SubsidydMetrics
}

// Indexer polls FilterLogs in block windows behind the confirmed head.
type Indexer struct {
	store         *store.Store
	backend       Backend
	contract      common.Address
	confirmations uint64
	startBlock    uint64
	batch         uint64
	interval      time.Duration
	retries       uint64
	handler       Handler
	logger        *slog.Logger
	metrics       *observability.SubsidydMetrics
}

// New validates cfg and returns an Indexer.
func New(cfg Config) (*Indexer, error) {
	if cfg.Store == nil {
		return nil, errors.New("indexer: store is required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("indexer: backend is required")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, errors.New("indexer: contract address is required")
	}
	ix := &Indexer{
		store:         cfg.Store,
		backend:       cfg.Backend,
		contract:      cfg.Contract,
		confirmations: cfg.Confirmations,
		startBlock:    cfg.StartBlock,
		batch:         cfg.BatchBlocks,
		interval:      cfg.PollInterval,
		handler:       cfg.Handler,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
	if ix.confirmations == 0 {
		ix.confirmations = 1
	}
	if ix.batch == 0 {
		ix.batch = 2000
	}
	if ix.interval <= 0 {
		ix.interval = 5 * time.Second
	}
	if cfg.RPCRetries > 0 {
		ix.retries = uint64(cfg.RPCRetries)
	} else {
		ix.retries = 3
	}
	if ix.logger == nil {
		ix.logger = slog.Default()
	}
	ix.logger = ix.logger.With(slog.String("component", "indexer"), slog.String("contract", cfg.Contract.Hex()))
	return ix, nil
}

// Run syncs until ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context) error {
	ticker := time.NewTicker(ix.interval)
	defer ticker.Stop()
	for {
		if _, err := ix.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			ix.logger.Error("indexer sync failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SyncOnce projects every confirmed block past the cursor and returns the
// number of events stored.
func (ix *Indexer) SyncOnce(ctx context.Context) (int, error) {
	var head uint64
	err := ix.retry(ctx, "block number", func() error {
		var err error
		head, err = ix.backend.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	if head+1 < ix.confirmations {
		return 0, nil
	}
	safe := head + 1 - ix.confirmations

	cursor, ok, err := ix.store.GetCursor(ctx, ix.contract.Hex())
	if err != nil {
		return 0, fmt.Errorf("indexer: load cursor: %w", err)
	}
	from := ix.startBlock
	if ok {
		from = cursor + 1
	}
	total := 0
	for from <= safe {
		to := from + ix.batch - 1
		if to > safe {
			to = safe
		}
		n, err := ix.syncRange(ctx, from, to)
		if err != nil {
			return total, err
		}
		total += n
		from = to + 1
	}
	return total, nil
}

func (ix *Indexer) syncRange(ctx context.Context, from, to uint64) (int, error) {
	var logs []gethtypes.Log
	err := ix.retry(ctx, "filter logs", func() error {
		var err error
		logs, err = ix.backend.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Addresses: []common.Address{ix.contract},
		})
		return err
	})
	if err != nil {
		return 0, err
	}

	timestamps := map[uint64]uint64{}
	var (
		events  []models.IndexedEvent
		removed []string
	)
	for _, lg := range logs {
		if lg.Address != ix.contract {
			continue
		}
		ev, err := contract.DecodeLog(lg)
		if err != nil {
			ix.logger.Warn("skipping undecodable log",
				slog.String("tx_hash", lg.TxHash.Hex()),
				slog.Uint64("log_index", uint64(lg.Index)),
				slog.String("error", err.Error()))
			continue
		}
		// FilterLogs over a settled range never returns removed logs; only a
		// backend fed by a log subscription replays them after a reorg.
		// Within the polled path the confirmation depth is the reorg guard.
		if ev.Removed {
			removed = append(removed, eventID(ev))
			continue
		}
		ts, ok := timestamps[lg.BlockNumber]
		if !ok {
			ts, err = ix.blockTime(ctx, lg.BlockNumber)
			if err != nil {
				// Nothing in the window is stored and the cursor stays put,
				// so the next poll retries it.
				return 0, err
			}
			timestamps[lg.BlockNumber] = ts
		}
		row, err := Project(ev, ts)
		if err != nil {
			return 0, err
		}
		events = append(events, row)
	}

	if err := ix.store.DeleteEvents(ctx, removed); err != nil {
		return 0, fmt.Errorf("indexer: delete removed events: %w", err)
	}
	if err := ix.store.UpsertEvents(ctx, events); err != nil {
		return 0, fmt.Errorf("indexer: store events: %w", err)
	}
	for _, ev := range events {
		ix.metrics.RecordIndexedEvent(ev.Name)
	}
	if ix.handler != nil && len(events) > 0 {
		// The sweeper retries anything the handler could not converge, so a
		// handler failure does not hold the cursor back.
		if err := ix.handler(ctx, events); err != nil {
			ix.logger.Warn("event handler failed", slog.String("error", err.Error()))
		}
	}
	if err := ix.store.SetCursor(ctx, ix.contract.Hex(), to); err != nil {
		return 0, fmt.Errorf("indexer: save cursor: %w", err)
	}
	ix.metrics.SetIndexerCursor(to)
	if len(events) > 0 {
		ix.logger.Info("indexed events",
			slog.Uint64("from_block", from),
			slog.Uint64("to_block", to),
			slog.Int("events", len(events)))
	}
	return len(events), nil
}

func (ix *Indexer) blockTime(ctx context.Context, number uint64) (uint64, error) {
	var header *gethtypes.Header
	err := ix.retry(ctx, "block header", func() error {
		var err error
		header, err = ix.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		if err == nil && header == nil {
			err = fmt.Errorf("block %d not found", number)
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return header.Time, nil
}

func (ix *Indexer) retry(ctx context.Context, what string, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	notify := func(err error, wait time.Duration) {
		ix.logger.Warn("indexer rpc failed; retrying",
			slog.String("call", what),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	}
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, ix.retries), ctx), notify)
	if err != nil {
		return fmt.Errorf("indexer: %s: %w", what, err)
	}
	return nil
}

func eventID(ev contract.Event) string {
	return fmt.Sprintf("%s-%d", strings.ToLower(ev.TxHash.Hex()), ev.LogIndex)
}

// Project converts a decoded event into its stored form.
func Project(ev contract.Event, blockTime uint64) (models.IndexedEvent, error) {
	params, err := json.Marshal(ev.Params)
	if err != nil {
		return models.IndexedEvent{}, fmt.Errorf("indexer: encode %s params: %w", ev.Name, err)
	}
	row := models.IndexedEvent{
		ID:             eventID(ev),
		Name:           ev.Name,
		TxHash:         strings.ToLower(ev.TxHash.Hex()),
		LogIndex:       ev.LogIndex,
		BlockNumber:    ev.BlockNumber,
		BlockTimestamp: blockTime,
		Params:         string(params),
	}
	switch ev.Name {
	case contract.EventProgramCreated, contract.EventProgramUpdated:
		row.EntityID = ev.String("programId")
	case contract.EventClaimSubmitted:
		row.EntityID = ev.String("claimId")
		row.MetadataDigest = strings.ToLower(ev.String("metadataHash"))
	case contract.EventClaimApproved, contract.EventClaimRejected, contract.EventClaimPaid:
		row.EntityID = ev.String("claimId")
	}
	return row, nil
}
