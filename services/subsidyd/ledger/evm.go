package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"agrisubsidy/services/subsidyd/contract"
)

// Backend is the subset of the Ethereum JSON-RPC surface used by the ledger
// client and the event indexer. *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: rpc endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// EVMConfig configures an EVMClient.
type EVMConfig struct {
	Contract common.Address
	ChainID  *big.Int
	// Confirmations is the number of blocks, including the inclusion block,
	// a receipt needs before it counts as confirmed. Zero means one.
	Confirmations uint64
	// GasLimit overrides estimation when non-zero.
	GasLimit       uint64
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Logger         *slog.Logger
}

// EVMClient implements Client against a SubsidyRegistry deployment.
type EVMClient struct {
	backend Backend
	signer  Signer
	cfg     EVMConfig
	logger  *slog.Logger

	// sendMu serialises nonce assignment and broadcast for the signer.
	sendMu sync.Mutex
}

var _ Client = (*EVMClient)(nil)

// NewEVMClient validates cfg and constructs a client.
func NewEVMClient(backend Backend, signer Signer, cfg EVMConfig) (*EVMClient, error) {
	if backend == nil {
		return nil, errors.New("ledger: backend required")
	}
	if signer == nil {
		return nil, errors.New("ledger: signer required")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, errors.New("ledger: contract address required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("ledger: chain id required")
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EVMClient{backend: backend, signer: signer, cfg: cfg, logger: logger}, nil
}

// Signer returns the account submitting transactions.
func (c *EVMClient) Signer() common.Address { return c.signer.Address() }

// SubmitProgramCreation sends createProgram and waits for its confirmation.
func (c *EVMClient) SubmitProgramCreation(ctx context.Context, params ProgramParams, opts ...SubmitOption) (Receipt, error) {
	data, err := contract.PackCreateProgram(params.OffchainID, params.AmountWei, params.MaxCapWei)
	if err != nil {
		return Receipt{}, &TxError{Kind: ErrRevertedOnChain, Reason: "invalid call", Err: err}
	}
	return c.submit(ctx, KindProgram, data, opts)
}

// SubmitClaim sends submitClaim and waits for its confirmation.
func (c *EVMClient) SubmitClaim(ctx context.Context, programOnchainID *big.Int, metadataDigest common.Hash, opts ...SubmitOption) (Receipt, error) {
	data, err := contract.PackSubmitClaim(programOnchainID, metadataDigest)
	if err != nil {
		return Receipt{}, &TxError{Kind: ErrRevertedOnChain, Reason: "invalid call", Err: err}
	}
	return c.submit(ctx, KindClaim, data, opts)
}

func (c *EVMClient) submit(ctx context.Context, kind Kind, data []byte, opts []SubmitOption) (Receipt, error) {
	signed, err := c.signAndSend(ctx, kind, data, HookFrom(opts))
	if err != nil {
		return Receipt{}, err
	}
	from := c.signer.Address()
	c.logger.Info("ledger transaction broadcast",
		slog.String("kind", string(kind)),
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.Uint64("nonce", signed.Nonce()))
	return c.waitForReceipt(ctx, kind, signed, from)
}

func (c *EVMClient) signAndSend(ctx context.Context, kind Kind, data []byte, hook BroadcastHook) (*gethtypes.Transaction, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	from := c.signer.Address()
	to := c.cfg.Contract
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, &TxError{Kind: ErrNetworkUnavailable, Reason: "fetch nonce", Err: err}
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, &TxError{Kind: ErrNetworkUnavailable, Reason: "suggest tip", Err: err}
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, &TxError{Kind: ErrNetworkUnavailable, Reason: "fetch head", Err: err}
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas := c.cfg.GasLimit
	if gas == 0 {
		estimate, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
			From: from, To: &to, GasTipCap: tip, GasFeeCap: feeCap, Data: data,
		})
		if err != nil {
			if isRevert(err) {
				return nil, &TxError{Kind: ErrRevertedOnChain, Reason: revertReason(err), Err: err}
			}
			return nil, &TxError{Kind: ErrNetworkUnavailable, Reason: "estimate gas", Err: err}
		}
		gas = estimate + estimate/5
	}
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   c.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	})
	signed, err := c.signer.SignTx(ctx, tx, c.cfg.ChainID)
	if err != nil {
		if errors.Is(err, ErrRejectedByUser) {
			return nil, &TxError{Kind: ErrRejectedByUser, Err: err}
		}
		return nil, &TxError{Kind: ErrRejectedByUser, Reason: "sign transaction", Err: err}
	}
	if hook != nil {
		if err := hook(ctx, Broadcast{TxHash: signed.Hash(), From: from, Nonce: nonce}); err != nil {
			return nil, fmt.Errorf("ledger: %s broadcast hook: %w", kind, err)
		}
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		var rpcErr rpc.Error
		switch {
		case isAlreadyKnown(err):
		case isRevert(err):
			return nil, &TxError{Kind: ErrRevertedOnChain, TxHash: signed.Hash(), Reason: revertReason(err), Err: err}
		case errors.As(err, &rpcErr):
			// The node answered and refused the transaction.
			return nil, &TxError{Kind: ErrNetworkUnavailable, TxHash: signed.Hash(), Reason: "node rejected transaction", Err: err}
		default:
			return nil, &TxError{Kind: ErrNetworkUnavailable, TxHash: signed.Hash(), Broadcast: true, Reason: "send transaction", Err: err}
		}
	}
	return signed, nil
}

func (c *EVMClient) waitForReceipt(ctx context.Context, kind Kind, tx *gethtypes.Transaction, from common.Address) (Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	hash := tx.Hash()
	for {
		res, err := c.resolve(waitCtx, hash, kind, from, tx.Nonce())
		if err == nil {
			switch res.Status {
			case StatusConfirmed:
				return *res.Receipt, nil
			case StatusReverted:
				return Receipt{}, &TxError{Kind: ErrRevertedOnChain, TxHash: hash, Broadcast: true, Reason: res.Reason}
			}
		} else if waitCtx.Err() == nil {
			c.logger.Warn("ledger receipt poll failed",
				slog.String("tx_hash", hash.Hex()),
				slog.String("error", err.Error()))
		}
		select {
		case <-waitCtx.Done():
			return Receipt{}, &TxError{Kind: ErrConfirmationTimeout, TxHash: hash, Broadcast: true, Err: waitCtx.Err()}
		case <-ticker.C:
		}
	}
}

// Lookup resolves a previously broadcast transaction without resending it.
func (c *EVMClient) Lookup(ctx context.Context, req LookupRequest) (LookupResult, error) {
	if req.TxHash == (common.Hash{}) {
		return LookupResult{}, errors.New("ledger: lookup tx hash required")
	}
	nonce := uint64(0)
	if req.Nonce != nil {
		nonce = *req.Nonce
	}
	res, err := c.resolve(ctx, req.TxHash, req.Kind, req.From, nonce)
	if err != nil {
		return LookupResult{}, err
	}
	if res.Status != StatusUnknown {
		return res, nil
	}
	tx, _, err := c.backend.TransactionByHash(ctx, req.TxHash)
	switch {
	case err == nil && tx != nil:
		return LookupResult{Status: StatusPending}, nil
	case err != nil && !errors.Is(err, ethereum.NotFound):
		return LookupResult{}, &TxError{Kind: ErrNetworkUnavailable, TxHash: req.TxHash, Reason: "fetch transaction", Err: err}
	}
	if req.Nonce == nil || req.From == (common.Address{}) {
		return LookupResult{Status: StatusUnknown, Reason: "transaction not known to node"}, nil
	}
	mined, err := c.backend.NonceAt(ctx, req.From, nil)
	if err != nil {
		return LookupResult{}, &TxError{Kind: ErrNetworkUnavailable, TxHash: req.TxHash, Reason: "fetch nonce", Err: err}
	}
	if mined > *req.Nonce {
		return LookupResult{Status: StatusDropped, Reason: fmt.Sprintf("nonce %d consumed by another transaction", *req.Nonce)}, nil
	}
	return LookupResult{Status: StatusUnknown, Reason: "transaction not known to node"}, nil
}

// resolve inspects the receipt for hash. A missing receipt yields
// StatusUnknown.
func (c *EVMClient) resolve(ctx context.Context, hash common.Hash, kind Kind, from common.Address, nonce uint64) (LookupResult, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return LookupResult{Status: StatusUnknown}, nil
		}
		return LookupResult{}, &TxError{Kind: ErrNetworkUnavailable, TxHash: hash, Reason: "fetch receipt", Err: err}
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return LookupResult{Status: StatusUnknown}, nil
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return LookupResult{Status: StatusReverted, Reason: c.replayRevert(ctx, hash, from, receipt.BlockNumber)}, nil
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return LookupResult{}, &TxError{Kind: ErrNetworkUnavailable, TxHash: hash, Reason: "fetch head", Err: err}
	}
	block := receipt.BlockNumber.Uint64()
	if head < block || head-block+1 < c.cfg.Confirmations {
		return LookupResult{Status: StatusPending, Reason: fmt.Sprintf("included in block %d, head %d", block, head)}, nil
	}
	eventName, param := emittedEvent(kind)
	id, _, ok := contract.EmittedID(receipt.Logs, c.cfg.Contract, eventName, param)
	if !ok {
		return LookupResult{Status: StatusReverted, Reason: fmt.Sprintf("receipt carries no %s event", eventName)}, nil
	}
	return LookupResult{
		Status: StatusConfirmed,
		Receipt: &Receipt{
			TxHash:         hash,
			ConfirmedBlock: block,
			EmittedID:      id,
			From:           from,
			Nonce:          nonce,
		},
	}, nil
}

// replayRevert re-executes a failed transaction at its block to recover the
// revert reason.
func (c *EVMClient) replayRevert(ctx context.Context, hash common.Hash, from common.Address, block *big.Int) string {
	tx, _, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil || tx == nil {
		return "transaction reverted"
	}
	_, err = c.backend.CallContract(ctx, ethereum.CallMsg{
		From: from, To: tx.To(), Gas: tx.Gas(), Data: tx.Data(),
	}, block)
	if err == nil {
		return "transaction reverted"
	}
	return revertReason(err)
}

func emittedEvent(kind Kind) (string, string) {
	if kind == KindProgram {
		return contract.EventProgramCreated, "programId"
	}
	return contract.EventClaimSubmitted, "claimId"
}

func isRevert(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func revertReason(err error) string {
	msg := err.Error()
	if idx := strings.Index(strings.ToLower(msg), "execution reverted"); idx >= 0 {
		reason := strings.TrimSpace(strings.TrimPrefix(msg[idx+len("execution reverted"):], ":"))
		if reason != "" {
			return reason
		}
	}
	return msg
}
