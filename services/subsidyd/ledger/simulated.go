package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"agrisubsidy/services/subsidyd/contract"
)

// ErrSimulatedOffline is returned by every SimulatedBackend call while it is
// offline.
var ErrSimulatedOffline = errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")

// simRPCError mimics a JSON-RPC error object returned by a node.
type simRPCError struct {
	code int
	msg  string
}

func (e *simRPCError) Error() string  { return e.msg }
func (e *simRPCError) ErrorCode() int { return e.code }

const simBlockTime = 12

var simGenesisTime = uint64(1_700_000_000)

type simTx struct {
	tx      *gethtypes.Transaction
	from    common.Address
	receipt *gethtypes.Receipt
}

// SimulatedBackend is an in-memory SubsidyRegistry chain. It executes
// createProgram and submitClaim, mines on send unless held, and exposes
// fault injection for reconciliation tests and local development.
type SimulatedBackend struct {
	mu sync.Mutex

	chainID  *big.Int
	contract common.Address
	baseFee  *big.Int

	head      uint64
	blocks    map[uint64]common.Hash
	logs      []gethtypes.Log
	txs       map[common.Hash]*simTx
	pending   []common.Hash
	pendingAt map[common.Address]uint64
	minedAt   map[common.Address]uint64

	nextProgram uint64
	nextClaim   uint64
	programs    map[uint64]bool

	hold            bool
	offline         bool
	failSend        error
	failAfterAccept error
	revertNext      string
}

// NewSimulatedBackend creates an empty chain with the registry at contractAddr.
func NewSimulatedBackend(chainID *big.Int, contractAddr common.Address) *SimulatedBackend {
	b := &SimulatedBackend{
		chainID:   new(big.Int).Set(chainID),
		contract:  contractAddr,
		baseFee:   big.NewInt(1_000_000_000),
		blocks:    make(map[uint64]common.Hash),
		txs:       make(map[common.Hash]*simTx),
		pendingAt: make(map[common.Address]uint64),
		minedAt:   make(map[common.Address]uint64),
		programs:  make(map[uint64]bool),
	}
	b.blocks[0] = simBlockHash(0)
	return b
}

var _ Backend = (*SimulatedBackend)(nil)

func simBlockHash(n uint64) common.Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return gethcrypto.Keccak256Hash([]byte("agrisubsidy-sim"), buf[:])
}

// SetOffline makes every call fail as if the node were unreachable.
func (b *SimulatedBackend) SetOffline(offline bool) {
	b.mu.Lock()
	b.offline = offline
	b.mu.Unlock()
}

// SetHoldMining keeps sent transactions in the pool until MinePending.
func (b *SimulatedBackend) SetHoldMining(hold bool) {
	b.mu.Lock()
	b.hold = hold
	b.mu.Unlock()
}

// FailNextSend rejects the next SendTransaction without accepting it.
func (b *SimulatedBackend) FailNextSend(err error) {
	b.mu.Lock()
	b.failSend = err
	b.mu.Unlock()
}

// FailNextSendAfterAccept accepts the next transaction but reports err to the
// sender, leaving the outcome ambiguous from the caller's side.
func (b *SimulatedBackend) FailNextSendAfterAccept(err error) {
	b.mu.Lock()
	b.failAfterAccept = err
	b.mu.Unlock()
}

// RevertNext makes the next executed transaction revert with reason.
func (b *SimulatedBackend) RevertNext(reason string) {
	b.mu.Lock()
	b.revertNext = reason
	b.mu.Unlock()
}

// MinePending mines every pooled transaction, one block each.
func (b *SimulatedBackend) MinePending() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.minePendingLocked()
}

// MineBlocks appends n empty blocks.
func (b *SimulatedBackend) MineBlocks(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.head++
		b.blocks[b.head] = simBlockHash(b.head)
	}
}

// DropPending evicts a pooled transaction. Its nonce becomes free again.
func (b *SimulatedBackend) DropPending(hash common.Hash) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.removePendingLocked(hash)
	if !ok {
		return false
	}
	b.pendingAt[st.from] = b.minedAt[st.from]
	return true
}

// ReplacePending evicts a pooled transaction and marks its nonce as used by
// another transaction.
func (b *SimulatedBackend) ReplacePending(hash common.Hash) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.removePendingLocked(hash)
	if !ok {
		return false
	}
	if b.minedAt[st.from] <= st.tx.Nonce() {
		b.minedAt[st.from] = st.tx.Nonce() + 1
	}
	if b.pendingAt[st.from] < b.minedAt[st.from] {
		b.pendingAt[st.from] = b.minedAt[st.from]
	}
	b.head++
	b.blocks[b.head] = simBlockHash(b.head)
	return true
}

// EmitLog mines a block carrying lg as if emitted by an external transaction.
func (b *SimulatedBackend) EmitLog(lg gethtypes.Log) gethtypes.Log {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head++
	b.blocks[b.head] = simBlockHash(b.head)
	lg.BlockNumber = b.head
	lg.BlockHash = b.blocks[b.head]
	if lg.TxHash == (common.Hash{}) {
		lg.TxHash = gethcrypto.Keccak256Hash(lg.BlockHash.Bytes(), []byte("external"))
	}
	lg.Index = uint(len(b.logs))
	b.logs = append(b.logs, lg)
	return lg
}

// Pending returns the hashes of pooled transactions.
func (b *SimulatedBackend) Pending() []common.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]common.Hash(nil), b.pending...)
}

// SentCount returns how many distinct transactions the backend accepted.
func (b *SimulatedBackend) SentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.txs)
}

func (b *SimulatedBackend) check() error {
	if b.offline {
		return ErrSimulatedOffline
	}
	return nil
}

func (b *SimulatedBackend) ChainID(context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	return new(big.Int).Set(b.chainID), nil
}

func (b *SimulatedBackend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return 0, err
	}
	return b.pendingAt[account], nil
}

func (b *SimulatedBackend) NonceAt(_ context.Context, account common.Address, _ *big.Int) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return 0, err
	}
	return b.minedAt[account], nil
}

func (b *SimulatedBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	return big.NewInt(1_000_000_000), nil
}

func (b *SimulatedBackend) HeaderByNumber(_ context.Context, number *big.Int) (*gethtypes.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	n := b.head
	if number != nil {
		if !number.IsUint64() || number.Uint64() > b.head {
			return nil, ethereum.NotFound
		}
		n = number.Uint64()
	}
	return &gethtypes.Header{
		Number:  new(big.Int).SetUint64(n),
		Time:    simGenesisTime + n*simBlockTime,
		BaseFee: new(big.Int).Set(b.baseFee),
		Extra:   b.blocks[n].Bytes(),
	}, nil
}

func (b *SimulatedBackend) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return 0, err
	}
	if reason := b.precheckLocked(msg.To, msg.Data); reason != "" {
		return 0, &simRPCError{code: 3, msg: "execution reverted: " + reason}
	}
	return 120_000, nil
}

func (b *SimulatedBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	if reason := b.precheckLocked(msg.To, msg.Data); reason != "" {
		return nil, &simRPCError{code: 3, msg: "execution reverted: " + reason}
	}
	return nil, nil
}

func (b *SimulatedBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return err
	}
	if err := b.failSend; err != nil {
		b.failSend = nil
		return err
	}
	if _, ok := b.txs[tx.Hash()]; ok {
		return &simRPCError{code: -32000, msg: "already known"}
	}
	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(b.chainID), tx)
	if err != nil {
		return &simRPCError{code: -32000, msg: "invalid sender: " + err.Error()}
	}
	if want := b.pendingAt[from]; tx.Nonce() != want {
		if tx.Nonce() < want {
			return &simRPCError{code: -32000, msg: "nonce too low"}
		}
		return &simRPCError{code: -32000, msg: fmt.Sprintf("nonce gap: want %d got %d", want, tx.Nonce())}
	}
	b.txs[tx.Hash()] = &simTx{tx: tx, from: from}
	b.pending = append(b.pending, tx.Hash())
	b.pendingAt[from] = tx.Nonce() + 1
	if !b.hold {
		b.minePendingLocked()
	}
	if err := b.failAfterAccept; err != nil {
		b.failAfterAccept = nil
		return err
	}
	return nil
}

func (b *SimulatedBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	st, ok := b.txs[hash]
	if !ok || st.receipt == nil {
		return nil, ethereum.NotFound
	}
	cp := *st.receipt
	return &cp, nil
}

func (b *SimulatedBackend) TransactionByHash(_ context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, false, err
	}
	st, ok := b.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return st.tx, st.receipt == nil, nil
}

func (b *SimulatedBackend) BlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return 0, err
	}
	return b.head, nil
}

func (b *SimulatedBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(); err != nil {
		return nil, err
	}
	from, to := uint64(0), b.head
	if q.FromBlock != nil {
		from = q.FromBlock.Uint64()
	}
	if q.ToBlock != nil && q.ToBlock.Uint64() < to {
		to = q.ToBlock.Uint64()
	}
	var out []gethtypes.Log
	for _, lg := range b.logs {
		if lg.BlockNumber < from || lg.BlockNumber > to {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, lg.Address) {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && (len(lg.Topics) == 0 || !containsHash(q.Topics[0], lg.Topics[0])) {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (b *SimulatedBackend) removePendingLocked(hash common.Hash) (*simTx, bool) {
	st, ok := b.txs[hash]
	if !ok || st.receipt != nil {
		return nil, false
	}
	for i, h := range b.pending {
		if h == hash {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			break
		}
	}
	delete(b.txs, hash)
	return st, true
}

func (b *SimulatedBackend) minePendingLocked() {
	sort.SliceStable(b.pending, func(i, j int) bool {
		return b.txs[b.pending[i]].tx.Nonce() < b.txs[b.pending[j]].tx.Nonce()
	})
	for _, hash := range b.pending {
		b.executeLocked(b.txs[hash])
	}
	b.pending = nil
}

func (b *SimulatedBackend) executeLocked(st *simTx) {
	b.head++
	b.blocks[b.head] = simBlockHash(b.head)
	receipt := &gethtypes.Receipt{
		Type:              st.tx.Type(),
		Status:            gethtypes.ReceiptStatusSuccessful,
		CumulativeGasUsed: 90_000,
		GasUsed:           90_000,
		TxHash:            st.tx.Hash(),
		BlockHash:         b.blocks[b.head],
		BlockNumber:       new(big.Int).SetUint64(b.head),
	}
	if b.minedAt[st.from] <= st.tx.Nonce() {
		b.minedAt[st.from] = st.tx.Nonce() + 1
	}
	st.receipt = receipt

	lg, reason := b.applyLocked(st)
	if reason == "" && b.revertNext != "" {
		reason = b.revertNext
		lg = nil
	}
	b.revertNext = ""
	if reason != "" {
		receipt.Status = gethtypes.ReceiptStatusFailed
		return
	}
	if lg == nil {
		return
	}
	lg.TxHash = receipt.TxHash
	lg.BlockNumber = b.head
	lg.BlockHash = receipt.BlockHash
	lg.Index = uint(len(b.logs))
	b.logs = append(b.logs, *lg)
	receipt.Logs = []*gethtypes.Log{lg}
}

// applyLocked runs the registry call and returns the emitted log or a revert
// reason.
func (b *SimulatedBackend) applyLocked(st *simTx) (*gethtypes.Log, string) {
	if reason := b.precheckLocked(st.tx.To(), st.tx.Data()); reason != "" {
		return nil, reason
	}
	method, args, err := decodeCall(st.tx.Data())
	if err != nil {
		return nil, err.Error()
	}
	var (
		lg       gethtypes.Log
		buildErr error
	)
	switch method {
	case contract.MethodCreateProgram:
		b.nextProgram++
		b.programs[b.nextProgram] = true
		lg, buildErr = contract.BuildLog(b.contract, contract.EventProgramCreated,
			new(big.Int).SetUint64(b.nextProgram), st.from, args[0], args[1], args[2])
	case contract.MethodSubmitClaim:
		b.nextClaim++
		lg, buildErr = contract.BuildLog(b.contract, contract.EventClaimSubmitted,
			new(big.Int).SetUint64(b.nextClaim), args[0], st.from, args[1])
	}
	if buildErr != nil {
		return nil, buildErr.Error()
	}
	return &lg, ""
}

func (b *SimulatedBackend) precheckLocked(to *common.Address, data []byte) string {
	if to == nil || *to != b.contract {
		return "unknown contract"
	}
	if b.revertNext != "" {
		return ""
	}
	method, args, err := decodeCall(data)
	if err != nil {
		return err.Error()
	}
	if method == contract.MethodSubmitClaim {
		id, _ := args[0].(*big.Int)
		if id == nil || !id.IsUint64() || !b.programs[id.Uint64()] {
			return "program not found"
		}
	}
	return ""
}

func decodeCall(data []byte) (string, []interface{}, error) {
	if len(data) < 4 {
		return "", nil, errors.New("missing selector")
	}
	registry := contract.ABI()
	method, err := registry.MethodById(data[:4])
	if err != nil {
		return "", nil, errors.New("unknown selector")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return "", nil, fmt.Errorf("decode %s: %w", method.Name, err)
	}
	return method.Name, args, nil
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}

func containsHash(list []common.Hash, h common.Hash) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}
