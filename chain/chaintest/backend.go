// Package chaintest provides an in-memory node for exercising the chain,
// contract and orchestrator layers without a network.
package chaintest

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"lendbridge/chain"
)

// ErrTransport is a transport-level failure as seen by chain.IsTransportError.
var ErrTransport = errors.New("write tcp 127.0.0.1:8546: broken pipe")

// Backend is a programmable fake node. The zero value is not usable; call New.
type Backend struct {
	mu sync.Mutex

	chainID  *big.Int
	baseFee  *big.Int
	tipCap   *big.Int
	gasPrice *big.Int
	block    uint64

	nonces   map[common.Address]uint64
	txs      map[common.Hash]*types.Transaction
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction
	subs     []*subscription
	calls    map[string]int
	dials    int
	failDial int
	dialErr  error

	// AutoMine mines every accepted transaction immediately.
	AutoMine bool
	// SendHook runs before a transaction is accepted; a non-nil error rejects it.
	SendHook func(tx *types.Transaction) error
	// CallHook answers eth_call.
	CallHook func(msg ethereum.CallMsg) ([]byte, error)
	// EstimateHook answers eth_estimateGas; the default is 100000.
	EstimateHook func(msg ethereum.CallMsg) (uint64, error)
	// MineStatus picks the receipt status for auto-mined transactions.
	MineStatus func(tx *types.Transaction) uint64
	// ReceiptLogs supplies the logs attached to auto-mined receipts.
	ReceiptLogs func(tx *types.Transaction, block uint64) []*types.Log
}

// New returns a fake node serving chainID with EIP-1559 pricing.
func New(chainID int64) *Backend {
	return &Backend{
		chainID:  big.NewInt(chainID),
		baseFee:  big.NewInt(1_000_000_000),
		tipCap:   big.NewInt(100_000_000),
		gasPrice: big.NewInt(2_000_000_000),
		block:    100,
		nonces:   make(map[common.Address]uint64),
		txs:      make(map[common.Hash]*types.Transaction),
		receipts: make(map[common.Hash]*types.Receipt),
		calls:    make(map[string]int),
	}
}

// Dialer returns a chain.Dialer handing out this backend.
func (b *Backend) Dialer() chain.Dialer {
	return func(ctx context.Context, endpoint string) (chain.Backend, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.dials++
		if b.failDial > 0 {
			b.failDial--
			return nil, b.dialErr
		}
		return b, nil
	}
}

// FailDials makes the next n dials fail with err.
func (b *Backend) FailDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failDial = n
	b.dialErr = err
}

// Dials reports how many times the backend was dialled.
func (b *Backend) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// SetLegacy switches the node to pre-London pricing (no base fee).
func (b *Backend) SetLegacy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.baseFee = nil
}

// SetNonce sets the pending nonce reported for addr.
func (b *Backend) SetNonce(addr common.Address, nonce uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonces[addr] = nonce
}

// Calls returns the number of calls made to method.
func (b *Backend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// TotalCalls returns the number of RPC calls of any kind.
func (b *Backend) TotalCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.calls {
		total += n
	}
	return total
}

// Sent returns every transaction the node accepted, in order.
func (b *Backend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*types.Transaction, len(b.sent))
	copy(out, b.sent)
	return out
}

// Mine attaches a receipt to a pooled transaction.
func (b *Backend) Mine(hash common.Hash, status uint64, logs ...*types.Log) *types.Receipt {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mineLocked(hash, status, logs)
}

func (b *Backend) mineLocked(hash common.Hash, status uint64, logs []*types.Log) *types.Receipt {
	b.block++
	for i, l := range logs {
		l.TxHash = hash
		l.BlockNumber = b.block
		l.Index = uint(i)
	}
	receipt := &types.Receipt{
		Status:      status,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(b.block),
		GasUsed:     21000,
		Logs:        logs,
	}
	b.receipts[hash] = receipt
	return receipt
}

// Forget removes a pooled transaction, as a node does when it evicts one.
func (b *Backend) Forget(hash common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.txs, hash)
}

// EmitLog delivers l to every live subscription whose filter matches.
func (b *Backend) EmitLog(l types.Log) {
	b.mu.Lock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matches(l) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()
	for _, sub := range targets {
		select {
		case sub.ch <- l:
		case <-sub.quit:
		}
	}
}

// DropSubscriptions fails every live subscription with err, simulating a
// lost websocket.
func (b *Backend) DropSubscriptions(err error) {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		sub.errc <- err
	}
}

// Subscriptions reports the number of live log subscriptions.
func (b *Backend) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Backend) count(method string) {
	b.mu.Lock()
	b.calls[method]++
	b.mu.Unlock()
}

func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	b.count("ChainID")
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	b.count("HeaderByNumber")
	b.mu.Lock()
	defer b.mu.Unlock()
	header := &types.Header{Number: new(big.Int).SetUint64(b.block)}
	if b.baseFee != nil {
		header.BaseFee = new(big.Int).Set(b.baseFee)
	}
	return header, nil
}

func (b *Backend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.count("PendingNonceAt")
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *Backend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	b.count("SuggestGasPrice")
	return new(big.Int).Set(b.gasPrice), nil
}

func (b *Backend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	b.count("SuggestGasTipCap")
	return new(big.Int).Set(b.tipCap), nil
}

func (b *Backend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	b.count("EstimateGas")
	if b.EstimateHook != nil {
		return b.EstimateHook(msg)
	}
	return 100000, nil
}

func (b *Backend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.count("CallContract")
	if b.CallHook == nil {
		return nil, errors.New("execution reverted")
	}
	return b.CallHook(msg)
}

func (b *Backend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	b.count("SendTransaction")
	if b.SendHook != nil {
		if err := b.SendHook(tx); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, known := b.txs[tx.Hash()]; known {
		return errors.New("already known")
	}
	from, err := types.Sender(types.LatestSignerForChainID(b.chainID), tx)
	if err != nil {
		return err
	}
	expected := b.nonces[from]
	if tx.Nonce() < expected {
		return errors.New("nonce too low: next nonce " + new(big.Int).SetUint64(expected).String())
	}
	if tx.Nonce() == expected {
		b.nonces[from] = expected + 1
	}
	b.txs[tx.Hash()] = tx
	b.sent = append(b.sent, tx)
	if b.AutoMine {
		status := types.ReceiptStatusSuccessful
		if b.MineStatus != nil {
			status = b.MineStatus(tx)
		}
		var logs []*types.Log
		if b.ReceiptLogs != nil {
			logs = b.ReceiptLogs(tx, b.block+1)
		}
		b.mineLocked(tx.Hash(), status, logs)
	}
	return nil
}

func (b *Backend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	b.count("TransactionByHash")
	b.mu.Lock()
	defer b.mu.Unlock()
	tx, ok := b.txs[hash]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	_, mined := b.receipts[hash]
	return tx, !mined, nil
}

func (b *Backend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	b.count("TransactionReceipt")
	b.mu.Lock()
	defer b.mu.Unlock()
	receipt, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (b *Backend) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	b.count("SubscribeFilterLogs")
	sub := &subscription{
		owner: b,
		query: q,
		ch:    ch,
		errc:  make(chan error, 1),
		quit:  make(chan struct{}),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

// Close is counted but leaves the fake usable, since reconnects hand the same
// instance back out.
func (b *Backend) Close() {
	b.count("Close")
}

type subscription struct {
	owner *Backend
	query ethereum.FilterQuery
	ch    chan<- types.Log
	errc  chan error
	quit  chan struct{}
	once  sync.Once
}

func (s *subscription) Err() <-chan error { return s.errc }

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		s.owner.mu.Lock()
		defer s.owner.mu.Unlock()
		for i, sub := range s.owner.subs {
			if sub == s {
				s.owner.subs = append(s.owner.subs[:i], s.owner.subs[i+1:]...)
				break
			}
		}
	})
}

func (s *subscription) matches(l types.Log) bool {
	if len(s.query.Addresses) > 0 {
		found := false
		for _, addr := range s.query.Addresses {
			if addr == l.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for i, options := range s.query.Topics {
		if len(options) == 0 {
			continue
		}
		if i >= len(l.Topics) {
			return false
		}
		found := false
		for _, topic := range options {
			if topic == l.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
