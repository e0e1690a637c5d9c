package contract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/holiman/uint256"

	"lendbridge/chain"
)

const defaultGasHeadroomPercent = 20

// ProxyConfig configures the pool binding.
type ProxyConfig struct {
	Address            common.Address
	MaxAmount          *uint256.Int
	GasHeadroomPercent uint64
	Logger             *slog.Logger
}

// Call is a validated, ABI-packed write ready for nonce assignment.
type Call struct {
	Op     Operation
	Method string
	Data   []byte
	Target common.Address
	Amount *uint256.Int
}

// Receipt is the confirmed outcome of a write.
type Receipt struct {
	TxHash  string  `json:"txHash"`
	Success bool    `json:"success"`
	Block   uint64  `json:"block"`
	GasUsed uint64  `json:"gasUsed"`
	Nonce   uint64  `json:"nonce"`
	Events  []Event `json:"events"`
}

// Proxy is the typed binding over one deployed pool.
type Proxy struct {
	conn      *chain.Conn
	authority *chain.Authority
	address   common.Address
	maxAmount *uint256.Int
	headroom  uint64
	logger    *slog.Logger
}

// NewProxy binds the pool at cfg.Address. The connection and authority must
// already be initialised.
func NewProxy(conn *chain.Conn, authority *chain.Authority, cfg ProxyConfig) (*Proxy, error) {
	if conn == nil {
		return nil, errors.New("contract: chain connection required")
	}
	if authority == nil {
		return nil, errors.New("contract: signing authority required")
	}
	if cfg.Address == (common.Address{}) {
		return nil, errors.New("contract: pool address required")
	}
	maxAmount := cfg.MaxAmount
	if maxAmount == nil {
		maxAmount = DefaultMaxAmount
	}
	headroom := cfg.GasHeadroomPercent
	if headroom == 0 {
		headroom = defaultGasHeadroomPercent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		conn:      conn,
		authority: authority,
		address:   cfg.Address,
		maxAmount: maxAmount,
		headroom:  headroom,
		logger:    logger.With("component", "contract"),
	}, nil
}

// Address returns the pool address.
func (p *Proxy) Address() common.Address { return p.address }

// Signer returns the account every write is sent from.
func (p *Proxy) Signer() common.Address { return p.authority.Address() }

// Build validates the arguments of op and packs the call. It never touches
// the network.
func (p *Proxy) Build(op Operation, target, amount string) (Call, error) {
	call := Call{Op: op, Method: op.Method()}
	var args []interface{}
	switch op {
	case OpDepositCollateral:
		token, err := ParseAddress("token", target)
		if err != nil {
			return Call{}, err
		}
		value, err := ParseAmount(amount, p.maxAmount)
		if err != nil {
			return Call{}, err
		}
		call.Target, call.Amount = token, value
		args = []interface{}{token, value.ToBig()}
	case OpDepositStablecoin, OpWithdrawStablecoin, OpBorrow, OpRepay:
		value, err := ParseAmount(amount, p.maxAmount)
		if err != nil {
			return Call{}, err
		}
		call.Amount = value
		args = []interface{}{value.ToBig()}
	case OpLiquidate:
		borrower, err := ParseAddress("borrower", target)
		if err != nil {
			return Call{}, err
		}
		call.Target = borrower
		args = []interface{}{borrower}
	case OpGetInterestAndRate:
	default:
		return Call{}, &ValidationError{Field: "operation", Reason: fmt.Sprintf("unsupported %q", string(op))}
	}
	data, err := lendingPool.Pack(call.Method, args...)
	if err != nil {
		return Call{}, &ValidationError{Field: "arguments", Reason: err.Error()}
	}
	call.Data = data
	return call, nil
}

// PendingNonce returns the node's next nonce for the signer, including
// pooled transactions.
func (p *Proxy) PendingNonce(ctx context.Context) (uint64, error) {
	var nonce uint64
	err := p.conn.Call(ctx, func(b chain.Backend) error {
		var err error
		nonce, err = b.PendingNonceAt(ctx, p.authority.Address())
		return err
	})
	return nonce, err
}

// Submit prices and signs call with nonce and broadcasts it. A call the node
// expects to revert is rejected here, before anything is signed.
func (p *Proxy) Submit(ctx context.Context, call Call, nonce uint64) (chain.Handle, error) {
	msg := ethereum.CallMsg{From: p.authority.Address(), To: &p.address, Data: call.Data}
	var gas uint64
	err := p.conn.Call(ctx, func(b chain.Backend) error {
		var err error
		gas, err = b.EstimateGas(ctx, msg)
		return err
	})
	if err != nil {
		return chain.Handle{}, fmt.Errorf("contract: estimate %s: %w", call.Method, classifyNodeError(err))
	}
	gas += gas * p.headroom / 100

	intent := chain.Intent{Nonce: nonce, To: &p.address, Data: call.Data, Gas: gas}
	err = p.conn.Call(ctx, func(b chain.Backend) error {
		intent.GasPrice, intent.GasFeeCap, intent.GasTipCap = nil, nil, nil
		head, err := b.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		if head.BaseFee == nil {
			intent.GasPrice, err = b.SuggestGasPrice(ctx)
			return err
		}
		tip, err := b.SuggestGasTipCap(ctx)
		if err != nil {
			return err
		}
		intent.GasTipCap = tip
		intent.GasFeeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
		return nil
	})
	if err != nil {
		return chain.Handle{}, fmt.Errorf("contract: price %s: %w", call.Method, classifyNodeError(err))
	}

	tx, err := p.authority.Sign(intent)
	if err != nil {
		return chain.Handle{}, err
	}
	handle, err := p.conn.Submit(ctx, tx)
	if err != nil {
		return handle, err
	}
	p.logger.Info("transaction broadcast",
		"op", string(call.Op),
		"tx_hash", handle.Hash.Hex(),
		"nonce", handle.Nonce,
		"gas", gas)
	return handle, nil
}

// Await blocks until the transaction behind h is mined and decodes the pool
// events in its receipt.
func (p *Proxy) Await(ctx context.Context, h chain.Handle) (Receipt, error) {
	receipt, err := p.conn.WaitForConfirmation(ctx, h)
	if err != nil {
		return Receipt{}, err
	}
	return p.decodeReceipt(receipt, h.Nonce), nil
}

// Write is the blocking build, sign, submit and await sequence for callers
// that manage the nonce themselves.
func (p *Proxy) Write(ctx context.Context, op Operation, target, amount string, nonce uint64) (Receipt, error) {
	call, err := p.Build(op, target, amount)
	if err != nil {
		return Receipt{}, err
	}
	handle, err := p.Submit(ctx, call, nonce)
	if err != nil {
		return Receipt{}, err
	}
	return p.Await(ctx, handle)
}

func (p *Proxy) decodeReceipt(r *types.Receipt, nonce uint64) Receipt {
	out := Receipt{
		TxHash:  r.TxHash.Hex(),
		Success: r.Status == types.ReceiptStatusSuccessful,
		GasUsed: r.GasUsed,
		Nonce:   nonce,
		Events:  []Event{},
	}
	if r.BlockNumber != nil {
		out.Block = r.BlockNumber.Uint64()
	}
	for _, l := range r.Logs {
		if l == nil || l.Address != p.address {
			continue
		}
		ev, err := DecodeLog(*l)
		if err != nil {
			p.logger.Debug("skipping undecodable receipt log", "tx_hash", out.TxHash, "error", err)
			continue
		}
		out.Events = append(out.Events, ev)
	}
	return out
}

// poolWatch names the single log subscription covering every pool event.
const poolWatch = "lending-pool"

// WatchEvents opens one chain watch matching every pool event kind, so the
// node delivers them in the order it emitted them.
func (p *Proxy) WatchEvents() error {
	kinds := EventKinds()
	topics := make([]common.Hash, 0, len(kinds))
	for _, kind := range kinds {
		ev, ok := lendingPool.Events[kind]
		if !ok {
			return fmt.Errorf("contract: event %s missing from ABI", kind)
		}
		topics = append(topics, ev.ID)
	}
	return p.conn.Watch(poolWatch, ethereum.FilterQuery{
		Addresses: []common.Address{p.address},
		Topics:    [][]common.Hash{topics},
	})
}

// SubscribeEvents decodes the connection's log feed into pool events. Logs
// from other contracts and undecodable logs are skipped.
func (p *Proxy) SubscribeEvents(ch chan<- Event) event.Subscription {
	logs := make(chan types.Log, 128)
	sub := p.conn.SubscribeLogs(logs)
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case l := <-logs:
				if l.Address != p.address {
					continue
				}
				ev, err := DecodeLog(l)
				if err != nil {
					p.logger.Warn("skipping undecodable log", "tx_hash", l.TxHash.Hex(), "error", err)
					continue
				}
				select {
				case ch <- ev:
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	})
}

// classifyNodeError keeps connection failures intact and maps node rejection
// text onto the chain sentinels.
func classifyNodeError(err error) error {
	if errors.Is(err, chain.ErrConnection) || errors.Is(err, chain.ErrClosed) || chain.IsTransportError(err) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if classified := chain.ClassifySendError(err); classified != nil {
		return classified
	}
	return err
}
