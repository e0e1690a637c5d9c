package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"lendbridge/observability"
	"lendbridge/observability/logging"
)

const (
	defaultMaxReconnectAttempts = 5
	defaultReconnectBackoff     = time.Second
	defaultMaxBackoff           = 30 * time.Second
	defaultPollInterval         = 2 * time.Second
	defaultConfirmTimeout       = 2 * time.Minute
	defaultDropAfter            = time.Minute
	watchBuffer                 = 128
)

// ConnConfig configures the node connection.
type ConnConfig struct {
	Endpoint             string
	Dialer               Dialer
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
	MaxBackoff           time.Duration
	PollInterval         time.Duration
	ConfirmTimeout       time.Duration
	// DropAfter is how long the node may report a submitted transaction as
	// unknown before it is treated as dropped from the pool.
	DropAfter time.Duration
	Logger    *slog.Logger
}

// Handle references a transaction the node accepted into its pool.
type Handle struct {
	Hash        common.Hash `json:"hash"`
	Nonce       uint64      `json:"nonce"`
	SubmittedAt time.Time   `json:"submittedAt"`
}

// TxState is the node's view of a transaction hash.
type TxState int

const (
	TxUnknown TxState = iota
	TxPending
	TxMined
)

func (s TxState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxMined:
		return "mined"
	default:
		return "unknown"
	}
}

type watch struct {
	name  string
	query ethereum.FilterQuery
}

// Conn is a reconnecting link to one node. Reads, submissions and log watches
// all share the current backend; a transport failure seen by any of them
// triggers a single bounded redial.
type Conn struct {
	cfg      ConnConfig
	endpoint string
	logger   *slog.Logger
	metrics  *observability.BridgeMetrics

	mu      sync.RWMutex
	backend Backend
	gen     uint64
	closed  bool

	reconnectMu sync.Mutex

	feed    event.FeedOf[types.Log]
	watchMu sync.Mutex
	watches map[string]*watch

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	errs   chan error
}

// Dial opens the connection, applying the same reconnect budget to the first
// dial as to every later one.
func Dial(ctx context.Context, cfg ConnConfig) (*Conn, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("chain: endpoint required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = DialEthclient
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	if cfg.DropAfter <= 0 {
		cfg.DropAfter = defaultDropAfter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		cfg:      cfg,
		endpoint: logging.MaskURL(cfg.Endpoint),
		logger:   logger.With("component", "chain"),
		metrics:  observability.Bridge(),
		watches:  make(map[string]*watch),
		ctx:      runCtx,
		cancel:   cancel,
		errs:     make(chan error, 1),
	}
	backend, err := c.dialWithBackoff(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.backend = backend
	c.logger.Info("chain connection established", "endpoint", c.endpoint)
	return c, nil
}

// Endpoint returns the masked endpoint for diagnostics.
func (c *Conn) Endpoint() string { return c.endpoint }

// Err delivers a terminal failure, such as an exhausted reconnect budget
// while re-establishing a watch. At most one error is buffered.
func (c *Conn) Err() <-chan error { return c.errs }

// Close stops every watch and closes the backend.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	backend := c.backend
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	if backend != nil {
		backend.Close()
	}
}

func (c *Conn) current() (Backend, uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, 0, ErrClosed
	}
	return c.backend, c.gen, nil
}

// reconnect replaces the backend that failed at generation failedGen. Callers
// racing on the same failure share one redial.
func (c *Conn) reconnect(ctx context.Context, failedGen uint64) error {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	c.mu.RLock()
	gen, closed := c.gen, c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if gen != failedGen {
		return nil
	}

	c.logger.Warn("chain transport lost, reconnecting", "endpoint", c.endpoint)
	backend, err := c.dialWithBackoff(ctx)
	if err != nil {
		c.metrics.RecordReconnect("failed")
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			c.fail(err)
		}
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		backend.Close()
		return ErrClosed
	}
	old := c.backend
	c.backend = backend
	c.gen++
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
	c.metrics.RecordReconnect("ok")
	c.logger.Info("chain connection re-established", "endpoint", c.endpoint)
	return nil
}

func (c *Conn) dialWithBackoff(ctx context.Context) (Backend, error) {
	delay := c.cfg.ReconnectBackoff
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		backend, err := c.cfg.Dialer(ctx, c.cfg.Endpoint)
		if err == nil {
			return backend, nil
		}
		lastErr = err
		c.logger.Warn("chain dial failed", "endpoint", c.endpoint, "attempt", attempt, "error", err)
		if attempt == c.cfg.MaxReconnectAttempts {
			break
		}
		if err := sleepContext(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
		if delay > c.cfg.MaxBackoff {
			delay = c.cfg.MaxBackoff
		}
	}
	return nil, &ConnectionError{Endpoint: c.endpoint, Attempts: c.cfg.MaxReconnectAttempts, Err: lastErr}
}

func (c *Conn) fail(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

// Call runs fn against the live backend. A transport failure triggers one
// reconnect and one retry; node-level errors are returned untouched.
func (c *Conn) Call(ctx context.Context, fn func(Backend) error) error {
	backend, gen, err := c.current()
	if err != nil {
		return err
	}
	err = fn(backend)
	if !IsTransportError(err) {
		return err
	}
	if rerr := c.reconnect(ctx, gen); rerr != nil {
		return rerr
	}
	backend, _, err = c.current()
	if err != nil {
		return err
	}
	return fn(backend)
}

// ChainID asks the node which chain it serves.
func (c *Conn) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.Call(ctx, func(b Backend) error {
		var err error
		id, err = b.ChainID(ctx)
		return err
	})
	return id, err
}

// Submit broadcasts an already signed transaction. The same signed bytes are
// resent at most once after a reconnect, and only when the node does not know
// the hash yet.
func (c *Conn) Submit(ctx context.Context, tx *types.Transaction) (Handle, error) {
	if tx == nil {
		return Handle{}, errors.New("chain: nil transaction")
	}
	handle := Handle{Hash: tx.Hash(), Nonce: tx.Nonce(), SubmittedAt: time.Now().UTC()}

	backend, gen, err := c.current()
	if err != nil {
		return Handle{}, err
	}
	err = backend.SendTransaction(ctx, tx)
	if err == nil {
		return handle, nil
	}
	if !IsTransportError(err) {
		if classified := ClassifySendError(err); classified != nil {
			return Handle{}, classified
		}
		return handle, nil
	}

	c.logger.Warn("transport failed during broadcast", "tx_hash", handle.Hash.Hex(), "nonce", handle.Nonce, "error", err)
	if rerr := c.reconnect(ctx, gen); rerr != nil {
		return handle, fmt.Errorf("%w: %s: %w", ErrBroadcastUnknown, handle.Hash.Hex(), rerr)
	}
	backend, _, err = c.current()
	if err != nil {
		return handle, fmt.Errorf("%w: %s: %w", ErrBroadcastUnknown, handle.Hash.Hex(), err)
	}
	if _, _, lookupErr := backend.TransactionByHash(ctx, handle.Hash); lookupErr == nil {
		return handle, nil
	}
	if _, receiptErr := backend.TransactionReceipt(ctx, handle.Hash); receiptErr == nil {
		return handle, nil
	}
	if err := backend.SendTransaction(ctx, tx); err != nil {
		if IsTransportError(err) {
			return handle, fmt.Errorf("%w: %s: %w", ErrBroadcastUnknown, handle.Hash.Hex(), err)
		}
		// The first copy may already be mined. The node's rejection stays out
		// of the error chain so it never reads as a pre-broadcast one.
		if classified := ClassifySendError(err); classified != nil {
			c.logger.Warn("resend rejected after lost acknowledgement", "tx_hash", handle.Hash.Hex(), "nonce", handle.Nonce, "error", err)
			return handle, fmt.Errorf("%w: %s: resend rejected: %v", ErrBroadcastUnknown, handle.Hash.Hex(), classified)
		}
	}
	return handle, nil
}

// Lookup reports the node's current view of a transaction.
func (c *Conn) Lookup(ctx context.Context, hash common.Hash) (*types.Receipt, TxState, error) {
	var (
		receipt *types.Receipt
		state   TxState
	)
	err := c.Call(ctx, func(b Backend) error {
		r, err := b.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			receipt, state = r, TxMined
			return nil
		case !errors.Is(err, ethereum.NotFound):
			return err
		}
		_, _, err = b.TransactionByHash(ctx, hash)
		switch {
		case err == nil:
			// Known but without a receipt: still pooled or not yet indexed.
			state = TxPending
			return nil
		case errors.Is(err, ethereum.NotFound):
			state = TxUnknown
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return nil, TxUnknown, err
	}
	return receipt, state, nil
}

// WaitForConfirmation polls until the transaction is mined, the node forgets
// it for longer than DropAfter, or ConfirmTimeout elapses. Timing out does not
// cancel the transaction.
func (c *Conn) WaitForConfirmation(ctx context.Context, h Handle) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	var missingSince time.Time
	for {
		receipt, state, err := c.Lookup(waitCtx, h.Hash)
		switch {
		case err != nil && waitCtx.Err() != nil:
		case err != nil:
			if errors.Is(err, ErrConnection) || errors.Is(err, ErrClosed) {
				return nil, err
			}
			c.logger.Debug("receipt lookup failed", "tx_hash", h.Hash.Hex(), "error", err)
		case state == TxMined:
			return receipt, nil
		case state == TxUnknown:
			if missingSince.IsZero() {
				missingSince = time.Now()
			} else if time.Since(missingSince) >= c.cfg.DropAfter {
				return nil, fmt.Errorf("%w: %s", ErrDropped, h.Hash.Hex())
			}
		default:
			missingSince = time.Time{}
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s after %s", ErrConfirmationTimeout, h.Hash.Hex(), c.cfg.ConfirmTimeout)
		case <-ticker.C:
		}
	}
}

// SubscribeLogs attaches ch to the process-wide log feed fed by every watch.
func (c *Conn) SubscribeLogs(ch chan<- types.Log) event.Subscription {
	return c.feed.Subscribe(ch)
}

// Watch opens one node subscription for query and keeps it alive across
// reconnects. Logs emitted while the transport was down are not replayed.
func (c *Conn) Watch(name string, query ethereum.FilterQuery) error {
	if _, _, err := c.current(); err != nil {
		return err
	}
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if _, exists := c.watches[name]; exists {
		return fmt.Errorf("chain: watch %q already registered", name)
	}
	w := &watch{name: name, query: query}
	c.watches[name] = w
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runWatch(c.ctx, w)
	}()
	return nil
}

func (c *Conn) runWatch(ctx context.Context, w *watch) {
	var (
		lastBlock uint64
		resumed   bool
	)
	for {
		backend, gen, err := c.current()
		if err != nil {
			return
		}
		logs := make(chan types.Log, watchBuffer)
		sub, err := backend.SubscribeFilterLogs(ctx, w.query, logs)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !IsTransportError(err) {
				c.logger.Error("log subscription refused", "watch", w.name, "error", err)
				c.fail(fmt.Errorf("chain: subscribe %s: %w", w.name, err))
				return
			}
			if rerr := c.reconnect(ctx, gen); rerr != nil {
				return
			}
			resumed = true
			continue
		}
		if resumed {
			c.logger.Warn("log subscription re-established; logs emitted while disconnected are not replayed",
				"watch", w.name, "last_block", lastBlock)
		}

		if !c.pump(ctx, w, sub, logs, &lastBlock) {
			return
		}
		c.metrics.RecordSubscriptionDrop(w.name)
		if rerr := c.reconnect(ctx, gen); rerr != nil {
			return
		}
		resumed = true
	}
}

// pump forwards logs until the subscription fails. It returns false when the
// watch should stop for good.
func (c *Conn) pump(ctx context.Context, w *watch, sub ethereum.Subscription, logs <-chan types.Log, lastBlock *uint64) bool {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return false
		case l := <-logs:
			if l.BlockNumber > *lastBlock {
				*lastBlock = l.BlockNumber
			}
			c.feed.Send(l)
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				return ctx.Err() == nil
			}
			c.logger.Warn("log subscription dropped", "watch", w.name, "last_block", *lastBlock, "error", err)
			return true
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
