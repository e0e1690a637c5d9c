// Package orchestrator serializes contract writes through a single
// submission worker so the signer's nonces stay gapless and unique.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lendbridge/chain"
	"lendbridge/contract"
	"lendbridge/ledger"
	"lendbridge/observability"
	"lendbridge/reconcile"
)

const (
	defaultQueueSize     = 256
	defaultSubmitTimeout = 30 * time.Second
)

// Proxy is the subset of the contract binding the orchestrator drives.
type Proxy interface {
	Build(op contract.Operation, target, amount string) (contract.Call, error)
	PendingNonce(ctx context.Context) (uint64, error)
	Submit(ctx context.Context, call contract.Call, nonce uint64) (chain.Handle, error)
	Await(ctx context.Context, h chain.Handle) (contract.Receipt, error)
}

// Tracker journals transactions whose outcome is unknown.
type Tracker interface {
	Track(ctx context.Context, p reconcile.PendingTx) error
}

// Recorder appends request outcomes to the audit ledger.
type Recorder interface {
	Record(ctx context.Context, entry ledger.Entry) error
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Proxy         Proxy
	Tracker       Tracker
	Recorder      Recorder
	Logger        *slog.Logger
	QueueSize     int
	SubmitTimeout time.Duration
}

// WriteRequest is one state-changing request from a session.
type WriteRequest struct {
	// ID keys the request in the ledger and journal. It is generated when
	// empty and must be unique.
	ID string
	// ClientID is the id the session sent, echoed back on replies. Sessions
	// choose it freely, so it may repeat.
	ClientID string
	Session  string
	Op       contract.Operation
	Target   string
	Amount   string
}

const (
	jobQueued int32 = iota
	jobClaimed
	jobCancelled
)

type submission struct {
	handle chain.Handle
	err    error
}

type job struct {
	ctx   context.Context
	req   WriteRequest
	call  contract.Call
	state atomic.Int32
	done  chan submission
}

// Orchestrator owns the signer's nonce sequence.
type Orchestrator struct {
	proxy         Proxy
	tracker       Tracker
	recorder      Recorder
	logger        *slog.Logger
	tracer        trace.Tracer
	submitTimeout time.Duration

	jobs    chan *job
	started atomic.Bool
	stopped chan struct{}

	// Owned by the worker goroutine.
	nonce      uint64
	nonceKnown bool
	stale      atomic.Bool
}

// New validates cfg and returns an orchestrator. Run must be started before
// Execute can make progress.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Proxy == nil {
		return nil, errors.New("orchestrator: proxy required")
	}
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}
	timeout := cfg.SubmitTimeout
	if timeout <= 0 {
		timeout = defaultSubmitTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		proxy:         cfg.Proxy,
		tracker:       cfg.Tracker,
		recorder:      cfg.Recorder,
		logger:        logger.With("component", "orchestrator"),
		tracer:        otel.Tracer("lendbridge/orchestrator"),
		submitTimeout: timeout,
		jobs:          make(chan *job, queue),
		stopped:       make(chan struct{}),
	}, nil
}

// QueueLen reports how many requests are waiting for the worker.
func (o *Orchestrator) QueueLen() int { return len(o.jobs) }

// Run is the submission worker. It returns when ctx is cancelled; requests
// still queued at that point fail with ErrStopped.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return errors.New("orchestrator: already running")
	}
	defer close(o.stopped)
	metrics := observability.Bridge()
	for {
		select {
		case <-ctx.Done():
			o.drain()
			return nil
		case j := <-o.jobs:
			metrics.SetQueueDepth(len(o.jobs))
			if !j.state.CompareAndSwap(jobQueued, jobClaimed) {
				continue
			}
			handle, err := o.submit(j)
			j.done <- submission{handle: handle, err: err}
		}
	}
}

func (o *Orchestrator) drain() {
	for {
		select {
		case j := <-o.jobs:
			if j.state.CompareAndSwap(jobQueued, jobClaimed) {
				j.done <- submission{err: ErrStopped}
			}
		default:
			return
		}
	}
}

// submit assigns the next nonce to j and broadcasts it. Only the worker
// goroutine calls it.
func (o *Orchestrator) submit(j *job) (chain.Handle, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(j.ctx), o.submitTimeout)
	defer cancel()

	if o.stale.Swap(false) || !o.nonceKnown {
		next, err := o.proxy.PendingNonce(ctx)
		if err != nil {
			o.nonceKnown = false
			return chain.Handle{}, err
		}
		if o.nonceKnown && next != o.nonce {
			o.logger.Info("nonce resynced from node", "local", o.nonce, "node", next)
		}
		o.nonce, o.nonceKnown = next, true
	}

	handle, err := o.proxy.Submit(ctx, j.call, o.nonce)
	if errors.Is(err, chain.ErrNonceTooLow) {
		next, perr := o.proxy.PendingNonce(ctx)
		if perr != nil {
			o.nonceKnown = false
			return chain.Handle{}, err
		}
		o.logger.Warn("nonce drift detected; re-signing", "request_id", j.req.ID, "local", o.nonce, "node", next)
		o.nonce = next
		handle, err = o.proxy.Submit(ctx, j.call, o.nonce)
	}
	switch {
	case err == nil:
		o.nonce++
	case errors.Is(err, chain.ErrBroadcastUnknown),
		errors.Is(err, chain.ErrNonceTooLow),
		errors.Is(err, chain.ErrConnection):
		o.stale.Store(true)
	}
	return handle, err
}

// Execute validates req, waits for its turn at the worker and then for the
// transaction to be mined. A reverted transaction returns its receipt along
// with a KindReverted error. Every other failure is an *Error.
func (o *Orchestrator) Execute(ctx context.Context, req WriteRequest) (contract.Receipt, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctx, span := o.tracer.Start(ctx, "orchestrator.execute", trace.WithAttributes(
		attribute.String("op", string(req.Op)),
		attribute.String("request.id", req.ID),
	))
	defer span.End()

	receipt, unknown, err := o.execute(ctx, req)
	kind := "success"
	var failure *Error
	if errors.As(err, &failure) {
		kind = string(failure.Kind)
		span.SetStatus(codes.Error, failure.Detail)
		span.SetAttributes(attribute.String("error.kind", kind), attribute.String("error.outcome", string(failure.Outcome)))
	}
	if receipt.TxHash != "" {
		span.SetAttributes(attribute.String("tx.hash", receipt.TxHash))
	}
	observability.Bridge().RecordOutcome(string(req.Op), kind)
	// The ledger row must exist before the journal entry, or a fast
	// reconciler pass could settle a row that is then written as pending.
	o.record(ctx, req, receipt, failure)
	if unknown != nil {
		o.track(req, *unknown, failure.Detail)
	}
	return receipt, err
}

// execute runs req to completion. When the outcome is unknown it also returns
// the handle that still needs reconciling.
func (o *Orchestrator) execute(ctx context.Context, req WriteRequest) (contract.Receipt, *chain.Handle, error) {
	op := string(req.Op)
	call, err := o.proxy.Build(req.Op, req.Target, req.Amount)
	if err != nil {
		return contract.Receipt{}, nil, Normalize(op, err)
	}

	j := &job{ctx: ctx, req: req, call: call, done: make(chan submission, 1)}
	select {
	case o.jobs <- j:
		observability.Bridge().SetQueueDepth(len(o.jobs))
	case <-ctx.Done():
		return contract.Receipt{}, nil, Normalize(op, ctx.Err())
	case <-o.stopped:
		return contract.Receipt{}, nil, Normalize(op, ErrStopped)
	}

	var sub submission
	select {
	case sub = <-j.done:
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobQueued, jobCancelled) {
			o.logger.Info("request cancelled while queued", "request_id", req.ID, "op", op)
			return contract.Receipt{}, nil, Normalize(op, ctx.Err())
		}
		sub = <-j.done
	case <-o.stopped:
		if j.state.CompareAndSwap(jobQueued, jobCancelled) {
			return contract.Receipt{}, nil, Normalize(op, ErrStopped)
		}
		sub = <-j.done
	}

	if sub.err != nil {
		failure := Normalize(op, sub.err)
		if failure.Outcome == OutcomeUnknown {
			failure.TxHash = sub.handle.Hash.Hex()
			return contract.Receipt{}, &sub.handle, failure
		}
		return contract.Receipt{}, nil, failure
	}
	observability.Bridge().RecordSubmission(op)
	hash := sub.handle.Hash.Hex()

	receipt, err := o.proxy.Await(ctx, sub.handle)
	if err != nil {
		failure := Normalize(op, err)
		failure.TxHash = hash
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			failure.Kind = KindTimeout
			failure.Outcome = OutcomeUnknown
			failure.Detail = "stopped waiting before the transaction was mined; it is still pending and is being tracked"
		case failure.Kind == KindConnection:
			failure.Outcome = OutcomeUnknown
			failure.Detail = "lost the node while waiting for the receipt; the transaction may still be mined and is being tracked"
		case failure.Kind == KindDropped:
			o.stale.Store(true)
		}
		var unknown *chain.Handle
		if failure.Outcome == OutcomeUnknown {
			unknown = &sub.handle
		}
		o.logger.Warn("write not confirmed",
			"request_id", req.ID,
			"op", op,
			"tx_hash", hash,
			"kind", string(failure.Kind),
			"outcome", string(failure.Outcome),
			"error", err)
		return contract.Receipt{}, unknown, failure
	}
	observability.Bridge().ObserveConfirmation(op, time.Since(sub.handle.SubmittedAt))
	if !receipt.Success {
		return receipt, nil, &Error{
			Kind:    KindReverted,
			Outcome: OutcomeReverted,
			Op:      op,
			TxHash:  receipt.TxHash,
			Detail:  "the transaction was mined but the contract reverted it; only gas was spent",
		}
	}
	return receipt, nil, nil
}

func (o *Orchestrator) track(req WriteRequest, h chain.Handle, reason string) {
	o.logger.Warn("transaction outcome unknown; tracking for reconciliation",
		"request_id", req.ID,
		"op", string(req.Op),
		"tx_hash", h.Hash.Hex(),
		"nonce", h.Nonce)
	if o.tracker == nil {
		return
	}
	pending := reconcile.PendingTx{
		Hash:        h.Hash.Hex(),
		Nonce:       h.Nonce,
		Op:          string(req.Op),
		Session:     req.Session,
		RequestID:   req.ID,
		ClientID:    req.ClientID,
		Reason:      reason,
		SubmittedAt: h.SubmittedAt,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.tracker.Track(ctx, pending); err != nil {
		o.logger.Error("failed to journal pending transaction", "tx_hash", pending.Hash, "error", err)
	}
}

func (o *Orchestrator) record(ctx context.Context, req WriteRequest, receipt contract.Receipt, failure *Error) {
	if o.recorder == nil {
		return
	}
	entry := ledger.Entry{
		RequestID: req.ID,
		ClientID:  req.ClientID,
		Session:   req.Session,
		Op:        string(req.Op),
		Target:    req.Target,
		Amount:    req.Amount,
		TxHash:    receipt.TxHash,
		Block:     receipt.Block,
		Status:    ledger.StatusConfirmed,
	}
	if receipt.TxHash != "" {
		nonce := receipt.Nonce
		entry.Nonce = &nonce
	}
	if failure != nil {
		entry.ErrorKind = string(failure.Kind)
		entry.Outcome = string(failure.Outcome)
		entry.Detail = failure.Detail
		if entry.TxHash == "" {
			entry.TxHash = failure.TxHash
		}
		switch {
		case failure.Outcome == OutcomeUnknown:
			entry.Status = ledger.StatusPending
		case failure.Kind == KindReverted && failure.Outcome == OutcomeReverted:
			entry.Status = ledger.StatusReverted
		case failure.Kind == KindDropped:
			entry.Status = ledger.StatusDropped
		default:
			entry.Status = ledger.StatusFailed
		}
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.recorder.Record(rctx, entry); err != nil {
		o.logger.Error("failed to record ledger entry", "request_id", req.ID, "error", err)
	}
}
