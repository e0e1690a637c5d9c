package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"lendbridge/chain"
	"lendbridge/ledger"
	"lendbridge/observability"
	"lendbridge/relay"
)

const defaultDropAfter = 10 * time.Minute

// Chain reports the node's view of a transaction.
type Chain interface {
	Lookup(ctx context.Context, hash common.Hash) (*types.Receipt, chain.TxState, error)
}

// StatusUpdater settles ledger entries.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, txHash string, status ledger.Status, block uint64) error
}

// Notifier delivers a frame to one session.
type Notifier interface {
	Send(sessionID string, msg relay.Message) bool
}

// Config wires the reconciler.
type Config struct {
	Journal  *Journal
	Chain    Chain
	Ledger   StatusUpdater
	Notifier Notifier
	// DropAfter is how long a tracked transaction may stay unknown to the
	// node before it is declared dropped.
	DropAfter time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// Report summarises one reconciliation pass.
type Report struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Reverted  int `json:"reverted"`
	Dropped   int `json:"dropped"`
	Pending   int `json:"pending"`
}

// Reconciler settles journaled transactions against the chain.
type Reconciler struct {
	journal   *Journal
	chain     Chain
	ledger    StatusUpdater
	notifier  Notifier
	dropAfter time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewReconciler validates cfg.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Journal == nil {
		return nil, errors.New("reconcile: journal required")
	}
	if cfg.Chain == nil {
		return nil, errors.New("reconcile: chain required")
	}
	dropAfter := cfg.DropAfter
	if dropAfter <= 0 {
		dropAfter = defaultDropAfter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		journal:   cfg.Journal,
		chain:     cfg.Chain,
		ledger:    cfg.Ledger,
		notifier:  cfg.Notifier,
		dropAfter: dropAfter,
		logger:    logger.With("component", "reconcile"),
		now:       now,
	}, nil
}

// RunOnce checks every pending transaction once. Lookup failures leave the
// entry pending for the next pass.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	pending, err := r.journal.Pending(ctx)
	if err != nil {
		return report, err
	}
	metrics := observability.Bridge()
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		receipt, state, err := r.chain.Lookup(ctx, common.HexToHash(p.Hash))
		if err != nil {
			r.logger.Warn("lookup failed; will retry", "tx_hash", p.Hash, "error", err)
			report.Pending++
			continue
		}
		var (
			status Status
			block  uint64
		)
		switch state {
		case chain.TxMined:
			status = StatusConfirmed
			if receipt.Status != types.ReceiptStatusSuccessful {
				status = StatusReverted
			}
			if receipt.BlockNumber != nil {
				block = receipt.BlockNumber.Uint64()
			}
		case chain.TxUnknown:
			since := p.SubmittedAt
			if since.IsZero() {
				since = p.TrackedAt
			}
			if r.now().Sub(since) < r.dropAfter {
				report.Pending++
				continue
			}
			status = StatusDropped
		default:
			report.Pending++
			continue
		}

		res, err := r.journal.Resolve(ctx, p.Hash, status, block)
		if err != nil {
			return report, err
		}
		switch status {
		case StatusConfirmed:
			report.Confirmed++
		case StatusReverted:
			report.Reverted++
		case StatusDropped:
			report.Dropped++
		}
		metrics.RecordResolution(string(status))
		r.logger.Info("tracked transaction resolved",
			"tx_hash", p.Hash,
			"op", p.Op,
			"request_id", p.RequestID,
			"status", string(status),
			"block", block)
		r.settle(ctx, res)
	}
	metrics.SetPending(report.Pending)
	return report, nil
}

func (r *Reconciler) settle(ctx context.Context, res Resolution) {
	if r.ledger != nil {
		if err := r.ledger.UpdateStatus(ctx, res.Hash, ledgerStatus(res.Status), res.Block); err != nil && !errors.Is(err, ledger.ErrNotFound) {
			r.logger.Error("failed to update ledger", "tx_hash", res.Hash, "error", err)
		}
	}
	if r.notifier != nil && res.Session != "" {
		msg := relay.ResolutionMessage(res.ClientID, res.Op, res.Hash, string(res.Status), res.Block)
		if !r.notifier.Send(res.Session, msg) {
			r.logger.Debug("session gone; resolution not delivered", "session", res.Session, "tx_hash", res.Hash)
		}
	}
}

func ledgerStatus(s Status) ledger.Status {
	switch s {
	case StatusConfirmed:
		return ledger.StatusConfirmed
	case StatusReverted:
		return ledger.StatusReverted
	default:
		return ledger.StatusDropped
	}
}
