package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"lendbridge/chain"
	"lendbridge/contract"
)

// ErrStopped is returned for requests that arrive after the worker stopped.
var ErrStopped = errors.New("orchestrator: stopped")

// Kind classifies a failed write request.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindSigning     Kind = "signing"
	KindConnection  Kind = "connection"
	KindRejected    Kind = "rejected"
	KindUnderpriced Kind = "underpriced"
	KindReverted    Kind = "reverted"
	KindDropped     Kind = "dropped"
	KindTimeout     Kind = "timeout"
)

// Outcome tells the requester what happened to their funds.
type Outcome string

const (
	// OutcomeNotMoved: nothing executed on-chain.
	OutcomeNotMoved Outcome = "not_moved"
	// OutcomeReverted: mined, but the contract undid it; only gas was spent.
	OutcomeReverted Outcome = "reverted"
	// OutcomeUnknown: the transaction may still execute; it is tracked for
	// reconciliation.
	OutcomeUnknown Outcome = "unknown"
)

// Error is the normalised failure of a write request.
type Error struct {
	Kind    Kind
	Outcome Outcome
	Op      string
	Detail  string
	TxHash  string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("orchestrator: %s %s: %s", e.Op, e.Kind, e.Detail)
	if e.TxHash != "" {
		msg += " (tx " + e.TxHash + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Normalize maps any failure from the layers below onto the closed Kind
// taxonomy. Errors that are already normalised are returned as is.
func Normalize(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var normalized *Error
	if errors.As(err, &normalized) {
		return normalized
	}
	e := &Error{Op: op, Err: err, Outcome: OutcomeNotMoved}
	var validation *contract.ValidationError
	switch {
	case errors.As(err, &validation):
		e.Kind = KindValidation
		e.Detail = fmt.Sprintf("invalid %s: %s", validation.Field, validation.Reason)
	case errors.Is(err, contract.ErrValidation):
		e.Kind = KindValidation
		e.Detail = "invalid request"
	case errors.Is(err, chain.ErrSigning):
		e.Kind = KindSigning
		e.Detail = "the transaction could not be signed; nothing was submitted"
	case errors.Is(err, chain.ErrBroadcastUnknown):
		e.Kind = KindConnection
		e.Outcome = OutcomeUnknown
		e.Detail = "the node connection dropped during submission; the transaction may still be mined and is being tracked"
	case errors.Is(err, chain.ErrConfirmationTimeout):
		e.Kind = KindTimeout
		e.Outcome = OutcomeUnknown
		e.Detail = "no receipt within the confirmation window; the transaction is still pending and is being tracked"
	case errors.Is(err, chain.ErrDropped):
		e.Kind = KindDropped
		e.Detail = "the transaction was dropped from the pending pool and never executed"
	case errors.Is(err, chain.ErrConnection), errors.Is(err, chain.ErrClosed):
		e.Kind = KindConnection
		e.Detail = "the blockchain node is unreachable; nothing was submitted"
	case errors.Is(err, chain.ErrUnderpriced):
		e.Kind = KindUnderpriced
		e.Detail = "the node rejected the gas price; nothing was submitted"
	case errors.Is(err, chain.ErrExecutionReverted):
		e.Kind = KindReverted
		e.Detail = "the contract rejected the call during simulation; nothing was submitted"
	case errors.Is(err, chain.ErrInsufficientFunds):
		e.Kind = KindRejected
		e.Detail = "the bridge account cannot cover gas; nothing was submitted"
	case errors.Is(err, chain.ErrNonceTooLow):
		e.Kind = KindRejected
		e.Detail = "the bridge account nonce is out of sync; nothing was submitted"
	case errors.Is(err, ErrStopped):
		e.Kind = KindRejected
		e.Detail = "the bridge is shutting down; nothing was submitted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.Kind = KindTimeout
		e.Detail = "the request was abandoned before submission; nothing was submitted"
	default:
		e.Kind = KindRejected
		e.Detail = "the node rejected the transaction; nothing was submitted"
	}
	return e
}
