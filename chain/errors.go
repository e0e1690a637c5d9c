package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrConnection matches every *ConnectionError.
	ErrConnection = errors.New("chain: node unreachable")
	// ErrSigning matches every *SigningError.
	ErrSigning = errors.New("chain: signing failed")

	ErrUnderpriced         = errors.New("chain: transaction underpriced")
	ErrNonceTooLow         = errors.New("chain: nonce too low")
	ErrInsufficientFunds   = errors.New("chain: insufficient funds for gas")
	ErrExecutionReverted   = errors.New("chain: execution reverted")
	ErrRejected            = errors.New("chain: transaction rejected by node")
	ErrConfirmationTimeout = errors.New("chain: confirmation wait exceeded")
	ErrDropped             = errors.New("chain: transaction dropped from pool")
	// ErrBroadcastUnknown reports that the transport failed after the signed
	// bytes may already have reached the node.
	ErrBroadcastUnknown = errors.New("chain: broadcast outcome unknown")
	ErrClosed           = errors.New("chain: connection closed")
)

// ConnectionError is returned once the reconnect budget is exhausted.
type ConnectionError struct {
	Endpoint string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("chain: %s unreachable after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// SigningError reports a malformed transaction intent.
type SigningError struct {
	Reason string
	Err    error
}

func (e *SigningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chain: sign: %s: %v", e.Reason, e.Err)
	}
	return "chain: sign: " + e.Reason
}

func (e *SigningError) Unwrap() error { return e.Err }

func (e *SigningError) Is(target error) bool { return target == ErrSigning }

// nodeError wraps raw node text behind one of the classification sentinels.
type nodeError struct {
	kind error
	msg  string
}

func (e *nodeError) Error() string { return e.kind.Error() + ": " + e.msg }

func (e *nodeError) Unwrap() error { return e.kind }

// ClassifySendError maps the txpool's rejection text onto the sentinels above.
// A nil result means the node already holds the transaction.
func ClassifySendError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"), strings.Contains(msg, "known transaction"):
		return nil
	case strings.Contains(msg, "underpriced"),
		strings.Contains(msg, "fee cap less than block base fee"),
		strings.Contains(msg, "max fee per gas less than block base fee"),
		strings.Contains(msg, "fee too low"):
		return &nodeError{kind: ErrUnderpriced, msg: err.Error()}
	case strings.Contains(msg, "nonce too low"):
		return &nodeError{kind: ErrNonceTooLow, msg: err.Error()}
	case strings.Contains(msg, "insufficient funds"):
		return &nodeError{kind: ErrInsufficientFunds, msg: err.Error()}
	case strings.Contains(msg, "execution reverted"):
		return &nodeError{kind: ErrExecutionReverted, msg: err.Error()}
	default:
		return &nodeError{kind: ErrRejected, msg: err.Error()}
	}
}

// IsTransportError reports whether err came from the link to the node rather
// than from the node itself.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	if errors.Is(err, rpc.ErrClientQuit) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"use of closed network connection",
		"client is closed",
		"websocket: close",
		"i/o timeout",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
