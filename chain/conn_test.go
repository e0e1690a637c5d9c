package chain_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"lendbridge/chain"
	"lendbridge/chain/chaintest"
)

var contractAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dialFake(t *testing.T, backend *chaintest.Backend, mutate func(*chain.ConnConfig)) *chain.Conn {
	t.Helper()
	cfg := chain.ConnConfig{
		Endpoint:             "ws://node.test:8546",
		Dialer:               backend.Dialer(),
		MaxReconnectAttempts: 3,
		ReconnectBackoff:     time.Millisecond,
		MaxBackoff:           5 * time.Millisecond,
		PollInterval:         5 * time.Millisecond,
		ConfirmTimeout:       time.Second,
		DropAfter:            time.Second,
		Logger:               quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	conn, err := chain.Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(conn.Close)
	return conn
}

func newAuthority(t *testing.T) *chain.Authority {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	auth, err := chain.NewAuthority(key, big.NewInt(31337))
	if err != nil {
		t.Fatalf("authority: %v", err)
	}
	return auth
}

func signedTx(t *testing.T, auth *chain.Authority, nonce uint64) *types.Transaction {
	t.Helper()
	tx, err := auth.Sign(chain.Intent{
		Nonce:     nonce,
		To:        &contractAddr,
		Gas:       100000,
		GasFeeCap: big.NewInt(3_000_000_000),
		GasTipCap: big.NewInt(100_000_000),
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmitAndConfirm(t *testing.T) {
	backend := chaintest.New(31337)
	backend.AutoMine = true
	conn := dialFake(t, backend, nil)
	auth := newAuthority(t)

	tx := signedTx(t, auth, 0)
	handle, err := conn.Submit(context.Background(), tx)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if handle.Hash != tx.Hash() || handle.Nonce != 0 {
		t.Fatalf("unexpected handle %+v", handle)
	}
	receipt, err := conn.WaitForConfirmation(context.Background(), handle)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		t.Fatalf("expected successful receipt, got status %d", receipt.Status)
	}
}

func TestSubmitTreatsAlreadyKnownAsAccepted(t *testing.T) {
	backend := chaintest.New(31337)
	conn := dialFake(t, backend, nil)
	tx := signedTx(t, newAuthority(t), 0)

	if _, err := conn.Submit(context.Background(), tx); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := conn.Submit(context.Background(), tx); err != nil {
		t.Fatalf("resubmitting a known transaction should succeed, got %v", err)
	}
	if len(backend.Sent()) != 1 {
		t.Fatalf("expected a single pooled transaction, got %d", len(backend.Sent()))
	}
}

func TestSubmitResendsSameBytesAfterReconnect(t *testing.T) {
	backend := chaintest.New(31337)
	failures := 1
	backend.SendHook = func(tx *types.Transaction) error {
		if failures > 0 {
			failures--
			return chaintest.ErrTransport
		}
		return nil
	}
	conn := dialFake(t, backend, nil)
	tx := signedTx(t, newAuthority(t), 0)

	handle, err := conn.Submit(context.Background(), tx)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if handle.Hash != tx.Hash() {
		t.Fatalf("handle hash changed across resend")
	}
	if backend.Dials() != 2 {
		t.Fatalf("expected one reconnect, dials=%d", backend.Dials())
	}
	sent := backend.Sent()
	if len(sent) != 1 || sent[0].Hash() != tx.Hash() {
		t.Fatalf("expected the original signed bytes to be pooled once, got %d", len(sent))
	}
}

func TestSubmitResendRejectionIsReportedAsUnknown(t *testing.T) {
	backend := chaintest.New(31337)
	sends := 0
	backend.SendHook = func(tx *types.Transaction) error {
		sends++
		if sends == 1 {
			return chaintest.ErrTransport
		}
		return errors.New("nonce too low: next nonce 1")
	}
	conn := dialFake(t, backend, nil)
	tx := signedTx(t, newAuthority(t), 0)

	handle, err := conn.Submit(context.Background(), tx)
	if !errors.Is(err, chain.ErrBroadcastUnknown) {
		t.Fatalf("expected broadcast-unknown, got %v", err)
	}
	if errors.Is(err, chain.ErrNonceTooLow) {
		t.Fatalf("a rejected resend must not read as a pre-broadcast nonce rejection: %v", err)
	}
	if handle.Hash != tx.Hash() || handle.Nonce != 0 {
		t.Fatalf("expected the original handle, got %+v", handle)
	}
}

func TestSubmitSurfacesConnectionErrorWhenBudgetExhausted(t *testing.T) {
	backend := chaintest.New(31337)
	backend.SendHook = func(*types.Transaction) error { return chaintest.ErrTransport }
	conn := dialFake(t, backend, nil)
	backend.FailDials(10, errors.New("dial tcp: connection refused"))

	handle, err := conn.Submit(context.Background(), signedTx(t, newAuthority(t), 0))
	if !errors.Is(err, chain.ErrBroadcastUnknown) {
		t.Fatalf("expected broadcast-unknown, got %v", err)
	}
	if !errors.Is(err, chain.ErrConnection) {
		t.Fatalf("expected connection error in chain, got %v", err)
	}
	if handle.Hash == (common.Hash{}) {
		t.Fatalf("handle must be returned so the transaction can be reconciled")
	}
	select {
	case terminal := <-conn.Err():
		var connErr *chain.ConnectionError
		if !errors.As(terminal, &connErr) || connErr.Attempts != 3 {
			t.Fatalf("unexpected terminal error %v", terminal)
		}
	default:
		t.Fatalf("expected terminal error to be published")
	}
}

func TestSubmitClassifiesNodeRejection(t *testing.T) {
	backend := chaintest.New(31337)
	backend.SendHook = func(*types.Transaction) error { return errors.New("replacement transaction underpriced") }
	conn := dialFake(t, backend, nil)

	_, err := conn.Submit(context.Background(), signedTx(t, newAuthority(t), 0))
	if !errors.Is(err, chain.ErrUnderpriced) {
		t.Fatalf("expected underpriced, got %v", err)
	}
	if backend.Dials() != 1 {
		t.Fatalf("node rejections must not trigger a reconnect")
	}
}

func TestWaitForConfirmationTimesOut(t *testing.T) {
	backend := chaintest.New(31337)
	conn := dialFake(t, backend, func(cfg *chain.ConnConfig) {
		cfg.ConfirmTimeout = 40 * time.Millisecond
	})
	handle, err := conn.Submit(context.Background(), signedTx(t, newAuthority(t), 0))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err = conn.WaitForConfirmation(context.Background(), handle)
	if !errors.Is(err, chain.ErrConfirmationTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	backend.Mine(handle.Hash, types.ReceiptStatusSuccessful)
	receipt, state, err := conn.Lookup(context.Background(), handle.Hash)
	if err != nil || state != chain.TxMined || receipt == nil {
		t.Fatalf("late receipt should still be reachable: state=%v err=%v", state, err)
	}
}

func TestWaitForConfirmationDetectsDrop(t *testing.T) {
	backend := chaintest.New(31337)
	conn := dialFake(t, backend, func(cfg *chain.ConnConfig) {
		cfg.DropAfter = 20 * time.Millisecond
	})
	handle, err := conn.Submit(context.Background(), signedTx(t, newAuthority(t), 0))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	backend.Forget(handle.Hash)

	_, err = conn.WaitForConfirmation(context.Background(), handle)
	if !errors.Is(err, chain.ErrDropped) {
		t.Fatalf("expected dropped, got %v", err)
	}
}

func TestWatchResumesAfterTransportDrop(t *testing.T) {
	backend := chaintest.New(31337)
	conn := dialFake(t, backend, nil)

	logs := make(chan types.Log, 16)
	sub := conn.SubscribeLogs(logs)
	defer sub.Unsubscribe()

	topic := crypto.Keccak256Hash([]byte("DepositStablecoin(address,uint256)"))
	if err := conn.Watch("DepositStablecoin", ethereum.FilterQuery{
		Addresses: []common.Address{contractAddr},
		Topics:    [][]common.Hash{{topic}},
	}); err != nil {
		t.Fatalf("watch: %v", err)
	}
	waitFor(t, "initial subscription", func() bool { return backend.Subscriptions() == 1 })

	emit := func(block uint64) {
		backend.EmitLog(types.Log{Address: contractAddr, Topics: []common.Hash{topic}, BlockNumber: block})
	}
	expect := func(block uint64) {
		t.Helper()
		for {
			select {
			case l := <-logs:
				if l.BlockNumber == block {
					return
				}
				if l.BlockNumber > block {
					t.Fatalf("expected log from block %d, got %d", block, l.BlockNumber)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("log from block %d not delivered", block)
			}
		}
	}

	emit(10)
	expect(10)

	backend.DropSubscriptions(chaintest.ErrTransport)
	// Emitted while no subscription is live: allowed to be missed.
	emit(11)
	waitFor(t, "resubscription", func() bool { return backend.Subscriptions() == 1 })
	if backend.Dials() < 2 {
		t.Fatalf("expected a reconnect after the drop, dials=%d", backend.Dials())
	}

	emit(12)
	expect(12)

	if err := conn.Watch("DepositStablecoin", ethereum.FilterQuery{}); err == nil {
		t.Fatalf("expected duplicate watch names to be rejected")
	}
}

func TestDialFailsAfterBudget(t *testing.T) {
	backend := chaintest.New(31337)
	backend.FailDials(5, errors.New("dial tcp: connection refused"))
	_, err := chain.Dial(context.Background(), chain.ConnConfig{
		Endpoint:             "wss://mainnet.example/v3/secret-key",
		Dialer:               backend.Dialer(),
		MaxReconnectAttempts: 2,
		ReconnectBackoff:     time.Millisecond,
		Logger:               quietLogger(),
	})
	var connErr *chain.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if connErr.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", connErr.Attempts)
	}
	if got := connErr.Error(); strings.Contains(got, "secret-key") {
		t.Fatalf("connection error leaked endpoint credentials: %s", got)
	}
}

func TestClassifySendError(t *testing.T) {
	cases := []struct {
		msg  string
		want error
	}{
		{"transaction underpriced", chain.ErrUnderpriced},
		{"max fee per gas less than block base fee: address 0x0", chain.ErrUnderpriced},
		{"nonce too low: next nonce 4, tx nonce 3", chain.ErrNonceTooLow},
		{"insufficient funds for gas * price + value", chain.ErrInsufficientFunds},
		{"execution reverted: Insufficient collateral", chain.ErrExecutionReverted},
		{"intrinsic gas too low", chain.ErrRejected},
	}
	for _, tc := range cases {
		if err := chain.ClassifySendError(errors.New(tc.msg)); !errors.Is(err, tc.want) {
			t.Fatalf("%q classified as %v, want %v", tc.msg, err, tc.want)
		}
	}
	if err := chain.ClassifySendError(errors.New("already known")); err != nil {
		t.Fatalf("already known should classify as accepted, got %v", err)
	}
}

func TestIsTransportError(t *testing.T) {
	if !chain.IsTransportError(chaintest.ErrTransport) {
		t.Fatalf("broken pipe should be a transport error")
	}
	if !chain.IsTransportError(io.ErrUnexpectedEOF) {
		t.Fatalf("unexpected EOF should be a transport error")
	}
	if chain.IsTransportError(context.DeadlineExceeded) {
		t.Fatalf("context deadline is not a transport error")
	}
	if chain.IsTransportError(errors.New("nonce too low")) {
		t.Fatalf("node rejection is not a transport error")
	}
}
