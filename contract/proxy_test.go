package contract_test

import (
	"bytes"
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
	"github.com/holiman/uint256"

	"lendbridge/chain"
	"lendbridge/chain/chaintest"
	"lendbridge/contract"
	"lendbridge/contract/contracttest"
)

var (
	pool  = common.HexToAddress("0xec2eb75dBD42ea2C35aB033fb9Cdde516f240962")
	token = common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")
	maxU  = "115792089237316195423570985008687907853269984665640564039457584007913129639935"
)

func newProxy(t *testing.T, backend *chaintest.Backend) *contract.Proxy {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	conn, err := chain.Dial(context.Background(), chain.ConnConfig{
		Endpoint:         "ws://node.test:8546",
		Dialer:           backend.Dialer(),
		ReconnectBackoff: time.Millisecond,
		PollInterval:     2 * time.Millisecond,
		ConfirmTimeout:   time.Second,
		Logger:           logger,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(conn.Close)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	auth, err := chain.NewAuthority(key, big.NewInt(31337))
	if err != nil {
		t.Fatalf("authority: %v", err)
	}
	proxy, err := contract.NewProxy(conn, auth, contract.ProxyConfig{Address: pool, Logger: logger})
	if err != nil {
		t.Fatalf("proxy: %v", err)
	}
	return proxy
}

func TestParseAmount(t *testing.T) {
	max := contract.DefaultMaxAmount.Dec()
	overMax := new(uint256.Int).AddUint64(contract.DefaultMaxAmount, 1).Dec()
	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"1000", "1000", true},
		{" 42 ", "42", true},
		{"0x3e8", "1000", true},
		{max, max, true},
		{overMax, "", false},
		{maxU, "", false},
		{maxU + "0", "", false},
		{"0", "", false},
		{"-1", "", false},
		{"1.5", "", false},
		{"1e18", "", false},
		{"0x", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := contract.ParseAmount(tc.raw, nil)
		if tc.ok {
			if err != nil {
				t.Fatalf("ParseAmount(%q): unexpected error %v", tc.raw, err)
			}
			if got.Dec() != tc.want {
				t.Fatalf("ParseAmount(%q) = %s, want %s", tc.raw, got.Dec(), tc.want)
			}
			continue
		}
		if !errors.Is(err, contract.ErrValidation) {
			t.Fatalf("ParseAmount(%q): expected validation error, got %v", tc.raw, err)
		}
	}
}

func TestParseAddress(t *testing.T) {
	if _, err := contract.ParseAddress("token", token.Hex()); err != nil {
		t.Fatalf("valid address rejected: %v", err)
	}
	for _, raw := range []string{"", "0x123", "not-an-address", "0x0000000000000000000000000000000000000000"} {
		if _, err := contract.ParseAddress("token", raw); !errors.Is(err, contract.ErrValidation) {
			t.Fatalf("ParseAddress(%q): expected validation error, got %v", raw, err)
		}
	}
}

func TestBuildRejectsOutOfRangeWithoutNetwork(t *testing.T) {
	backend := chaintest.New(31337)
	proxy := newProxy(t, backend)

	_, err := proxy.Build(contract.OpBorrow, "", maxU)
	var validation *contract.ValidationError
	if !errors.As(err, &validation) || validation.Field != "amount" {
		t.Fatalf("expected amount validation error, got %v", err)
	}
	if _, err := proxy.Build(contract.OpLiquidate, "0xnope", ""); !errors.Is(err, contract.ErrValidation) {
		t.Fatalf("expected borrower validation error, got %v", err)
	}
	if _, err := proxy.Build("mint", "", "1"); !errors.Is(err, contract.ErrValidation) {
		t.Fatalf("expected unsupported operation to fail validation, got %v", err)
	}
	if calls := backend.TotalCalls(); calls != 0 {
		t.Fatalf("validation must not reach the node, saw %d calls", calls)
	}
}

func TestBuildPacksArguments(t *testing.T) {
	proxy := newProxy(t, chaintest.New(31337))

	call, err := proxy.Build(contract.OpDepositCollateral, token.Hex(), "250")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !bytes.Equal(call.Data[:4], contracttest.Selector("depositCollateral")) {
		t.Fatalf("unexpected selector %x", call.Data[:4])
	}
	args, err := contract.ABI().Methods["depositCollateral"].Inputs.Unpack(call.Data[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if args[0].(common.Address) != token || args[1].(*big.Int).Int64() != 250 {
		t.Fatalf("unexpected arguments %v", args)
	}

	call, err = proxy.Build(contract.OpGetInterestAndRate, "", "")
	if err != nil {
		t.Fatalf("build getInterestAndRate: %v", err)
	}
	if call.Method != "getInterest" || !bytes.Equal(call.Data, contracttest.Selector("getInterest")) {
		t.Fatalf("getInterestAndRate should invoke getInterest, got %s %x", call.Method, call.Data)
	}
}

func TestWriteReturnsDecodedReceipt(t *testing.T) {
	backend := chaintest.New(31337)
	proxy := newProxy(t, backend)
	backend.AutoMine = true
	backend.ReceiptLogs = func(tx *types.Transaction, block uint64) []*types.Log {
		l := contracttest.MustLog(pool, contract.EventDepositStablecoin, map[string]interface{}{
			"user":   proxy.Signer(),
			"amount": big.NewInt(1000),
		})
		return []*types.Log{&l}
	}

	nonce, err := proxy.PendingNonce(context.Background())
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	receipt, err := proxy.Write(context.Background(), contract.OpDepositStablecoin, "", "1000", nonce)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !receipt.Success || receipt.Block == 0 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if len(receipt.Events) != 1 {
		t.Fatalf("expected one decoded event, got %d", len(receipt.Events))
	}
	ev := receipt.Events[0]
	if ev.Kind != contract.EventDepositStablecoin || ev.Fields["amount"] != "1000" || ev.Indexed["user"] != proxy.Signer().Hex() {
		t.Fatalf("unexpected event %+v", ev)
	}

	sent := backend.Sent()
	if len(sent) != 1 || sent[0].Type() != types.DynamicFeeTxType {
		t.Fatalf("expected one dynamic fee transaction")
	}
	if sent[0].Gas() != 120000 {
		t.Fatalf("expected estimate plus 20%% headroom, got %d", sent[0].Gas())
	}
}

func TestSubmitUsesLegacyPricingWithoutBaseFee(t *testing.T) {
	backend := chaintest.New(31337)
	backend.SetLegacy()
	proxy := newProxy(t, backend)

	call, err := proxy.Build(contract.OpRepay, "", "5")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := proxy.Submit(context.Background(), call, 0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sent := backend.Sent(); len(sent) != 1 || sent[0].Type() != types.LegacyTxType {
		t.Fatalf("expected a legacy transaction")
	}
}

func TestSubmitRejectsExpectedRevertBeforeSigning(t *testing.T) {
	backend := chaintest.New(31337)
	backend.EstimateHook = func(ethereum.CallMsg) (uint64, error) {
		return 0, errors.New("execution reverted: Insufficient collateral")
	}
	proxy := newProxy(t, backend)

	call, err := proxy.Build(contract.OpBorrow, "", "1000")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	_, err = proxy.Submit(context.Background(), call, 0)
	if !errors.Is(err, chain.ErrExecutionReverted) {
		t.Fatalf("expected revert classification, got %v", err)
	}
	if backend.Calls("SendTransaction") != 0 {
		t.Fatalf("a reverting call must not be broadcast")
	}
}

func TestReads(t *testing.T) {
	backend := chaintest.New(31337)
	user := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	backend.CallHook = func(msg ethereum.CallMsg) ([]byte, error) {
		switch {
		case bytes.HasPrefix(msg.Data, contracttest.Selector("totalStablecoinDeposits")):
			return contracttest.Output("totalStablecoinDeposits", big.NewInt(5000))
		case bytes.HasPrefix(msg.Data, contracttest.Selector("getInvestedCapital")):
			return contracttest.Output("getInvestedCapital", big.NewInt(1200))
		case bytes.HasPrefix(msg.Data, contracttest.Selector("calculateBorrowRate")):
			return contracttest.Output("calculateBorrowRate", big.NewInt(7))
		case bytes.HasPrefix(msg.Data, contracttest.Selector("canBorrow")):
			return contracttest.Output("canBorrow", true)
		case bytes.HasPrefix(msg.Data, contracttest.Selector("checkCollateralRatio")):
			return contracttest.Output("checkCollateralRatio", big.NewInt(150))
		case bytes.HasPrefix(msg.Data, contracttest.Selector("getTotalCollateralValue")):
			return contracttest.Output("getTotalCollateralValue", big.NewInt(9000))
		case bytes.HasPrefix(msg.Data, contracttest.Selector("getUserLoans")):
			type loan struct {
				Amount    *big.Int
				Interest  *big.Int
				StartTime *big.Int
				Active    bool
			}
			return contracttest.Output("getUserLoans", []loan{
				{Amount: big.NewInt(300), Interest: big.NewInt(12), StartTime: big.NewInt(1700000000), Active: true},
			})
		}
		return nil, errors.New("execution reverted")
	}
	proxy := newProxy(t, backend)
	ctx := context.Background()

	checkUint := func(name string, got *big.Int, err error, want int64) {
		t.Helper()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got.Int64() != want {
			t.Fatalf("%s = %s, want %d", name, got, want)
		}
	}
	total, err := proxy.TotalStablecoinDeposits(ctx)
	checkUint("total deposits", total, err, 5000)
	capital, err := proxy.InvestedCapital(ctx)
	checkUint("invested capital", capital, err, 1200)
	rate, err := proxy.BorrowRate(ctx)
	checkUint("borrow rate", rate, err, 7)
	ratio, err := proxy.CollateralRatio(ctx, user.Hex())
	checkUint("collateral ratio", ratio, err, 150)
	value, err := proxy.CollateralValue(ctx, user.Hex())
	checkUint("collateral value", value, err, 9000)

	allowed, err := proxy.CanBorrow(ctx, user.Hex(), "100")
	if err != nil || !allowed {
		t.Fatalf("canBorrow = %v, %v", allowed, err)
	}
	loans, err := proxy.UserLoans(ctx, user.Hex())
	if err != nil {
		t.Fatalf("user loans: %v", err)
	}
	if len(loans) != 1 || loans[0].Amount != "300" || loans[0].StartTime != 1700000000 || !loans[0].Active {
		t.Fatalf("unexpected loans %+v", loans)
	}
	if backend.Calls("SendTransaction") != 0 {
		t.Fatalf("reads must not submit transactions")
	}
}

func TestReadsSurfaceRevertAndValidation(t *testing.T) {
	backend := chaintest.New(31337)
	proxy := newProxy(t, backend)
	if _, err := proxy.TotalStablecoinDeposits(context.Background()); !errors.Is(err, chain.ErrExecutionReverted) {
		t.Fatalf("expected revert, got %v", err)
	}
	if _, err := proxy.UserLoans(context.Background(), "bob"); !errors.Is(err, contract.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDecodeLog(t *testing.T) {
	liquidator := common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	borrower := common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906")
	l := contracttest.MustLog(pool, contract.EventLiquidation, map[string]interface{}{
		"liquidator":       liquidator,
		"borrower":         borrower,
		"amountLiquidated": big.NewInt(777),
	})
	l.BlockNumber = 42

	ev, err := contract.DecodeLog(l)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Kind != contract.EventLiquidation || ev.Block != 42 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Indexed["liquidator"] != liquidator.Hex() || ev.Value("borrower") != borrower.Hex() {
		t.Fatalf("unexpected indexed fields %v", ev.Indexed)
	}
	if ev.Fields["amountLiquidated"] != "777" {
		t.Fatalf("unexpected data fields %v", ev.Fields)
	}

	l.Topics[0] = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	if _, err := contract.DecodeLog(l); !errors.Is(err, contract.ErrUnknownEvent) {
		t.Fatalf("expected unknown event, got %v", err)
	}
}

func TestSubscribeEventsDeliversWatchedKinds(t *testing.T) {
	backend := chaintest.New(31337)
	proxy := newProxy(t, backend)

	events := make(chan contract.Event, 4)
	sub := proxy.SubscribeEvents(events)
	defer sub.Unsubscribe()
	if err := proxy.WatchEvents(); err != nil {
		t.Fatalf("watch: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for backend.Subscriptions() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected a single subscription for every event kind, have %d", backend.Subscriptions())
		}
		time.Sleep(2 * time.Millisecond)
	}

	lender := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	l := contracttest.MustLog(pool, contract.EventDepositStablecoin, map[string]interface{}{
		"user":   lender,
		"amount": big.NewInt(1000),
	})
	l.BlockNumber = 77
	backend.EmitLog(l)

	select {
	case ev := <-events:
		if ev.Kind != contract.EventDepositStablecoin || ev.Block != 77 || !strings.EqualFold(ev.Indexed["user"], lender.Hex()) {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event not delivered")
	}
}

func TestSubscribeEventsKeepsChainOrderAcrossKinds(t *testing.T) {
	backend := chaintest.New(31337)
	proxy := newProxy(t, backend)

	const total = 400
	events := make(chan contract.Event, total)
	sub := proxy.SubscribeEvents(events)
	defer sub.Unsubscribe()
	if err := proxy.WatchEvents(); err != nil {
		t.Fatalf("watch: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for backend.Subscriptions() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not opened")
		}
		time.Sleep(2 * time.Millisecond)
	}

	borrower := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	for i := 0; i < total; i++ {
		kind := contract.EventBorrow
		if i%2 == 1 {
			kind = contract.EventRepay
		}
		l := contracttest.MustLog(pool, kind, map[string]interface{}{
			"user":   borrower,
			"amount": big.NewInt(int64(i + 1)),
		})
		l.BlockNumber = uint64(1000 + i)
		backend.EmitLog(l)
	}

	for i := 0; i < total; i++ {
		select {
		case ev := <-events:
			if ev.Block != uint64(1000+i) {
				t.Fatalf("event %d arrived out of order: block %d (%s)", i, ev.Block, ev.Kind)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d events delivered", i, total)
		}
	}
}
