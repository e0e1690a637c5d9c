// Package contract binds the LendingPool contract: typed write calls, view
// reads and event decoding on top of the chain connection.
package contract

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

//go:embed lendingpool.abi.json
var lendingPoolJSON []byte

var lendingPool = mustParseABI(lendingPoolJSON)

func mustParseABI(raw []byte) abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("contract: parse LendingPool ABI: %v", err))
	}
	return parsed
}

// ABI returns the parsed LendingPool interface.
func ABI() abi.ABI { return lendingPool }

// Operation names a state-changing contract action. Values double as the
// request names sessions use.
type Operation string

const (
	OpDepositCollateral  Operation = "depositCollateral"
	OpDepositStablecoin  Operation = "depositStablecoin"
	OpWithdrawStablecoin Operation = "withdrawStablecoin"
	OpBorrow             Operation = "borrow"
	OpRepay              Operation = "repay"
	OpLiquidate          Operation = "liquidate"
	// OpGetInterestAndRate accrues interest on-chain; the receipt carries the
	// InterestAndRate event.
	OpGetInterestAndRate Operation = "getInterestAndRate"
)

// Operations lists every supported write in a stable order.
func Operations() []Operation {
	return []Operation{
		OpDepositCollateral,
		OpDepositStablecoin,
		OpWithdrawStablecoin,
		OpBorrow,
		OpRepay,
		OpLiquidate,
		OpGetInterestAndRate,
	}
}

// Method returns the contract function an operation invokes.
func (op Operation) Method() string {
	if op == OpGetInterestAndRate {
		return "getInterest"
	}
	return string(op)
}

// Event kinds emitted by the pool.
const (
	EventDepositCollateral  = "DepositCollateral"
	EventDepositStablecoin  = "DepositStablecoin"
	EventWithdrawStablecoin = "WithdrawStablecoin"
	EventBorrow             = "Borrow"
	EventRepay              = "Repay"
	EventLiquidation        = "Liquidation"
	EventLoanRepaid         = "LoanRepaid"
	EventInterestRate       = "InterestRate"
	EventInterestAndRate    = "InterestAndRate"
)

// EventKinds lists every event the relay subscribes to.
func EventKinds() []string {
	return []string{
		EventDepositCollateral,
		EventDepositStablecoin,
		EventWithdrawStablecoin,
		EventBorrow,
		EventRepay,
		EventLiquidation,
		EventLoanRepaid,
		EventInterestRate,
		EventInterestAndRate,
	}
}
