package contract

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"

	"lendbridge/chain"
)

// Loan is one entry of getUserLoans.
type Loan struct {
	Amount    string `json:"amount"`
	Interest  string `json:"interest"`
	StartTime uint64 `json:"startTime"`
	Active    bool   `json:"active"`
}

type loanTuple struct {
	Amount    *big.Int
	Interest  *big.Int
	StartTime *big.Int
	Active    bool
}

func (p *Proxy) call(ctx context.Context, method string, args ...interface{}) ([]byte, error) {
	data, err := lendingPool.Pack(method, args...)
	if err != nil {
		return nil, &ValidationError{Field: "arguments", Reason: err.Error()}
	}
	msg := ethereum.CallMsg{From: p.authority.Address(), To: &p.address, Data: data}
	var out []byte
	err = p.conn.Call(ctx, func(b chain.Backend) error {
		var err error
		out, err = b.CallContract(ctx, msg, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("contract: call %s: %w", method, classifyNodeError(err))
	}
	return out, nil
}

func (p *Proxy) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	out, err := p.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	values, err := lendingPool.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("contract: decode %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("contract: decode %s: expected 1 value, got %d", method, len(values))
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("contract: decode %s: unexpected type %T", method, values[0])
	}
	return value, nil
}

// TotalStablecoinDeposits reads the pool's total stablecoin deposits.
func (p *Proxy) TotalStablecoinDeposits(ctx context.Context) (*big.Int, error) {
	return p.callUint(ctx, "totalStablecoinDeposits")
}

// InvestedCapital reads the capital the pool has deployed.
func (p *Proxy) InvestedCapital(ctx context.Context) (*big.Int, error) {
	return p.callUint(ctx, "getInvestedCapital")
}

// BorrowRate reads the current borrow rate.
func (p *Proxy) BorrowRate(ctx context.Context) (*big.Int, error) {
	return p.callUint(ctx, "calculateBorrowRate")
}

// CollateralRatio reads a user's collateral ratio.
func (p *Proxy) CollateralRatio(ctx context.Context, user string) (*big.Int, error) {
	addr, err := ParseAddress("address", user)
	if err != nil {
		return nil, err
	}
	return p.callUint(ctx, "checkCollateralRatio", addr)
}

// CollateralValue reads the value of a user's posted collateral.
func (p *Proxy) CollateralValue(ctx context.Context, user string) (*big.Int, error) {
	addr, err := ParseAddress("address", user)
	if err != nil {
		return nil, err
	}
	return p.callUint(ctx, "getTotalCollateralValue", addr)
}

// CanBorrow asks the pool whether user may borrow amount.
func (p *Proxy) CanBorrow(ctx context.Context, user, amount string) (bool, error) {
	addr, err := ParseAddress("address", user)
	if err != nil {
		return false, err
	}
	value, err := ParseAmount(amount, p.maxAmount)
	if err != nil {
		return false, err
	}
	out, err := p.call(ctx, "canBorrow", addr, value.ToBig())
	if err != nil {
		return false, err
	}
	var allowed bool
	if err := lendingPool.UnpackIntoInterface(&allowed, "canBorrow", out); err != nil {
		return false, fmt.Errorf("contract: decode canBorrow: %w", err)
	}
	return allowed, nil
}

// UserLoans lists the loans the pool holds for user.
func (p *Proxy) UserLoans(ctx context.Context, user string) ([]Loan, error) {
	addr, err := ParseAddress("address", user)
	if err != nil {
		return nil, err
	}
	out, err := p.call(ctx, "getUserLoans", addr)
	if err != nil {
		return nil, err
	}
	var tuples []loanTuple
	if err := lendingPool.UnpackIntoInterface(&tuples, "getUserLoans", out); err != nil {
		return nil, fmt.Errorf("contract: decode getUserLoans: %w", err)
	}
	loans := make([]Loan, 0, len(tuples))
	for _, t := range tuples {
		loan := Loan{Active: t.Active}
		if t.Amount != nil {
			loan.Amount = t.Amount.String()
		}
		if t.Interest != nil {
			loan.Interest = t.Interest.String()
		}
		if t.StartTime != nil && t.StartTime.IsUint64() {
			loan.StartTime = t.StartTime.Uint64()
		}
		loans = append(loans, loan)
	}
	return loans, nil
}
