package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"lendbridge/contract"
	"lendbridge/orchestrator"
	"lendbridge/relay"
)

const (
	eventError = "error"

	// kind reported for frames that cannot be dispatched at all.
	opUnknown = "unknown"
)

// frame is the wire shape of both requests and responses.
type frame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// payload is the union of every request's fields. Clients sometimes send a
// user field; the bridge always signs as itself so it is ignored.
type payload struct {
	Token    string `json:"token"`
	Amount   amount `json:"amount"`
	Borrower string `json:"borrower"`
	Address  string `json:"address"`
}

// amount accepts a decimal string or a bare JSON number without losing
// precision.
type amount string

func (a *amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = amount(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return &contract.ValidationError{Field: "amount", Reason: "must be a decimal string or number"}
	}
	*a = amount(n.String())
	return nil
}

// errorBody is the data of an error event.
type errorBody struct {
	Kind    string `json:"kind"`
	Outcome string `json:"outcome"`
	Message string `json:"message"`
	TxHash  string `json:"txHash,omitempty"`
}

// handlerFunc answers one request. clientID is the id the session sent.
type handlerFunc func(ctx context.Context, sess *session, clientID string, p payload) (interface{}, error)

type route struct {
	op      string
	success string
	handle  handlerFunc
}

func writeRoute(op contract.Operation, success string, target func(payload) string) route {
	return route{
		op:      string(op),
		success: success,
		handle: func(ctx context.Context, sess *session, clientID string, p payload) (interface{}, error) {
			req := orchestrator.WriteRequest{
				ID:       uuid.NewString(),
				ClientID: clientID,
				Session:  sess.id,
				Op:       op,
				Amount:   string(p.Amount),
			}
			if target != nil {
				req.Target = target(p)
			}
			return sess.server.cfg.Executor.Execute(ctx, req)
		},
	}
}

func readRoute(name, success string, fn func(ctx context.Context, r Reader, p payload) (interface{}, error)) route {
	return route{
		op:      name,
		success: success,
		handle: func(ctx context.Context, sess *session, _ string, p payload) (interface{}, error) {
			return fn(ctx, sess.server.cfg.Reader, p)
		},
	}
}

func bigString(v *big.Int, err error) (interface{}, error) {
	if err != nil {
		return nil, err
	}
	return v.String(), nil
}

var requestRoutes = buildRoutes()

func buildRoutes() map[string]route {
	token := func(p payload) string { return p.Token }
	borrower := func(p payload) string { return p.Borrower }

	table := []route{
		writeRoute(contract.OpDepositCollateral, "depositCollateralSuccess", token),
		writeRoute(contract.OpDepositStablecoin, "depositStablecoinSuccess", nil),
		writeRoute(contract.OpWithdrawStablecoin, "withdrawSuccess", nil),
		writeRoute(contract.OpBorrow, "borrowSuccess", nil),
		writeRoute(contract.OpRepay, "repaySuccess", nil),
		writeRoute(contract.OpLiquidate, "liquidateSuccess", borrower),
		writeRoute(contract.OpGetInterestAndRate, "interestAndRateSuccess", nil),
		readRoute("getUserLoans", "userLoans", func(ctx context.Context, r Reader, p payload) (interface{}, error) {
			return r.UserLoans(ctx, p.Address)
		}),
		readRoute("totalStablecoinDeposits", "receivedSuccess", func(ctx context.Context, r Reader, _ payload) (interface{}, error) {
			return bigString(r.TotalStablecoinDeposits(ctx))
		}),
		readRoute("getInvestedCapital", "investedCapital", func(ctx context.Context, r Reader, _ payload) (interface{}, error) {
			return bigString(r.InvestedCapital(ctx))
		}),
		readRoute("getBorrowRate", "borrowRate", func(ctx context.Context, r Reader, _ payload) (interface{}, error) {
			return bigString(r.BorrowRate(ctx))
		}),
		readRoute("canBorrow", "canBorrowResult", func(ctx context.Context, r Reader, p payload) (interface{}, error) {
			return r.CanBorrow(ctx, p.Address, string(p.Amount))
		}),
		readRoute("checkCollateralRatio", "collateralRatio", func(ctx context.Context, r Reader, p payload) (interface{}, error) {
			return bigString(r.CollateralRatio(ctx, p.Address))
		}),
		readRoute("getTotalCollateralValue", "collateralValue", func(ctx context.Context, r Reader, p payload) (interface{}, error) {
			return bigString(r.CollateralValue(ctx, p.Address))
		}),
	}
	out := make(map[string]route, len(table)+1)
	for _, rt := range table {
		out[rt.op] = rt
	}
	// Older clients send the event name instead of the method name.
	out["InterestAndRate"] = out[string(contract.OpGetInterestAndRate)]
	return out
}

// errorMessage renders err as the error event for request id.
func errorMessage(op, id string, err error) relay.Message {
	failure := orchestrator.Normalize(op, err)
	body := errorBody{
		Kind:    string(failure.Kind),
		Outcome: string(failure.Outcome),
		Message: failure.Detail,
		TxHash:  failure.TxHash,
	}
	if body.Message == "" {
		body.Message = failure.Error()
	}
	return relay.Message{Event: eventError, ID: id, Data: body}
}

func validationFailure(field, reason string) error {
	return &contract.ValidationError{Field: field, Reason: reason}
}

func decodePayload(raw json.RawMessage) (payload, error) {
	var p payload
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		var validation *contract.ValidationError
		if errors.As(err, &validation) {
			return p, validation
		}
		return p, validationFailure("data", fmt.Sprintf("malformed payload: %v", err))
	}
	return p, nil
}
