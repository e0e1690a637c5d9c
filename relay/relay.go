package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/event"

	"lendbridge/contract"
	"lendbridge/observability"
)

// EventNewDeposit is the broadcast name for stablecoin deposits.
const EventNewDeposit = "newDeposit"

// Source is the decoded contract event stream.
type Source interface {
	SubscribeEvents(ch chan<- contract.Event) event.Subscription
}

// Relay forwards every observed contract event to all sessions.
type Relay struct {
	source Source
	hub    *Hub
	logger *slog.Logger
}

// New wires a relay from source into hub.
func New(source Source, hub *Hub, logger *slog.Logger) (*Relay, error) {
	if source == nil {
		return nil, errors.New("relay: event source required")
	}
	if hub == nil {
		return nil, errors.New("relay: hub required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{source: source, hub: hub, logger: logger.With("component", "relay")}, nil
}

// Run consumes the event stream in chain order until ctx is cancelled or
// the subscription fails.
func (r *Relay) Run(ctx context.Context) error {
	events := make(chan contract.Event, 256)
	sub := r.source.SubscribeEvents(events)
	defer sub.Unsubscribe()
	metrics := observability.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				return nil
			}
			return err
		case ev := <-events:
			if ev.Removed {
				r.logger.Warn("skipping log removed by reorg", "kind", ev.Kind, "tx_hash", ev.TxHash, "block", ev.Block)
				continue
			}
			msg := MessageFor(ev)
			delivered := r.hub.Broadcast(msg)
			metrics.RecordRelayed(ev.Kind)
			r.logger.Debug("event relayed", "kind", ev.Kind, "event", msg.Event, "tx_hash", ev.TxHash, "sessions", delivered)
		}
	}
}

// MessageFor converts a decoded contract event into its outbound frame.
func MessageFor(ev contract.Event) Message {
	data := make(map[string]interface{}, len(ev.Indexed)+len(ev.Fields)+2)
	if ev.Kind == contract.EventDepositStablecoin {
		data["lender"] = ev.Value("user")
		data["amount"] = ev.Value("amount")
		data["block"] = ev.Block
		data["txHash"] = ev.TxHash
		return Message{Event: EventNewDeposit, Data: data}
	}
	for name, value := range ev.Indexed {
		data[name] = value
	}
	for name, value := range ev.Fields {
		data[name] = value
	}
	data["block"] = ev.Block
	data["txHash"] = ev.TxHash
	return Message{Event: lowerCamel(ev.Kind), Data: data}
}

func lowerCamel(name string) string {
	if name == "" {
		return name
	}
	return strings.ToLower(name[:1]) + name[1:]
}

// ResolutionMessage builds the per-session notice for a transaction whose
// outcome was settled after the requester stopped waiting.
func ResolutionMessage(clientID, op, txHash, status string, block uint64) Message {
	data := map[string]interface{}{
		"op":     op,
		"txHash": txHash,
		"status": status,
	}
	if block > 0 {
		data["block"] = block
	}
	return Message{Event: "transactionResolved", ID: clientID, Data: data}
}
