package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/event"

	"lendbridge/contract"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBroadcastReachesExactlyRegisteredSessions(t *testing.T) {
	for _, n := range []int{0, 1, 100} {
		t.Run(fmt.Sprintf("%d_sessions", n), func(t *testing.T) {
			hub := NewHub(4, quietLogger())
			subs := make([]*Subscriber, n)
			for i := range subs {
				subs[i] = hub.Register(fmt.Sprintf("session-%d", i))
			}
			delivered := hub.Broadcast(Message{Event: "borrow"})
			if delivered != n {
				t.Fatalf("expected %d deliveries, got %d", n, delivered)
			}
			for i, sub := range subs {
				select {
				case msg := <-sub.Messages():
					if msg.Event != "borrow" {
						t.Fatalf("session %d got %q", i, msg.Event)
					}
				default:
					t.Fatalf("session %d received nothing", i)
				}
				select {
				case extra := <-sub.Messages():
					t.Fatalf("session %d received a duplicate %q", i, extra.Event)
				default:
				}
			}
		})
	}
}

func TestSlowSessionDoesNotAffectOthers(t *testing.T) {
	hub := NewHub(1, quietLogger())
	slow := hub.Register("slow")
	fast := hub.Register("fast")

	if got := hub.Broadcast(Message{Event: "first"}); got != 2 {
		t.Fatalf("expected 2 deliveries, got %d", got)
	}
	<-fast.Messages()

	if got := hub.Broadcast(Message{Event: "second"}); got != 1 {
		t.Fatalf("expected only the fast session to accept, got %d", got)
	}
	select {
	case <-slow.Done():
	default:
		t.Fatalf("slow session should have been dropped")
	}
	if hub.Len() != 1 {
		t.Fatalf("expected 1 registered session, got %d", hub.Len())
	}
	if msg := <-fast.Messages(); msg.Event != "second" {
		t.Fatalf("fast session got %q", msg.Event)
	}
	if hub.Send("slow", Message{Event: "third"}) {
		t.Fatalf("send to a dropped session should fail")
	}
}

func TestSendTargetsOneSession(t *testing.T) {
	hub := NewHub(2, quietLogger())
	a := hub.Register("a")
	b := hub.Register("b")
	if !hub.Send("a", Message{Event: "transactionResolved", ID: "req-1"}) {
		t.Fatalf("send should succeed")
	}
	if msg := <-a.Messages(); msg.ID != "req-1" {
		t.Fatalf("unexpected message %+v", msg)
	}
	select {
	case msg := <-b.Messages():
		t.Fatalf("session b should not receive %+v", msg)
	default:
	}
	if hub.Send("missing", Message{Event: "x"}) {
		t.Fatalf("send to unknown session should fail")
	}
}

func TestRegisterReplacesPreviousSubscriber(t *testing.T) {
	hub := NewHub(1, quietLogger())
	first := hub.Register("dup")
	second := hub.Register("dup")
	select {
	case <-first.Done():
	default:
		t.Fatalf("replaced subscriber should be closed")
	}
	if hub.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", hub.Len())
	}
	hub.Unregister("dup")
	select {
	case <-second.Done():
	default:
		t.Fatalf("unregistered subscriber should be closed")
	}
	hub.Unregister("dup")
}

func TestMessageForMapsDepositsToNewDeposit(t *testing.T) {
	msg := MessageFor(contract.Event{
		Kind:    contract.EventDepositStablecoin,
		Indexed: map[string]string{"user": "0x00000000000000000000000000000000000000aa"},
		Fields:  map[string]string{"amount": "1000"},
		Block:   12,
		TxHash:  "0xfeed",
	})
	if msg.Event != EventNewDeposit {
		t.Fatalf("expected newDeposit, got %q", msg.Event)
	}
	data := msg.Data.(map[string]interface{})
	if data["lender"] != "0x00000000000000000000000000000000000000aa" || data["amount"] != "1000" {
		t.Fatalf("unexpected payload %+v", data)
	}
	if data["block"] != uint64(12) || data["txHash"] != "0xfeed" {
		t.Fatalf("missing block metadata %+v", data)
	}

	liq := MessageFor(contract.Event{
		Kind:    contract.EventLiquidation,
		Indexed: map[string]string{"liquidator": "0x1", "borrower": "0x2"},
		Fields:  map[string]string{"amountLiquidated": "5"},
	})
	if liq.Event != "liquidation" {
		t.Fatalf("expected liquidation, got %q", liq.Event)
	}
	fields := liq.Data.(map[string]interface{})
	if fields["borrower"] != "0x2" || fields["amountLiquidated"] != "5" {
		t.Fatalf("unexpected payload %+v", fields)
	}
}

type feedSource struct {
	feed event.FeedOf[contract.Event]
}

func (s *feedSource) SubscribeEvents(ch chan<- contract.Event) event.Subscription {
	return s.feed.Subscribe(ch)
}

func TestRunBroadcastsInChainOrderAndSkipsRemoved(t *testing.T) {
	source := &feedSource{}
	hub := NewHub(8, quietLogger())
	sub := hub.Register("s1")
	r, err := New(source, hub, quietLogger())
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for source.feed.Send(contract.Event{Kind: contract.EventBorrow, Block: 1}) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("relay never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	source.feed.Send(contract.Event{Kind: contract.EventRepay, Block: 2, Removed: true})
	source.feed.Send(contract.Event{Kind: contract.EventDepositStablecoin, Block: 3})

	want := []string{"borrow", EventNewDeposit}
	for _, name := range want {
		select {
		case msg := <-sub.Messages():
			if msg.Event != name {
				t.Fatalf("expected %q, got %q", name, msg.Event)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", name)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not stop")
	}
}
