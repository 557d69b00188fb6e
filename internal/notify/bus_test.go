package notify

import "testing"

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe("sub1", Filter{Username: "alice", Type: EventDepositUpdate})
	defer unsub()

	b.Publish(Event{Type: EventDepositUpdate, Username: "alice", Payload: "x"})

	select {
	case e := <-ch:
		if e.Username != "alice" {
			t.Fatalf("unexpected event: %+v", e)
		}
	default:
		t.Fatalf("expected event to be delivered")
	}
}

func TestPublishSkipsNonMatchingSubscriber(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe("sub1", Filter{Username: "bob"})
	defer unsub()

	b.Publish(Event{Type: EventDepositUpdate, Username: "alice"})

	select {
	case e := <-ch:
		t.Fatalf("unexpected delivery: %+v", e)
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe("sub1", Filter{Username: "alice"})
	unsub()

	b.Publish(Event{Type: EventDepositUpdate, Username: "alice"})

	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed after unsubscribe")
	}
}
