// Package notify is the process-wide publish-only notification bus
// (spec §4.6): typed, best-effort, filtered by subscriber. The
// subscription-index shape (criterion -> set of subscriber ids) is
// grounded on the teacher's WebSocketSubscriptionManager
// (internal/services/websocket_subscription_manager.go); the delivery
// model is generalized from per-client websocket fan-out to an
// in-process channel fan-out plus an optional NATS mirror.
package notify

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "notify")

// EventType is one of the four schema-stable outbound event types
// spec §6 names.
type EventType string

const (
	EventDepositUpdate    EventType = "deposit_update"
	EventWithdrawalUpdate EventType = "withdrawal_update"
	EventBalanceUpdate    EventType = "balance_update"
	EventTransferUpdate   EventType = "transfer_update"
)

// Event is the envelope every subscriber receives: Type plus the full
// current record (Payload), tagged with the fields subscribers filter
// on.
type Event struct {
	Type     EventType   `json:"type"`
	Username string      `json:"username"`
	Chain    string      `json:"chain,omitempty"`
	Currency string      `json:"currency,omitempty"`
	Status   string      `json:"status,omitempty"`
	Payload  interface{} `json:"payload"`
}

// Filter is a subscriber's declared interest. Empty fields match any
// value; Username is required (spec §4.6: "subscribers declare
// filters over (username, type, chain?, currency?, status?)").
type Filter struct {
	Username string
	Type     EventType
	Chain    string
	Currency string
	Status   string
}

func (f Filter) matches(e Event) bool {
	if f.Username == "" || f.Username != e.Username {
		return false
	}
	if f.Type != "" && f.Type != e.Type {
		return false
	}
	if f.Chain != "" && f.Chain != e.Chain {
		return false
	}
	if f.Currency != "" && f.Currency != e.Currency {
		return false
	}
	if f.Status != "" && f.Status != e.Status {
		return false
	}
	return true
}

type subscriber struct {
	id     string
	filter Filter
	ch     chan Event
}

// Bus is the in-process pub/sub core. Delivery is best-effort: a full
// subscriber channel drops the event rather than blocking the
// publisher, matching spec §4.6's "the core does not retain a
// backlog."
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber

	mirror Mirror
}

// Mirror is anything the bus should also forward events to, e.g. a
// NATSPublisher. Optional.
type Mirror interface {
	Publish(e Event)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// SetMirror attaches an outbound mirror; nil disables it.
func (b *Bus) SetMirror(m Mirror) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = m
}

// Subscribe registers a filtered subscriber and returns its event
// channel plus an unsubscribe func.
func (b *Bus) Subscribe(id string, filter Filter) (<-chan Event, func()) {
	ch := make(chan Event, 64)
	sub := &subscriber{id: id, filter: filter, ch: ch}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok && existing == sub {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Publish delivers e to every subscriber whose filter matches, plus
// the mirror if one is attached. Transfer events are delivered to both
// the sender and receiver: callers publish once per party by calling
// Publish twice with Username set to each side, since the bus itself
// has no notion of "the other party."
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.filter.matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			log.WithFields(logrus.Fields{"subscriber": sub.id, "type": e.Type}).
				Warn("subscriber channel full, dropping event")
		}
	}

	if b.mirror != nil {
		b.mirror.Publish(e)
	}
}
