package notify

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSPublisher mirrors every bus event onto a NATS subject, following
// the subject-shape and best-effort publish idiom of the teacher's
// internal/events/nats_events.go (subject prefix + event-type suffix),
// generalized from the teacher's fixed "zkpay.*.*.*" wildcard scheme to
// one subject per outbound event type.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher connects to url; prefix is prepended to every
// subject, e.g. "wallet" -> "wallet.deposit_update".
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("notify: connect nats: %w", err)
	}
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

func (p *NATSPublisher) subject(e Event) string {
	return fmt.Sprintf("%s.%s", p.prefix, e.Type)
}

// Publish is best-effort: a marshal or publish failure is logged, not
// propagated, since notify.Bus.Publish itself never returns an error.
func (p *NATSPublisher) Publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.WithError(err).Warn("nats mirror: marshal failed")
		return
	}
	if err := p.conn.Publish(p.subject(e), data); err != nil {
		log.WithError(err).Warn("nats mirror: publish failed")
	}
}

func (p *NATSPublisher) Close() {
	p.conn.Close()
}
