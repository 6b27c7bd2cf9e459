package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// HeaderEventType carries the event kind so consumers can filter without
// decoding the payload.
const HeaderEventType = "Eversaid-Event-Type"

const publishTimeout = 2 * time.Second

// Publisher emits wrapper events to JetStream. Callers treat failures as
// non-fatal.
type Publisher struct {
	js jetstream.JetStream
}

func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

func (p *Publisher) PublishSessionEvent(ctx context.Context, event SessionEvent) error {
	return p.publish(ctx, SubjectSessionEvent, "session."+event.EventType, event)
}

func (p *Publisher) PublishQuotaDenied(ctx context.Context, event QuotaDeniedEvent) error {
	return p.publish(ctx, SubjectQuotaDenied, "quota.denied."+event.LimitType, event)
}

// publish detaches from the request context so a client disconnect does
// not drop the event, but bounds the wait on the broker ack.
func (p *Publisher) publish(ctx context.Context, subject, eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = payload
	msg.Header.Set(HeaderEventType, eventType)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if _, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(uuid.NewString())); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}
