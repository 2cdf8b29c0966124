package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// Publisher provides typed methods for publishing events to NATS JetStream.
// A nil *Publisher is valid and drops every event, so callers don't need
// to guard for the NATS-less deployment.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a new Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishUsageRecorded publishes a usage ledger write.
func (p *Publisher) PublishUsageRecorded(ctx context.Context, event UsageRecordedEvent) error {
	return p.publish(ctx, SubjectUsageRecorded, event)
}

// PublishThresholdCrossed publishes an alert threshold crossing.
func (p *Publisher) PublishThresholdCrossed(ctx context.Context, event ThresholdCrossedEvent) error {
	return p.publish(ctx, SubjectThresholdCrossed, event)
}

// PublishPeriodReset publishes a quota period reset.
func (p *Publisher) PublishPeriodReset(ctx context.Context, event PeriodResetEvent) error {
	return p.publish(ctx, SubjectPeriodReset, event)
}

func (p *Publisher) publish(ctx context.Context, subject string, data any) error {
	if p == nil {
		return nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	_, err = p.js.Publish(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}
