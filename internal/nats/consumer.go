package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"
)

// ConsumerManager handles durable consumer creation and retrieval.
type ConsumerManager struct {
	js jetstream.JetStream
}

// NewConsumerManager creates a new ConsumerManager.
func NewConsumerManager(js jetstream.JetStream) *ConsumerManager {
	return &ConsumerManager{js: js}
}

// EnsureConsumer creates or updates a durable consumer on the given stream.
func (cm *ConsumerManager) EnsureConsumer(ctx context.Context, stream, name, filterSubject string) (jetstream.Consumer, error) {
	cfg := jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}

	consumer, err := cm.js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("ensuring consumer %s on %s: %w", name, stream, err)
	}
	return consumer, nil
}

// StartThresholdConsumer consumes threshold crossing events and logs an
// alert line for each. It returns a stop function that halts consumption.
func (cm *ConsumerManager) StartThresholdConsumer(ctx context.Context) (func(), error) {
	consumer, err := cm.EnsureConsumer(ctx, StreamEvents, "threshold-alerts", SubjectThresholdCrossed)
	if err != nil {
		return nil, err
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var event ThresholdCrossedEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			slog.Warn("malformed threshold event", "error", err)
			msg.Term()
			return
		}

		slog.Warn("user approaching token limit",
			"user_id", event.UserID,
			"current_usage", event.CurrentUsage,
			"monthly_limit", event.MonthlyLimit,
			"usage_percent", event.UsagePercent,
		)
		msg.Ack()
	})
	if err != nil {
		return nil, fmt.Errorf("starting threshold consumer: %w", err)
	}

	return cc.Stop, nil
}
