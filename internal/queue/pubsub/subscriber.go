// Package pubsub receives crowdsourced fetch results from a Pub/Sub subscription.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-scheduler/internal/crawler"
)

// errPoison marks a message that can never be decoded.
var errPoison = errors.New("undecodable result")

// Sink accepts decoded results.
type Sink interface {
	Enqueue(ctx context.Context, res crawler.CrowdResult) error
}

// Subscriber pumps a subscription into a Sink.
type Subscriber struct {
	sub    *pubsub.Subscriber
	sink   Sink
	logger *zap.Logger
}

// New wraps a subscriber handle.
func New(sub *pubsub.Subscriber, sink Sink, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{sub: sub, sink: sink, logger: logger.Named("crowd_subscriber")}
}

// Run receives until ctx ends.
func (s *Subscriber) Run(ctx context.Context) error {
	if s.sub == nil {
		return fmt.Errorf("pubsub subscriber is not configured")
	}
	err := s.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		switch err := s.process(ctx, msg.Data, msg.Attributes); {
		case err == nil:
			msg.Ack()
		case errors.Is(err, errPoison):
			s.logger.Warn("Dropped undecodable crowd result", zap.String("message_id", msg.ID), zap.Error(err))
			msg.Ack()
		default:
			s.logger.Warn("Requeued crowd result", zap.String("message_id", msg.ID), zap.Error(err))
			msg.Nack()
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive crowd results: %w", err)
	}
	return nil
}

// process decodes one message and hands it to the sink. Trace context
// propagated by the producer is restored onto ctx.
func (s *Subscriber) process(ctx context.Context, data []byte, attrs map[string]string) error {
	if attrs != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(attrs))
	}
	res, err := Decode(data)
	if err != nil {
		return err
	}
	if err := s.sink.Enqueue(ctx, res); err != nil {
		return fmt.Errorf("enqueue crowd result: %w", err)
	}
	return nil
}

// Decode parses a JSON crowd result and checks its correlation key.
func Decode(data []byte) (crawler.CrowdResult, error) {
	var res crawler.CrowdResult
	if err := json.Unmarshal(data, &res); err != nil {
		return crawler.CrowdResult{}, fmt.Errorf("%w: %v", errPoison, err)
	}
	if !res.QueueID.Valid() || res.ItemID <= 0 {
		return crawler.CrowdResult{}, fmt.Errorf("%w: missing queue id or item id", errPoison)
	}
	return res, nil
}
