package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ride-hail-tracking/internal/common/logger"
	"ride-hail-tracking/internal/common/model"

	amqp "github.com/rabbitmq/amqp091-go"
)

func (c *Client) publish(ctx context.Context, envelope model.Envelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := c.Channel.PublishWithContext(
		ctx,
		Exchange,
		"", // fanout ignores routing keys
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	return nil
}

// PublishLocation fans a location sample out to every instance. Callers on
// the ingestion path treat an error as a drop, never as a reason to queue.
func (c *Client) PublishLocation(ctx context.Context, sample model.LocationSample) error {
	return c.publish(ctx, model.Envelope{
		Type:    model.EnvelopeTypeLocation,
		TripID:  sample.TripID,
		Payload: sample,
		Ts:      time.Now().UTC(),
	})
}

func (c *Client) PublishSOSEvent(ctx context.Context, tripID string, payload interface{}) error {
	logger.Info("publish_sos_event", "Publishing SOS event to fanout exchange", "", tripID)
	return c.publish(ctx, model.Envelope{
		Type:    model.EnvelopeTypeSOSEvent,
		TripID:  tripID,
		Payload: payload,
		Ts:      time.Now().UTC(),
	})
}
