package bus

import (
	"encoding/json"
	"fmt"

	"ride-hail-tracking/internal/common/logger"
	"ride-hail-tracking/internal/common/model"
)

// Consume binds a per-instance queue to the fanout exchange and dispatches
// every envelope to the handler. The queue is exclusive and auto-deleted, so
// a dead instance leaves no backlog behind: location streaming is best-effort
// and a subscriber that misses an update receives the next one.
func (c *Client) Consume(instanceID string, handler func(model.Envelope)) error {
	queueName := fmt.Sprintf("tracking.%s", instanceID)

	q, err := c.Channel.QueueDeclare(
		queueName,
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := c.Channel.QueueBind(
		q.Name,
		"",
		Exchange,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	deliveries, err := c.Channel.Consume(
		q.Name,
		"",
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	go func() {
		for d := range deliveries {
			var envelope model.Envelope
			if err := json.Unmarshal(d.Body, &envelope); err != nil {
				logger.Warn("bus_unmarshal_failed", "Failed to unmarshal envelope", queueName, "", err.Error())
				continue
			}
			handler(envelope)
		}
	}()

	return nil
}
