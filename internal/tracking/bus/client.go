package bus

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const Exchange = "tracking_fanout"

// Client is the fanout-exchange endpoint. It opens its own channel on the
// shared broker connection; the connection itself is owned by the caller.
type Client struct {
	Channel *amqp.Channel
}

func NewClient(conn *amqp.Connection) (*Client, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		Exchange,
		"fanout",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Client{Channel: ch}, nil
}

func (c *Client) Close() error {
	if c.Channel != nil {
		if err := c.Channel.Close(); err != nil {
			return fmt.Errorf("failed to close channel: %w", err)
		}
	}
	return nil
}
