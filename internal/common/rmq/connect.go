package rmq

import (
	"fmt"
	"math"
	"time"

	"ride-hail-tracking/internal/common/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQ owns the broker connection; consumers open their own channels on
// top of it.
type RabbitMQ struct {
	Conn *amqp.Connection
	URL  string
}

func NewRabbitMQ(host string, port int, user, password string) (*RabbitMQ, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d/", user, password, host, port)
	rmq := &RabbitMQ{URL: url}

	if err := rmq.connect(); err != nil {
		return nil, err
	}
	return rmq, nil
}

func (r *RabbitMQ) connect() error {
	var err error

	for attempt := 1; attempt <= 5; attempt++ {
		r.Conn, err = amqp.Dial(r.URL)
		if err == nil {
			logger.Info("rmq_connected", "Connected to RabbitMQ", "", "")
			return nil
		}

		logger.Warn("rmq_connect_retry",
			fmt.Sprintf("RabbitMQ connect attempt %d failed", attempt), "", "", err.Error())
		time.Sleep(time.Second * time.Duration(math.Pow(2, float64(attempt)))) // exponential backoff
	}

	return fmt.Errorf("failed to connect to RabbitMQ after retries: %w", err)
}

func (r *RabbitMQ) Close() {
	if r.Conn != nil {
		_ = r.Conn.Close()
		r.Conn = nil
	}
	logger.Info("rmq_connection_closed", "RabbitMQ connection closed", "", "")
}
