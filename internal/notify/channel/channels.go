package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ride-hail-tracking/internal/common/logger"
	notifymodel "ride-hail-tracking/internal/notify/model"
)

// Breaker guards each external dependency so one melting channel cannot eat
// the retry capacity of the healthy ones.
type Breaker interface {
	Do(ctx context.Context, dep string, fn func() error) error
}

type BusPublisher interface {
	PublishSOSEvent(ctx context.Context, tripID string, payload interface{}) error
}

// PushChannel delivers to end-user clients and operator dashboards through
// the broadcast bus; subscribers on any instance pick the envelope up.
type PushChannel struct {
	bus     BusPublisher
	breaker Breaker
}

func NewPushChannel(bus BusPublisher, breaker Breaker) *PushChannel {
	return &PushChannel{bus: bus, breaker: breaker}
}

func (c *PushChannel) Handle(ctx context.Context, job notifymodel.Job) error {
	var payload notifymodel.ChannelPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid push payload: %w", err)
	}

	return c.breaker.Do(ctx, "broadcast_bus", func() error {
		return c.bus.PublishSOSEvent(ctx, payload.TripID, map[string]string{
			"alert_id": payload.AlertID,
			"message":  payload.Message,
		})
	})
}

// HTTPChannel posts the payload to an external provider endpoint (SMS,
// email, voice call).
type HTTPChannel struct {
	name    string
	url     string
	client  *http.Client
	breaker Breaker
}

func NewHTTPChannel(name, url string, breaker Breaker) *HTTPChannel {
	return &HTTPChannel{
		name:    name,
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: breaker,
	}
}

func (c *HTTPChannel) Handle(ctx context.Context, job notifymodel.Job) error {
	var payload notifymodel.ChannelPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid %s payload: %w", c.name, err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", c.name, err)
	}

	return c.breaker.Do(ctx, c.name, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build %s request: %w", c.name, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("%s provider call failed: %w", c.name, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("%s provider returned status %d", c.name, resp.StatusCode)
		}
		logger.Info("channel_delivered", fmt.Sprintf("Delivered via %s", c.name), job.ID, payload.TripID)
		return nil
	})
}
