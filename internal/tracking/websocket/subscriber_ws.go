package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"ride-hail-tracking/internal/admission"
	"ride-hail-tracking/internal/common/logger"
	"ride-hail-tracking/internal/common/model"
	"ride-hail-tracking/internal/tracking/service"
	"ride-hail-tracking/pkg/uuid"

	"github.com/gorilla/websocket"
)

var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Limiter interface {
	Allow(ctx context.Context, actor string, class admission.Class) error
}

// SubscriberWSHandler attaches a tracking-view client to a trip. Subscribe is
// a critical-class endpoint: a passenger's family watching a ride must not be
// crowded out by general API traffic.
func SubscriberWSHandler(w http.ResponseWriter, r *http.Request, hub *Hub, limiter Limiter, svc *service.TrackingService) {
	ctx := context.Background()
	tripID := r.PathValue("trip_id")
	actor := actorID(r)

	if err := limiter.Allow(ctx, actor, admission.ClassCritical); err != nil {
		var rle *admission.RateLimitError
		if errors.As(err, &rle) {
			w.Header().Set("Retry-After", retryAfterSeconds(rle))
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("ws_upgrade_failed", "WebSocket upgrade failed", "", tripID, err.Error())
		return
	}

	connID, err := uuid.NewUUID()
	if err != nil {
		conn.Close()
		return
	}

	lastSample, err := svc.Subscribe(ctx, tripID, connID)
	if err != nil {
		if errors.Is(err, service.ErrTripCompleted) {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "trip completed"))
		}
		logger.Warn("ws_subscribe_failed", "Subscribe rejected", connID, tripID, err.Error())
		conn.Close()
		return
	}

	client := &Client{
		ID:     connID,
		TripID: tripID,
		Conn:   conn,
		Send:   make(chan []byte, 256),
	}
	hub.AddClient(client)
	logger.Info("ws_subscriber_connected", "Tracking subscriber connected", connID, tripID)

	// A newly attached client is never blank: push the last known sample
	// before anything else.
	if lastSample != nil {
		envelope := model.Envelope{
			Type:    model.EnvelopeTypeLocation,
			TripID:  tripID,
			Payload: lastSample,
			Ts:      time.Now().UTC(),
		}
		if data, err := json.Marshal(envelope); err == nil {
			client.Send <- data
		}
	}

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(appData string) error {
		client.LastPong = time.Now()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer func() {
			ticker.Stop()
			conn.Close()
		}()
		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader goroutine: drains control frames and detects disconnect.
	go func() {
		defer func() {
			hub.RemoveClient(client.ID)
			if err := svc.Unsubscribe(context.Background(), tripID, connID); err != nil {
				logger.Warn("ws_unsubscribe_failed", "Failed to remove subscription", connID, tripID, err.Error())
			}
			logger.Info("ws_subscriber_disconnected", "Tracking subscriber disconnected", connID, tripID)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func actorID(r *http.Request) string {
	if actor := r.Header.Get("X-Actor-ID"); actor != "" {
		return actor
	}
	return r.RemoteAddr
}

func retryAfterSeconds(e *admission.RateLimitError) string {
	secs := int(e.RetryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
