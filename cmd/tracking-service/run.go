package tracking_service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"ride-hail-tracking/internal/admission"
	"ride-hail-tracking/internal/common/config"
	"ride-hail-tracking/internal/common/db"
	"ride-hail-tracking/internal/common/logger"
	"ride-hail-tracking/internal/common/model"
	"ride-hail-tracking/internal/notify/channel"
	notifymodel "ride-hail-tracking/internal/notify/model"
	notifyrepo "ride-hail-tracking/internal/notify/repository"
	"ride-hail-tracking/internal/notify/worker"
	sosrepo "ride-hail-tracking/internal/sos/repository"
	sosservice "ride-hail-tracking/internal/sos/service"
	"ride-hail-tracking/internal/tracking/bus"
	"ride-hail-tracking/internal/tracking/cache"
	"ride-hail-tracking/internal/tracking/handler"
	"ride-hail-tracking/internal/tracking/registry"
	"ride-hail-tracking/internal/tracking/service"
	trackingws "ride-hail-tracking/internal/tracking/websocket"
	"ride-hail-tracking/pkg/uuid"

	"github.com/redis/go-redis/v9"
)

func Run(ctx context.Context, cfg *config.Config, pg *db.Postgres, rdb *redis.Client, busClient *bus.Client) error {
	logger.SetServiceName("tracking-service")

	hostname, _ := os.Hostname()
	suffix, err := uuid.NewUUID()
	if err != nil {
		return fmt.Errorf("failed to generate instance id: %w", err)
	}
	instanceID := fmt.Sprintf("%s-%s", hostname, suffix[:8])

	locationCache := cache.NewLocationCache(rdb, cfg.Tracking.LocationTTL)
	subRegistry := registry.NewSubscriptionRegistry(rdb, cfg.Tracking.SubscriptionTTL)
	limiter := admission.NewRateLimiter(rdb, cfg.Tracking.RateWindow,
		cfg.Tracking.CriticalQuota, cfg.Tracking.StandardQuota)
	breaker := admission.NewCircuitBreaker(rdb, cfg.Tracking.BreakerThreshold, cfg.Tracking.BreakerCooldown)

	trackingSvc := service.NewTrackingService(locationCache, subRegistry, busClient, instanceID)

	// Every store call runs behind the breaker so a melting Postgres
	// short-circuits and surfaces on /health next to the channel circuits.
	store := db.NewGuardedPool(pg.Pool, breaker)
	jobRepo := notifyrepo.NewJobRepository(store)
	alertRepo := sosrepo.NewAlertRepository(store)

	sosSvc := sosservice.NewCoordinator(alertRepo, jobRepo, busClient, subRegistry, sosservice.Config{
		AckWindow:      cfg.Tracking.AckWindow,
		JobMaxAttempts: cfg.Tracking.JobMaxAttempts,
		PersistRetries: cfg.Tracking.PersistRetries,
		PersistBackoff: cfg.Tracking.PersistBackoff,
	})

	// Delivery worker: channels behind the circuit breaker, SOS channel
	// attempts recorded into channel_results.
	w := worker.NewWorker(jobRepo, cfg.Tracking.WorkerPollEvery,
		cfg.Tracking.JobBackoffBase, cfg.Tracking.JobBackoffCap)

	pushChannel := channel.NewPushChannel(busClient, breaker)
	smsChannel := channel.NewHTTPChannel("sms_provider", cfg.Channels.SMSProviderURL, breaker)
	emailChannel := channel.NewHTTPChannel("email_provider", cfg.Channels.EmailProviderURL, breaker)
	voiceChannel := channel.NewHTTPChannel("voice_provider", cfg.Channels.VoiceProviderURL, breaker)

	w.Register(notifymodel.TypePush, sosSvc.RecordingHandler("push", pushChannel.Handle))
	w.Register(notifymodel.TypeSMS, sosSvc.RecordingHandler("sms", smsChannel.Handle))
	w.Register(notifymodel.TypeEmail, sosSvc.RecordingHandler("email", emailChannel.Handle))
	w.Register(notifymodel.TypeVoice, sosSvc.RecordingHandler("voice", voiceChannel.Handle))
	w.Register(notifymodel.TypeEscalationCheck, sosSvc.HandleEscalationCheck)

	go w.Run(ctx)

	// Bus consumer feeds this instance's WebSocket clients.
	hub := trackingws.NewHub()
	if err := busClient.Consume(instanceID, func(envelope model.Envelope) {
		data, err := json.Marshal(envelope)
		if err != nil {
			return
		}
		hub.SendToTrip(envelope.TripID, data)
	}); err != nil {
		return fmt.Errorf("failed to start bus consumer: %w", err)
	}

	h := handler.NewHandler(trackingSvc, sosSvc, limiter, breaker, jobRepo)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /trips/{trip_id}/location", h.IngestLocation)
	mux.HandleFunc("GET /trips/{trip_id}/location", h.GetLastLocation)
	mux.HandleFunc("POST /trips/{trip_id}/sos", h.TriggerSOS)
	mux.HandleFunc("POST /trips/{trip_id}/start", h.StartTrip)
	mux.HandleFunc("POST /trips/{trip_id}/complete", h.CompleteTrip)
	mux.HandleFunc("GET /trips/{trip_id}/status", h.TripStatus)
	mux.HandleFunc("POST /alerts/{alert_id}/ack", h.AcknowledgeAlert)
	mux.HandleFunc("POST /alerts/{alert_id}/resolve", h.ResolveAlert)
	mux.HandleFunc("GET /alerts/{alert_id}", h.GetAlert)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ws/trips/{trip_id}", func(w http.ResponseWriter, r *http.Request) {
		trackingws.SubscriberWSHandler(w, r, hub, limiter, trackingSvc)
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	logger.Info("service_started", fmt.Sprintf("Tracking service listening on :%d", cfg.HTTP.Port), "", "")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("service_failed", "Tracking service failed", "", "", err.Error())
		return err
	}
	return nil
}
