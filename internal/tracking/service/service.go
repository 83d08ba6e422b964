package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ride-hail-tracking/internal/common/logger"
	"ride-hail-tracking/internal/common/model"
	"ride-hail-tracking/internal/tracking/cache"
)

var ErrTripCompleted = errors.New("trip is completed, tracking window is closed")

type LocationCache interface {
	Put(ctx context.Context, sample model.LocationSample) (bool, error)
	Get(ctx context.Context, tripID string) (model.LocationSample, error)
	Delete(ctx context.Context, tripID string) error
}

type SubscriptionRegistry interface {
	Add(ctx context.Context, tripID, connectionID, instanceID string) error
	Remove(ctx context.Context, tripID, connectionID, instanceID string) error
	ClearTrip(ctx context.Context, tripID string) error
	MarkStarted(ctx context.Context, tripID string) error
	IsStarted(ctx context.Context, tripID string) (bool, error)
	MarkCompleted(ctx context.Context, tripID string) error
	IsCompleted(ctx context.Context, tripID string) (bool, error)
	IsSOSActive(ctx context.Context, tripID string) (bool, error)
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, sample model.LocationSample) error
}

// TrackingService glues cache, registry and bus together for the ingestion
// and subscribe paths.
type TrackingService struct {
	cache      LocationCache
	registry   SubscriptionRegistry
	bus        LocationPublisher
	instanceID string
}

func NewTrackingService(c LocationCache, r SubscriptionRegistry, bus LocationPublisher, instanceID string) *TrackingService {
	return &TrackingService{cache: c, registry: r, bus: bus, instanceID: instanceID}
}

// Ingest stores the sample if fresh and fans it out. A stale sample is
// discarded, not an error. A bus failure is a drop, never a queue: the next
// sample supersedes the lost one.
func (s *TrackingService) Ingest(ctx context.Context, sample model.LocationSample) (bool, error) {
	accepted, err := s.cache.Put(ctx, sample)
	if err != nil {
		return false, fmt.Errorf("failed to cache location: %w", err)
	}
	if !accepted {
		logger.Debug("location_stale", "Sample older than cached value, discarded", "", sample.TripID)
		return false, nil
	}

	if err := s.bus.PublishLocation(ctx, sample); err != nil {
		logger.Warn("location_publish_dropped", "Bus unreachable, update dropped", "", sample.TripID, err.Error())
	}
	return true, nil
}

// Subscribe registers interest and returns the last known sample so a newly
// attached client is never blank.
func (s *TrackingService) Subscribe(ctx context.Context, tripID, connectionID string) (*model.LocationSample, error) {
	completed, err := s.registry.IsCompleted(ctx, tripID)
	if err != nil {
		logger.Warn("subscribe_completion_check_failed", "Could not check trip completion, proceeding", "", tripID, err.Error())
	} else if completed {
		return nil, ErrTripCompleted
	}

	if err := s.registry.Add(ctx, tripID, connectionID, s.instanceID); err != nil {
		return nil, err
	}

	sample, err := s.cache.Get(ctx, tripID)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sample, nil
}

func (s *TrackingService) Unsubscribe(ctx context.Context, tripID, connectionID string) error {
	return s.registry.Remove(ctx, tripID, connectionID, s.instanceID)
}

// TripStarted opens the tracking window for the trip.
func (s *TrackingService) TripStarted(ctx context.Context, tripID string) error {
	logger.Info("trip_started", "Opening tracking window for trip", "", tripID)
	return s.registry.MarkStarted(ctx, tripID)
}

func (s *TrackingService) TripCompleted(ctx context.Context, tripID string) error {
	logger.Info("trip_completed", "Closing tracking window for trip", "", tripID)
	if err := s.registry.MarkCompleted(ctx, tripID); err != nil {
		return err
	}
	if err := s.registry.ClearTrip(ctx, tripID); err != nil {
		logger.Warn("trip_cleanup_failed", "Failed to clear subscriptions", "", tripID, err.Error())
	}
	if err := s.cache.Delete(ctx, tripID); err != nil {
		logger.Warn("trip_cleanup_failed", "Failed to drop cached location", "", tripID, err.Error())
	}
	return nil
}

// GetLastSample exposes the cached position for polling clients.
func (s *TrackingService) GetLastSample(ctx context.Context, tripID string) (*model.LocationSample, error) {
	sample, err := s.cache.Get(ctx, tripID)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sample, nil
}

// TripStatus reads the lifecycle flags and cache presence for a trip, for
// the operator dashboards.
func (s *TrackingService) TripStatus(ctx context.Context, tripID string) (model.TripStatus, error) {
	status := model.TripStatus{TripID: tripID}

	var err error
	if status.Active, err = s.registry.IsStarted(ctx, tripID); err != nil {
		return status, err
	}
	if status.Completed, err = s.registry.IsCompleted(ctx, tripID); err != nil {
		return status, err
	}
	if status.SOSActive, err = s.registry.IsSOSActive(ctx, tripID); err != nil {
		return status, err
	}

	if _, err := s.cache.Get(ctx, tripID); err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			return status, err
		}
	} else {
		status.HasLocation = true
	}
	return status, nil
}

// ParseCapturedAt keeps the handlers honest about timestamp formats.
func ParseCapturedAt(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("captured_at must be RFC3339: %w", err)
	}
	return t, nil
}
