package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ride-hail-tracking/internal/common/model"
	"ride-hail-tracking/internal/tracking/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	mu      sync.Mutex
	samples map[string]model.LocationSample
	putErr  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{samples: make(map[string]model.LocationSample)}
}

func (f *fakeCache) Put(ctx context.Context, sample model.LocationSample) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return false, f.putErr
	}
	if cur, ok := f.samples[sample.TripID]; ok && !sample.CapturedAt.After(cur.CapturedAt) {
		return false, nil
	}
	f.samples[sample.TripID] = sample
	return true, nil
}

func (f *fakeCache) Get(ctx context.Context, tripID string) (model.LocationSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.samples[tripID]
	if !ok {
		return model.LocationSample{}, cache.ErrNotFound
	}
	return s, nil
}

func (f *fakeCache) Delete(ctx context.Context, tripID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.samples, tripID)
	return nil
}

type fakeRegistry struct {
	mu        sync.Mutex
	subs      map[string]map[string]string // tripID -> connID -> instanceID
	active    map[string]bool
	completed map[string]bool
	sosActive map[string]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		subs:      make(map[string]map[string]string),
		active:    make(map[string]bool),
		completed: make(map[string]bool),
		sosActive: make(map[string]bool),
	}
}

func (f *fakeRegistry) Add(ctx context.Context, tripID, connectionID, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[tripID] == nil {
		f.subs[tripID] = make(map[string]string)
	}
	f.subs[tripID][connectionID] = instanceID
	return nil
}

func (f *fakeRegistry) Remove(ctx context.Context, tripID, connectionID, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs[tripID], connectionID)
	return nil
}

func (f *fakeRegistry) ClearTrip(ctx context.Context, tripID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, tripID)
	return nil
}

func (f *fakeRegistry) MarkStarted(ctx context.Context, tripID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[tripID] = true
	return nil
}

func (f *fakeRegistry) IsStarted(ctx context.Context, tripID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[tripID], nil
}

func (f *fakeRegistry) MarkCompleted(ctx context.Context, tripID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[tripID] = true
	delete(f.active, tripID)
	return nil
}

func (f *fakeRegistry) IsSOSActive(ctx context.Context, tripID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sosActive[tripID], nil
}

func (f *fakeRegistry) IsCompleted(ctx context.Context, tripID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed[tripID], nil
}

func (f *fakeRegistry) count(tripID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[tripID])
}

type fakePublisher struct {
	mu        sync.Mutex
	published []model.LocationSample
	err       error
}

func (f *fakePublisher) PublishLocation(ctx context.Context, sample model.LocationSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, sample)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func sampleAt(tripID string, at time.Time) model.LocationSample {
	return model.LocationSample{
		TripID:     tripID,
		Lat:        51.1,
		Lng:        71.4,
		SpeedKmh:   42,
		Heading:    180,
		CapturedAt: at,
	}
}

func TestIngestAcceptsAndPublishes(t *testing.T) {
	c, r, p := newFakeCache(), newFakeRegistry(), &fakePublisher{}
	s := NewTrackingService(c, r, p, "inst-1")

	accepted, err := s.Ingest(context.Background(), sampleAt("trip-1", time.Unix(100, 0)))
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, 1, p.count())
}

func TestIngestDiscardsStaleSample(t *testing.T) {
	c, r, p := newFakeCache(), newFakeRegistry(), &fakePublisher{}
	s := NewTrackingService(c, r, p, "inst-1")
	ctx := context.Background()

	_, err := s.Ingest(ctx, sampleAt("trip-1", time.Unix(200, 0)))
	require.NoError(t, err)

	// Older sample arriving late: silently discarded, nothing published.
	accepted, err := s.Ingest(ctx, sampleAt("trip-1", time.Unix(100, 0)))
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, 1, p.count())

	// The cache still holds the newer position.
	got, err := s.GetLastSample(ctx, "trip-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, time.Unix(200, 0), got.CapturedAt)
}

func TestIngestBusFailureStillAccepts(t *testing.T) {
	c, r := newFakeCache(), newFakeRegistry()
	p := &fakePublisher{err: errors.New("broker down")}
	s := NewTrackingService(c, r, p, "inst-1")

	// A dropped fan-out is not an ingestion error: the next sample
	// supersedes the lost one.
	accepted, err := s.Ingest(context.Background(), sampleAt("trip-1", time.Unix(100, 0)))
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestIngestCacheErrorPropagates(t *testing.T) {
	c, r, p := newFakeCache(), newFakeRegistry(), &fakePublisher{}
	c.putErr = errors.New("redis down")
	s := NewTrackingService(c, r, p, "inst-1")

	_, err := s.Ingest(context.Background(), sampleAt("trip-1", time.Unix(100, 0)))
	assert.Error(t, err)
	assert.Equal(t, 0, p.count())
}

func TestSubscribeReturnsLastSample(t *testing.T) {
	c, r, p := newFakeCache(), newFakeRegistry(), &fakePublisher{}
	s := NewTrackingService(c, r, p, "inst-1")
	ctx := context.Background()

	_, err := s.Ingest(ctx, sampleAt("trip-1", time.Unix(100, 0)))
	require.NoError(t, err)

	last, err := s.Subscribe(ctx, "trip-1", "conn-a")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "trip-1", last.TripID)
	assert.Equal(t, 1, r.count("trip-1"))
}

func TestSubscribeWithoutCachedSample(t *testing.T) {
	c, r, p := newFakeCache(), newFakeRegistry(), &fakePublisher{}
	s := NewTrackingService(c, r, p, "inst-1")

	last, err := s.Subscribe(context.Background(), "trip-1", "conn-a")
	require.NoError(t, err)
	assert.Nil(t, last)
	assert.Equal(t, 1, r.count("trip-1"))
}

func TestSubscribeRejectedForCompletedTrip(t *testing.T) {
	c, r, p := newFakeCache(), newFakeRegistry(), &fakePublisher{}
	s := NewTrackingService(c, r, p, "inst-1")
	ctx := context.Background()

	require.NoError(t, r.MarkCompleted(ctx, "trip-1"))

	_, err := s.Subscribe(ctx, "trip-1", "conn-a")
	assert.ErrorIs(t, err, ErrTripCompleted)
	assert.Equal(t, 0, r.count("trip-1"))
}

func TestUnsubscribe(t *testing.T) {
	c, r, p := newFakeCache(), newFakeRegistry(), &fakePublisher{}
	s := NewTrackingService(c, r, p, "inst-1")
	ctx := context.Background()

	_, err := s.Subscribe(ctx, "trip-1", "conn-a")
	require.NoError(t, err)
	require.NoError(t, s.Unsubscribe(ctx, "trip-1", "conn-a"))
	assert.Equal(t, 0, r.count("trip-1"))
}

func TestTripCompletedCleansUp(t *testing.T) {
	c, r, p := newFakeCache(), newFakeRegistry(), &fakePublisher{}
	s := NewTrackingService(c, r, p, "inst-1")
	ctx := context.Background()

	_, err := s.Ingest(ctx, sampleAt("trip-1", time.Unix(100, 0)))
	require.NoError(t, err)
	_, err = s.Subscribe(ctx, "trip-1", "conn-a")
	require.NoError(t, err)

	require.NoError(t, s.TripCompleted(ctx, "trip-1"))

	assert.Equal(t, 0, r.count("trip-1"))

	got, err := s.GetLastSample(ctx, "trip-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Late subscribers see the closed window.
	_, err = s.Subscribe(ctx, "trip-1", "conn-b")
	assert.ErrorIs(t, err, ErrTripCompleted)
}

func TestTripStartedOpensWindow(t *testing.T) {
	c, r, p := newFakeCache(), newFakeRegistry(), &fakePublisher{}
	s := NewTrackingService(c, r, p, "inst-1")
	ctx := context.Background()

	require.NoError(t, s.TripStarted(ctx, "trip-1"))

	status, err := s.TripStatus(ctx, "trip-1")
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.False(t, status.Completed)
}

func TestTripStatusReflectsLifecycle(t *testing.T) {
	c, r, p := newFakeCache(), newFakeRegistry(), &fakePublisher{}
	s := NewTrackingService(c, r, p, "inst-1")
	ctx := context.Background()

	require.NoError(t, s.TripStarted(ctx, "trip-1"))
	_, err := s.Ingest(ctx, sampleAt("trip-1", time.Unix(100, 0)))
	require.NoError(t, err)
	r.sosActive["trip-1"] = true

	status, err := s.TripStatus(ctx, "trip-1")
	require.NoError(t, err)
	assert.Equal(t, "trip-1", status.TripID)
	assert.True(t, status.Active)
	assert.True(t, status.HasLocation)
	assert.True(t, status.SOSActive)
	assert.False(t, status.Completed)

	// Completion closes the window: active drops, completed holds, the
	// cached location is gone.
	require.NoError(t, s.TripCompleted(ctx, "trip-1"))

	status, err = s.TripStatus(ctx, "trip-1")
	require.NoError(t, err)
	assert.False(t, status.Active)
	assert.True(t, status.Completed)
	assert.False(t, status.HasLocation)
}

func TestParseCapturedAt(t *testing.T) {
	ts, err := ParseCapturedAt("2026-08-23T10:15:00Z")
	require.NoError(t, err)
	assert.Equal(t, 2026, ts.Year())

	_, err = ParseCapturedAt("23/08/2026 10:15")
	assert.Error(t, err)
}
