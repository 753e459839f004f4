package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/veloguard/veloguard/internal/drowsiness"
	"github.com/veloguard/veloguard/internal/queue"
	"github.com/veloguard/veloguard/internal/store"
)

type mockStore struct {
	mu sync.Mutex

	devices map[string]*store.Device
	rides   map[uuid.UUID]*store.Ride

	activeRide *uuid.UUID

	insertedRows   []store.TelemetryRow
	insertedRideID *uuid.UUID
	lastSeen       []uuid.UUID

	responder *store.Responder
	riderInfo *store.RiderInfo

	baselines map[uuid.UUID][]drowsiness.Baseline

	markEndingErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		devices:   make(map[string]*store.Device),
		rides:     make(map[uuid.UUID]*store.Ride),
		baselines: make(map[uuid.UUID][]drowsiness.Baseline),
	}
}

func (m *mockStore) GetDeviceByCode(_ context.Context, code string) (*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices[code], nil
}

func (m *mockStore) UpdateLastSeen(_ context.Context, deviceID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen = append(m.lastSeen, deviceID)
	return nil
}

func (m *mockStore) GetActiveRide(_ context.Context, _ uuid.UUID) (*uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeRide, nil
}

func (m *mockStore) CreateRide(_ context.Context, deviceID uuid.UUID, userID *uuid.UUID, startTime time.Time) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.rides[id] = &store.Ride{ID: id, DeviceID: deviceID, UserID: userID, StartTime: startTime, Status: store.RideActive}
	return id, nil
}

func (m *mockStore) MarkRideEnding(_ context.Context, rideID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markEndingErr != nil {
		return false, m.markEndingErr
	}
	r, ok := m.rides[rideID]
	if !ok || r.Status != store.RideActive {
		return false, nil
	}
	r.Status = store.RideEnding
	return true, nil
}

func (m *mockStore) GetRide(_ context.Context, rideID uuid.UUID) (*store.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *mockStore) InsertTelemetryBatch(_ context.Context, _ uuid.UUID, rideID *uuid.UUID, rows []store.TelemetryRow) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertedRows = append(m.insertedRows, rows...)
	m.insertedRideID = rideID
	return len(rows), nil
}

func (m *mockStore) InsertDrowsinessEvent(_ context.Context, _ *uuid.UUID, _ uuid.UUID, _ store.DrowsinessEvent) (uuid.UUID, error) {
	return uuid.New(), nil
}

func (m *mockStore) FindNearestResponder(_ context.Context, _, _ float64) (*store.Responder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.responder, nil
}

func (m *mockStore) GetRiderInfo(_ context.Context, _ uuid.UUID) (*store.RiderInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.riderInfo, nil
}

func (m *mockStore) InsertCrashAlert(_ context.Context, _ uuid.UUID, _, _ float64, _ *uuid.UUID, _ *float64) (uuid.UUID, error) {
	return uuid.New(), nil
}

func (m *mockStore) LatestBaseline(_ context.Context, deviceID uuid.UUID) (*drowsiness.Baseline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.baselines[deviceID]
	if len(rows) == 0 {
		return nil, nil
	}
	b := rows[len(rows)-1]
	return &b, nil
}

func (m *mockStore) InsertBaseline(_ context.Context, deviceID uuid.UUID, b drowsiness.Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[deviceID] = append(m.baselines[deviceID], b)
	return nil
}

func (m *mockStore) Ping(_ context.Context) error { return nil }

type mockQueue struct {
	mu        sync.Mutex
	published []queue.RideEndJob
	err       error
}

func (m *mockQueue) PublishRideEnd(_ context.Context, job queue.RideEndJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, job)
	return nil
}

func newTestService(t *testing.T, st Store, q queue.Publisher, clock clockwork.Clock) *Service {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	svc, err := NewService(slog.Default(), st, q, clock, metrics)
	require.NoError(t, err)
	return svc
}

func TestStartRideCreatesRide(t *testing.T) {
	st := newMockStore()
	deviceID := uuid.New()
	st.devices["H1"] = &store.Device{ID: deviceID, Code: "H1"}

	svc := newTestService(t, st, &mockQueue{}, clockwork.NewFakeClock())

	resp, err := svc.StartRide(context.Background(), "H1")
	require.NoError(t, err)
	require.NotEmpty(t, resp.RideID)
	require.Equal(t, "Ride started successfully", resp.Message)

	rideID, err := uuid.Parse(resp.RideID)
	require.NoError(t, err)
	require.Equal(t, store.RideActive, st.rides[rideID].Status)
}

func TestStartRideReturnsExistingActiveRide(t *testing.T) {
	st := newMockStore()
	deviceID := uuid.New()
	st.devices["H1"] = &store.Device{ID: deviceID, Code: "H1"}
	existing := uuid.New()
	st.activeRide = &existing

	svc := newTestService(t, st, &mockQueue{}, clockwork.NewFakeClock())

	resp, err := svc.StartRide(context.Background(), "H1")
	require.NoError(t, err)
	require.Equal(t, existing.String(), resp.RideID)
	require.Equal(t, "Ride already active", resp.Message)
	require.Empty(t, st.rides)
}

func TestStartRideUnknownDevice(t *testing.T) {
	svc := newTestService(t, newMockStore(), &mockQueue{}, clockwork.NewFakeClock())

	_, err := svc.StartRide(context.Background(), "nope")
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestEndRideQueuesCompletionJob(t *testing.T) {
	st := newMockStore()
	q := &mockQueue{}
	clock := clockwork.NewFakeClock()

	rideID := uuid.New()
	st.rides[rideID] = &store.Ride{ID: rideID, Status: store.RideActive, StartTime: clock.Now()}

	svc := newTestService(t, st, q, clock)

	status, err := svc.EndRide(context.Background(), rideID)
	require.NoError(t, err)
	require.Equal(t, EndRideQueued, status)
	require.Equal(t, store.RideEnding, st.rides[rideID].Status)

	require.Len(t, q.published, 1)
	require.Equal(t, rideID.String(), q.published[0].RideID)
	require.NotNil(t, q.published[0].EndTime)
	require.True(t, q.published[0].EndTime.Equal(clock.Now()))
}

func TestEndRideDuplicateDoesNotRepublish(t *testing.T) {
	st := newMockStore()
	q := &mockQueue{}

	rideID := uuid.New()
	st.rides[rideID] = &store.Ride{ID: rideID, Status: store.RideEnding}

	svc := newTestService(t, st, q, clockwork.NewFakeClock())

	status, err := svc.EndRide(context.Background(), rideID)
	require.NoError(t, err)
	require.Equal(t, EndRideAlreadyEnding, status)
	require.Empty(t, q.published)
}

func TestEndRideConcurrentCallersOneCompletion(t *testing.T) {
	st := newMockStore()
	q := &mockQueue{}
	clock := clockwork.NewFakeClock()

	rideID := uuid.New()
	st.rides[rideID] = &store.Ride{ID: rideID, Status: store.RideActive, StartTime: clock.Now()}

	svc := newTestService(t, st, q, clock)

	const callers = 5
	statuses := make([]EndRideStatus, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i], errs[i] = svc.EndRide(context.Background(), rideID)
		}()
	}
	wg.Wait()

	var queued int
	for _, err := range errs {
		require.NoError(t, err)
	}
	for _, status := range statuses {
		switch status {
		case EndRideQueued:
			queued++
		case EndRideAlreadyEnding, EndRideAlreadyCompleted:
		default:
			t.Fatalf("unexpected end ride status %d", status)
		}
	}
	require.Equal(t, 1, queued)
	require.Len(t, q.published, 1)
	require.Equal(t, store.RideEnding, st.rides[rideID].Status)
}

func TestEndRideCompletedIsIdempotent(t *testing.T) {
	st := newMockStore()
	rideID := uuid.New()
	st.rides[rideID] = &store.Ride{ID: rideID, Status: store.RideCompleted}

	svc := newTestService(t, st, &mockQueue{}, clockwork.NewFakeClock())

	status, err := svc.EndRide(context.Background(), rideID)
	require.NoError(t, err)
	require.Equal(t, EndRideAlreadyCompleted, status)
}

func TestEndRideNotFound(t *testing.T) {
	svc := newTestService(t, newMockStore(), &mockQueue{}, clockwork.NewFakeClock())

	status, err := svc.EndRide(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Equal(t, EndRideNotFound, status)
}

func TestEndRidePublishFailureLeavesRideEnding(t *testing.T) {
	st := newMockStore()
	q := &mockQueue{err: errors.New("broker down")}

	rideID := uuid.New()
	st.rides[rideID] = &store.Ride{ID: rideID, Status: store.RideActive}

	svc := newTestService(t, st, q, clockwork.NewFakeClock())

	status, err := svc.EndRide(context.Background(), rideID)
	require.Error(t, err)
	require.Equal(t, EndRidePublishFailed, status)
	require.Equal(t, store.RideEnding, st.rides[rideID].Status)
}

func TestSaveTelemetryBatchMalformedRideIDStoresNullRef(t *testing.T) {
	st := newMockStore()
	deviceID := uuid.New()
	st.devices["H1"] = &store.Device{ID: deviceID, Code: "H1"}

	svc := newTestService(t, st, &mockQueue{}, clockwork.NewFakeClock())

	hr := 72.0
	resp, err := svc.SaveTelemetryBatch(context.Background(), TelemetryBatchRequest{
		DeviceID: "H1",
		RideID:   "not-a-uuid",
		Telemetry: []TelemetryEntry{
			{Timestamp: time.Now(), HR: &hr},
			{Timestamp: time.Now()},
		},
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, 2, resp.RecordsInserted)
	require.Nil(t, st.insertedRideID)
	require.Len(t, st.insertedRows, 2)
	require.Equal(t, []uuid.UUID{deviceID}, st.lastSeen)
}

func TestSaveTelemetryBatchUnknownDevice(t *testing.T) {
	svc := newTestService(t, newMockStore(), &mockQueue{}, clockwork.NewFakeClock())

	_, err := svc.SaveTelemetryBatch(context.Background(), TelemetryBatchRequest{DeviceID: "nope"})
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSaveBaselineLatestWins(t *testing.T) {
	st := newMockStore()
	deviceID := uuid.New()
	st.devices["H1"] = &store.Device{ID: deviceID, Code: "H1"}

	svc := newTestService(t, st, &mockQueue{}, clockwork.NewFakeClock())

	require.NoError(t, svc.SaveBaseline(context.Background(), "H1", drowsiness.Baseline{SDNN: 48, RMSSD: 35}))
	require.NoError(t, svc.SaveBaseline(context.Background(), "H1", drowsiness.Baseline{SDNN: 55, RMSSD: 42}))

	b, err := svc.GetBaseline(context.Background(), "H1")
	require.NoError(t, err)
	require.NotNil(t, b)
	require.Equal(t, 55.0, b.SDNN)
	require.Equal(t, 42.0, b.RMSSD)
}

func TestGetBaselineNoneRecorded(t *testing.T) {
	st := newMockStore()
	st.devices["H1"] = &store.Device{ID: uuid.New(), Code: "H1"}

	svc := newTestService(t, st, &mockQueue{}, clockwork.NewFakeClock())

	b, err := svc.GetBaseline(context.Background(), "H1")
	require.NoError(t, err)
	require.Nil(t, b)

	err = svc.SaveBaseline(context.Background(), "nope", drowsiness.Baseline{SDNN: 50})
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestHandleCrashWithResponderAndRiderInfo(t *testing.T) {
	st := newMockStore()
	userID := uuid.New()
	st.devices["H1"] = &store.Device{ID: uuid.New(), Code: "H1", UserID: &userID}

	bloodType := "O+"
	st.responder = &store.Responder{UserID: uuid.New(), FacilityName: "City General", DistanceKM: 2.4}
	st.riderInfo = &store.RiderInfo{Username: "alex", Email: "alex@example.com", BloodType: &bloodType}

	svc := newTestService(t, st, &mockQueue{}, clockwork.NewFakeClock())

	resp, err := svc.HandleCrash(context.Background(), CrashRequest{
		DeviceID: "H1", Lat: 37.77, Lon: -122.41, Severity: "severe",
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.True(t, resp.ResponderNotified)
	require.Equal(t, "City General", *resp.FacilityName)
	require.InDelta(t, 2.4, *resp.DistanceKM, 1e-9)
	require.True(t, resp.RiderInfoIncluded)
	require.Equal(t, "alex", resp.RiderInfo.Username)
	require.Equal(t, "O+", *resp.RiderInfo.BloodType)
}

func TestHandleCrashNoResponderOnDuty(t *testing.T) {
	st := newMockStore()
	st.devices["H1"] = &store.Device{ID: uuid.New(), Code: "H1"}

	svc := newTestService(t, st, &mockQueue{}, clockwork.NewFakeClock())

	resp, err := svc.HandleCrash(context.Background(), CrashRequest{DeviceID: "H1", Lat: 0, Lon: 0})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.False(t, resp.ResponderNotified)
	require.Nil(t, resp.FacilityName)
	require.False(t, resp.RiderInfoIncluded)
}
