package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/veloguard/veloguard/internal/broker"
	"github.com/veloguard/veloguard/internal/coordinator"
	"github.com/veloguard/veloguard/internal/drowsiness"
	"github.com/veloguard/veloguard/internal/hrv"
)

type stubAnalyzer struct {
	metrics hrv.Metrics
	err     error
}

func (s *stubAnalyzer) Analyze(_ []float64, _ int) (hrv.Metrics, error) {
	return s.metrics, s.err
}

type mockCoordinator struct {
	mu sync.Mutex

	rideID     string
	startErr   error
	startCalls int

	batches  []coordinator.TelemetryBatchRequest
	batchErr error

	events []coordinator.DrowsinessEventRequest

	crashes   []coordinator.CrashRequest
	crashResp coordinator.CrashResponse

	endedRides []string
	endErr     error
}

func (m *mockCoordinator) StartRide(_ context.Context, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls++
	if m.startErr != nil {
		return "", m.startErr
	}
	return m.rideID, nil
}

func (m *mockCoordinator) EndRide(_ context.Context, rideID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.endErr != nil {
		return m.endErr
	}
	m.endedRides = append(m.endedRides, rideID)
	return nil
}

func (m *mockCoordinator) SaveTelemetryBatch(_ context.Context, req coordinator.TelemetryBatchRequest) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.batchErr != nil {
		return 0, m.batchErr
	}
	m.batches = append(m.batches, req)
	return len(req.Telemetry), nil
}

func (m *mockCoordinator) LogDrowsinessEvent(_ context.Context, req coordinator.DrowsinessEventRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, req)
	return nil
}

func (m *mockCoordinator) ReportCrash(_ context.Context, req coordinator.CrashRequest) (coordinator.CrashResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.crashes = append(m.crashes, req)
	return m.crashResp, nil
}

type mockPublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newMockPublisher() *mockPublisher {
	return &mockPublisher{messages: make(map[string][][]byte)}
}

func (m *mockPublisher) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[topic] = append(m.messages[topic], append([]byte(nil), payload...))
	return nil
}

func (m *mockPublisher) count(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages[topic])
}

func (m *mockPublisher) last(t *testing.T, topic string, v any) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[topic]
	require.NotEmpty(t, msgs, "no messages on %s", topic)
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1], v))
}

// awakeMetrics matches the general baseline closely enough to score 0.
var awakeMetrics = hrv.Metrics{
	HR: 72, IBIMillis: 833, SDNN: 50, RMSSD: 40, PNN50: 20, LFHFRatio: 1.5, SD1SD2Ratio: 0.5,
}

// microsleepMetrics trips every factor against the general baseline.
var microsleepMetrics = hrv.Metrics{
	HR: 88, IBIMillis: 682, SDNN: 20, RMSSD: 15, PNN50: 5, LFHFRatio: 2.8, SD1SD2Ratio: 0.95,
}

func telemetryPayload(t *testing.T) []byte {
	t.Helper()
	buf, err := json.Marshal(TelemetryPayload{
		DeviceID:   "H1",
		PPG:        []float64{1, 2, 3, 2, 1},
		SampleRate: 50,
	})
	require.NoError(t, err)
	return buf
}

func newTestProcessor(t *testing.T, an hrv.Analyzer, co Coordinator, pub broker.Publisher, clock clockwork.Clock) *Processor {
	t.Helper()
	p, err := New(Config{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Analyzer:    an,
		Coordinator: co,
		Publisher:   pub,
		Registry:    prometheus.NewRegistry(),
		Clock:       clock,
	})
	require.NoError(t, err)
	return p
}

func TestHandleTelemetryBuffersAndPublishes(t *testing.T) {
	co := &mockCoordinator{rideID: "ride-1"}
	pub := newMockPublisher()
	clock := clockwork.NewFakeClock()
	p := newTestProcessor(t, &stubAnalyzer{metrics: awakeMetrics}, co, pub, clock)

	p.HandleTelemetry(context.Background(), "H1", telemetryPayload(t))

	require.Equal(t, 1, co.startCalls)
	require.Len(t, p.devices["H1"].buffer, 1)
	require.Equal(t, "ride-1", p.devices["H1"].rideID)

	var live LiveAnalysisPayload
	pub.last(t, broker.LiveAnalysisTopic("H1"), &live)
	require.Equal(t, "AWAKE", live.Status)
	require.InDelta(t, 72.0, live.Metrics.HR, 1e-9)

	var cmd CommandPayload
	pub.last(t, broker.CommandTopic("H1"), &cmd)
	require.False(t, cmd.Vibrate)

	require.Empty(t, co.events)
}

func TestHandleTelemetryStartsRideOnce(t *testing.T) {
	co := &mockCoordinator{rideID: "ride-1"}
	pub := newMockPublisher()
	p := newTestProcessor(t, &stubAnalyzer{metrics: awakeMetrics}, co, pub, clockwork.NewFakeClock())

	p.HandleTelemetry(context.Background(), "H1", telemetryPayload(t))
	p.HandleTelemetry(context.Background(), "H1", telemetryPayload(t))

	require.Equal(t, 1, co.startCalls)
	require.Len(t, p.devices["H1"].buffer, 2)
}

func TestHandleTelemetryRideStartFailureStillBuffers(t *testing.T) {
	co := &mockCoordinator{startErr: errors.New("coordinator down")}
	pub := newMockPublisher()
	p := newTestProcessor(t, &stubAnalyzer{metrics: awakeMetrics}, co, pub, clockwork.NewFakeClock())

	p.HandleTelemetry(context.Background(), "H1", telemetryPayload(t))

	require.Empty(t, p.devices["H1"].rideID)
	require.Len(t, p.devices["H1"].buffer, 1)
	require.Equal(t, 1, pub.count(broker.LiveAnalysisTopic("H1")))
}

func TestHandleTelemetryMicrosleepLogsEventAndVibrates(t *testing.T) {
	co := &mockCoordinator{rideID: "ride-1"}
	pub := newMockPublisher()
	p := newTestProcessor(t, &stubAnalyzer{metrics: microsleepMetrics}, co, pub, clockwork.NewFakeClock())

	p.HandleTelemetry(context.Background(), "H1", telemetryPayload(t))

	require.Len(t, co.events, 1)
	require.Equal(t, "MICROSLEEP", co.events[0].Status)
	require.Equal(t, drowsiness.MaxScore, co.events[0].SeverityScore)
	require.Equal(t, "ride-1", co.events[0].RideID)

	var cmd CommandPayload
	pub.last(t, broker.CommandTopic("H1"), &cmd)
	require.True(t, cmd.Vibrate)
}

func TestHandleTelemetryUsesCachedBaseline(t *testing.T) {
	co := &mockCoordinator{rideID: "ride-1"}
	pub := newMockPublisher()
	// Against the general baseline these metrics are a hard microsleep; with
	// a matching personal baseline the rider is awake.
	metrics := hrv.Metrics{HR: 72, SDNN: 20, RMSSD: 15, PNN50: 5, LFHFRatio: 2.8, SD1SD2Ratio: 0.95}
	p := newTestProcessor(t, &stubAnalyzer{metrics: metrics}, co, pub, clockwork.NewFakeClock())

	baseline, err := json.Marshal(drowsiness.Baseline{
		MeanHR: 72, SDNN: 20, RMSSD: 15, PNN50: 5, LFHFRatio: 2.8, SD1SD2Ratio: 0.95,
	})
	require.NoError(t, err)
	p.HandleBaseline(context.Background(), "H1", baseline)

	p.HandleTelemetry(context.Background(), "H1", telemetryPayload(t))

	var live LiveAnalysisPayload
	pub.last(t, broker.LiveAnalysisTopic("H1"), &live)
	require.Equal(t, "AWAKE", live.Status)
	require.Empty(t, co.events)
}

func TestHandleTelemetryAnalysisFailureDropsWindow(t *testing.T) {
	co := &mockCoordinator{rideID: "ride-1"}
	pub := newMockPublisher()
	p := newTestProcessor(t, &stubAnalyzer{err: hrv.ErrTooFewPeaks}, co, pub, clockwork.NewFakeClock())

	p.HandleTelemetry(context.Background(), "H1", telemetryPayload(t))

	// The ride opens before analysis, so an unanalyzable window still counts
	// as activity; only the window itself is dropped.
	require.Equal(t, 1, co.startCalls)
	require.Contains(t, p.devices, "H1")
	require.Equal(t, "ride-1", p.devices["H1"].rideID)
	require.Empty(t, p.devices["H1"].buffer)
	require.Equal(t, 0, pub.count(broker.LiveAnalysisTopic("H1")))
}

func TestHandleTelemetryMalformedPayloadDropped(t *testing.T) {
	co := &mockCoordinator{}
	p := newTestProcessor(t, &stubAnalyzer{metrics: awakeMetrics}, co, newMockPublisher(), clockwork.NewFakeClock())

	p.HandleTelemetry(context.Background(), "H1", []byte("{not json"))
	p.HandleTelemetry(context.Background(), "H1", []byte(`{"ppg":[],"sample_rate":50}`))

	require.Equal(t, 0, co.startCalls)
	require.Empty(t, p.devices)
}

func TestFlushAfterIntervalSendsBufferAndClears(t *testing.T) {
	co := &mockCoordinator{rideID: "ride-1"}
	pub := newMockPublisher()
	clock := clockwork.NewFakeClock()
	p := newTestProcessor(t, &stubAnalyzer{metrics: awakeMetrics}, co, pub, clock)

	p.HandleTelemetry(context.Background(), "H1", telemetryPayload(t))
	clock.Advance(defaultFlushInterval)
	p.HandleTelemetry(context.Background(), "H1", telemetryPayload(t))

	require.Len(t, co.batches, 1)
	require.Len(t, co.batches[0].Telemetry, 2)
	require.Equal(t, "ride-1", co.batches[0].RideID)
	require.Empty(t, p.devices["H1"].buffer)
}

func TestFlushFailureRetainsBuffer(t *testing.T) {
	co := &mockCoordinator{rideID: "ride-1", batchErr: errors.New("db down")}
	pub := newMockPublisher()
	clock := clockwork.NewFakeClock()
	p := newTestProcessor(t, &stubAnalyzer{metrics: awakeMetrics}, co, pub, clock)

	p.HandleTelemetry(context.Background(), "H1", telemetryPayload(t))
	clock.Advance(defaultFlushInterval)
	p.HandleTelemetry(context.Background(), "H1", telemetryPayload(t))

	require.Len(t, p.devices["H1"].buffer, 2)

	// Once the coordinator recovers, the retained rows go out together.
	co.mu.Lock()
	co.batchErr = nil
	co.mu.Unlock()
	require.NoError(t, p.Flush(context.Background(), "H1"))
	require.Len(t, co.batches, 1)
	require.Len(t, co.batches[0].Telemetry, 2)
	require.Empty(t, p.devices["H1"].buffer)
}

func TestSweepEndsIdleRideAndEvicts(t *testing.T) {
	co := &mockCoordinator{rideID: "ride-1"}
	pub := newMockPublisher()
	clock := clockwork.NewFakeClock()
	p := newTestProcessor(t, &stubAnalyzer{metrics: awakeMetrics}, co, pub, clock)

	p.HandleTelemetry(context.Background(), "H1", telemetryPayload(t))
	clock.Advance(defaultRideTimeout)
	p.sweep(context.Background())

	require.Equal(t, []string{"ride-1"}, co.endedRides)
	require.Empty(t, p.devices)
	require.Len(t, co.batches, 1) // final flush before eviction
}

func TestSweepKeepsActiveDevices(t *testing.T) {
	co := &mockCoordinator{rideID: "ride-1"}
	pub := newMockPublisher()
	clock := clockwork.NewFakeClock()
	p := newTestProcessor(t, &stubAnalyzer{metrics: awakeMetrics}, co, pub, clock)

	p.HandleTelemetry(context.Background(), "H1", telemetryPayload(t))
	clock.Advance(defaultRideTimeout / 2)
	p.sweep(context.Background())

	require.Empty(t, co.endedRides)
	require.Contains(t, p.devices, "H1")
}

func TestSweepRetainsStateWhenEndRideFails(t *testing.T) {
	co := &mockCoordinator{rideID: "ride-1", endErr: errors.New("coordinator down")}
	pub := newMockPublisher()
	clock := clockwork.NewFakeClock()
	p := newTestProcessor(t, &stubAnalyzer{metrics: awakeMetrics}, co, pub, clock)

	p.HandleTelemetry(context.Background(), "H1", telemetryPayload(t))
	clock.Advance(defaultRideTimeout)
	p.sweep(context.Background())

	// Eviction is deferred until the ride end goes through.
	require.Contains(t, p.devices, "H1")

	co.mu.Lock()
	co.endErr = nil
	co.mu.Unlock()
	p.sweep(context.Background())
	require.Empty(t, p.devices)
	require.Equal(t, []string{"ride-1"}, co.endedRides)
}

func TestHandleAccelCrashPath(t *testing.T) {
	facility := "City General"
	dist := 2.4
	co := &mockCoordinator{crashResp: coordinator.CrashResponse{
		Success: true, ResponderNotified: true, FacilityName: &facility, DistanceKM: &dist,
	}}
	pub := newMockPublisher()
	p := newTestProcessor(t, &stubAnalyzer{metrics: awakeMetrics}, co, pub, clockwork.NewFakeClock())

	lat, lon := 37.77, -122.41
	buf, err := json.Marshal(AccelPayload{DeviceID: "H1", AccelX: 0, AccelY: 0, AccelZ: 25, Lat: &lat, Lon: &lon})
	require.NoError(t, err)
	p.HandleAccel(context.Background(), "H1", buf)

	require.Len(t, co.crashes, 1)
	require.Equal(t, "severe", co.crashes[0].Severity)
	require.InDelta(t, 25.0, *co.crashes[0].AccelMagnitude, 1e-9)

	var note CrashNotificationPayload
	pub.last(t, broker.CrashTopic("H1"), &note)
	require.Equal(t, "severe", note.Severity)
	require.True(t, note.ResponderNotified)
	require.Equal(t, "City General", *note.FacilityName)

	var cmd CommandPayload
	pub.last(t, broker.CommandTopic("H1"), &cmd)
	require.True(t, cmd.CrashDetected)
	require.True(t, cmd.Vibrate)
	require.Equal(t, "severe", cmd.Severity)
}

func TestHandleAccelNormalRidingIgnored(t *testing.T) {
	co := &mockCoordinator{}
	pub := newMockPublisher()
	p := newTestProcessor(t, &stubAnalyzer{metrics: awakeMetrics}, co, pub, clockwork.NewFakeClock())

	buf, err := json.Marshal(AccelPayload{DeviceID: "H1", AccelX: 0.5, AccelY: -0.3, AccelZ: 9.9})
	require.NoError(t, err)
	p.HandleAccel(context.Background(), "H1", buf)

	require.Empty(t, co.crashes)
	require.Equal(t, 0, pub.count(broker.CrashTopic("H1")))
	require.Equal(t, 0, pub.count(broker.CommandTopic("H1")))
}

func TestRunSweepsOnTick(t *testing.T) {
	co := &mockCoordinator{rideID: "ride-1"}
	pub := newMockPublisher()
	clock := clockwork.NewFakeClock()
	p := newTestProcessor(t, &stubAnalyzer{metrics: awakeMetrics}, co, pub, clock)

	p.HandleTelemetry(context.Background(), "H1", telemetryPayload(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(defaultRideTimeout)
	clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.devices) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
