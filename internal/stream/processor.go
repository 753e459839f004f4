// Package stream is the real-time biosignal pipeline: it consumes device
// telemetry from the broker, derives HRV metrics and drowsiness assessments,
// reacts to impacts, and periodically flushes enriched telemetry to the ride
// coordinator. Per-device state lives in memory and is evicted when a device
// goes quiet.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/veloguard/veloguard/internal/broker"
	"github.com/veloguard/veloguard/internal/coordinator"
	"github.com/veloguard/veloguard/internal/crash"
	"github.com/veloguard/veloguard/internal/drowsiness"
	"github.com/veloguard/veloguard/internal/hrv"
)

const (
	defaultFlushInterval = 120 * time.Second
	defaultRideTimeout   = 60 * time.Second
	defaultBaselineTTL   = 24 * time.Hour
	defaultSampleRate    = 50

	sweepInterval = time.Second
)

type Config struct {
	Logger      *slog.Logger
	Analyzer    hrv.Analyzer
	Coordinator Coordinator
	Publisher   broker.Publisher
	Registry    prometheus.Registerer

	Clock             clockwork.Clock
	Detector          *crash.Detector
	FlushInterval     time.Duration
	RideTimeout       time.Duration
	BaselineTTL       time.Duration
	DefaultSampleRate int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Analyzer == nil {
		return errors.New("analyzer is required")
	}
	if c.Coordinator == nil {
		return errors.New("coordinator client is required")
	}
	if c.Publisher == nil {
		return errors.New("publisher is required")
	}
	if c.Registry == nil {
		return errors.New("metrics registry is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Detector == nil {
		c.Detector = crash.NewDetector()
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.RideTimeout == 0 {
		c.RideTimeout = defaultRideTimeout
	}
	if c.BaselineTTL == 0 {
		c.BaselineTTL = defaultBaselineTTL
	}
	if c.DefaultSampleRate == 0 {
		c.DefaultSampleRate = defaultSampleRate
	}
	return nil
}

// deviceState is everything the processor tracks per device. The ride id is
// empty until a ride has been opened with the coordinator.
type deviceState struct {
	rideID       string
	buffer       []coordinator.TelemetryEntry
	lastFlush    time.Time
	lastActivity time.Time
}

type Processor struct {
	log     *slog.Logger
	cfg     Config
	metrics *Metrics

	mu        sync.Mutex
	devices   map[string]*deviceState
	baselines *ttlcache.Cache[string, drowsiness.Baseline]
}

func New(cfg Config) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	baselines := ttlcache.New[string, drowsiness.Baseline](
		ttlcache.WithTTL[string, drowsiness.Baseline](cfg.BaselineTTL),
	)

	return &Processor{
		log:       cfg.Logger,
		cfg:       cfg,
		metrics:   NewMetrics(cfg.Registry),
		devices:   make(map[string]*deviceState),
		baselines: baselines,
	}, nil
}

// Run drives the inactivity sweeper until the context is cancelled. Message
// handlers run on the broker's callback goroutine; the sweeper is the only
// other writer of per-device state.
func (p *Processor) Run(ctx context.Context) error {
	go p.baselines.Start()
	defer p.baselines.Stop()

	ticker := p.cfg.Clock.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			p.sweep(ctx)
		}
	}
}

// HandleBaseline caches a device's personalized baseline. A re-published
// baseline overwrites the cached one.
func (p *Processor) HandleBaseline(_ context.Context, deviceCode string, payload []byte) {
	p.metrics.MessagesTotal.WithLabelValues("baseline").Inc()

	var b drowsiness.Baseline
	if err := json.Unmarshal(payload, &b); err != nil {
		p.log.Warn("dropping malformed baseline", "device", deviceCode, "error", err)
		p.metrics.DroppedTotal.WithLabelValues("malformed_baseline").Inc()
		return
	}

	p.baselines.Set(deviceCode, b, ttlcache.DefaultTTL)
	p.log.Info("baseline cached", "device", deviceCode, "sdnn", b.SDNN, "rmssd", b.RMSSD)
}

// HandleTelemetry processes one PPG window end to end: ride ensure, HRV
// analysis, classification, buffering, live publishes, event logging and the
// time-based flush check.
func (p *Processor) HandleTelemetry(ctx context.Context, deviceCode string, payload []byte) {
	p.metrics.MessagesTotal.WithLabelValues("telemetry").Inc()

	var tp TelemetryPayload
	if err := json.Unmarshal(payload, &tp); err != nil {
		p.log.Warn("dropping malformed telemetry", "device", deviceCode, "error", err)
		p.metrics.DroppedTotal.WithLabelValues("malformed_telemetry").Inc()
		return
	}
	if len(tp.PPG) == 0 {
		p.metrics.DroppedTotal.WithLabelValues("empty_ppg").Inc()
		return
	}
	sampleRate := tp.SampleRate
	if sampleRate <= 0 {
		sampleRate = p.cfg.DefaultSampleRate
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Clock.Now()
	state := p.ensureState(now, deviceCode)
	state.lastActivity = now

	// The ride is ensured before analysis so a device streaming windows that
	// never analyze cleanly still opens a ride and stays alive to the sweeper.
	if state.rideID == "" {
		rideID, err := p.cfg.Coordinator.StartRide(ctx, deviceCode)
		if err != nil {
			// Keep processing; the window is buffered without a ride and the
			// next window retries.
			p.log.Warn("failed to start ride", "device", deviceCode, "error", err)
			p.metrics.CoordinatorError.WithLabelValues("start_ride").Inc()
		} else {
			state.rideID = rideID
			p.log.Info("ride opened", "device", deviceCode, "ride_id", rideID)
		}
	}

	metrics, err := p.cfg.Analyzer.Analyze(tp.PPG, sampleRate)
	if err != nil {
		p.log.Warn("dropping window, analysis failed", "device", deviceCode, "error", err)
		p.metrics.DroppedTotal.WithLabelValues("analysis_failed").Inc()
		return
	}

	baseline := drowsiness.GeneralBaseline
	if item := p.baselines.Get(deviceCode); item != nil {
		baseline = item.Value()
	}

	assessment := drowsiness.Classify(metrics, baseline)
	p.metrics.Classifications.WithLabelValues(string(assessment.Status)).Inc()

	hr, ibi := metrics.HR, metrics.IBIMillis
	sdnn, rmssd, pnn50, lfhf := metrics.SDNN, metrics.RMSSD, metrics.PNN50, metrics.LFHFRatio
	state.buffer = append(state.buffer, coordinator.TelemetryEntry{
		Timestamp: now,
		HR:        &hr,
		IBIMillis: &ibi,
		SDNN:      &sdnn,
		RMSSD:     &rmssd,
		PNN50:     &pnn50,
		LFHFRatio: &lfhf,
		Lat:       tp.Lat,
		Lon:       tp.Lon,
	})

	p.publishLiveAnalysis(deviceCode, now, metrics, assessment, tp.Lat, tp.Lon)
	p.publishCommand(deviceCode, CommandPayload{Vibrate: assessment.Alert})

	if assessment.Status != drowsiness.StatusAwake && state.rideID != "" {
		if err := p.cfg.Coordinator.LogDrowsinessEvent(ctx, coordinator.DrowsinessEventRequest{
			DeviceID:      deviceCode,
			RideID:        state.rideID,
			SeverityScore: assessment.Score,
			Status:        string(assessment.Status),
			HRAtEvent:     &hr,
			SDNN:          &sdnn,
			RMSSD:         &rmssd,
			PNN50:         &pnn50,
			LFHFRatio:     &lfhf,
			Lat:           tp.Lat,
			Lon:           tp.Lon,
		}); err != nil {
			p.log.Warn("failed to log drowsiness event", "device", deviceCode, "error", err)
			p.metrics.CoordinatorError.WithLabelValues("log_event").Inc()
		}
	}

	if now.Sub(state.lastFlush) >= p.cfg.FlushInterval {
		p.flushLocked(ctx, deviceCode, state)
	}
}

// HandleAccel evaluates one accelerometer sample and drives the crash path
// when an impact is detected.
func (p *Processor) HandleAccel(ctx context.Context, deviceCode string, payload []byte) {
	p.metrics.MessagesTotal.WithLabelValues("accel").Inc()

	var ap AccelPayload
	if err := json.Unmarshal(payload, &ap); err != nil {
		p.log.Warn("dropping malformed accel sample", "device", deviceCode, "error", err)
		p.metrics.DroppedTotal.WithLabelValues("malformed_accel").Inc()
		return
	}

	ev := p.cfg.Detector.Detect(ap.AccelX, ap.AccelY, ap.AccelZ)
	if !ev.Detected {
		return
	}

	p.metrics.CrashesDetected.WithLabelValues(string(ev.Severity)).Inc()
	p.log.Warn("crash detected", "device", deviceCode, "severity", ev.Severity,
		"magnitude", ev.Magnitude, "peak_axis", ev.PeakAxis)

	var lat, lon float64
	if ap.Lat != nil {
		lat = *ap.Lat
	}
	if ap.Lon != nil {
		lon = *ap.Lon
	}

	resp, err := p.cfg.Coordinator.ReportCrash(ctx, coordinator.CrashRequest{
		DeviceID:       deviceCode,
		Lat:            lat,
		Lon:            lon,
		Severity:       string(ev.Severity),
		AccelMagnitude: &ev.Magnitude,
		AccelX:         &ap.AccelX,
		AccelY:         &ap.AccelY,
		AccelZ:         &ap.AccelZ,
	})
	if err != nil {
		p.log.Error("failed to report crash", "device", deviceCode, "error", err)
		p.metrics.CoordinatorError.WithLabelValues("report_crash").Inc()
		// Still notify the helmet and the app; the alert is more urgent than
		// the record.
	}

	notification := CrashNotificationPayload{
		DeviceID:          deviceCode,
		Timestamp:         p.cfg.Clock.Now(),
		Severity:          string(ev.Severity),
		Magnitude:         ev.Magnitude,
		ResponderNotified: resp.ResponderNotified,
		FacilityName:      resp.FacilityName,
		DistanceKM:        resp.DistanceKM,
		Location:          Location{Lat: ap.Lat, Lon: ap.Lon},
	}
	if buf, err := json.Marshal(notification); err == nil {
		if err := p.cfg.Publisher.Publish(broker.CrashTopic(deviceCode), buf); err != nil {
			p.log.Error("failed to publish crash notification", "device", deviceCode, "error", err)
		}
	}

	p.publishCommand(deviceCode, CommandPayload{Vibrate: true, CrashDetected: true, Severity: string(ev.Severity)})
}

// Flush force-flushes one device's buffer; used by tests and shutdown paths.
func (p *Processor) Flush(ctx context.Context, deviceCode string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.devices[deviceCode]
	if !ok {
		return nil
	}
	return p.flushLocked(ctx, deviceCode, state)
}

// flushLocked sends the buffered telemetry to the coordinator. On failure the
// buffer is retained so the rows go out with the next flush.
func (p *Processor) flushLocked(ctx context.Context, deviceCode string, state *deviceState) error {
	if len(state.buffer) == 0 {
		state.lastFlush = p.cfg.Clock.Now()
		return nil
	}

	inserted, err := p.cfg.Coordinator.SaveTelemetryBatch(ctx, coordinator.TelemetryBatchRequest{
		DeviceID:  deviceCode,
		RideID:    state.rideID,
		Telemetry: state.buffer,
	})
	if err != nil {
		p.log.Warn("flush failed, retaining buffer", "device", deviceCode,
			"buffered", len(state.buffer), "error", err)
		p.metrics.FlushErrors.Inc()
		return fmt.Errorf("failed to flush telemetry for %s: %w", deviceCode, err)
	}

	p.log.Info("flushed telemetry", "device", deviceCode, "rows", inserted)
	p.metrics.FlushesTotal.Inc()
	p.metrics.FlushedRowsTotal.Add(float64(len(state.buffer)))
	state.buffer = state.buffer[:0]
	state.lastFlush = p.cfg.Clock.Now()
	return nil
}

// sweep flushes overdue buffers and closes out devices that have gone quiet.
// Eviction only happens once the final flush and the ride end both succeed,
// so nothing is lost when the coordinator is briefly down.
func (p *Processor) sweep(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.cfg.Clock.Now()
	for deviceCode, state := range p.devices {
		idle := now.Sub(state.lastActivity) >= p.cfg.RideTimeout

		if !idle {
			if now.Sub(state.lastFlush) >= p.cfg.FlushInterval {
				_ = p.flushLocked(ctx, deviceCode, state)
			}
			continue
		}

		if err := p.flushLocked(ctx, deviceCode, state); err != nil {
			continue
		}

		if state.rideID != "" {
			if err := p.cfg.Coordinator.EndRide(ctx, state.rideID); err != nil {
				p.log.Warn("failed to end ride for idle device", "device", deviceCode,
					"ride_id", state.rideID, "error", err)
				p.metrics.CoordinatorError.WithLabelValues("end_ride").Inc()
				continue
			}
			p.metrics.RidesEnded.Inc()
			p.log.Info("ride ended after inactivity", "device", deviceCode, "ride_id", state.rideID)
		}

		delete(p.devices, deviceCode)
	}
	p.metrics.DevicesTracked.Set(float64(len(p.devices)))
}

func (p *Processor) ensureState(now time.Time, deviceCode string) *deviceState {
	state, ok := p.devices[deviceCode]
	if !ok {
		state = &deviceState{lastFlush: now}
		p.devices[deviceCode] = state
		p.metrics.DevicesTracked.Set(float64(len(p.devices)))
	}
	return state
}

func (p *Processor) publishLiveAnalysis(deviceCode string, now time.Time, m hrv.Metrics, a drowsiness.Assessment, lat, lon *float64) {
	payload := LiveAnalysisPayload{
		DeviceID:  deviceCode,
		Timestamp: now,
		Status:    string(a.Status),
		Metrics: LiveMetrics{
			HR:              m.HR,
			SDNN:            m.SDNN,
			RMSSD:           m.RMSSD,
			PNN50:           m.PNN50,
			LFHFRatio:       m.LFHFRatio,
			DrowsinessScore: a.Score,
		},
		Location: Location{Lat: lat, Lon: lon},
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := p.cfg.Publisher.Publish(broker.LiveAnalysisTopic(deviceCode), buf); err != nil {
		p.log.Warn("failed to publish live analysis", "device", deviceCode, "error", err)
	}
}

func (p *Processor) publishCommand(deviceCode string, cmd CommandPayload) {
	buf, err := json.Marshal(cmd)
	if err != nil {
		return
	}
	if err := p.cfg.Publisher.Publish(broker.CommandTopic(deviceCode), buf); err != nil {
		p.log.Warn("failed to publish command", "device", deviceCode, "error", err)
	}
}
