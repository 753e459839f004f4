package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/veloguard/veloguard/internal/broker"
	"github.com/veloguard/veloguard/internal/crash"
	"github.com/veloguard/veloguard/internal/hrv"
	"github.com/veloguard/veloguard/internal/stream"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultMetricsAddr    = ":8080"
	defaultBrokerURL      = "tcp://localhost:1883"
	defaultCoordinatorURL = "http://localhost:8000"
	defaultClientID       = "streamd"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)
	reg := prometheus.NewRegistry()

	if cfg.MetricsAddr != "" {
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := broker.Connect(ctx, broker.Config{
		Logger:   log,
		URL:      cfg.BrokerURL,
		Username: cfg.BrokerUser,
		Password: cfg.BrokerPassword,
		ClientID: cfg.ClientID,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer client.Close()

	coord, err := stream.NewCoordinatorClient(log, cfg.CoordinatorURL)
	if err != nil {
		return fmt.Errorf("failed to create coordinator client: %w", err)
	}

	processor, err := stream.New(stream.Config{
		Logger:      log,
		Analyzer:    hrv.NewPPGAnalyzer(),
		Coordinator: coord,
		Publisher:   client,
		Registry:    reg,
		Detector: &crash.Detector{
			GThreshold:      cfg.CrashGThreshold,
			VectorThreshold: cfg.CrashVectorThreshold,
		},
		FlushInterval:     time.Duration(cfg.FlushIntervalSeconds) * time.Second,
		RideTimeout:       time.Duration(cfg.RideTimeoutSeconds) * time.Second,
		DefaultSampleRate: cfg.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream processor: %w", err)
	}

	if err := client.Subscribe(broker.TopicBaseline, func(code string, payload []byte) {
		processor.HandleBaseline(ctx, code, payload)
	}); err != nil {
		return err
	}
	if err := client.Subscribe(broker.TopicTelemetry, func(code string, payload []byte) {
		processor.HandleTelemetry(ctx, code, payload)
	}); err != nil {
		return err
	}
	if err := client.Subscribe(broker.TopicAccel, func(code string, payload []byte) {
		processor.HandleAccel(ctx, code, payload)
	}); err != nil {
		return err
	}

	log.Info("stream processor running",
		"flush_interval_seconds", cfg.FlushIntervalSeconds,
		"ride_timeout_seconds", cfg.RideTimeoutSeconds)

	if err := processor.Run(ctx); err != nil {
		return fmt.Errorf("stream processor exited: %w", err)
	}
	log.Info("context cancelled, stream processor stopped")
	return nil
}

type Config struct {
	ShowVersion bool
	Verbose     bool
	MetricsAddr string

	BrokerURL      string
	BrokerUser     string
	BrokerPassword string
	ClientID       string

	CoordinatorURL string

	FlushIntervalSeconds int
	RideTimeoutSeconds   int
	SampleRate           int
	CrashGThreshold      float64
	CrashVectorThreshold float64
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return i, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return f, nil
}

func loadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")

	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", defaultMetricsAddr), "address to listen on for prometheus metrics (env: METRICS_ADDR)")
	flag.StringVar(&cfg.BrokerURL, "broker-url", getenv("BROKER_URL", defaultBrokerURL), "mqtt broker url (env: BROKER_URL)")
	flag.StringVar(&cfg.BrokerUser, "broker-user", getenv("BROKER_USER", ""), "mqtt username (env: BROKER_USER)")
	flag.StringVar(&cfg.BrokerPassword, "broker-password", getenv("BROKER_PASSWORD", ""), "mqtt password (env: BROKER_PASSWORD)")
	flag.StringVar(&cfg.ClientID, "broker-client-id", getenv("BROKER_CLIENT_ID", defaultClientID), "mqtt client id (env: BROKER_CLIENT_ID)")
	flag.StringVar(&cfg.CoordinatorURL, "coordinator-url", getenv("COORDINATOR_URL", defaultCoordinatorURL), "ride coordinator base url (env: COORDINATOR_URL)")

	flag.Parse()

	if cfg.ShowVersion {
		return cfg, nil
	}

	var err error
	cfg.FlushIntervalSeconds, err = getenvInt("FLUSH_INTERVAL_SECONDS", 120)
	if err != nil {
		return Config{}, err
	}
	cfg.RideTimeoutSeconds, err = getenvInt("RIDE_TIMEOUT_SECONDS", 60)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = getenvInt("PPG_SAMPLE_RATE", 50)
	if err != nil {
		return Config{}, err
	}
	cfg.CrashGThreshold, err = getenvFloat("CRASH_G_THRESHOLD", crash.DefaultGThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.CrashVectorThreshold, err = getenvFloat("CRASH_VECTOR_THRESHOLD", crash.DefaultVectorThreshold)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
