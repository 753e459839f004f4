package queue

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRetryCountHeaderWidths(t *testing.T) {
	for name, tc := range map[string]struct {
		headers amqp.Table
		want    int
	}{
		"missing":     {amqp.Table{}, 0},
		"int32":       {amqp.Table{RetryCountHeader: int32(2)}, 2},
		"int64":       {amqp.Table{RetryCountHeader: int64(3)}, 3},
		"int":         {amqp.Table{RetryCountHeader: 1}, 1},
		"float64":     {amqp.Table{RetryCountHeader: float64(4)}, 4},
		"wrong type":  {amqp.Table{RetryCountHeader: "5"}, 0},
		"nil headers": {nil, 0},
	} {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, RetryCount(amqp.Delivery{Headers: tc.headers}))
		})
	}
}

func TestRideEndJobOmitsNilEndTime(t *testing.T) {
	body, err := json.Marshal(RideEndJob{RideID: "r1"})
	require.NoError(t, err)
	require.JSONEq(t, `{"ride_id":"r1"}`, string(body))

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	body, err = json.Marshal(RideEndJob{RideID: "r1", EndTime: &at})
	require.NoError(t, err)

	var back RideEndJob
	require.NoError(t, json.Unmarshal(body, &back))
	require.True(t, back.EndTime.Equal(at))
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	require.Error(t, cfg.Validate())

	cfg = Config{Logger: testLogger(), URL: "amqp://localhost"}
	require.NoError(t, cfg.Validate())
	require.Equal(t, uint(defaultConnectRetries), cfg.ConnectRetries)
}
