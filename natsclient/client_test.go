package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/metric"
)

func TestNewClient(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Nil(t, c.Conn())
}

func TestConnectionStatusString(t *testing.T) {
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	c, err := NewClient("nats://invalid:4222", WithCircuitBreakerThreshold(3))
	require.NoError(t, err)

	c.recordFailure()
	c.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, c.Status())

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, int32(3), c.Failures())
	assert.Equal(t, 2*time.Second, c.Backoff())

	assert.ErrorIs(t, c.Connect(context.Background()), ErrCircuitOpen)
	_, err = c.JetStream()
	assert.ErrorIs(t, err, ErrCircuitOpen)

	c.resetCircuit()
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Zero(t, c.Failures())
	assert.Equal(t, time.Second, c.Backoff())
}

func TestCircuitBackoffIsCapped(t *testing.T) {
	c, err := NewClient("nats://invalid:4222", WithCircuitBreakerThreshold(1), WithMaxBackoff(4*time.Second))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		c.recordFailure()
	}
	assert.Equal(t, 4*time.Second, c.Backoff())
}

func TestNotConnectedOperations(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, c.Publish(ctx, "x", []byte("y")), ErrNotConnected)
	assert.ErrorIs(t, c.Subscribe(ctx, "x", func(context.Context, []byte) {}), ErrNotConnected)
	_, err = c.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.JetStream()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Error(t, c.ConsumeStream(ctx, "S", "s.>", "", func(context.Context, []byte) error { return nil }))

	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx), "close is idempotent")
	assert.True(t, errors.IsInvalid(c.ConsumeStream(ctx, "S", "s.>", "", nil)))
}

func TestConnectUnreachableIsTransient(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1", WithTimeout(200*time.Millisecond), WithMaxReconnects(0))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, int32(1), c.Failures())
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestWithMetricsRegisters(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	c, err := NewClient("nats://localhost:4222", WithMetrics(reg))
	require.NoError(t, err)
	require.NotNil(t, c.jsMetrics)
	c.jsMetrics.recordError("ensure_stream")

	_, err = NewClient("nats://localhost:4222", WithMetrics(reg))
	assert.Error(t, err, "metrics register once per registry")
}

func TestCoreGaugesFollowConnectionState(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	c, err := NewClient("nats://localhost:4222", WithMetrics(reg), WithCircuitBreakerThreshold(1))
	require.NoError(t, err)
	core := reg.CoreMetrics()

	c.setStatus(StatusConnected)
	assert.Equal(t, 1.0, testutil.ToFloat64(core.NATSConnected))
	assert.Equal(t, 0.0, testutil.ToFloat64(core.NATSCircuitBreaker))

	c.handleDisconnect(nil, nil)
	assert.Equal(t, 0.0, testutil.ToFloat64(core.NATSConnected))

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, 1.0, testutil.ToFloat64(core.NATSCircuitBreaker))

	c.resetCircuit()
	assert.Equal(t, 0.0, testutil.ToFloat64(core.NATSCircuitBreaker))

	c.handleReconnect(nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(core.NATSConnected))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.NATSReconnects))
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.True(t, IsKVNotFoundError(assert.AnError) == false)
	assert.True(t, IsKVConflictError(ErrKVRevisionMismatch))
	assert.True(t, IsKVConflictError(ErrKVKeyExists))
	assert.False(t, IsKVConflictError(nil))
	assert.ErrorIs(t, ErrKVKeyNotFound, errors.ErrKeyNotFound)
}
