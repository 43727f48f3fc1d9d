package instrumentation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithDefaults(t *testing.T) {
	inst, err := New(Config{})
	require.NoError(t, err)
	require.NotNil(t, inst)

	assert.NotNil(t, inst.Metrics())
	assert.NotNil(t, inst.Meter("http"))
	assert.NotNil(t, inst.Tracer("http"))
	assert.NotNil(t, inst.TracerProvider())
}

func TestMetricsInstrumentsCreated(t *testing.T) {
	inst, err := New(Config{ServiceName: "mcp-gateway", ServiceVersion: "test"})
	require.NoError(t, err)

	m := inst.Metrics()
	assert.NotNil(t, m.HTTPRequestsTotal)
	assert.NotNil(t, m.HTTPRequestDuration)
	assert.NotNil(t, m.AuthorizationStarted)
	assert.NotNil(t, m.LoginAttempts)
	assert.NotNil(t, m.CodeIssued)
	assert.NotNil(t, m.CodeExchanged)
	assert.NotNil(t, m.TokenRefreshed)
	assert.NotNil(t, m.TokenValidationFailed)
	assert.NotNil(t, m.PKCEVerifyFailed)
	assert.NotNil(t, m.RateLimitExceeded)

	// Recording against no-op providers must not panic.
	m.HTTPRequestsTotal.Add(context.Background(), 1)
	m.HTTPRequestDuration.Record(context.Background(), 1.5)
}

func TestRegisterStorageSizeCallbacks(t *testing.T) {
	inst, err := New(Config{})
	require.NoError(t, err)

	err = inst.RegisterStorageSizeCallbacks(
		func() int64 { return 1 },
		func() int64 { return 2 },
		func() int64 { return 3 },
		func() int64 { return 4 },
	)
	assert.NoError(t, err)
}

func TestShutdownIdempotent(t *testing.T) {
	inst, err := New(Config{})
	require.NoError(t, err)

	assert.NoError(t, inst.Shutdown(context.Background()))
	assert.NoError(t, inst.Shutdown(context.Background()))
}
