package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func okPing(context.Context) error   { return nil }
func failPing(context.Context) error { return errors.New("connection refused") }

func TestOverallAggregation(t *testing.T) {
	m := NewManager(time.Minute, zap.NewNop())
	m.Register(NewPingChecker("redis", true, time.Second, okPing))
	m.Register(NewPingChecker("database", false, time.Second, okPing))
	m.sweep(context.Background())

	overall := m.Overall()
	assert.Equal(t, "healthy", overall.Status)
	assert.True(t, overall.Ready)
	assert.Len(t, overall.Components, 2)
}

func TestNonCriticalFailureDegrades(t *testing.T) {
	m := NewManager(time.Minute, zap.NewNop())
	m.Register(NewPingChecker("redis", true, time.Second, okPing))
	m.Register(NewPingChecker("database", false, time.Second, failPing))
	m.sweep(context.Background())

	overall := m.Overall()
	assert.Equal(t, "degraded", overall.Status)
	assert.True(t, overall.Ready)
}

func TestCriticalFailureMarksUnhealthy(t *testing.T) {
	m := NewManager(time.Minute, zap.NewNop())
	m.Register(NewPingChecker("providers", true, time.Second, failPing))
	m.sweep(context.Background())

	overall := m.Overall()
	assert.Equal(t, "unhealthy", overall.Status)
	assert.False(t, overall.Ready)
	assert.False(t, m.Ready())
}

func TestPingCheckerTimeout(t *testing.T) {
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	c := NewPingChecker("slow", true, 10*time.Millisecond, slow)
	result := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestHTTPEndpoints(t *testing.T) {
	m := NewManager(time.Minute, zap.NewNop())
	m.Register(NewPingChecker("redis", true, time.Second, okPing))
	m.sweep(context.Background())

	mux := http.NewServeMux()
	m.RegisterHandlers(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var overall Overall
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&overall))
	assert.Equal(t, "healthy", overall.Status)

	live, err := http.Get(srv.URL + "/liveness")
	require.NoError(t, err)
	live.Body.Close()
	assert.Equal(t, http.StatusOK, live.StatusCode)

	ready, err := http.Get(srv.URL + "/readiness")
	require.NoError(t, err)
	ready.Body.Close()
	assert.Equal(t, http.StatusOK, ready.StatusCode)
}

func TestUnhealthyHealthEndpointReturns503(t *testing.T) {
	m := NewManager(time.Minute, zap.NewNop())
	m.Register(NewPingChecker("redis", true, time.Second, failPing))
	m.sweep(context.Background())

	mux := http.NewServeMux()
	m.RegisterHandlers(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
