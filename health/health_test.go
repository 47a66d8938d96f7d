package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/udpkit/component"
)

type stubComponent struct {
	name    string
	healthy bool
	lastErr string
}

func (s *stubComponent) Meta() component.Metadata {
	return component.Metadata{Name: s.name, Type: "endpoint"}
}

func (s *stubComponent) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:   s.healthy,
		LastCheck: time.Now(),
		LastError: s.lastErr,
		Uptime:    time.Minute,
	}
}

func (s *stubComponent) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{}
}

func TestMonitor_Snapshot(t *testing.T) {
	m := NewMonitor()
	assert.True(t, m.Snapshot().Healthy, "empty monitor is healthy")

	m.Register(&stubComponent{name: "udp-a", healthy: true})
	m.Register(&stubComponent{name: "udp-b", healthy: true})
	assert.Equal(t, 2, m.Count())

	summary := m.Snapshot()
	assert.True(t, summary.Healthy)
	require.Len(t, summary.Components, 2)
	assert.Equal(t, "udp-a", summary.Components[0].Component, "components are sorted")

	m.Register(&stubComponent{name: "udp-b", healthy: false})
	assert.False(t, m.Snapshot().Healthy, "one unhealthy component fails the aggregate")

	m.Remove("udp-b")
	assert.True(t, m.Snapshot().Healthy)

	_, ok := m.Get("udp-b")
	assert.False(t, ok)
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "read timeout", "read timeout"},
		{"nats url", "connect nats://broker:4222 refused", "connect [URL] refused"},
		{"ip and port", "dial 192.168.1.77:5005 refused", "dial [IP]:[PORT] refused"},
		{"credential", "auth failed password=hunter2", "auth failed [REDACTED]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeErrorMessage(tt.in))
		})
	}
}

func TestServer_Endpoints(t *testing.T) {
	m := NewMonitor()
	m.Register(&stubComponent{name: "udp-a", healthy: true})
	m.Register(&stubComponent{name: "udp-b", healthy: false, lastErr: "bind 10.0.0.5:9999 failed"})

	srv := NewServer(0, m, nil)
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Start(), "start is idempotent")
	defer srv.Stop(time.Second)

	base := fmt.Sprintf("http://%s", srv.Addr().String())

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var summary Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	assert.False(t, summary.Healthy)
	require.Len(t, summary.Components, 2)
	assert.NotContains(t, summary.Components[1].LastError, "10.0.0.5",
		"addresses are scrubbed from reported errors")

	resp, err = http.Get(base + "/healthz/udp-a")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/healthz/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, srv.Stop(time.Second))
	require.NoError(t, srv.Stop(time.Second), "stop is idempotent")
}

func TestServer_ErrReportsServeFailure(t *testing.T) {
	srv := NewServer(0, NewMonitor(), nil)
	require.NoError(t, srv.Start())
	defer srv.Stop(time.Second)

	srv.mu.Lock()
	srv.listener.Close()
	srv.mu.Unlock()

	select {
	case err := <-srv.Err():
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve failure was not reported on Err")
	}
}

func TestServer_GracefulStopIsSilent(t *testing.T) {
	srv := NewServer(0, NewMonitor(), nil)
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Stop(time.Second))

	select {
	case err := <-srv.Err():
		t.Fatalf("unexpected error after graceful stop: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}
