package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/eleven-am/conduit/internal/xjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	health  HealthStatus
	runs    []ports.RunSummary
	reports map[string]domain.CompletionReport
}

func (f *fakeSource) Health() HealthStatus     { return f.health }
func (f *fakeSource) Runs() []ports.RunSummary { return f.runs }
func (f *fakeSource) Stats() map[string]interface{} {
	return map[string]interface{}{"broker": map[string]interface{}{"published": 3}}
}

func (f *fakeSource) Report(id string) (domain.CompletionReport, error) {
	r, ok := f.reports[id]
	if !ok {
		return domain.CompletionReport{}, domain.NewNotFoundError("pipeline "+id+" not found", domain.ErrNotFound)
	}
	return r, nil
}

func newTestServer(t *testing.T, source Source) *httptest.Server {
	t.Helper()
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "conduit_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()

	srv := NewServer(domain.DefaultObservabilityConfig(), source, registry, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func healthySource() *fakeSource {
	return &fakeSource{
		health: HealthStatus{Healthy: true, Ready: true, Components: map[string]string{"broker": "running"}},
		runs: []ports.RunSummary{
			{PipelineID: "P2", State: domain.RunRunning},
			{PipelineID: "P1", State: domain.RunCompleted},
		},
		reports: map[string]domain.CompletionReport{
			"P1": {PipelineID: "P1", State: domain.RunCompleted, Progress: 1},
		},
	}
}

func TestServerHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, healthySource())

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthResponse
	require.NoError(t, xjson.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "running", health.Components["broker"])
}

func TestServerUnhealthy(t *testing.T) {
	source := healthySource()
	source.health = HealthStatus{Healthy: false, Ready: false, Error: "broker stopped"}
	ts := newTestServer(t, source)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, healthySource())

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "conduit_test_total 1")
}

func TestServerPipelines(t *testing.T) {
	ts := newTestServer(t, healthySource())

	resp, err := http.Get(ts.URL + "/pipelines")
	require.NoError(t, err)
	var runs []ports.RunSummary
	require.NoError(t, xjson.NewDecoder(resp.Body).Decode(&runs))
	resp.Body.Close()
	require.Len(t, runs, 2)
	assert.Equal(t, "P1", runs[0].PipelineID)

	resp, err = http.Get(ts.URL + "/pipelines?state=running")
	require.NoError(t, err)
	runs = nil
	require.NoError(t, xjson.NewDecoder(resp.Body).Decode(&runs))
	resp.Body.Close()
	require.Len(t, runs, 1)
	assert.Equal(t, "P2", runs[0].PipelineID)

	resp, err = http.Get(ts.URL + "/pipelines/P1")
	require.NoError(t, err)
	var report domain.CompletionReport
	require.NoError(t, xjson.NewDecoder(resp.Body).Decode(&report))
	resp.Body.Close()
	assert.Equal(t, domain.RunCompleted, report.State)

	resp, err = http.Get(ts.URL + "/pipelines/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerStats(t *testing.T) {
	ts := newTestServer(t, healthySource())

	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `"published":3`))
	assert.Contains(t, string(body), "uptime")
}

func TestServerStartAndShutdown(t *testing.T) {
	cfg := domain.DefaultObservabilityConfig()
	cfg.Addr = "127.0.0.1:0"
	srv := NewServer(cfg, healthySource(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + srv.Addr() + "/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
