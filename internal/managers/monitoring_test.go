package managers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eleven-am/conduit/internal/adapters/governor"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryGauge struct {
	v atomic.Value
}

func newGauge(v float64) *memoryGauge {
	g := &memoryGauge{}
	g.v.Store(v)
	return g
}

func (g *memoryGauge) set(v float64)   { g.v.Store(v) }
func (g *memoryGauge) sample() float64 { return g.v.Load().(float64) }

func monitoringFixture(t *testing.T, interval time.Duration, gauge *memoryGauge) (*fixture, *governor.Governor, *StageManager, *MonitoringManager) {
	t.Helper()
	f := newFixture(t)
	gov := governor.New(domain.DefaultGovernorConfig(), governor.Deps{
		Publisher: f.broker,
		Scheduler: f.scheduler,
		Logger:    quietLogger(),
	})
	deps := f.deps()
	deps.Governor = gov

	quality := NewQualityManager(noAnalysis(), domain.ManagersConfig{}, domain.DefaultRuntimeConfig(), deps)
	startManager(t, quality)

	mon := NewMonitoringManager(domain.MonitoringConfig{SampleInterval: interval}, domain.DefaultRuntimeConfig(), gauge.sample, deps)
	mon.Watch(quality)
	startManager(t, mon)
	return f, gov, quality, mon
}

func TestMonitoringEscalatesAndResolvesPressure(t *testing.T) {
	gauge := newGauge(0.95)
	f, gov, quality, mon := monitoringFixture(t, time.Hour, gauge)

	mitigations := mon.Sample(context.Background())
	kinds := make([]domain.MitigationKind, 0, len(mitigations))
	for _, m := range mitigations {
		kinds = append(kinds, m.Kind)
	}
	assert.Contains(t, kinds, domain.MitigationScaleUp)
	assert.Contains(t, kinds, domain.MitigationDemotePriority)
	assert.Equal(t, domain.ManagerBackpressure, quality.State())
	assert.True(t, gov.InBackpressure())
	assert.Equal(t, 0.95, mon.Samples()[domain.QualityManager].MemoryUsage)

	alert := f.next(t, domain.KindPressureAlert).Payload.(domain.AlertPayload)
	assert.Equal(t, domain.QualityManager, alert.Component)
	assert.Equal(t, domain.MetricMemoryUsage, alert.Metric)
	assert.Equal(t, domain.PressureCritical, alert.Severity)

	gauge.set(0.2)
	mon.Sample(context.Background())
	assert.True(t, gov.CheckResolution(context.Background()))
	assert.Equal(t, domain.ManagerActive, quality.State())
}

func TestMonitoringSamplesOnSchedule(t *testing.T) {
	_, _, _, mon := monitoringFixture(t, 20*time.Millisecond, newGauge(0.1))

	require.Eventually(t, func() bool {
		_, ok := mon.Samples()[domain.QualityManager]
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestMonitoringConfigUpdate(t *testing.T) {
	f, _, _, mon := monitoringFixture(t, time.Hour, newGauge(0.1))

	f.send(t, domain.KindMonitoringConfig, domain.ConfigUpdatePayload{
		Settings: map[string]interface{}{"sample_interval": "20ms", "alert_cooldown": "1m"},
	}, domain.MonitoringManager)
	require.Eventually(t, func() bool {
		_, ok := mon.Samples()[domain.QualityManager]
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 20*time.Millisecond, mon.interval())

	err := mon.UpdateConfig(map[string]interface{}{"sample_interval": "0s"})
	assert.Equal(t, domain.CategoryConfiguration, domain.GetErrorCategory(err))

	err = mon.UpdateConfig(map[string]interface{}{"sample_interval": "1s", "no_such_threshold": 3})
	assert.Error(t, err)
	assert.Equal(t, 20*time.Millisecond, mon.interval())
}

func TestMonitoringAnswersHealthAndMetrics(t *testing.T) {
	f, _, quality, mon := monitoringFixture(t, time.Hour, newGauge(0.1))
	mon.Sample(context.Background())

	f.send(t, domain.KindHealthCheckRequest, domain.CommandPayload{}, domain.MonitoringManager)
	health := f.next(t, domain.KindHealthCheckResponse).Payload.(domain.ResponsePayload)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, string(domain.ManagerActive), health.Values[domain.QualityManager])

	require.NoError(t, quality.Cleanup(context.Background()))
	f.send(t, domain.KindHealthCheckRequest, domain.CommandPayload{}, domain.MonitoringManager)
	health = f.next(t, domain.KindHealthCheckResponse).Payload.(domain.ResponsePayload)
	assert.Equal(t, "degraded", health.Status)
	assert.Contains(t, health.Error, domain.QualityManager)

	f.send(t, domain.KindMetricsRequest, domain.CommandPayload{}, domain.MonitoringManager)
	metrics := f.next(t, domain.KindMetricsResponse).Payload.(domain.ResponsePayload)
	assert.Equal(t, "ok", metrics.Status)
	assert.Contains(t, metrics.Values, domain.QualityManager)
	assert.Equal(t, false, metrics.Metadata["backpressure"])
}
