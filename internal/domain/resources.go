package domain

import (
	"fmt"
	"math"
	"time"
)

// ResourceRequest describes what a pipeline run claims. CPU is expressed in
// cores; fractional values are allowed.
type ResourceRequest struct {
	CPU       float64 `json:"cpu" yaml:"cpu" validate:"gte=0"`
	MemoryGB  float64 `json:"memory_gb" yaml:"memory_gb" validate:"gte=0"`
	GPU       float64 `json:"gpu" yaml:"gpu" validate:"gte=0"`
	StorageGB float64 `json:"storage_gb" yaml:"storage_gb" validate:"gte=0"`
}

func (r ResourceRequest) IsZero() bool {
	return r.CPU == 0 && r.MemoryGB == 0 && r.GPU == 0 && r.StorageGB == 0
}

func (r ResourceRequest) Validate() error {
	for name, v := range map[string]float64{"cpu": r.CPU, "memory_gb": r.MemoryGB, "gpu": r.GPU, "storage_gb": r.StorageGB} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return NewValidationError(fmt.Sprintf("resource %s must be a finite non-negative number", name), ErrInvalidInput)
		}
	}
	return nil
}

func (r ResourceRequest) Add(o ResourceRequest) ResourceRequest {
	return ResourceRequest{
		CPU:       r.CPU + o.CPU,
		MemoryGB:  r.MemoryGB + o.MemoryGB,
		GPU:       r.GPU + o.GPU,
		StorageGB: r.StorageGB + o.StorageGB,
	}
}

func (r ResourceRequest) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"cpu":        r.CPU,
		"memory_gb":  r.MemoryGB,
		"gpu":        r.GPU,
		"storage_gb": r.StorageGB,
	}
}

// ResourceRequestFromMap reads a resource claim out of a pipeline config map.
// Unknown or non-numeric entries are ignored.
func ResourceRequestFromMap(m map[string]interface{}) ResourceRequest {
	num := func(key string) float64 {
		switch v := m[key].(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		case int:
			return float64(v)
		case int64:
			return float64(v)
		}
		return 0
	}
	return ResourceRequest{
		CPU:       num("cpu"),
		MemoryGB:  num("memory_gb"),
		GPU:       num("gpu"),
		StorageGB: num("storage_gb"),
	}
}

type ResourceUsage struct {
	Capacity     ResourceRequest `json:"capacity"`
	Allocated    ResourceRequest `json:"allocated"`
	Available    ResourceRequest `json:"available"`
	ActiveRuns   int64           `json:"active_runs"`
	Denials      int64           `json:"denials"`
	Backpressure bool            `json:"backpressure"`
}

type TimeWindow struct {
	Start  time.Time `json:"start" yaml:"start"`
	End    time.Time `json:"end" yaml:"end"`
	Reason string    `json:"reason,omitempty" yaml:"reason,omitempty"`
}

func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// PeakHours is a daily window expressed in hours of the day (local time).
// EndHour may be smaller than StartHour for windows crossing midnight.
type PeakHours struct {
	StartHour int `json:"start_hour" yaml:"start_hour" validate:"gte=0,lte=23"`
	EndHour   int `json:"end_hour" yaml:"end_hour" validate:"gte=0,lte=24"`
}

func (p PeakHours) Contains(t time.Time) bool {
	if p.StartHour == p.EndHour {
		return false
	}
	h := t.Hour()
	if p.StartHour < p.EndHour {
		return h >= p.StartHour && h < p.EndHour
	}
	return h >= p.StartHour || h < p.EndHour
}

type PressureMetric string

const (
	MetricQueueLength    PressureMetric = "queue_length"
	MetricProcessingTime PressureMetric = "processing_time"
	MetricMemoryUsage    PressureMetric = "memory_usage"
)

type PressureSeverity string

const (
	PressureNormal   PressureSeverity = "normal"
	PressureWarning  PressureSeverity = "warning"
	PressureCritical PressureSeverity = "critical"
)

// PressureSample is one observation of load for a component.
type PressureSample struct {
	Component      string        `json:"component"`
	QueueLength    int           `json:"queue_length"`
	ProcessingTime time.Duration `json:"processing_time"`
	MemoryUsage    float64       `json:"memory_usage"`
	ObservedAt     time.Time     `json:"observed_at"`
}

func (s PressureSample) Validate() error {
	if s.QueueLength < 0 || s.ProcessingTime < 0 {
		return NewValidationError("pressure sample contains negative values", ErrInvalidInput)
	}
	if math.IsNaN(s.MemoryUsage) || s.MemoryUsage < 0 || s.MemoryUsage > 1 {
		return NewValidationError("memory usage must be a fraction between 0 and 1", ErrInvalidInput)
	}
	return nil
}

type MitigationKind string

const (
	MitigationRateLimit       MitigationKind = "rate_limit"
	MitigationReduceBatchSize MitigationKind = "reduce_batch_size"
	MitigationDemotePriority  MitigationKind = "demote_priority"
	MitigationScaleUp         MitigationKind = "scale_up"
)

type Mitigation struct {
	Kind      MitigationKind   `json:"kind"`
	Metric    PressureMetric   `json:"metric"`
	Severity  PressureSeverity `json:"severity"`
	Component string           `json:"component"`

	RateLimit float64 `json:"rate_limit,omitempty"`
	Burst     int     `json:"burst,omitempty"`

	BatchSize int `json:"batch_size,omitempty"`

	Priority Priority `json:"priority,omitempty"`

	ScaleUp ResourceRequest `json:"scale_up,omitempty"`
}
