package ports

import (
	"context"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
)

// Governor is the shared admission and backpressure policy consulted by
// every manager before resource-heavy work.
type Governor interface {
	CheckAdmission(req domain.ResourceRequest) bool
	// Evaluate explains a refusal as a PolicyDenial; nil means admissible.
	Evaluate(req domain.ResourceRequest) error
	Reserve(owner string, req domain.ResourceRequest) error
	Release(owner string) bool

	ObservePressure(ctx context.Context, sample domain.PressureSample) []domain.Mitigation
	CheckResolution(ctx context.Context) bool
	RegisterTarget(target BackpressureTarget)

	Admit(component string) bool
	BatchSize(component string) int
	AdjustPriority(component string, p domain.Priority) domain.Priority
	InBackpressure() bool

	Usage() domain.ResourceUsage
	UpdateThresholds(settings map[string]interface{}) error
}

// Clock lets tests drive time-based policies.
type Clock func() time.Time
