package ports

import (
	"context"

	"github.com/eleven-am/conduit/internal/domain"
)

// BackpressureTarget is a component the governor can throttle.
type BackpressureTarget interface {
	Identity() domain.RoutingIdentity
	EnterBackpressure(reason string) error
	ExitBackpressure() error
}

// Manager is a long-lived component built on the runtime.
type Manager interface {
	BackpressureTarget
	Start(ctx context.Context) error
	Cleanup(ctx context.Context) error
	State() domain.ManagerState
	Status() domain.ManagerStatus
}
