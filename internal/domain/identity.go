package domain

import (
	"strings"

	"github.com/google/uuid"
)

type ComponentKind string

const (
	ComponentManager ComponentKind = "manager"
	ComponentHandler ComponentKind = "handler"
	ComponentService ComponentKind = "service"
)

// Well-known component names used as message targets.
const (
	SystemTarget          = "system"
	OrchestratorComponent = "pipeline_orchestrator"
	ResourceManagerTarget = "resource_manager"
	QualityManager        = "quality_manager"
	InsightManager        = "insight_manager"
	AnalyticsManager      = "analytics_manager"
	DecisionManager       = "decision_manager"
	MonitoringManager     = "monitoring_manager"
	StagingManager        = "staging_manager"
	ReportManager         = "report_manager"
)

// RoutingIdentity names a publisher or subscriber. The routing key is built
// from the department, kind and component name only, so two instances of the
// same component share a key.
type RoutingIdentity struct {
	ComponentName string        `json:"component_name"`
	Kind          ComponentKind `json:"component_type"`
	Department    string        `json:"department"`
	InstanceID    string        `json:"instance_id"`
}

func NewRoutingIdentity(name string, kind ComponentKind, department string) RoutingIdentity {
	if kind == "" {
		kind = ComponentManager
	}
	if department == "" {
		department = name
	}
	return RoutingIdentity{
		ComponentName: name,
		Kind:          kind,
		Department:    department,
		InstanceID:    uuid.New().String(),
	}
}

func (r RoutingIdentity) RoutingKey() string {
	return strings.Join([]string{r.Department, string(r.Kind), r.ComponentName}, ".")
}

func (r RoutingIdentity) Matches(other RoutingIdentity) bool {
	return r.RoutingKey() == other.RoutingKey()
}

func (r RoutingIdentity) IsZero() bool {
	return r.ComponentName == ""
}

func (r RoutingIdentity) String() string {
	if r.InstanceID == "" {
		return r.RoutingKey()
	}
	return r.RoutingKey() + "#" + r.InstanceID
}
