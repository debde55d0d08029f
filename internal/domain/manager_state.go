package domain

import "time"

type ManagerState string

const (
	ManagerInitializing ManagerState = "initializing"
	ManagerActive       ManagerState = "active"
	ManagerProcessing   ManagerState = "processing"
	ManagerBackpressure ManagerState = "backpressure"
	ManagerError        ManagerState = "error"
	ManagerShutdown     ManagerState = "shutdown"
)

var managerTransitions = map[ManagerState][]ManagerState{
	ManagerInitializing: {ManagerActive, ManagerError, ManagerShutdown},
	ManagerActive:       {ManagerProcessing, ManagerBackpressure, ManagerError, ManagerShutdown},
	ManagerProcessing:   {ManagerActive, ManagerBackpressure, ManagerError, ManagerShutdown},
	ManagerBackpressure: {ManagerActive, ManagerProcessing, ManagerError, ManagerShutdown},
	ManagerError:        {ManagerActive, ManagerShutdown},
	ManagerShutdown:     {},
}

func (s ManagerState) CanTransitionTo(next ManagerState) bool {
	if s == next {
		return true
	}
	for _, allowed := range managerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Accepting reports whether the manager still dispatches messages.
func (s ManagerState) Accepting() bool {
	switch s {
	case ManagerActive, ManagerProcessing, ManagerBackpressure:
		return true
	}
	return false
}

type ManagerMetrics struct {
	MessagesProcessed     int64         `json:"messages_processed"`
	ErrorsEncountered     int64         `json:"errors_encountered"`
	MessagesDenied        int64         `json:"messages_denied"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	LastActivity          time.Time     `json:"last_activity"`
	InFlight              int64         `json:"in_flight"`
}

// Record folds one dispatch into the running average.
func (m *ManagerMetrics) Record(d time.Duration, failed bool, now time.Time) {
	m.MessagesProcessed++
	if failed {
		m.ErrorsEncountered++
	}
	n := time.Duration(m.MessagesProcessed)
	m.AverageProcessingTime += (d - m.AverageProcessingTime) / n
	m.LastActivity = now
}

type ManagerStatus struct {
	Identity RoutingIdentity        `json:"identity"`
	State    ManagerState           `json:"state"`
	Handlers map[MessageKind]string `json:"handlers"`
	Metrics  ManagerMetrics         `json:"metrics"`
	Reason   string                 `json:"reason,omitempty"`
}
