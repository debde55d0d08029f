package ports

import (
	"context"
	"time"
)

type TaskFunc func(ctx context.Context) error

type TaskInfo struct {
	Owner     string        `json:"owner"`
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval,omitempty"`
	OneShot   bool          `json:"one_shot"`
	Runs      int64         `json:"runs"`
	Failures  int64         `json:"failures"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Scheduler runs every periodic and delayed task in the process, keyed by
// (owner, name). Scheduling an existing key replaces the previous task.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error

	Every(owner, name string, interval time.Duration, fn TaskFunc) error
	After(owner, name string, delay time.Duration, fn TaskFunc) error
	Cancel(owner, name string) bool
	CancelOwner(owner string) int
	Tasks(owner string) []TaskInfo
}
