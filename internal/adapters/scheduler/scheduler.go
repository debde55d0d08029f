package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"golang.org/x/sync/errgroup"
)

type task struct {
	owner    string
	name     string
	interval time.Duration
	delay    time.Duration
	oneShot  bool
	fn       ports.TaskFunc
	cancel   context.CancelFunc

	mu        sync.Mutex
	runs      int64
	failures  int64
	lastRun   time.Time
	lastError string
}

func (t *task) info() ports.TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ports.TaskInfo{
		Owner:     t.owner,
		Name:      t.name,
		Interval:  t.interval,
		OneShot:   t.oneShot,
		Runs:      t.runs,
		Failures:  t.failures,
		LastRun:   t.lastRun,
		LastError: t.lastError,
	}
}

func taskKey(owner, name string) string {
	return owner + "/" + name
}

// Scheduler owns every background loop in the process: health heartbeats,
// timeout sweeps, metric sampling and pressure resolution polls all register
// here under their owner so shutdown is a single CancelOwner call.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger.With("component", "scheduler"),
		tasks:  make(map[string]*task),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return domain.NewStateError("scheduler already started", domain.ErrAlreadyStarted,
			domain.WithComponent("scheduler"), domain.WithOperation("start"))
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.group, s.ctx = errgroup.WithContext(s.ctx)
	s.running = true

	for _, t := range s.tasks {
		s.launchLocked(t)
	}

	s.logger.Debug("scheduler started", "tasks", len(s.tasks))
	return nil
}

func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return domain.NewStateError("scheduler not started", domain.ErrNotStarted,
			domain.WithComponent("scheduler"), domain.WithOperation("stop"))
	}
	s.running = false
	s.cancel()
	group := s.group
	s.tasks = make(map[string]*task)
	s.mu.Unlock()

	err := group.Wait()
	s.logger.Debug("scheduler stopped")
	return err
}

// Every runs fn each interval until cancelled.
func (s *Scheduler) Every(owner, name string, interval time.Duration, fn ports.TaskFunc) error {
	if interval <= 0 {
		return domain.NewValidationError(fmt.Sprintf("task %s/%s needs a positive interval", owner, name),
			domain.ErrInvalidInput, domain.WithComponent("scheduler"))
	}
	return s.schedule(&task{owner: owner, name: name, interval: interval, fn: fn})
}

// After runs fn once after delay.
func (s *Scheduler) After(owner, name string, delay time.Duration, fn ports.TaskFunc) error {
	if delay < 0 {
		delay = 0
	}
	return s.schedule(&task{owner: owner, name: name, delay: delay, oneShot: true, fn: fn})
}

func (s *Scheduler) schedule(t *task) error {
	if t.owner == "" || t.name == "" {
		return domain.NewValidationError("task owner and name are required", domain.ErrInvalidInput,
			domain.WithComponent("scheduler"))
	}
	if t.fn == nil {
		return domain.NewValidationError("task function is required", domain.ErrInvalidInput,
			domain.WithComponent("scheduler"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := taskKey(t.owner, t.name)
	if old, ok := s.tasks[key]; ok && old.cancel != nil {
		old.cancel()
	}
	s.tasks[key] = t

	if s.running {
		s.launchLocked(t)
	}
	return nil
}

func (s *Scheduler) launchLocked(t *task) {
	ctx, cancel := context.WithCancel(s.ctx)
	t.cancel = cancel

	s.group.Go(func() error {
		defer cancel()
		if t.oneShot {
			s.runOnce(ctx, t)
			return nil
		}
		s.runEvery(ctx, t)
		return nil
	})
}

func (s *Scheduler) runOnce(ctx context.Context, t *task) {
	timer := time.NewTimer(t.delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	s.execute(ctx, t)

	s.mu.Lock()
	if s.tasks[taskKey(t.owner, t.name)] == t {
		delete(s.tasks, taskKey(t.owner, t.name))
	}
	s.mu.Unlock()
}

func (s *Scheduler) runEvery(ctx context.Context, t *task) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.execute(ctx, t)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, t *task) {
	err := s.safeCall(ctx, t)

	t.mu.Lock()
	t.runs++
	t.lastRun = time.Now()
	if err != nil {
		t.failures++
		t.lastError = err.Error()
	} else {
		t.lastError = ""
	}
	t.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		s.logger.Warn("scheduled task failed", "owner", t.owner, "task", t.name, "error", err)
	}
}

func (s *Scheduler) safeCall(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewPanicError(t.owner, r)
		}
	}()
	return t.fn(ctx)
}

func (s *Scheduler) Cancel(owner, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := taskKey(owner, name)
	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	if t.cancel != nil {
		t.cancel()
	}
	delete(s.tasks, key)
	return true
}

func (s *Scheduler) CancelOwner(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := 0
	for key, t := range s.tasks {
		if t.owner != owner {
			continue
		}
		if t.cancel != nil {
			t.cancel()
		}
		delete(s.tasks, key)
		cancelled++
	}
	if cancelled > 0 {
		s.logger.Debug("cancelled owner tasks", "owner", owner, "count", cancelled)
	}
	return cancelled
}

func (s *Scheduler) Tasks(owner string) []ports.TaskInfo {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if owner == "" || t.owner == owner {
			tasks = append(tasks, t)
		}
	}
	s.mu.Unlock()

	infos := make([]ports.TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		infos = append(infos, t.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Owner != infos[j].Owner {
			return infos[i].Owner < infos[j].Owner
		}
		return infos[i].Name < infos[j].Name
	})
	return infos
}

var _ ports.Scheduler = (*Scheduler)(nil)
