// Package scheduler owns the scrape task lifecycle: a bounded worker
// pool draining an unbounded FIFO queue, per-attempt timeouts,
// transient-only retries with exponential backoff, per-source circuit
// breakers, and fan-out for the aggregate task kind.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fleetops/fleetsync/internal/config"
	"github.com/fleetops/fleetsync/internal/model"
	"github.com/fleetops/fleetsync/internal/pipeline"
	"github.com/fleetops/fleetsync/internal/resilience"
	"github.com/fleetops/fleetsync/internal/source"
	"github.com/fleetops/fleetsync/internal/store"
)

// ErrUnknownTask is returned for ids the scheduler has never seen.
var ErrUnknownTask = eris.New("scheduler: unknown task")

// Scheduler runs scrape tasks. It is the sole owner of task state: all
// transitions go through it, and callers only ever see copies.
type Scheduler struct {
	cfg      config.SchedulerConfig
	registry *source.Registry
	ingest   *pipeline.Ingestor
	st       store.Store
	policy   resilience.RetryPolicy
	breakers *resilience.SourceBreakers
	log      *zap.Logger

	mu      sync.Mutex
	tasks   map[string]*model.ScrapeTask
	cancels map[string]context.CancelFunc
	pending []string // FIFO of queued task ids, unbounded

	wake chan struct{}
	wg   sync.WaitGroup

	runCtx  context.Context
	runStop context.CancelFunc

	nowFunc func() time.Time // test injection
}

// New creates a stopped scheduler; call Start before Submit.
func New(cfg config.SchedulerConfig, reg *source.Registry, ing *pipeline.Ingestor, st store.Store) *Scheduler {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 256
	}
	return &Scheduler{
		cfg:      cfg,
		registry: reg,
		ingest:   ing,
		st:       st,
		policy: resilience.RetryPolicy{
			MaxAttempts:    cfg.MaxAttempts,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
		},
		breakers: resilience.NewSourceBreakers(resilience.BreakerConfig{}),
		log:      zap.L().With(zap.String("component", "scheduler")),
		tasks:    make(map[string]*model.ScrapeTask),
		cancels:  make(map[string]context.CancelFunc),
		pending:  make([]string, 0, depth),
		wake:     make(chan struct{}, 1),
		nowFunc:  time.Now,
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.runCtx, s.runStop = context.WithCancel(ctx)
	workers := s.cfg.MaxConcurrentTasks
	if workers <= 0 {
		workers = 5
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.log.Info("scheduler started", zap.Int("workers", workers))
}

// Stop cancels in-flight tasks and waits for the workers to drain.
func (s *Scheduler) Stop() {
	if s.runStop != nil {
		s.runStop()
	}
	s.wg.Wait()
}

// Submit enqueues a new task. Submission never blocks and never
// rejects; tasks past the worker pool's capacity wait in FIFO order.
// The aggregate kind fans out into one child per concrete kind; the
// parent completes when all children do.
func (s *Scheduler) Submit(kind model.TaskKind) (model.ScrapeTask, error) {
	if !kind.Valid() {
		return model.ScrapeTask{}, eris.Errorf("scheduler: invalid task kind %q", kind)
	}

	now := s.nowFunc().UTC()
	parent := &model.ScrapeTask{
		ID:        uuid.NewString(),
		Kind:      kind,
		Status:    model.TaskStatusQueued,
		CreatedAt: now,
	}

	if kind != model.TaskKindAll {
		s.mu.Lock()
		s.tasks[parent.ID] = parent
		s.pending = append(s.pending, parent.ID)
		s.mu.Unlock()
		s.signal()
		return *parent, nil
	}

	children := make([]*model.ScrapeTask, 0, len(kind.SubKinds()))
	for _, sub := range kind.SubKinds() {
		child := &model.ScrapeTask{
			ID:        uuid.NewString(),
			Kind:      sub,
			Status:    model.TaskStatusQueued,
			ParentID:  parent.ID,
			CreatedAt: now,
		}
		parent.ChildIDs = append(parent.ChildIDs, child.ID)
		children = append(children, child)
	}

	s.mu.Lock()
	s.tasks[parent.ID] = parent
	for _, c := range children {
		s.tasks[c.ID] = c
		s.pending = append(s.pending, c.ID)
	}
	s.mu.Unlock()
	s.signal()
	return *parent, nil
}

// signal nudges an idle worker. The channel only carries wakeups;
// workers drain the pending list until it is empty, so one buffered
// signal covers any number of submissions.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest pending task id.
func (s *Scheduler) next() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return "", false
	}
	id := s.pending[0]
	s.pending = s.pending[1:]
	return id, true
}

// Get returns a copy of the task. Parent snapshots are computed from
// child state on read.
func (s *Scheduler) Get(id string) (model.ScrapeTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.ScrapeTask{}, ErrUnknownTask
	}
	return s.snapshotLocked(t), nil
}

// List returns task copies matching the filter, newest first.
func (s *Scheduler) List(filter model.TaskFilter) []model.ScrapeTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ScrapeTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		snap := s.snapshotLocked(t)
		if filter.Kind != "" && snap.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && snap.Status != filter.Status {
			continue
		}
		out = append(out, snap)
	}
	sortTasks(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Cancel aborts a task. Queued and retrying tasks fail immediately;
// running tasks have their attempt context cancelled and fail once the
// worker observes it. Terminal tasks cannot be cancelled.
func (s *Scheduler) Cancel(id string) (model.ScrapeTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.ScrapeTask{}, ErrUnknownTask
	}
	if t.Status.Terminal() {
		return model.ScrapeTask{}, eris.Errorf("scheduler: task %s already %s", id, t.Status)
	}

	// Fan-out parents cancel through their children.
	for _, childID := range t.ChildIDs {
		if c, ok := s.tasks[childID]; ok && !c.Status.Terminal() {
			s.cancelLocked(c)
		}
	}
	if len(t.ChildIDs) == 0 {
		s.cancelLocked(t)
	}
	return s.snapshotLocked(t), nil
}

func (s *Scheduler) cancelLocked(t *model.ScrapeTask) {
	if cancel, ok := s.cancels[t.ID]; ok {
		// Running: the worker finalizes the task when the context dies.
		cancel()
		return
	}
	if !s.setStatusLocked(t, model.TaskStatusFailed) {
		return
	}
	t.Error = "cancelled"
	s.finishLocked(t)
}

// setStatusLocked applies a lifecycle transition if the state machine
// permits it. Caller holds s.mu.
func (s *Scheduler) setStatusLocked(t *model.ScrapeTask, next model.TaskStatus) bool {
	if !t.Status.CanTransition(next) {
		return false
	}
	t.Status = next
	return true
}

// BreakerStates exposes per-source circuit state for monitoring.
func (s *Scheduler) BreakerStates() map[string]resilience.CircuitState {
	return s.breakers.States()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		if id, ok := s.next(); ok {
			// More may be pending; recruit another idle worker.
			s.signal()
			s.run(id)
			continue
		}
		select {
		case <-s.runCtx.Done():
			return
		case <-s.wake:
		}
	}
}

// run drives one task through its attempt loop. The scheduler owns
// retries entirely: adapters classify errors and never retry themselves.
func (s *Scheduler) run(id string) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	// A task cancelled while still pending is already failed and must
	// not start.
	if !ok || !s.setStatusLocked(t, model.TaskStatusRunning) {
		s.mu.Unlock()
		return
	}
	started := s.nowFunc().UTC()
	t.StartedAt = &started
	taskCtx, cancel := context.WithCancel(s.runCtx)
	s.cancels[id] = cancel
	kind := t.Kind
	s.mu.Unlock()
	defer cancel()

	adapter := s.registry.ForKind(kind)
	if adapter == nil {
		s.finish(id, model.TaskStatusFailed, fmt.Sprintf("no adapter for kind %q", kind))
		return
	}
	src := string(adapter.Source())
	breaker := s.breakers.Get(src)

	since, err := s.st.LastSuccess(taskCtx, kind)
	if err != nil {
		s.log.Warn("sync log read failed, doing full fetch",
			zap.String("kind", string(kind)), zap.Error(err))
		since = time.Time{}
	}

	for attempt := 1; ; attempt++ {
		s.mu.Lock()
		t.Attempts = attempt
		s.mu.Unlock()

		err := s.attempt(taskCtx, breaker, adapter, kind, since)
		if err == nil {
			if logErr := s.st.RecordSuccess(taskCtx, kind, s.nowFunc().UTC()); logErr != nil {
				s.log.Warn("sync log write failed",
					zap.String("kind", string(kind)), zap.Error(logErr))
			}
			s.finish(id, model.TaskStatusSucceeded, "")
			return
		}

		if taskCtx.Err() != nil {
			s.finish(id, model.TaskStatusFailed, "cancelled")
			return
		}
		// The policy counts attempts from zero.
		if !s.policy.Retryable(attempt-1, err) {
			s.finish(id, model.TaskStatusFailed, err.Error())
			return
		}

		delay := s.policy.Backoff(attempt - 1)
		s.mu.Lock()
		s.setStatusLocked(t, model.TaskStatusRetrying)
		s.mu.Unlock()
		resilience.LogRetry(src, string(kind), attempt, delay, err)
		if resilience.Sleep(taskCtx, delay) != nil {
			s.finish(id, model.TaskStatusFailed, "cancelled")
			return
		}
		s.mu.Lock()
		s.setStatusLocked(t, model.TaskStatusRunning)
		s.mu.Unlock()
	}
}

// attempt performs one fetch+ingest pass under the per-attempt timeout.
func (s *Scheduler) attempt(ctx context.Context, breaker *resilience.Breaker, adapter source.Adapter, kind model.TaskKind, since time.Time) error {
	timeout := s.cfg.TaskTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return breaker.Execute(attemptCtx, func(ctx context.Context) error {
		records, err := adapter.Fetch(ctx, kind, since)
		if err != nil {
			return err
		}
		_, err = s.ingest.Ingest(ctx, records)
		return err
	})
}

// finish moves a task to a terminal state and persists it. Terminal
// tasks are immutable; an illegal transition is a no-op.
func (s *Scheduler) finish(id string, status model.TaskStatus, errMsg string) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || !s.setStatusLocked(t, status) {
		s.mu.Unlock()
		return
	}
	t.Error = errMsg
	s.finishLocked(t)
	snap := *t
	parentID := t.ParentID
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.st.SaveTask(ctx, snap); err != nil {
		s.log.Warn("task persist failed", zap.String("task", id), zap.Error(err))
	}
	if parentID != "" {
		s.finalizeParent(ctx, parentID)
	}
	s.log.Info("task finished",
		zap.String("task", id),
		zap.String("kind", string(snap.Kind)),
		zap.String("status", string(status)),
		zap.Int("attempts", snap.Attempts),
		zap.String("error", errMsg))
}

// finishLocked stamps terminal bookkeeping. Caller holds s.mu.
func (s *Scheduler) finishLocked(t *model.ScrapeTask) {
	now := s.nowFunc().UTC()
	t.FinishedAt = &now
	if cancel, ok := s.cancels[t.ID]; ok {
		cancel()
		delete(s.cancels, t.ID)
	}
}

// finalizeParent persists the parent once every child is terminal.
func (s *Scheduler) finalizeParent(ctx context.Context, parentID string) {
	s.mu.Lock()
	parent, ok := s.tasks[parentID]
	if !ok {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked(parent)
	if !snap.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	*parent = snap
	s.mu.Unlock()

	if err := s.st.SaveTask(ctx, snap); err != nil {
		s.log.Warn("parent task persist failed", zap.String("task", parentID), zap.Error(err))
	}
}

// snapshotLocked copies a task; for fan-out parents the status is the
// worst of the children: failed beats in-flight beats succeeded. Caller
// holds s.mu.
func (s *Scheduler) snapshotLocked(t *model.ScrapeTask) model.ScrapeTask {
	snap := *t
	snap.ChildIDs = append([]string(nil), t.ChildIDs...)
	if len(t.ChildIDs) == 0 || t.Status.Terminal() {
		return snap
	}

	anyFailed, anyOpen := false, false
	var lastFinish time.Time
	var errMsg string
	for _, childID := range t.ChildIDs {
		c, ok := s.tasks[childID]
		if !ok {
			continue
		}
		switch {
		case c.Status == model.TaskStatusFailed:
			anyFailed = true
			if errMsg == "" {
				errMsg = fmt.Sprintf("%s: %s", c.Kind, c.Error)
			}
		case !c.Status.Terminal():
			anyOpen = true
		}
		if c.FinishedAt != nil && c.FinishedAt.After(lastFinish) {
			lastFinish = *c.FinishedAt
		}
	}

	switch {
	case anyOpen:
		snap.Status = model.TaskStatusRunning
	case anyFailed:
		snap.Status = model.TaskStatusFailed
		snap.Error = errMsg
		snap.FinishedAt = &lastFinish
	default:
		snap.Status = model.TaskStatusSucceeded
		snap.FinishedAt = &lastFinish
	}
	return snap
}

// sortTasks orders newest first, id as tiebreak for stable output.
func sortTasks(tasks []model.ScrapeTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
