// Package scheduler is the kernel's dispatch core (spec §4.7): Kahn's
// algorithm over the task DAG, a bounded worker pool, CAS-guarded dispatch
// through the store, a governance consult for sensitive tasks after they
// are claimed RUNNING and before their handler is invoked, and
// retry/backoff on transient handler failure. Grounded on dag_engine.go's
// executeDAG (worker pool + coordinator-over-channel shape), replacing its
// ad-hoc indegree bookkeeping with explicit CAS-verified state transitions
// so two workers can never claim the same task at once. A task left
// RUNNING by a crash is reset to READY by recovery and dispatched again.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/swarmlite/internal/audit"
	"github.com/swarmguard/swarmlite/internal/governance"
	"github.com/swarmguard/swarmlite/internal/handler"
	"github.com/swarmguard/swarmlite/internal/kernelerr"
	"github.com/swarmguard/swarmlite/internal/retrypolicy"
	"github.com/swarmguard/swarmlite/internal/store"
	"github.com/swarmguard/swarmlite/internal/workflow"
)

// Config wires the scheduler's collaborators explicitly rather than
// through globals (spec §9 open question, resolved in favor of explicit
// injection).
type Config struct {
	Store      *store.Store
	Audit      *audit.Log
	Gate       governance.Gate
	Registry   *handler.Registry
	MaxWorkers int
	Tracer     trace.Tracer
	Meter      metric.Meter
}

// Scheduler dispatches one or more workflows concurrently, each with its
// own bounded worker pool and cancellation token.
type Scheduler struct {
	store      *store.Store
	audit      *audit.Log
	gate       governance.Gate
	registry   *handler.Registry
	maxWorkers int
	tracer     trace.Tracer

	taskDuration  metric.Float64Histogram
	taskRetries   metric.Int64Counter
	taskFailures  metric.Int64Counter
	governanceDeny metric.Int64Counter

	mu      sync.Mutex
	running map[string]context.CancelFunc
	rngMu   sync.Mutex
	rng     *rand.Rand
}

// New builds a Scheduler from an explicit Config.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil || cfg.Audit == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("scheduler: store, audit, and registry are required")
	}
	gate := cfg.Gate
	if gate == nil {
		gate = governance.AllowAllGate{}
	}
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 20
	}
	meter := cfg.Meter
	if meter == nil {
		meter = noopMeter()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noopTracer()
	}

	taskDuration, _ := meter.Float64Histogram("swarmlite.task.duration_seconds")
	taskRetries, _ := meter.Int64Counter("swarmlite.task.retries")
	taskFailures, _ := meter.Int64Counter("swarmlite.task.failures")
	governanceDeny, _ := meter.Int64Counter("swarmlite.governance.denies")

	return &Scheduler{
		store:          cfg.Store,
		audit:          cfg.Audit,
		gate:           gate,
		registry:       cfg.Registry,
		maxWorkers:     maxWorkers,
		tracer:         tracer,
		taskDuration:   taskDuration,
		taskRetries:    taskRetries,
		taskFailures:   taskFailures,
		governanceDeny: governanceDeny,
		running:        make(map[string]context.CancelFunc),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (s *Scheduler) randFloat() *rand.Rand {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng
}

// taskResult is what a worker reports back to the coordinator.
type taskResult struct {
	taskID string
	result handler.Result
	err    error
}

// Start begins executing a freshly parsed, not-yet-persisted workflow, and
// blocks until it reaches a terminal status. Callers that want async
// execution should run Start in a goroutine and poll the store for status.
func (s *Scheduler) Start(ctx context.Context, wf *workflow.Workflow) error {
	wf.Status = workflow.StatusRunning
	if err := s.store.PutWorkflow(ctx, wf); err != nil {
		return err
	}
	if _, err := s.audit.Append(ctx, wf.WorkflowID, audit.WorkflowCreated, "", "definition_hash="+wf.DefinitionHash); err != nil {
		return err
	}
	if _, err := s.audit.Append(ctx, wf.WorkflowID, audit.WorkflowStarted, "", ""); err != nil {
		return err
	}
	return s.run(ctx, wf)
}

// Resume continues a workflow already persisted with in-flight tasks,
// used by the recovery component (spec §4.9) after RUNNING tasks have
// been reset to READY.
func (s *Scheduler) Resume(ctx context.Context, wf *workflow.Workflow) error {
	return s.run(ctx, wf)
}

// Stop requests cooperative cancellation of a running workflow. Workers
// observe ctx.Done() on their next Execute call or at the retry-delay
// boundary; already-running handler calls are not force-killed, matching
// cancellation.go's cooperative model.
func (s *Scheduler) Stop(workflowID string) bool {
	s.mu.Lock()
	cancel, ok := s.running[workflowID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (s *Scheduler) register(workflowID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.running[workflowID] = cancel
	s.mu.Unlock()
}

func (s *Scheduler) unregister(workflowID string) {
	s.mu.Lock()
	delete(s.running, workflowID)
	s.mu.Unlock()
}

// run is the coordinator: Kahn's algorithm over indegree, a bounded
// worker pool pulling from a ready channel, and a single goroutine
// (this one) owning all state transitions so there is never a data race
// between "task finished" and "schedule its children".
func (s *Scheduler) run(ctx context.Context, wf *workflow.Workflow) error {
	workflowCtx, cancel := context.WithCancel(ctx)
	s.register(wf.WorkflowID, cancel)
	defer func() {
		cancel()
		s.unregister(wf.WorkflowID)
	}()

	indegree := make(map[string]int, len(wf.Tasks))
	dependents := make(map[string][]string, len(wf.Tasks))
	remaining := make(map[string]bool, len(wf.Tasks))

	for id, t := range wf.Tasks {
		if t.Status.Terminal() {
			continue
		}
		remaining[id] = true
		for _, dep := range t.DependsOn {
			// A dependency that already succeeded (e.g. before a restart)
			// does not hold this task back.
			if wf.Tasks[dep].Status != workflow.TaskSuccess {
				indegree[id]++
			}
			dependents[dep] = append(dependents[dep], id)
		}
	}

	ready := make(chan string, len(wf.Tasks))
	results := make(chan taskResult, s.maxWorkers)

	var wg sync.WaitGroup
	for i := 0; i < s.maxWorkers; i++ {
		wg.Add(1)
		go s.worker(workflowCtx, wf, ready, results, &wg)
	}

	for id := range remaining {
		if indegree[id] == 0 {
			ready <- id
		}
	}

	failed := false
	for len(remaining) > 0 {
		select {
		case <-workflowCtx.Done():
			return s.finish(ctx, wf, workflow.StatusStopped)
		case res := <-results:
			t := wf.Tasks[res.taskID]
			// Attempt counts dispatches actually made, 1-indexed, so it
			// reaches max_attempts exactly when the ceiling is hit (spec
			// invariant 4) rather than one dispatch short.
			t.Attempt++

			if res.err == nil {
				delete(remaining, res.taskID)
				t.Status = workflow.TaskSuccess
				_, _ = s.store.CASTaskStatus(ctx, wf.WorkflowID, t.ID, workflow.TaskRunning, workflow.TaskSuccess)
				_, _ = s.audit.Append(ctx, wf.WorkflowID, audit.TaskTransition, t.ID, "RUNNING->SUCCESS")
				for _, childID := range dependents[res.taskID] {
					indegree[childID]--
					if indegree[childID] == 0 && remaining[childID] {
						ready <- childID
					}
				}
				continue
			}

			if errors.Is(res.err, kernelerr.ErrGovernanceDenied) {
				delete(remaining, res.taskID)
				t.Status = workflow.TaskFailed
				t.LastError = res.err.Error()
				_, _ = s.store.CASTaskStatus(ctx, wf.WorkflowID, t.ID, workflow.TaskRunning, workflow.TaskFailed)
				_, _ = s.audit.Append(ctx, wf.WorkflowID, audit.GovernanceDeny, t.ID, res.err.Error())
				failed = true
				s.skipDescendants(ctx, wf, dependents, remaining, res.taskID)
				continue
			}

			if errors.Is(res.err, kernelerr.ErrTransient) || errors.Is(res.err, kernelerr.ErrTimeout) {
				if retrypolicy.ShouldRetry(wf.RetryPolicy, t.Attempt) {
					// Task stays in `remaining` — it is still pending,
					// just waiting out its backoff delay before the next
					// dispatch attempt.
					t.LastError = res.err.Error()
					s.taskRetries.Add(ctx, 1)
					delay := retrypolicy.Delay(wf.RetryPolicy, t.Attempt, s.randFloat())
					_, _ = s.store.CASTaskStatus(ctx, wf.WorkflowID, t.ID, workflow.TaskRunning, workflow.TaskReady)
					t.Status = workflow.TaskReady
					go func(id string, d time.Duration) {
						timer := time.NewTimer(d)
						defer timer.Stop()
						select {
						case <-workflowCtx.Done():
						case <-timer.C:
							select {
							case ready <- id:
							case <-workflowCtx.Done():
							}
						}
					}(res.taskID, delay)
					continue
				}
			}

			// Permanent failure, or transient with attempts exhausted.
			delete(remaining, res.taskID)
			t.Status = workflow.TaskFailed
			t.LastError = res.err.Error()
			_, _ = s.store.CASTaskStatus(ctx, wf.WorkflowID, t.ID, workflow.TaskRunning, workflow.TaskFailed)
			_, _ = s.audit.Append(ctx, wf.WorkflowID, audit.TaskTransition, t.ID, "RUNNING->FAILED: "+res.err.Error())
			s.taskFailures.Add(ctx, 1)
			failed = true
			s.skipDescendants(ctx, wf, dependents, remaining, res.taskID)
		}
	}
	close(ready)
	wg.Wait()

	final := workflow.StatusSuccess
	if failed {
		final = workflow.StatusFailed
	}
	return s.finish(ctx, wf, final)
}

// skipDescendants marks every not-yet-terminal descendant of a failed
// task as SKIPPED and removes it from the remaining set, grounded on
// dag_engine.go's skipChildren recursive descendant walk.
func (s *Scheduler) skipDescendants(ctx context.Context, wf *workflow.Workflow, dependents map[string][]string, remaining map[string]bool, from string) {
	var walk func(id string)
	walk = func(id string) {
		for _, childID := range dependents[id] {
			if !remaining[childID] {
				continue
			}
			delete(remaining, childID)
			t := wf.Tasks[childID]
			t.Status = workflow.TaskSkipped
			_, _ = s.store.CASTaskStatus(ctx, wf.WorkflowID, childID, t.Status, workflow.TaskSkipped)
			_, _ = s.audit.Append(ctx, wf.WorkflowID, audit.TaskTransition, childID, "->SKIPPED (ancestor failed)")
			walk(childID)
		}
	}
	walk(from)
}

func (s *Scheduler) finish(ctx context.Context, wf *workflow.Workflow, status workflow.Status) error {
	wf.Status = status
	if err := s.store.PutWorkflow(ctx, wf); err != nil {
		return err
	}
	_, _ = s.audit.Append(ctx, wf.WorkflowID, audit.WorkflowTerminal, "", string(status))

	if status == workflow.StatusFailed {
		return s.Compensate(ctx, wf)
	}
	return nil
}

// worker pulls task IDs from ready, consults governance for sensitive
// tasks, dispatches through the registry, and reports the outcome.
func (s *Scheduler) worker(ctx context.Context, wf *workflow.Workflow, ready <-chan string, results chan<- taskResult, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case taskID, ok := <-ready:
			if !ok {
				return
			}
			results <- s.dispatch(ctx, wf, taskID)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, wf *workflow.Workflow, taskID string) taskResult {
	ctx, span := s.tracer.Start(ctx, "task.dispatch")
	defer span.End()

	t := wf.Tasks[taskID]

	from := t.Status
	if from == "" {
		from = workflow.TaskPending
	}
	if ok, err := s.store.CASTaskStatus(ctx, wf.WorkflowID, taskID, from, workflow.TaskRunning); err != nil {
		return taskResult{taskID: taskID, err: fmt.Errorf("%w: cas dispatch: %v", kernelerr.ErrStoreUnavailable, err)}
	} else if !ok {
		// Another worker (or a restarted process) already claimed this
		// task; report success so the coordinator doesn't double-count
		// it as failed (spec invariant 3).
		return taskResult{taskID: taskID}
	}
	t.Status = workflow.TaskRunning

	if t.DataClassification.Sensitive() {
		decision, err := s.gate.Check(ctx, wf, t)
		if err != nil {
			return taskResult{taskID: taskID, err: fmt.Errorf("%w: governance check failed: %v", kernelerr.ErrTransient, err)}
		}
		if !decision.Allow {
			s.governanceDeny.Add(ctx, 1)
			return taskResult{taskID: taskID, err: &kernelerr.GovernanceDeniedError{Reason: decision.Reason}}
		}
	}

	h, err := s.registry.Lookup(t.Type, t.HandlerFunction())
	if err != nil {
		return taskResult{taskID: taskID, err: err}
	}

	taskCtx := ctx
	var cancel context.CancelFunc
	if t.Timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := h.Execute(taskCtx, t)
	s.taskDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil && taskCtx.Err() != nil && !errors.Is(err, kernelerr.ErrTransient) && !errors.Is(err, kernelerr.ErrPermanent) {
		err = fmt.Errorf("%w: %v", kernelerr.ErrTimeout, err)
	}
	return taskResult{taskID: taskID, result: result, err: err}
}
