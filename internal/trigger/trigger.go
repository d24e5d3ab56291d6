// Package trigger supplements the core kernel with a recurring,
// cron-driven workflow start (not excluded by any Non-goal — only
// cross-workflow scheduling fairness is out of scope, not a single
// recurring trigger per workflow). Grounded on services/orchestrator's
// scheduler.go, which wraps robfig/cron/v3 the same way.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/swarmlite/internal/parser"
	"github.com/swarmguard/swarmlite/internal/scheduler"
	"github.com/swarmguard/swarmlite/internal/workflow"
)

// Entry binds a workflow definition to a cron expression.
type Entry struct {
	Name       string
	CronExpr   string
	Definition []byte // YAML, re-parsed fresh on every fire so IDs don't collide
	entryID    cron.EntryID
}

// Trigger owns a cron.Cron instance and starts a fresh workflow run from
// its stored definition on every fire, mirroring scheduler.go's
// executeScheduledWorkflow.
type Trigger struct {
	cron *cron.Cron
	sch  *scheduler.Scheduler

	mu      sync.Mutex
	entries map[string]*Entry
}

// New builds a Trigger bound to the given kernel scheduler.
func New(sch *scheduler.Scheduler) *Trigger {
	return &Trigger{
		cron:    cron.New(cron.WithSeconds()),
		sch:     sch,
		entries: make(map[string]*Entry),
	}
}

// Start begins the cron scheduler's background goroutine.
func (t *Trigger) Start() { t.cron.Start() }

// Stop halts the cron scheduler, waiting for any in-flight fire to finish.
func (t *Trigger) Stop() { <-t.cron.Stop().Done() }

// Add registers a new recurring trigger.
func (t *Trigger) Add(e Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[e.Name]; exists {
		return fmt.Errorf("trigger: entry %q already registered", e.Name)
	}

	id, err := t.cron.AddFunc(e.CronExpr, func() { t.fire(e.Name) })
	if err != nil {
		return fmt.Errorf("trigger: invalid cron expression %q: %w", e.CronExpr, err)
	}
	e.entryID = id
	t.entries[e.Name] = &e
	return nil
}

// Remove stops firing a registered trigger.
func (t *Trigger) Remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[name]; ok {
		t.cron.Remove(e.entryID)
		delete(t.entries, name)
	}
}

// List returns the names of every active trigger.
func (t *Trigger) List() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	return names
}

func (t *Trigger) fire(name string) {
	t.mu.Lock()
	e, ok := t.entries[name]
	t.mu.Unlock()
	if !ok {
		return
	}

	wf, err := parser.ParseYAML(e.Definition)
	if err != nil {
		slog.Error("trigger: definition failed to parse", "trigger", name, "error", err)
		return
	}
	wf.WorkflowID = fmt.Sprintf("%s-%s", wf.WorkflowID, workflow.NewSequenceID())

	if err := t.sch.Start(context.Background(), wf); err != nil {
		slog.Error("trigger: workflow run failed", "trigger", name, "workflow_id", wf.WorkflowID, "error", err)
	}
}
