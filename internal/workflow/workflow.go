// Package workflow defines the DAG workflow data model shared by every
// kernel component: the parser produces it, the store persists it, the
// scheduler mutates it.
package workflow

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Workflow.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusStopped Status = "STOPPED"
)

// TaskStatus is the lifecycle state of a single Task.
type TaskStatus string

const (
	TaskPending  TaskStatus = "PENDING"
	TaskReady    TaskStatus = "READY"
	TaskRunning  TaskStatus = "RUNNING"
	TaskSuccess  TaskStatus = "SUCCESS"
	TaskFailed   TaskStatus = "FAILED"
	TaskRollback TaskStatus = "ROLLBACK"
	TaskSkipped  TaskStatus = "SKIPPED"
)

// Classification is the sensitivity tag a task's data carries.
type Classification string

const (
	ClassPublic Classification = "public"
	ClassPII    Classification = "pii"
	ClassPHI    Classification = "phi"
)

// Sensitive reports whether the classification requires governance
// clearance before the task may run (spec invariant 6).
func (c Classification) Sensitive() bool {
	return c == ClassPII || c == ClassPHI
}

// RetryPolicy is the per-workflow retry configuration (spec §4.5).
type RetryPolicy struct {
	MaxAttempts        int     `json:"max_attempts" yaml:"max_attempts"`
	DelaySeconds       float64 `json:"delay_seconds" yaml:"delay_seconds"`
	ExponentialBackoff bool    `json:"exponential_backoff" yaml:"exponential_backoff"`
	JitterFraction     float64 `json:"jitter_fraction" yaml:"jitter_fraction"`
}

// DefaultRetryPolicy mirrors the default in spec §6.1.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		DelaySeconds:       2,
		ExponentialBackoff: true,
		JitterFraction:     0.1,
	}
}

// Task is a single node in the workflow DAG.
type Task struct {
	ID                 string                 `json:"task_id" yaml:"id"`
	Type               string                 `json:"type" yaml:"type"`
	DependsOn          []string               `json:"depends_on" yaml:"depends_on"`
	Config             map[string]any         `json:"config" yaml:"config"`
	DataClassification Classification         `json:"data_classification" yaml:"data_classification"`
	Timeout            time.Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Metadata           map[string]string      `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	Status     TaskStatus `json:"status"`
	Attempt    int        `json:"attempt"`
	LastError  string     `json:"last_error,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
}

// HandlerFunction returns config["function"], the handler name the
// registry resolves against. Empty string if unset.
func (t *Task) HandlerFunction() string {
	if t.Config == nil {
		return ""
	}
	if v, ok := t.Config["function"].(string); ok {
		return v
	}
	return ""
}

// Params returns config["params"] as a map, or an empty map.
func (t *Task) Params() map[string]any {
	if t.Config == nil {
		return map[string]any{}
	}
	if v, ok := t.Config["params"].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

// Workflow is the top-level DAG definition plus its live execution state.
type Workflow struct {
	WorkflowID            string            `json:"workflow_id" yaml:"workflow_id"`
	Tasks                 map[string]*Task  `json:"tasks" yaml:"-"`
	RetryPolicy           RetryPolicy       `json:"retry_policy" yaml:"retry_policy"`
	CompensationHandlers  map[string]string `json:"compensation_handlers,omitempty" yaml:"compensation_handlers,omitempty"`
	Status                Status            `json:"status"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
	IdempotencyKey        string            `json:"idempotency_key,omitempty" yaml:"idempotency_key,omitempty"`

	// DefinitionHash is a stable digest of the parsed definition, used to
	// detect idempotency-key reuse against a different definition (spec §9
	// open question).
	DefinitionHash string `json:"definition_hash,omitempty"`
}

// NewSequenceID returns a random UUID string. The trigger package appends
// it to a workflow_id so each scheduled run gets a distinct ID. Kept
// separate from task_id (caller supplied).
func NewSequenceID() string {
	return uuid.NewString()
}

// Terminal reports whether the workflow has reached a state from which it
// will never be dispatched again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// Terminal reports whether the task will never be (re)dispatched.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSuccess, TaskFailed, TaskRollback, TaskSkipped:
		return true
	default:
		return false
	}
}

// Snapshot is the read-only view returned by the status() API (spec §6.2).
type Snapshot struct {
	WorkflowID string           `json:"workflow_id"`
	Status     Status           `json:"status"`
	Tasks      map[string]*Task `json:"tasks"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Snapshot builds an immutable copy of the workflow's current state.
func (w *Workflow) Snapshot() Snapshot {
	tasks := make(map[string]*Task, len(w.Tasks))
	for id, t := range w.Tasks {
		cp := *t
		tasks[id] = &cp
	}
	return Snapshot{
		WorkflowID: w.WorkflowID,
		Status:     w.Status,
		Tasks:      tasks,
		CreatedAt:  w.CreatedAt,
		UpdatedAt:  w.UpdatedAt,
	}
}
