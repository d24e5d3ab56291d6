// Package parser turns a raw workflow definition (YAML or JSON bytes) into
// a validated *workflow.Workflow. It performs no I/O and holds no state —
// every exported function is pure, the way dag_engine.go's buildDAG()
// separates graph construction from execution, except here cycle detection
// is a real three-color DFS rather than a "no roots found" heuristic.
package parser

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/swarmguard/swarmlite/internal/kernelerr"
	"github.com/swarmguard/swarmlite/internal/workflow"
)

// rawDefinition mirrors the on-wire shape before validation. Tasks are
// decoded as a slice (order-preserving, user-facing) and converted to the
// map-keyed workflow.Workflow.Tasks afterward.
type rawDefinition struct {
	WorkflowID           string                `json:"workflow_id" yaml:"workflow_id"`
	Tasks                []rawTask             `json:"tasks" yaml:"tasks"`
	RetryPolicy          *workflow.RetryPolicy `json:"retry_policy" yaml:"retry_policy"`
	CompensationHandlers map[string]string     `json:"compensation_handlers" yaml:"compensation_handlers"`
	IdempotencyKey       string                `json:"idempotency_key" yaml:"idempotency_key"`
}

type rawTask struct {
	ID                 string            `json:"task_id" yaml:"id"`
	Type               string            `json:"type" yaml:"type"`
	DependsOn          []string          `json:"depends_on" yaml:"depends_on"`
	Config             map[string]any    `json:"config" yaml:"config"`
	DataClassification string            `json:"data_classification" yaml:"data_classification"`
	TimeoutSeconds     float64           `json:"timeout_seconds" yaml:"timeout_seconds"`
	Metadata           map[string]string `json:"metadata" yaml:"metadata"`
}

// ParseYAML decodes a YAML workflow definition and validates it.
func ParseYAML(data []byte) (*workflow.Workflow, error) {
	var raw rawDefinition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: yaml decode: %v", kernelerr.ErrValidation, err)
	}
	return build(raw)
}

// ParseJSON decodes a JSON workflow definition and validates it.
func ParseJSON(data []byte) (*workflow.Workflow, error) {
	var raw rawDefinition
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: json decode: %v", kernelerr.ErrValidation, err)
	}
	return build(raw)
}

func build(raw rawDefinition) (*workflow.Workflow, error) {
	if raw.WorkflowID == "" {
		return nil, fmt.Errorf("%w: missing field workflow_id", kernelerr.ErrValidation)
	}
	if len(raw.Tasks) == 0 {
		return nil, fmt.Errorf("%w: missing field tasks: workflow must declare at least one task", kernelerr.ErrValidation)
	}

	tasks := make(map[string]*workflow.Task, len(raw.Tasks))
	order := make([]string, 0, len(raw.Tasks))

	for i, rt := range raw.Tasks {
		if rt.ID == "" {
			return nil, fmt.Errorf("%w: missing field tasks[%d].task_id", kernelerr.ErrValidation, i)
		}
		if _, dup := tasks[rt.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate task_id %q", kernelerr.ErrValidation, rt.ID)
		}
		if rt.Type == "" {
			return nil, fmt.Errorf("%w: missing field tasks[%s].type", kernelerr.ErrValidation, rt.ID)
		}

		class := workflow.Classification(rt.DataClassification)
		switch class {
		case "", workflow.ClassPublic:
			class = workflow.ClassPublic
		case workflow.ClassPII, workflow.ClassPHI:
		default:
			return nil, fmt.Errorf("%w: tasks[%s].data_classification %q unknown", kernelerr.ErrValidation, rt.ID, rt.DataClassification)
		}

		var timeout time.Duration
		if rt.TimeoutSeconds > 0 {
			timeout = time.Duration(rt.TimeoutSeconds * float64(time.Second))
		}

		tasks[rt.ID] = &workflow.Task{
			ID:                 rt.ID,
			Type:                rt.Type,
			DependsOn:          rt.DependsOn,
			Config:             rt.Config,
			DataClassification: class,
			Timeout:            timeout,
			Metadata:           rt.Metadata,
			Status:             workflow.TaskPending,
		}
		order = append(order, rt.ID)
	}

	for _, id := range order {
		for _, dep := range tasks[id].DependsOn {
			if _, ok := tasks[dep]; !ok {
				return nil, fmt.Errorf("%w: tasks[%s] depends_on unknown task %q", kernelerr.ErrValidation, id, dep)
			}
			if dep == id {
				return nil, fmt.Errorf("%w: tasks[%s] depends_on itself", kernelerr.ErrValidation, id)
			}
		}
	}

	if cycle := detectCycle(tasks, order); cycle != nil {
		return nil, &kernelerr.CycleError{Path: cycle}
	}

	retry := workflow.DefaultRetryPolicy()
	if raw.RetryPolicy != nil {
		retry = *raw.RetryPolicy
		if retry.MaxAttempts < 1 {
			return nil, fmt.Errorf("%w: retry_policy.max_attempts must be >= 1", kernelerr.ErrValidation)
		}
		if retry.DelaySeconds < 0 {
			return nil, fmt.Errorf("%w: retry_policy.delay_seconds must be >= 0", kernelerr.ErrValidation)
		}
		if retry.JitterFraction < 0 || retry.JitterFraction > 1 {
			return nil, fmt.Errorf("%w: retry_policy.jitter_fraction must be in [0,1]", kernelerr.ErrValidation)
		}
	}

	for handlerTaskType := range raw.CompensationHandlers {
		if _, ok := tasks[handlerTaskType]; !ok {
			return nil, fmt.Errorf("%w: compensation_handlers references unknown task %q", kernelerr.ErrValidation, handlerTaskType)
		}
	}

	now := time.Now()
	wf := &workflow.Workflow{
		WorkflowID:           raw.WorkflowID,
		Tasks:                tasks,
		RetryPolicy:          retry,
		CompensationHandlers: raw.CompensationHandlers,
		Status:               workflow.StatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
		IdempotencyKey:       raw.IdempotencyKey,
	}
	wf.DefinitionHash = DefinitionHash(wf)
	return wf, nil
}

// color used by the DFS cycle detector.
type color int

const (
	white color = iota
	gray
	black
)

// detectCycle runs a three-color DFS over the dependency graph and returns
// the back-edge path (ancestor ... -> node) the first time it finds one, or
// nil if the graph is acyclic. Deterministic: visits tasks in declaration
// order so the same malformed definition always reports the same path.
func detectCycle(tasks map[string]*workflow.Task, order []string) []string {
	colors := make(map[string]color, len(tasks))
	stack := make([]string, 0, len(tasks))

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = gray
		stack = append(stack, id)

		for _, dep := range tasks[id].DependsOn {
			switch colors[dep] {
			case white:
				if path := visit(dep); path != nil {
					return path
				}
			case gray:
				// Found the back edge: dep is an ancestor still on the
				// stack. Report the cycle from dep back to dep.
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				cycle := append([]string{}, stack[start:]...)
				cycle = append(cycle, dep)
				return cycle
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = black
		return nil
	}

	for _, id := range order {
		if colors[id] == white {
			if path := visit(id); path != nil {
				return path
			}
		}
	}
	return nil
}

// Roots returns the task IDs with no dependencies, the initial ready set
// for Kahn's algorithm in the scheduler.
func Roots(wf *workflow.Workflow) []string {
	var roots []string
	for id, t := range wf.Tasks {
		if len(t.DependsOn) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}
