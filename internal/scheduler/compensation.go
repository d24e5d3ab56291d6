package scheduler

import (
	"context"
	"sort"

	"github.com/swarmguard/swarmlite/internal/audit"
	"github.com/swarmguard/swarmlite/internal/handler"
	"github.com/swarmguard/swarmlite/internal/workflow"
)

// Compensate runs best-effort rollback for every SUCCESS task that has a
// registered entry in wf.CompensationHandlers, in reverse topological
// order (descendants before their ancestors), after a workflow reaches a
// terminal FAILED status (spec §3/§4.8/§6.1). Tasks in S without a
// handler entry remain SUCCESS — compensation is opt-in per task, keyed
// by the compensation_handlers (task_id -> handler_name) mapping, not by
// whether the task's own handler type happens to implement Compensator.
// A compensation failure is logged but never aborts the rollback of the
// remaining tasks — "best effort" means every task gets a chance, not
// that the first failure stops the sweep.
func (s *Scheduler) Compensate(ctx context.Context, wf *workflow.Workflow) error {
	order := reverseTopologicalOrder(wf)

	for _, id := range order {
		t := wf.Tasks[id]
		if t.Status != workflow.TaskSuccess {
			continue
		}

		handlerName, ok := wf.CompensationHandlers[id]
		if !ok {
			// No compensation_handlers entry for this task; leave its
			// status as SUCCESS since nothing was undone.
			continue
		}

		h, err := s.registry.Lookup(handlerName, "")
		if err != nil {
			_, _ = s.audit.Append(ctx, wf.WorkflowID, audit.CompensationRun, t.ID, "failed: "+err.Error())
			continue
		}
		compensator, ok := h.(handler.Compensator)
		if !ok {
			_, _ = s.audit.Append(ctx, wf.WorkflowID, audit.CompensationRun, t.ID, "failed: handler "+handlerName+" does not support compensation")
			continue
		}

		if err := compensator.Compensate(ctx, t, handler.Result{}); err != nil {
			_, _ = s.audit.Append(ctx, wf.WorkflowID, audit.CompensationRun, t.ID, "failed: "+err.Error())
			continue
		}
		t.Status = workflow.TaskRollback
		_, _ = s.store.CASTaskStatus(ctx, wf.WorkflowID, t.ID, workflow.TaskSuccess, workflow.TaskRollback)
		_, _ = s.audit.Append(ctx, wf.WorkflowID, audit.CompensationRun, t.ID, "ok")
	}
	return nil
}

// reverseTopologicalOrder returns task IDs sorted so every task appears
// before any of its dependencies, the inverse of the dispatch order —
// undo effects downstream-first.
func reverseTopologicalOrder(wf *workflow.Workflow) []string {
	depth := make(map[string]int, len(wf.Tasks))
	var compute func(id string) int
	compute = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		max := 0
		for _, dep := range wf.Tasks[id].DependsOn {
			if d := compute(dep); d+1 > max {
				max = d + 1
			}
		}
		depth[id] = max
		return max
	}

	ids := make([]string, 0, len(wf.Tasks))
	for id := range wf.Tasks {
		ids = append(ids, id)
		compute(id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if depth[ids[i]] != depth[ids[j]] {
			return depth[ids[i]] > depth[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}
