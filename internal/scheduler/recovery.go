package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/swarmguard/swarmlite/internal/kernelerr"
	"github.com/swarmguard/swarmlite/internal/workflow"
)

// RecoverAll loads every in-flight (RUNNING) workflow from the store at
// startup, verifies the audit chain is intact, resets any RUNNING task
// back to READY (it was interrupted mid-dispatch, never confirmed
// SUCCESS), and resumes execution — the load-then-reconcile shape
// scheduler.go's RestoreSchedules uses for cron schedules, applied here
// to in-flight workflow state instead (spec §4.9).
func (s *Scheduler) RecoverAll(ctx context.Context) error {
	if err := s.audit.Verify(ctx); err != nil {
		return fmt.Errorf("%w: refusing to recover with a broken audit chain: %v", kernelerr.ErrIntegrityViolation, err)
	}

	inFlight, err := s.store.ListInFlight(ctx)
	if err != nil {
		return err
	}

	for _, wf := range inFlight {
		if err := s.recoverOne(ctx, wf); err != nil {
			slog.Error("failed to recover workflow", "workflow_id", wf.WorkflowID, "error", err)
			continue
		}
	}
	return nil
}

func (s *Scheduler) recoverOne(ctx context.Context, wf *workflow.Workflow) error {
	for _, t := range wf.Tasks {
		if t.Status == workflow.TaskRunning {
			ok, err := s.store.CASTaskStatus(ctx, wf.WorkflowID, t.ID, workflow.TaskRunning, workflow.TaskReady)
			if err != nil {
				return err
			}
			if ok {
				t.Status = workflow.TaskReady
			}
		}
	}

	go func() {
		if err := s.Resume(context.Background(), wf); err != nil {
			slog.Error("resumed workflow terminated with error", "workflow_id", wf.WorkflowID, "error", err)
		}
	}()
	return nil
}
