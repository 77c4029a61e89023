package testrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/taskwatch/internal/domain"
	"github.com/splax/taskwatch/internal/repository"
	"github.com/splax/taskwatch/internal/service/failure"
	"github.com/splax/taskwatch/internal/service/reconcile"
	"github.com/splax/taskwatch/internal/service/status"
)

const target = "testrun"

// Reconciler applies task state changes to test-suite runs. Unlike services,
// test suites are expected to start, run and exit.
type Reconciler struct {
	environments repository.EnvironmentLookup
	testRuns     repository.TestRunRepository
	logger       *slog.Logger
}

// New returns a test run reconciler.
func New(environments repository.EnvironmentLookup, testRuns repository.TestRunRepository, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		environments: environments,
		testRuns:     testRuns,
		logger:       logger.With("component", "testrun"),
	}
}

// Reconcile records the event against the run linked to its task, linking a
// candidate run first when none is linked yet. Errors never propagate.
func (r *Reconciler) Reconcile(ctx context.Context, event domain.TaskStateChangeEvent, name string) (out reconcile.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic: %v", rec)
			r.logger.Error("failed to update test suite", "event_id", event.ID, "error", err)
			out = reconcile.Failed(target, err)
		}
	}()

	out = r.reconcile(ctx, event, name)
	if out.Kind == reconcile.KindFailed {
		r.logger.Error("failed to update test suite", "event_id", event.ID, "task_arn", event.Detail.TaskArn, "error", out.Err)
	}
	return out
}

func (r *Reconciler) reconcile(ctx context.Context, event domain.TaskStateChangeEvent, name string) reconcile.Outcome {
	env, ok := r.environments.FindEnv(event.Account)
	if !ok {
		r.logger.Error("unknown environment for account, check the mappings", "account", event.Account, "event_id", event.ID)
		return reconcile.Dropped(target, reconcile.DropUnknownAccount)
	}
	taskArn := event.Detail.TaskArn

	testRun, err := r.findOrLink(ctx, event, name, env)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.logger.Warn("failed to find any test run for event", "task_arn", taskArn, "test_suite", name, "environment", env)
			return reconcile.Dropped(target, reconcile.DropUnlinked)
		}
		return reconcile.Failed(target, err)
	}

	// The test container's exit code decides pass/fail; sidecars are ignored here.
	result := status.TestResult(event.Detail.FindContainer(name))
	reasons := failure.Extract(event)
	taskStatus := status.TestRunTaskStatus(event.Detail.DesiredStatus, event.Detail.LastStatus, len(reasons) > 0)

	r.logger.Info("updating test suite status",
		"test_suite", testRun.TestSuite,
		"run_id", testRun.RunID,
		"status", taskStatus,
		"result", derefOrEmpty(result),
		"failure_reasons", len(reasons))
	if err := ctx.Err(); err != nil {
		return reconcile.Failed(target, err)
	}
	if err := r.testRuns.UpdateStatus(ctx, taskArn, taskStatus, result, event.Timestamp, reasons); err != nil {
		return reconcile.Failed(target, fmt.Errorf("update test run %s: %w", testRun.RunID, err))
	}
	return reconcile.Applied(target, testRun.RunID, taskStatus)
}

func (r *Reconciler) findOrLink(ctx context.Context, event domain.TaskStateChangeEvent, name, env string) (*domain.TestRun, error) {
	taskArn := event.Detail.TaskArn
	testRun, err := r.testRuns.FindByTaskArn(ctx, taskArn)
	if err == nil {
		return testRun, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("find test run by task arn: %w", err)
	}

	r.logger.Info("trying to link test run", "test_suite", name, "environment", env, "task_arn", taskArn)
	ids := domain.TestRunMatchIDs{Name: name, Environment: env, Timestamp: linkAnchor(event)}
	testRun, err = r.testRuns.Link(ctx, ids, taskArn)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("link test run: %w", err)
	}
	return testRun, nil
}

// linkAnchor is the task's creation time, so a task whose early events were
// never delivered can still claim its run. The event time is used when the
// detail omits createdAt.
func linkAnchor(event domain.TaskStateChangeEvent) time.Time {
	if !event.Detail.CreatedAt.IsZero() {
		return event.Detail.CreatedAt
	}
	return event.Timestamp
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
