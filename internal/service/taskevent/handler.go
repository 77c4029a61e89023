// Package taskevent routes ECS task state changes to the reconciler that owns
// the workload named in the event.
package taskevent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/splax/taskwatch/internal/domain"
	"github.com/splax/taskwatch/internal/repository"
	"github.com/splax/taskwatch/internal/service/reconcile"
)

const target = "router"

// DeploymentReconciler applies events for microservice workloads.
type DeploymentReconciler interface {
	Reconcile(ctx context.Context, event domain.TaskStateChangeEvent) reconcile.Outcome
}

// TestRunReconciler applies events for test-suite workloads.
type TestRunReconciler interface {
	Reconcile(ctx context.Context, event domain.TaskStateChangeEvent, name string) reconcile.Outcome
}

// Observer is notified of every handled event.
type Observer interface {
	Observe(event domain.TaskStateChangeEvent, out reconcile.Outcome, elapsed time.Duration)
}

// Handler resolves the environment and entity for an event and dispatches it.
type Handler struct {
	environments repository.EnvironmentLookup
	entities     repository.EntityRepository
	deployments  DeploymentReconciler
	testRuns     TestRunReconciler
	observers    []Observer
	logger       *slog.Logger
	now          func() time.Time
}

// New constructs an event handler.
func New(environments repository.EnvironmentLookup, entities repository.EntityRepository, deployments DeploymentReconciler, testRuns TestRunReconciler, logger *slog.Logger, observers ...Observer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		environments: environments,
		entities:     entities,
		deployments:  deployments,
		testRuns:     testRuns,
		observers:    observers,
		logger:       logger.With("component", "taskevent"),
		now:          time.Now,
	}
}

// Handle processes one event. id identifies the delivery (queue message id or
// request id) and is used when the envelope carries no id of its own.
func (h *Handler) Handle(ctx context.Context, id string, event domain.TaskStateChangeEvent) reconcile.Outcome {
	if event.ID == "" {
		event.ID = id
	}
	started := h.now()
	out := h.dispatch(ctx, event)
	elapsed := h.now().Sub(started)

	h.logger.Debug("task event handled",
		"event_id", event.ID,
		"delivery_id", id,
		"outcome", out.String(),
		"duration_ms", elapsed.Milliseconds())
	for _, o := range h.observers {
		o.Observe(event, out, elapsed)
	}
	return out
}

func (h *Handler) dispatch(ctx context.Context, event domain.TaskStateChangeEvent) (out reconcile.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic: %v", rec)
			h.logger.Error("failed to route task event", "event_id", event.ID, "error", err)
			out = reconcile.Failed(target, err)
		}
	}()

	env, ok := h.environments.FindEnv(event.Account)
	if !ok {
		h.logger.Error("unknown environment for account, check the mappings", "account", event.Account, "event_id", event.ID)
		return reconcile.Dropped(target, reconcile.DropUnknownAccount)
	}

	name := event.Detail.WorkloadName()
	entity, err := h.entities.GetEntity(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.logger.Warn("unsupported or unknown entity", "entity", name, "environment", env, "event_id", event.ID)
			return reconcile.Dropped(target, reconcile.DropUnknownEntity)
		}
		h.logger.Error("failed to look up entity", "entity", name, "event_id", event.ID, "error", err)
		return reconcile.Failed(target, fmt.Errorf("get entity %s: %w", name, err))
	}

	switch entity.Type {
	case domain.EntityTypeMicroservice:
		h.logger.Info("processing service task event", "entity", entity.Name, "environment", env, "task_arn", event.Detail.TaskArn)
		return h.deployments.Reconcile(ctx, event)
	case domain.EntityTypeTestSuite:
		h.logger.Info("processing test suite task event", "entity", entity.Name, "environment", env, "task_arn", event.Detail.TaskArn)
		return h.testRuns.Reconcile(ctx, event, entity.Name)
	default:
		h.logger.Warn("unsupported entity type", "entity", entity.Name, "type", string(entity.Type), "event_id", event.ID)
		return reconcile.Dropped(target, reconcile.DropUnsupportedEntity)
	}
}
