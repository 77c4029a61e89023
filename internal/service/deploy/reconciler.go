package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/splax/taskwatch/internal/domain"
	"github.com/splax/taskwatch/internal/repository"
	"github.com/splax/taskwatch/internal/service/failure"
	"github.com/splax/taskwatch/internal/service/reconcile"
	"github.com/splax/taskwatch/internal/service/status"
	"github.com/splax/taskwatch/pkg/config"
)

const target = "deployment"

// ErrDeploymentVanished is returned when a correlated deployment cannot be
// re-read after its instance was updated.
var ErrDeploymentVanished = fmt.Errorf("deployment vanished after instance update: %w", reconcile.ErrStoreInconsistent)

// Reconciler applies task state changes to microservice deployments.
type Reconciler struct {
	deployments repository.DeploymentRepository
	logger      *slog.Logger
	instanceCap int
}

// New returns a deployment reconciler.
func New(deployments repository.DeploymentRepository, logger *slog.Logger, cfg config.WatcherConfig) *Reconciler {
	capacity := cfg.DeploymentInstanceCap
	if capacity <= 0 {
		capacity = domain.DefaultInstanceCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		deployments: deployments,
		logger:      logger.With("component", "deploy"),
		instanceCap: capacity,
	}
}

// Reconcile updates the deployment the event belongs to. Errors are logged and
// reported through the outcome; they are never returned or panicked.
func (r *Reconciler) Reconcile(ctx context.Context, event domain.TaskStateChangeEvent) (out reconcile.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic: %v", rec)
			r.logger.Error("failed to update deployment", "event_id", event.ID, "error", err)
			out = reconcile.Failed(target, err)
		}
	}()

	out = r.reconcile(ctx, event)
	if out.Kind == reconcile.KindFailed {
		r.logger.Error("failed to update deployment", "event_id", event.ID, "task_arn", event.Detail.TaskArn, "error", out.Err)
	}
	return out
}

func (r *Reconciler) reconcile(ctx context.Context, event domain.TaskStateChangeEvent) reconcile.Outcome {
	lambdaID := strings.TrimSpace(event.Detail.StartedBy)
	taskArn := event.Detail.TaskArn
	r.logger.Info("starting deployment update", "lambda_id", lambdaID, "task_arn", taskArn)

	deployment, err := r.correlate(ctx, lambdaID, event.Detail.TaskDefinitionArn)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.logger.Warn("no matching deployment, it may have been triggered by a different instance of the platform",
				"lambda_id", lambdaID, "task_definition_arn", event.Detail.TaskDefinitionArn)
			return reconcile.Dropped(target, reconcile.DropUncorrelated)
		}
		return reconcile.Failed(target, err)
	}

	instanceStatus, ok := status.InstanceStatus(event.Detail.DesiredStatus, event.Detail.LastStatus)
	if !ok {
		r.logger.Warn("skipping unknown status", "desired", event.Detail.DesiredStatus, "last", event.Detail.LastStatus)
		return reconcile.Dropped(target, reconcile.DropUnknownStatus)
	}

	if err := ctx.Err(); err != nil {
		return reconcile.Failed(target, err)
	}
	r.logger.Info("updating instance status",
		"deployment_id", deployment.ID,
		"lambda_id", lambdaID,
		"task_arn", taskArn,
		"ecs_deployment_id", event.DeploymentID,
		"status", instanceStatus)
	update := domain.InstanceStatus{Status: instanceStatus, Updated: event.Timestamp}
	if err := r.deployments.UpdateInstance(ctx, deployment.ID, taskArn, update); err != nil {
		return reconcile.Failed(target, fmt.Errorf("update instance %s: %w", taskArn, err))
	}

	return r.updateOverallStatus(ctx, deployment.ID, event)
}

// correlate finds the deployment by lambda id, falling back to the most recent
// deployment of the task definition.
func (r *Reconciler) correlate(ctx context.Context, lambdaID, taskDefinitionArn string) (*domain.Deployment, error) {
	deployment, err := r.deployments.FindDeploymentByLambdaID(ctx, lambdaID)
	if err == nil {
		return deployment, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("find deployment by lambda id: %w", err)
	}

	deployment, err = r.deployments.FindDeploymentByTaskDefinitionArn(ctx, taskDefinitionArn)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("find deployment by task definition: %w", err)
	}
	r.logger.Warn("falling back to matching on task definition arn",
		"deployment_id", deployment.ID, "task_definition_arn", taskDefinitionArn)
	return deployment, nil
}

func (r *Reconciler) updateOverallStatus(ctx context.Context, deploymentID string, event domain.TaskStateChangeEvent) reconcile.Outcome {
	deployment, err := r.deployments.FindDeployment(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return reconcile.Failed(target, fmt.Errorf("deployment %s: %w", deploymentID, ErrDeploymentVanished))
		}
		return reconcile.Failed(target, fmt.Errorf("reload deployment %s: %w", deploymentID, err))
	}
	if deployment.Instances == nil {
		deployment.Instances = domain.NewInstances(r.instanceCap)
	}

	// Bound history under crash loops before deriving anything from it.
	deployment.Instances.Trim(r.instanceCap)
	deployment.Status = status.OverallStatus(deployment.Instances)
	deployment.Unstable = status.IsUnstable(deployment.Instances)
	deployment.Updated = event.Timestamp
	// Holds the most recent task run reference, not the task definition.
	deployment.TaskDefinitionArn = event.Detail.TaskArn
	if len(deployment.FailureReasons) == 0 {
		deployment.FailureReasons = failure.Extract(event)
	}

	if err := ctx.Err(); err != nil {
		return reconcile.Failed(target, err)
	}
	if err := r.deployments.UpdateOverallTaskStatus(ctx, deployment); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return reconcile.Failed(target, fmt.Errorf("persist deployment %s: %w: %w", deployment.ID, reconcile.ErrStoreInconsistent, err))
		}
		return reconcile.Failed(target, fmt.Errorf("persist deployment %s: %w", deployment.ID, err))
	}
	r.logger.Info("updated deployment", "deployment_id", deployment.ID, "lambda_id", deployment.LambdaID, "status", deployment.Status, "unstable", deployment.Unstable)
	return reconcile.Applied(target, deployment.ID, deployment.Status)
}
