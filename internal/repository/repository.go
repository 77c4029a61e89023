package repository

import (
	"context"
	"time"

	"github.com/splax/taskwatch/internal/domain"
)

// EnvironmentLookup resolves a logical environment from a cloud account id.
type EnvironmentLookup interface {
	FindEnv(account string) (string, bool)
}

// EntityRepository looks up registered workloads by name.
type EntityRepository interface {
	GetEntity(ctx context.Context, name string) (*domain.Entity, error)
}

// DeploymentRepository stores deployment aggregates.
type DeploymentRepository interface {
	FindDeploymentByLambdaID(ctx context.Context, lambdaID string) (*domain.Deployment, error)
	// FindDeploymentByTaskDefinitionArn returns the most recent deployment for the task definition.
	FindDeploymentByTaskDefinitionArn(ctx context.Context, taskDefinitionArn string) (*domain.Deployment, error)
	FindDeployment(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	UpdateInstance(ctx context.Context, deploymentID, taskArn string, status domain.InstanceStatus) error
	// UpdateOverallTaskStatus persists the aggregate, failing with ErrConflict when Version is stale.
	UpdateOverallTaskStatus(ctx context.Context, deployment *domain.Deployment) error
}

// TestRunRepository stores test-suite runs.
type TestRunRepository interface {
	FindByTaskArn(ctx context.Context, taskArn string) (*domain.TestRun, error)
	// Link binds the best unlinked candidate run to the task, returning ErrNotFound when none exists.
	Link(ctx context.Context, ids domain.TestRunMatchIDs, taskArn string) (*domain.TestRun, error)
	UpdateStatus(ctx context.Context, taskArn, status string, result *string, updated time.Time, failureReasons []domain.FailureReason) error
}
