package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/splax/taskwatch/internal/domain"
	"github.com/splax/taskwatch/internal/repository"
)

const deploymentColumns = `id, lambda_id, task_definition_arn, instances, status, unstable, failure_reasons, updated_at, version`

// FindDeploymentByLambdaID returns the deployment requested with the given started-by token.
func (r *Repository) FindDeploymentByLambdaID(ctx context.Context, lambdaID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE lambda_id = $1`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, lambdaID))
}

// FindDeploymentByTaskDefinitionArn returns the newest deployment for a task definition.
func (r *Repository) FindDeploymentByTaskDefinitionArn(ctx context.Context, taskDefinitionArn string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE task_definition_arn = $1
		ORDER BY created_at DESC
		LIMIT 1`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, taskDefinitionArn))
}

// FindDeployment loads a deployment by identifier.
func (r *Repository) FindDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, id))
}

// UpdateInstance sets the status of one task run inside the deployment's
// instance map without touching the rest of the aggregate.
func (r *Repository) UpdateInstance(ctx context.Context, deploymentID, taskArn string, status domain.InstanceStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode instance status: %w", err)
	}
	const query = `UPDATE deployments
		SET instances = jsonb_set(COALESCE(instances, '{}'::jsonb), ARRAY[$2::text], $3::jsonb, true),
			version = version + 1
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, deploymentID, taskArn, payload)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateOverallTaskStatus persists the recomputed aggregate. The write only
// succeeds when the stored version still matches deployment.Version.
func (r *Repository) UpdateOverallTaskStatus(ctx context.Context, deployment *domain.Deployment) error {
	if deployment == nil {
		return errors.New("nil deployment")
	}
	if deployment.Instances == nil {
		deployment.Instances = domain.NewInstances(0)
	}
	instances, err := json.Marshal(deployment.Instances)
	if err != nil {
		return fmt.Errorf("encode instances: %w", err)
	}
	reasons, err := encodeReasons(deployment.FailureReasons)
	if err != nil {
		return err
	}

	const query = `UPDATE deployments
		SET task_definition_arn = $3,
			instances = $4::jsonb,
			status = $5,
			unstable = $6,
			failure_reasons = $7::jsonb,
			updated_at = $8,
			version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version`
	var version int64
	err = r.pool.QueryRow(ctx, query,
		deployment.ID,
		deployment.Version,
		deployment.TaskDefinitionArn,
		instances,
		deployment.Status,
		deployment.Unstable,
		reasons,
		deployment.Updated,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrConflict
		}
		return mapError(err)
	}
	deployment.Version = version
	return nil
}

func (r *Repository) scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		d            domain.Deployment
		lambdaID     sql.NullString
		taskDefArn   sql.NullString
		instancesRaw []byte
		reasonsRaw   []byte
		updatedAt    sql.NullTime
	)
	if err := row.Scan(&d.ID, &lambdaID, &taskDefArn, &instancesRaw, &d.Status, &d.Unstable, &reasonsRaw, &updatedAt, &d.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	d.LambdaID = lambdaID.String
	d.TaskDefinitionArn = taskDefArn.String
	if updatedAt.Valid {
		d.Updated = updatedAt.Time
	}

	instances, err := decodeInstances(instancesRaw)
	if err != nil {
		return nil, err
	}
	d.Instances = instances
	reasons, err := decodeReasons(reasonsRaw)
	if err != nil {
		return nil, err
	}
	d.FailureReasons = reasons
	return &d, nil
}
