package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/taskwatch/internal/domain"
	"github.com/splax/taskwatch/internal/repository"
)

// DefaultLinkWindow bounds how old an unlinked test run may be to match a task.
const DefaultLinkWindow = 10 * time.Minute

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool       *pgxpool.Pool
	linkWindow time.Duration
}

// New constructs a Repository.
func New(pool *pgxpool.Pool, linkWindow time.Duration) *Repository {
	if linkWindow <= 0 {
		linkWindow = DefaultLinkWindow
	}
	return &Repository{pool: pool, linkWindow: linkWindow}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.EntityRepository     = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.TestRunRepository    = (*Repository)(nil)
)

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func encodeReasons(reasons []domain.FailureReason) ([]byte, error) {
	if reasons == nil {
		reasons = []domain.FailureReason{}
	}
	data, err := json.Marshal(reasons)
	if err != nil {
		return nil, fmt.Errorf("encode failure reasons: %w", err)
	}
	return data, nil
}

func decodeReasons(data []byte) ([]domain.FailureReason, error) {
	reasons := make([]domain.FailureReason, 0)
	if len(data) == 0 {
		return reasons, nil
	}
	if err := json.Unmarshal(data, &reasons); err != nil {
		return nil, fmt.Errorf("decode failure reasons: %w", err)
	}
	return reasons, nil
}

func decodeInstances(data []byte) (*domain.Instances, error) {
	instances := domain.NewInstances(0)
	if len(data) == 0 {
		return instances, nil
	}
	if err := json.Unmarshal(data, instances); err != nil {
		return nil, fmt.Errorf("decode instances: %w", err)
	}
	return instances, nil
}

// mapError translates driver errors into repository sentinels.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", repository.ErrConflict, pgErr.ConstraintName)
		case "23503":
			return repository.ErrNotFound
		}
	}
	return err
}
