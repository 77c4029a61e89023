package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/splax/taskwatch/internal/domain"
	"github.com/splax/taskwatch/internal/repository"
)

// GetEntity returns the registered workload with the given name.
func (r *Repository) GetEntity(ctx context.Context, name string) (*domain.Entity, error) {
	const query = `SELECT name, entity_type FROM entities WHERE name = $1`
	var (
		entity     domain.Entity
		entityType string
	)
	if err := r.pool.QueryRow(ctx, query, name).Scan(&entity.Name, &entityType); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	entity.Type = domain.EntityType(entityType)
	return &entity, nil
}
