package repository

import (
	"context"
	"errors"
	"fmt"

	"portfolio/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ProfileRepository interface {
	GetProfile(ctx context.Context, id string) (*model.Profile, error)
}

type profileRepo struct {
	pool *pgxpool.Pool
}

func NewProfileRepo(pool *pgxpool.Pool) ProfileRepository {
	return &profileRepo{pool: pool}
}

func (r *profileRepo) GetProfile(ctx context.Context, id string) (*model.Profile, error) {
	query := `
		SELECT id, email, display_name, avatar_url, role, created_at, updated_at
		FROM profiles
		WHERE id = $1
	`
	var (
		p    model.Profile
		role string
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.Email,
		&p.DisplayName,
		&p.AvatarURL,
		&role,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("profile %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("getting profile: %w", err)
	}
	p.Role = model.Role(role)
	return &p, nil
}
