package repository

import (
	"context"
	"errors"
	"fmt"

	"portfolio/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a row does not exist or the caller may not see it.
var ErrNotFound = errors.New("not found")

// GuestbookTable is the table whose changes feed the guestbook.
const GuestbookTable = "guestbook"

type GuestbookRepository interface {
	ListMessages(ctx context.Context) ([]model.GuestbookMessage, error)
	GetMessage(ctx context.Context, id string) (*model.GuestbookMessage, error)
	CreateMessage(ctx context.Context, userID, content string) (*model.GuestbookEntry, error)
	// DeleteMessage deletes the message if userID wrote it or is an admin.
	DeleteMessage(ctx context.Context, id, userID string) (*model.GuestbookEntry, error)
}

type guestbookRepo struct {
	pool *pgxpool.Pool
}

func NewGuestbookRepo(pool *pgxpool.Pool) GuestbookRepository {
	return &guestbookRepo{pool: pool}
}

const messageColumns = `
	g.id, g.user_id, g.content, g.created_at,
	p.email, p.display_name, p.avatar_url, p.role
`

func (r *guestbookRepo) ListMessages(ctx context.Context) ([]model.GuestbookMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM guestbook g
		LEFT JOIN profiles p ON p.id = g.user_id
		ORDER BY g.created_at DESC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying guestbook: %w", err)
	}
	defer rows.Close()

	messages := []model.GuestbookMessage{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning guestbook row: %w", err)
		}
		messages = append(messages, *m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating guestbook rows: %w", err)
	}
	return messages, nil
}

func (r *guestbookRepo) GetMessage(ctx context.Context, id string) (*model.GuestbookMessage, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM guestbook g
		LEFT JOIN profiles p ON p.id = g.user_id
		WHERE g.id = $1
	`
	m, err := scanMessage(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("guestbook message %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("getting guestbook message: %w", err)
	}
	return m, nil
}

func (r *guestbookRepo) CreateMessage(ctx context.Context, userID, content string) (*model.GuestbookEntry, error) {
	query := `
		INSERT INTO guestbook (user_id, content)
		VALUES ($1, $2)
		RETURNING id, user_id, content, created_at
	`
	var e model.GuestbookEntry
	err := r.pool.QueryRow(ctx, query, userID, content).Scan(&e.ID, &e.UserID, &e.Content, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating guestbook message: %w", err)
	}
	return &e, nil
}

func (r *guestbookRepo) DeleteMessage(ctx context.Context, id, userID string) (*model.GuestbookEntry, error) {
	query := `
		DELETE FROM guestbook g
		WHERE g.id = $1
		  AND (
		    g.user_id = $2
		    OR EXISTS (SELECT 1 FROM profiles p WHERE p.id = $2 AND p.role = 'admin')
		  )
		RETURNING g.id, g.user_id, g.content, g.created_at
	`
	var e model.GuestbookEntry
	err := r.pool.QueryRow(ctx, query, id, userID).Scan(&e.ID, &e.UserID, &e.Content, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("guestbook message %s not found or access denied: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("deleting guestbook message: %w", err)
	}
	return &e, nil
}

func scanMessage(row pgx.Row) (*model.GuestbookMessage, error) {
	var (
		m           model.GuestbookMessage
		email, role *string
		displayName *string
		avatarURL   *string
	)
	if err := row.Scan(
		&m.ID,
		&m.UserID,
		&m.Content,
		&m.CreatedAt,
		&email,
		&displayName,
		&avatarURL,
		&role,
	); err != nil {
		return nil, err
	}
	// A NULL email means the profile row is missing.
	if email != nil {
		m.Author = &model.Author{
			Email:       *email,
			DisplayName: displayName,
			AvatarURL:   avatarURL,
			Role:        model.RoleUser,
		}
		if role != nil {
			m.Author.Role = model.Role(*role)
		}
	}
	return &m, nil
}
