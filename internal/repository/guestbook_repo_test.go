package repository

import (
	"context"
	"os"
	"testing"

	"portfolio/internal/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
	CREATE TABLE IF NOT EXISTS profiles (
		id uuid PRIMARY KEY,
		email text NOT NULL,
		display_name text,
		avatar_url text,
		role text NOT NULL DEFAULT 'user',
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS guestbook (
		id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id uuid NOT NULL,
		content text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	);
`

// testPool connects to a scratch database named by PG_TEST_DSN.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN is not set, skip Postgres integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, testSchema)
	require.NoError(t, err)
	return pool
}

func insertProfile(t *testing.T, pool *pgxpool.Pool, role model.Role) string {
	t.Helper()
	id := uuid.NewString()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO profiles (id, email, display_name, role) VALUES ($1, $2, $3, $4)`,
		id, id+"@example.com", "Tester", string(role))
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM guestbook WHERE user_id = $1`, id)
		pool.Exec(context.Background(), `DELETE FROM profiles WHERE id = $1`, id)
	})
	return id
}

func TestGuestbookRepoRoundTrip(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewGuestbookRepo(pool)
	author := insertProfile(t, pool, model.RoleUser)

	first, err := repo.CreateMessage(ctx, author, "first")
	require.NoError(t, err)
	second, err := repo.CreateMessage(ctx, author, "second")
	require.NoError(t, err)

	got, err := repo.GetMessage(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Content)
	require.NotNil(t, got.Author)
	assert.Equal(t, "Tester", got.Author.Name())
	assert.Equal(t, model.RoleUser, got.Author.Role)

	list, err := repo.ListMessages(ctx)
	require.NoError(t, err)
	var ids []string
	for _, m := range list {
		if m.UserID == author {
			ids = append(ids, m.ID)
		}
	}
	assert.Equal(t, []string{second.ID, first.ID}, ids)
}

func TestGuestbookRepoMissingProfile(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewGuestbookRepo(pool)
	orphan := uuid.NewString()
	t.Cleanup(func() { pool.Exec(ctx, `DELETE FROM guestbook WHERE user_id = $1`, orphan) })

	e, err := repo.CreateMessage(ctx, orphan, "who am i")
	require.NoError(t, err)
	got, err := repo.GetMessage(ctx, e.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Author)
}

func TestGuestbookRepoDeletePolicy(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewGuestbookRepo(pool)
	author := insertProfile(t, pool, model.RoleUser)
	stranger := insertProfile(t, pool, model.RoleUser)
	admin := insertProfile(t, pool, model.RoleAdmin)

	own, err := repo.CreateMessage(ctx, author, "mine")
	require.NoError(t, err)
	other, err := repo.CreateMessage(ctx, author, "moderated")
	require.NoError(t, err)

	_, err = repo.DeleteMessage(ctx, own.ID, stranger)
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err := repo.DeleteMessage(ctx, own.ID, author)
	require.NoError(t, err)
	assert.Equal(t, own.ID, deleted.ID)

	_, err = repo.DeleteMessage(ctx, other.ID, admin)
	require.NoError(t, err)

	_, err = repo.GetMessage(ctx, other.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProfileRepo(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewProfileRepo(pool)
	admin := insertProfile(t, pool, model.RoleAdmin)

	p, err := repo.GetProfile(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, p.Role)

	_, err = repo.GetProfile(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}
