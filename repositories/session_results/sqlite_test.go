package session_results

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"stable_diffusion_web/clock"
	"stable_diffusion_web/databases/sqlite"
	"stable_diffusion_web/entities"
	"stable_diffusion_web/repositories"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sqlite.New(context.Background(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func sampleResult(sessionID string, seed int64) *entities.GenerationResult {
	return &entities.GenerationResult{
		SessionID:         sessionID,
		Prompt:            "a red cube",
		Seed:              seed,
		Width:             512,
		Height:            512,
		Steps:             30,
		GuidanceScale:     7.5,
		HiresFix:          true,
		BaseResolution:    256,
		DenoisingStrength: 0.3,
		Image:             []byte("\x89PNG\x00image"),
	}
}

func TestUpsertKeepsLatestResult(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	repo, err := NewRepository(&Config{DB: newDB(t), Clock: clock.NewManualClock(now)})
	require.NoError(t, err)

	ctx := context.Background()

	_, err = repo.Upsert(ctx, sampleResult("s1", 42))
	require.NoError(t, err)

	second := sampleResult("s1", 43)
	second.Image = []byte("\x89PNG\x00second")

	_, err = repo.Upsert(ctx, second)
	require.NoError(t, err)

	got, err := repo.GetBySessionID(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, int64(43), got.Seed)
	assert.Equal(t, []byte("\x89PNG\x00second"), got.Image)
	assert.Equal(t, "generated_image_43.png", got.Filename())
	assert.True(t, got.HiresFix)
	assert.True(t, now.Equal(got.CreatedAt))
}

func TestGet_NotFound(t *testing.T) {
	repo, err := NewRepository(&Config{DB: newDB(t)})
	require.NoError(t, err)

	_, err = repo.GetBySessionID(context.Background(), "nobody")
	assert.True(t, errors.Is(err, &repositories.NotFoundError{}))
}

func TestSessionsAreIsolated(t *testing.T) {
	repo, err := NewRepository(&Config{DB: newDB(t)})
	require.NoError(t, err)

	ctx := context.Background()

	_, err = repo.Upsert(ctx, sampleResult("a", 1))
	require.NoError(t, err)

	_, err = repo.Upsert(ctx, sampleResult("b", 2))
	require.NoError(t, err)

	a, err := repo.GetBySessionID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Seed)

	b, err := repo.GetBySessionID(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.Seed)
}

func TestDeleteOlderThan(t *testing.T) {
	db := newDB(t)
	old := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	repo, err := NewRepository(&Config{DB: db, Clock: clock.NewManualClock(old)})
	require.NoError(t, err)

	ctx := context.Background()

	_, err = repo.Upsert(ctx, sampleResult("s1", 1))
	require.NoError(t, err)

	deleted, err := repo.DeleteOlderThan(ctx, old.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, deleted)

	deleted, err = repo.DeleteOlderThan(ctx, old.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestUpsertValidation(t *testing.T) {
	repo, err := NewRepository(&Config{DB: newDB(t)})
	require.NoError(t, err)

	_, err = repo.Upsert(context.Background(), &entities.GenerationResult{})
	assert.EqualError(t, err, "missing session ID")

	_, err = repo.Upsert(context.Background(), &entities.GenerationResult{SessionID: "s"})
	assert.EqualError(t, err, "missing image")
}
