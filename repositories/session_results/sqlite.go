package session_results

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"stable_diffusion_web/clock"
	"stable_diffusion_web/entities"
	"stable_diffusion_web/repositories"
)

const upsertResult string = `
INSERT OR REPLACE INTO session_results (session_id, prompt, negative_prompt, seed, width, height, steps, guidance_scale, hires_fix, base_resolution, denoising_strength, image, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`

const getResultBySessionID string = `
SELECT session_id, prompt, negative_prompt, seed, width, height, steps, guidance_scale, hires_fix, base_resolution, denoising_strength, image, created_at FROM session_results WHERE session_id = ?;
`

const deleteResultsOlderThan string = `
DELETE FROM session_results WHERE created_at < ?;
`

type sqliteRepo struct {
	dbConn *sql.DB
	clock  clock.Clock
}

type Config struct {
	DB    *sql.DB
	Clock clock.Clock
}

func NewRepository(cfg *Config) (Repository, error) {
	if cfg.DB == nil {
		return nil, errors.New("missing DB parameter")
	}

	repoClock := cfg.Clock
	if repoClock == nil {
		repoClock = clock.NewClock()
	}

	newRepo := &sqliteRepo{
		dbConn: cfg.DB,
		clock:  repoClock,
	}

	return newRepo, nil
}

func (repo *sqliteRepo) Upsert(ctx context.Context, result *entities.GenerationResult) (*entities.GenerationResult, error) {
	if result.SessionID == "" {
		return nil, errors.New("missing session ID")
	}

	if len(result.Image) == 0 {
		return nil, errors.New("missing image")
	}

	result.CreatedAt = clock.Timestamp(repo.clock)

	_, err := repo.dbConn.ExecContext(ctx, upsertResult,
		result.SessionID, result.Prompt, result.NegativePrompt, result.Seed,
		result.Width, result.Height, result.Steps, result.GuidanceScale,
		result.HiresFix, result.BaseResolution, result.DenoisingStrength, result.Image, result.CreatedAt)
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (repo *sqliteRepo) GetBySessionID(ctx context.Context, sessionID string) (*entities.GenerationResult, error) {
	var result entities.GenerationResult

	err := repo.dbConn.QueryRowContext(ctx, getResultBySessionID, sessionID).Scan(
		&result.SessionID, &result.Prompt, &result.NegativePrompt, &result.Seed,
		&result.Width, &result.Height, &result.Steps, &result.GuidanceScale,
		&result.HiresFix, &result.BaseResolution, &result.DenoisingStrength, &result.Image, &result.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.NewNotFoundError("result", sessionID)
		}

		return nil, err
	}

	return &result, nil
}

func (repo *sqliteRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := repo.dbConn.ExecContext(ctx, deleteResultsOlderThan, cutoff.UTC().Truncate(time.Second))
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
