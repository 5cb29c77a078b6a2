package session_settings

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"stable_diffusion_web/clock"
	"stable_diffusion_web/entities"
	"stable_diffusion_web/repositories"
)

const upsertSettings string = `
INSERT OR REPLACE INTO session_settings (session_id, prompt, negative_prompt, resolution, steps, guidance_scale, seed_mode, manual_seed, hires_fix, base_resolution, denoising_strength, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`

const getSettingsBySessionID string = `
SELECT session_id, prompt, negative_prompt, resolution, steps, guidance_scale, seed_mode, manual_seed, hires_fix, base_resolution, denoising_strength, updated_at FROM session_settings WHERE session_id = ?;
`

const deleteSettingsOlderThan string = `
DELETE FROM session_settings WHERE updated_at < ?;
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

func (repo *sqliteRepo) Upsert(ctx context.Context, settings *entities.SessionSettings) (*entities.SessionSettings, error) {
	if settings.SessionID == "" {
		return nil, errors.New("missing session ID")
	}

	settings.UpdatedAt = clock.Timestamp(repo.clock)

	_, err := repo.dbConn.ExecContext(ctx, upsertSettings,
		settings.SessionID, settings.Prompt, settings.NegativePrompt, settings.Resolution,
		settings.Steps, settings.GuidanceScale, string(settings.SeedMode), settings.ManualSeed,
		settings.HiresFix, settings.BaseResolution, settings.DenoisingStrength, settings.UpdatedAt)
	if err != nil {
		return nil, err
	}

	return settings, nil
}

func (repo *sqliteRepo) GetBySessionID(ctx context.Context, sessionID string) (*entities.SessionSettings, error) {
	var settings entities.SessionSettings

	var seedMode string

	err := repo.dbConn.QueryRowContext(ctx, getSettingsBySessionID, sessionID).Scan(
		&settings.SessionID, &settings.Prompt, &settings.NegativePrompt, &settings.Resolution,
		&settings.Steps, &settings.GuidanceScale, &seedMode, &settings.ManualSeed,
		&settings.HiresFix, &settings.BaseResolution, &settings.DenoisingStrength, &settings.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.NewNotFoundError("settings", sessionID)
		}

		return nil, err
	}

	settings.SeedMode = entities.SeedMode(seedMode)

	return &settings, nil
}

func (repo *sqliteRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := repo.dbConn.ExecContext(ctx, deleteSettingsOlderThan, cutoff.UTC().Truncate(time.Second))
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
