package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Session state is transient: the database lives in memory and is gone on restart.
const inMemoryDSN string = ":memory:"

const getCurrentMigration string = `PRAGMA user_version;`
const setCurrentMigration string = `PRAGMA user_version = ?;`

const createSessionSettingsTableIfNotExistsQuery string = `
CREATE TABLE IF NOT EXISTS session_settings (
session_id TEXT NOT NULL PRIMARY KEY,
prompt TEXT NOT NULL,
negative_prompt TEXT NOT NULL,
resolution INTEGER NOT NULL,
steps INTEGER NOT NULL,
guidance_scale REAL NOT NULL,
seed_mode TEXT NOT NULL,
manual_seed INTEGER NOT NULL,
hires_fix INTEGER NOT NULL,
base_resolution INTEGER NOT NULL,
denoising_strength REAL NOT NULL,
updated_at DATETIME NOT NULL
);`

const createSessionResultsTableIfNotExistsQuery string = `
CREATE TABLE IF NOT EXISTS session_results (
session_id TEXT NOT NULL PRIMARY KEY,
prompt TEXT NOT NULL,
negative_prompt TEXT NOT NULL,
seed INTEGER NOT NULL,
width INTEGER NOT NULL,
height INTEGER NOT NULL,
steps INTEGER NOT NULL,
guidance_scale REAL NOT NULL,
hires_fix INTEGER NOT NULL,
base_resolution INTEGER NOT NULL,
denoising_strength REAL NOT NULL,
image BLOB NOT NULL,
created_at DATETIME NOT NULL
);`

const createSettingsUpdatedIndexIfNotExistsQuery string = `
CREATE INDEX IF NOT EXISTS session_settings_updated_index
ON session_settings(updated_at);
`

const createResultsCreatedIndexIfNotExistsQuery string = `
CREATE INDEX IF NOT EXISTS session_results_created_index
ON session_results(created_at);
`

type migration struct {
	migrationName  string
	migrationQuery string
}

var migrations = []migration{
	{migrationName: "create session settings table", migrationQuery: createSessionSettingsTableIfNotExistsQuery},
	{migrationName: "create session results table", migrationQuery: createSessionResultsTableIfNotExistsQuery},
	{migrationName: "add settings updated index", migrationQuery: createSettingsUpdatedIndexIfNotExistsQuery},
	{migrationName: "add results created index", migrationQuery: createResultsCreatedIndexIfNotExistsQuery},
}

func New(ctx context.Context, logger *zap.Logger) (*sql.DB, error) {
	if logger == nil {
		return nil, errors.New("missing logger")
	}

	db, err := sql.Open("sqlite", inMemoryDSN)
	if err != nil {
		return nil, err
	}

	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	err = migrate(ctx, db, logger)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}

func migrate(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	var currentMigration int

	row := db.QueryRowContext(ctx, getCurrentMigration)

	err := row.Scan(&currentMigration)
	if err != nil {
		return err
	}

	requiredMigration := len(migrations)

	logger.Info("Checking DB version",
		zap.Int("current", currentMigration),
		zap.Int("required", requiredMigration))

	if currentMigration < requiredMigration {
		for migrationNum := currentMigration + 1; migrationNum <= requiredMigration; migrationNum++ {
			err = execMigration(ctx, db, logger, migrationNum)
			if err != nil {
				logger.Error("Error running migration",
					zap.Int("migration", migrationNum),
					zap.String("name", migrations[migrationNum-1].migrationName),
					zap.Error(err))

				return err
			}
		}
	}

	return nil
}

func execMigration(ctx context.Context, db *sql.DB, logger *zap.Logger, migrationNum int) error {
	logger.Debug("Running migration",
		zap.Int("migration", migrationNum),
		zap.String("name", migrations[migrationNum-1].migrationName))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	//nolint
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, migrations[migrationNum-1].migrationQuery)
	if err != nil {
		return err
	}

	setQuery := strings.Replace(setCurrentMigration, "?", strconv.Itoa(migrationNum), 1)

	_, err = tx.ExecContext(ctx, setQuery)
	if err != nil {
		return err
	}

	return tx.Commit()
}
