package metrics

import (
	"database/sql"

	"codeberg.org/mutker/ipmifanctl/internal/errors"
	"codeberg.org/mutker/ipmifanctl/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS ticks (
	       id               INTEGER PRIMARY KEY AUTOINCREMENT,
	       timestamp_ms     INTEGER NOT NULL,
	       speed_current    INTEGER NOT NULL CHECK (speed_current IN (25, 40, 60, 80, 100)),
	       speed_target     INTEGER NOT NULL CHECK (speed_target IN (25, 40, 60, 80, 100)),
	       fan_rpm          INTEGER NOT NULL,
	       temp_max         INTEGER NOT NULL,
	       temp_rate        REAL    NOT NULL,
	       temp_trend       TEXT    NOT NULL,
	       temp_stale       INTEGER NOT NULL CHECK (temp_stale IN (0, 1)),
	       usage_current    REAL    NOT NULL,
	       usage_average    REAL    NOT NULL,
	       spike_size       REAL    NOT NULL,
	       spike            INTEGER NOT NULL CHECK (spike IN (0, 1)),
	       action           TEXT    NOT NULL,
	       cause            TEXT    NOT NULL,
	       reason           TEXT    NOT NULL
	   );
	   CREATE INDEX IF NOT EXISTS ticks_timestamp ON ticks (timestamp_ms);`

	insertTickSQL = `
    INSERT INTO ticks (
        timestamp_ms,
        speed_current, speed_target, fan_rpm,
        temp_max, temp_rate, temp_trend, temp_stale,
        usage_current, usage_average, spike_size, spike,
        action, cause, reason
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	// Track transaction state
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err).WithData("create_tables")
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err).WithData("record_version")
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version, or 0 for an empty
// database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err).WithData("get_version")
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	errFactory := errors.New()

	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errFactory.Wrap(ErrSchemaValidationFailed, err).WithData(tableName)
	}

	return exists, nil
}
