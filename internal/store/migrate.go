package store

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrateUp applies all pending migrations, newest schema version wins.
// Migrations are additive only (new collections, never destructive
// rewrites) so an upgrade can never destroy an unsynced request queue.
func MigrateUp(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := SchemaVersion(db)
	if err != nil {
		return err
	}

	entries, err := sortedMigrations(".up.sql")
	if err != nil {
		return err
	}
	for _, name := range entries {
		version, versionErr := migrationVersion(name)
		if versionErr != nil {
			return versionErr
		}
		if version <= current {
			continue
		}
		if applyErr := applyMigration(db, name, version); applyErr != nil {
			return applyErr
		}
		current = version
	}
	return nil
}

// MigrateDown reverts every migration, newest first. Test use only.
func MigrateDown(db *sql.DB) error {
	entries, err := sortedMigrations(".down.sql")
	if err != nil {
		return err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		sqlBytes, readErr := migrationFiles.ReadFile(entries[i])
		if readErr != nil {
			return fmt.Errorf("read migration %s: %w", entries[i], readErr)
		}
		if _, execErr := db.Exec(string(sqlBytes)); execErr != nil {
			return fmt.Errorf("apply migration %s: %w", entries[i], execErr)
		}
	}
	_, err = db.Exec(`DELETE FROM schema_version`)
	return err
}

// SchemaVersion returns the currently applied schema version, 0 when the
// database is fresh.
func SchemaVersion(db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

func applyMigration(db *sql.DB, name string, version int) error {
	sqlBytes, err := migrationFiles.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return tx.Commit()
}

func sortedMigrations(suffix string) ([]string, error) {
	entries, err := fs.Glob(migrationFiles, "migrations/*"+suffix)
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(entries)
	return entries, nil
}

func migrationVersion(name string) (int, error) {
	base := strings.TrimPrefix(name, "migrations/")
	idx := strings.IndexByte(base, '_')
	if idx < 0 {
		return 0, fmt.Errorf("migration %s: missing version prefix", name)
	}
	version, err := strconv.Atoi(base[:idx])
	if err != nil {
		return 0, fmt.Errorf("migration %s: bad version prefix: %w", name, err)
	}
	return version, nil
}
