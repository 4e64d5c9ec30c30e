// Package replica owns the local SQLite-backed view of the
// `_zero.`-prefixed tables (spec.md §6): clients, changeLog2,
// column_metadata, tableMetadata, runtime_events. Migration runner
// grounded almost line-for-line on the teacher's db/migrate.go, with
// one addition: an incompatible-schema auto-reset signal the teacher
// didn't need because it only ever ran against its own dev database.
package replica

import (
	"database/sql"
	"embed"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/zerocache/sync-engine/internal/errors"
)

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

// ErrIncompatibleReplica is returned by Migrate when the replica's
// recorded versions have a gap (a later migration recorded as applied
// while an earlier one is not), which this binary can't apply
// incrementally; the caller must delete and recreate the file from
// scratch (spec.md §4.12).
var ErrIncompatibleReplica = errors.New("replica: schema version incompatible with this binary; reset required")

// Migrate applies all pending migrations to db in order. If logger is
// provided, progress is logged; otherwise it runs silently.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	entries, err := migrations.ReadDir("sqlite/migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}

	var migrationFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrationFiles = append(migrationFiles, entry.Name())
		}
	}
	sort.Strings(migrationFiles)

	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}

	for i, filename := range migrationFiles {
		version := strings.Split(filename, "_")[0]

		if applied[version] {
			if logger != nil {
				logger.Debugw("skipping migration (already applied)", "migration", filename, "version", version)
			}
			continue
		}

		// A later migration already recorded as applied while this
		// earlier one is not means the replica's history has a gap
		// this binary can't apply incrementally from (spec.md §4.12).
		for _, later := range migrationFiles[i+1:] {
			laterVersion := strings.Split(later, "_")[0]
			if applied[laterVersion] {
				return ErrIncompatibleReplica
			}
		}

		sqlBytes, err := migrations.ReadFile(filepath.Join("sqlite/migrations", filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", filename)
		}

		if logger != nil {
			logger.Infow("applying migration", "migration", filename, "version", version)
		}

		tx, err := db.Begin()
		if err != nil {
			return errors.Wrapf(err, "begin tx for %s", filename)
		}

		if _, err := tx.Exec(string(sqlBytes)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "execute %s", filename)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "record %s", filename)
		}

		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit %s", filename)
		}
	}

	if logger != nil {
		logger.Infow("migrations complete", "total_migrations", len(migrationFiles))
	}

	return nil
}

// appliedVersions returns the set of migration versions already
// recorded in schema_migrations, or an empty set if that table doesn't
// exist yet (a brand-new replica file).
func appliedVersions(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return map[string]bool{}, nil
		}
		return nil, errors.Wrap(err, "read applied migrations")
	}
	defer rows.Close()

	applied := map[string]bool{}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, errors.Wrap(err, "scan applied migration")
		}
		applied[version] = true
	}
	return applied, rows.Err()
}
