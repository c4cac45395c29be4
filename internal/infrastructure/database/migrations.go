package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// Migration filenames look like 20260805_120000_cloud_credentials.up.sql:
// a date field, a time field, then a free-form label.
const migrationNameFields = 3

var (
	// MigrationsFS holds the embedded migration files. The top-level
	// migrations package assigns it at init time so the SQL ships
	// inside the binary; tests swap in their own fixtures.
	MigrationsFS embed.FS

	// MigrationsDir is the directory inside MigrationsFS containing
	// the .sql files.
	MigrationsDir = "migrations"
)

// Migration pairs the up and down SQL for one schema version.
//
// Migrations are written additive-only so rollbacks stay safe: new
// columns are nullable or carry defaults, and columns are never
// dropped or renamed outside a major release.
type Migration struct {
	Version string
	Name    string
	UpSQL   string
	DownSQL string
}

// MigrationRecord is one row of the schema_migrations bookkeeping
// table.
type MigrationRecord struct {
	Version   string
	AppliedAt time.Time
}

// Migrate applies every pending migration in version order. Each one
// runs in its own transaction, so a failure leaves earlier migrations
// committed and later ones untouched. Running with nothing pending is
// a no-op.
func (db *DB) Migrate(ctx context.Context) error {
	if err := db.ensureVersionTable(ctx); err != nil {
		return err
	}

	migrations, err := collectMigrations()
	if err != nil {
		return err
	}

	records, err := db.appliedMigrations(ctx)
	if err != nil {
		return err
	}
	done := make(map[string]bool, len(records))
	for _, r := range records {
		done[r.Version] = true
	}

	for _, m := range migrations {
		if done[m.Version] {
			continue
		}
		if err := db.runUp(ctx, m); err != nil {
			return fmt.Errorf("applying migration %s_%s: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// MigrateDown rolls back the most recently applied migration. It
// refuses to run when there is nothing applied or when the migration
// ships without a down file.
func (db *DB) MigrateDown(ctx context.Context) error {
	records, err := db.appliedMigrations(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return errors.New("no migrations to roll back")
	}
	latest := records[len(records)-1]

	migrations, err := collectMigrations()
	if err != nil {
		return err
	}

	var target *Migration
	for i := range migrations {
		if migrations[i].Version == latest.Version {
			target = &migrations[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("migration %s is recorded as applied but its files are missing", latest.Version)
	}
	if target.DownSQL == "" {
		return fmt.Errorf("migration %s has no down file", target.Version)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	if _, err := tx.ExecContext(ctx, target.DownSQL); err != nil {
		return fmt.Errorf("rolling back migration %s: %w", target.Version, err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM schema_migrations WHERE version = ?", target.Version,
	); err != nil {
		return fmt.Errorf("clearing migration record %s: %w", target.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing rollback of %s: %w", target.Version, err)
	}
	return nil
}

// GetMigrationStatus reports which migrations have been applied and
// which are still pending. The status endpoint surfaces this so an
// operator can spot a half-migrated store.
func (db *DB) GetMigrationStatus(ctx context.Context) ([]MigrationRecord, []Migration, error) {
	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return nil, nil, err
	}

	migrations, err := collectMigrations()
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[string]bool, len(applied))
	for _, r := range applied {
		seen[r.Version] = true
	}

	var pending []Migration
	for _, m := range migrations {
		if !seen[m.Version] {
			pending = append(pending, m)
		}
	}
	return applied, pending, nil
}

// ensureVersionTable creates the bookkeeping table on first use.
func (db *DB) ensureVersionTable(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}
	return nil
}

// appliedMigrations returns the recorded migrations, oldest first.
func (db *DB) appliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT version, applied_at FROM schema_migrations ORDER BY version",
	)
	if err != nil {
		return nil, fmt.Errorf("querying schema_migrations: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var records []MigrationRecord
	for rows.Next() {
		var (
			rec   MigrationRecord
			stamp string
		)
		if err := rows.Scan(&rec.Version, &stamp); err != nil {
			return nil, fmt.Errorf("scanning migration record: %w", err)
		}
		rec.AppliedAt, err = time.Parse(time.RFC3339, stamp)
		if err != nil {
			return nil, fmt.Errorf("parsing applied_at for %s: %w", rec.Version, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// runUp executes one up migration and records it, in a single
// transaction.
func (db *DB) runUp(ctx context.Context, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		m.Version, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// collectMigrations reads the embedded files and pairs each version's
// up and down SQL. A missing or empty migration source is fine; the
// daemon simply has no schema to manage yet.
func collectMigrations() ([]Migration, error) {
	entries, err := MigrationsFS.ReadDir(MigrationsDir)
	if err != nil {
		// Zero-value FS or absent directory. Not an error.
		return nil, nil
	}

	byVersion := make(map[string]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, label, up, ok := splitMigrationFile(entry.Name())
		if !ok {
			continue
		}

		body, err := fs.ReadFile(MigrationsFS, path.Join(MigrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version}
			byVersion[version] = m
		}
		if up {
			m.Name = label
			m.UpSQL = string(body)
		} else {
			m.DownSQL = string(body)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" {
			return nil, fmt.Errorf("migration %s has a down file but no up file", m.Version)
		}
		migrations = append(migrations, *m)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// splitMigrationFile decomposes a migration filename into its version
// stamp, its label and its direction. ok is false for anything that
// does not follow the naming scheme.
func splitMigrationFile(name string) (version, label string, up, ok bool) {
	var stem string
	switch {
	case strings.HasSuffix(name, ".up.sql"):
		stem, up = strings.TrimSuffix(name, ".up.sql"), true
	case strings.HasSuffix(name, ".down.sql"):
		stem = strings.TrimSuffix(name, ".down.sql")
	default:
		return "", "", false, false
	}

	parts := strings.SplitN(stem, "_", migrationNameFields)
	if len(parts) != migrationNameFields {
		return "", "", false, false
	}
	return parts[0] + "_" + parts[1], parts[2], up, true
}
