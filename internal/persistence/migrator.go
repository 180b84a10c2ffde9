package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Migrator applies the SQL files in a migrations directory in version order.
// Files follow the golang-migrate naming scheme, {version}_{name}.up.sql
// with a matching .down.sql; applied versions are recorded in
// public.schema_migrations.
type Migrator struct {
	db  *sql.DB
	dir string
}

// migration is one discovered version with its paired files.
type migration struct {
	version  string
	upFile   string
	downFile string
}

func NewMigrator(db *sql.DB, migrationsDir string) *Migrator {
	return &Migrator{db: db, dir: migrationsDir}
}

// Up applies every migration not yet recorded, oldest first. Each migration
// runs in its own transaction together with its bookkeeping row.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	migrations, err := m.discover()
	if err != nil {
		return err
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("load applied versions: %w", err)
	}

	for _, mg := range migrations {
		if applied[mg.version] {
			continue
		}
		err := m.runInTx(ctx, mg.upFile,
			`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
			mg.version, mg.upFile)
		if err != nil {
			return err
		}
		log.Info().Str("version", mg.version).Str("file", mg.upFile).Msg("migration applied")
	}
	return nil
}

// Down rolls back the newest recorded migration using its .down.sql file.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	var version, upFile string
	row := m.db.QueryRowContext(ctx,
		`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`)
	if err := row.Scan(&version, &upFile); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Info().Msg("no migrations to roll back")
			return nil
		}
		return fmt.Errorf("load newest migration: %w", err)
	}

	migrations, err := m.discover()
	if err != nil {
		return err
	}
	downFile := ""
	for _, mg := range migrations {
		if mg.version == version {
			downFile = mg.downFile
			break
		}
	}
	if downFile == "" {
		return fmt.Errorf("no down file for applied version %s", version)
	}

	err = m.runInTx(ctx, downFile,
		`DELETE FROM public.schema_migrations WHERE version = $1`, version)
	if err != nil {
		return err
	}
	log.Info().Str("version", version).Str("file", downFile).Msg("migration rolled back")
	return nil
}

// runInTx executes a migration file and its bookkeeping statement in one
// transaction.
func (m *Migrator) runInTx(ctx context.Context, file, record string, recordArgs ...any) error {
	content, err := os.ReadFile(filepath.Join(m.dir, file))
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, recordArgs...); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}

// discover lists the directory once and pairs up/down files by version.
// A version missing its down file is tolerated until Down needs it.
func (m *Migrator) discover() ([]migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("list migrations in %s: %w", m.dir, err)
	}

	byVersion := make(map[string]*migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		version, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		mg := byVersion[version]
		if mg == nil {
			mg = &migration{version: version}
			byVersion[version] = mg
		}
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			mg.upFile = name
		case strings.HasSuffix(name, ".down.sql"):
			mg.downFile = name
		}
	}

	var migrations []migration
	for _, mg := range byVersion {
		if mg.upFile == "" {
			continue
		}
		migrations = append(migrations, *mg)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})
	return migrations, nil
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
