package store

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jw6ventures/council/internal/migrations"
)

// migrationLockID is the advisory lock key held while a migration runs, so
// replicas starting together apply each file once.
const migrationLockID int64 = 0x636f756e63696c

// PgxPool represents the subset of pgxpool.Pool used by migration helpers.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type migration struct {
	name string
	sql  string
}

// ApplyMigrations applies the embedded schema files that are not yet recorded
// in schema_migrations and returns the names it applied. A populated database
// without tracking is assumed to already contain the first file.
func ApplyMigrations(ctx context.Context, pool PgxPool) ([]string, error) {
	return applyMigrations(ctx, pool, migrations.Files)
}

func applyMigrations(ctx context.Context, pool PgxPool, files fs.FS) ([]string, error) {
	all, err := loadMigrations(files)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}

	hasTable, err := migrationTableExists(ctx, pool)
	if err != nil {
		return nil, err
	}
	if !hasTable {
		empty, err := databaseIsEmpty(ctx, pool)
		if err != nil {
			return nil, err
		}
		if err := ensureMigrationTable(ctx, pool); err != nil {
			return nil, err
		}
		if !empty {
			if err := recordMigration(ctx, pool, all[0].name); err != nil {
				return nil, err
			}
		}
	}

	var applied []string
	for _, m := range all {
		done, err := migrationApplied(ctx, pool, m.name)
		if err != nil {
			return applied, err
		}
		if done {
			continue
		}
		ran, err := applyMigration(ctx, pool, m)
		if err != nil {
			return applied, err
		}
		if ran {
			applied = append(applied, m.name)
		}
	}
	return applied, nil
}

// loadMigrations reads NNN_description.sql files in version order.
func loadMigrations(files fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(files, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	var out []migration
	versions := make(map[string]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok || version == "" || strings.Trim(version, "0123456789") != "" {
			return nil, fmt.Errorf("migration %s: name must look like 001_description.sql", name)
		}
		if other, dup := versions[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %s", other, name, version)
		}
		versions[version] = name

		contents, err := fs.ReadFile(files, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		if strings.TrimSpace(string(contents)) == "" {
			return nil, fmt.Errorf("migration %s is empty", name)
		}
		out = append(out, migration{name: name, sql: string(contents)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

func migrationTableExists(ctx context.Context, pool PgxPool) (bool, error) {
	const q = `SELECT EXISTS (
        SELECT 1 FROM information_schema.tables
        WHERE table_schema='public' AND table_name='schema_migrations'
)`
	var exists bool
	if err := pool.QueryRow(ctx, q).Scan(&exists); err != nil {
		return false, fmt.Errorf("check migration table: %w", err)
	}
	return exists, nil
}

func databaseIsEmpty(ctx context.Context, pool PgxPool) (bool, error) {
	const q = `SELECT COUNT(*) FROM information_schema.tables
WHERE table_schema NOT IN ('pg_catalog', 'information_schema')`
	var count int
	if err := pool.QueryRow(ctx, q).Scan(&count); err != nil {
		return false, fmt.Errorf("count tables: %w", err)
	}
	return count == 0, nil
}

func ensureMigrationTable(ctx context.Context, pool PgxPool) error {
	const q = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version TEXT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

const migrationAppliedQuery = `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version=$1)`

func migrationApplied(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, name string) (bool, error) {
	var exists bool
	if err := q.QueryRow(ctx, migrationAppliedQuery, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check migration %s: %w", name, err)
	}
	return exists, nil
}

// applyMigration runs one file under the advisory lock. It reports false when
// another process applied the file while this one waited for the lock.
func applyMigration(ctx context.Context, pool PgxPool, m migration) (ran bool, err error) {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin migration %s: %w", m.name, err)
	}
	defer func() {
		if err != nil || !ran {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
		return false, fmt.Errorf("lock migrations: %w", err)
	}
	done, err := migrationApplied(ctx, tx, m.name)
	if err != nil || done {
		return false, err
	}

	if _, err := tx.Exec(ctx, m.sql); err != nil {
		return false, fmt.Errorf("apply migration %s: %w", m.name, err)
	}
	if err := recordMigration(ctx, tx, m.name); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", m.name, err)
	}
	return true, nil
}

func recordMigration(ctx context.Context, db interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}, name string) error {
	const q = `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`
	if _, err := db.Exec(ctx, q, name); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return nil
}
