package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrateLockKey is the advisory lock held while migrations run, so server
// instances started together apply each version once.
const migrateLockKey int64 = 0x76697369_74666c6f

// Migration is one versioned SQL file, e.g. "002_visit_event.sql".
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// MigrationState is a migration as seen against one schema. Drifted marks an
// applied migration whose file has since been edited.
type MigrationState struct {
	Migration
	Applied   bool
	AppliedAt *time.Time
	Drifted   bool
}

type appliedMigration struct {
	checksum string
	at       time.Time
}

type migrationConn interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// Migrator applies the *.sql files at the root of files (the embedded set or
// os.DirFS) to a schema and records them in <schema>._migrations.
type Migrator struct {
	pool  *pgxpool.Pool
	files fs.FS
}

func NewMigrator(pool *pgxpool.Pool, files fs.FS) *Migrator {
	return &Migrator{pool: pool, files: files}
}

// Load returns the versioned migrations sorted by version. Files without a
// numeric "NNN_" prefix are skipped; two files sharing a version are an error.
func (m *Migrator) Load() ([]Migration, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var out []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, ok := parseVersion(entry.Name())
		if !ok {
			continue
		}
		content, err := fs.ReadFile(m.files, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", entry.Name(), err)
		}
		out = append(out, Migration{
			Version:  version,
			Name:     entry.Name(),
			SQL:      string(content),
			Checksum: checksum(content),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	for i := 1; i < len(out); i++ {
		if out[i].Version == out[i-1].Version {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s",
				out[i].Version, out[i-1].Name, out[i].Name)
		}
	}
	return out, nil
}

func parseVersion(name string) (int, bool) {
	prefix, _, found := strings.Cut(name, "_")
	if !found {
		return 0, false
	}
	v, err := strconv.Atoi(prefix)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func checksum(sql []byte) string {
	sum := sha256.Sum256(sql)
	return hex.EncodeToString(sum[:])
}

// Up applies every pending migration, each in its own transaction, and
// returns how many ran. It refuses to run when an applied migration's file
// has changed.
func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	if !ValidSchema(schema) {
		return 0, fmt.Errorf("invalid schema name %q", schema)
	}
	all, err := m.Load()
	if err != nil {
		return 0, err
	}

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrateLockKey); err != nil {
		return 0, fmt.Errorf("take migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", migrateLockKey)
	}()

	if err := ensureMigrationsTable(ctx, conn, schema); err != nil {
		return 0, err
	}
	applied, err := readApplied(ctx, conn, schema)
	if err != nil {
		return 0, err
	}
	pending, err := pendingMigrations(all, applied)
	if err != nil {
		return 0, err
	}

	for i, mig := range pending {
		if err := applyMigration(ctx, conn, schema, mig); err != nil {
			return i, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
	}
	return len(pending), nil
}

// Status reports every known migration against schema.
func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationState, error) {
	if !ValidSchema(schema) {
		return nil, fmt.Errorf("invalid schema name %q", schema)
	}
	all, err := m.Load()
	if err != nil {
		return nil, err
	}
	if err := ensureMigrationsTable(ctx, m.pool, schema); err != nil {
		return nil, err
	}
	applied, err := readApplied(ctx, m.pool, schema)
	if err != nil {
		return nil, err
	}
	return migrationStates(all, applied), nil
}

// pendingMigrations returns the migrations not yet applied, in order.
// Rows recorded before checksums were kept carry an empty checksum and are
// trusted.
func pendingMigrations(all []Migration, applied map[int]appliedMigration) ([]Migration, error) {
	var pending []Migration
	for _, mig := range all {
		row, ok := applied[mig.Version]
		if !ok {
			pending = append(pending, mig)
			continue
		}
		if row.checksum != "" && row.checksum != mig.Checksum {
			return nil, fmt.Errorf("migration %d (%s) was edited after it was applied", mig.Version, mig.Name)
		}
	}
	return pending, nil
}

func migrationStates(all []Migration, applied map[int]appliedMigration) []MigrationState {
	states := make([]MigrationState, 0, len(all))
	for _, mig := range all {
		st := MigrationState{Migration: mig}
		if row, ok := applied[mig.Version]; ok {
			at := row.at
			st.Applied = true
			st.AppliedAt = &at
			st.Drifted = row.checksum != "" && row.checksum != mig.Checksum
		}
		states = append(states, st)
	}
	return states
}

func ensureMigrationsTable(ctx context.Context, conn migrationConn, schema string) error {
	query := fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %[1]s;
CREATE TABLE IF NOT EXISTS %[1]s._migrations (
    version    INTEGER PRIMARY KEY,
    name       VARCHAR(255) NOT NULL,
    checksum   VARCHAR(64) NOT NULL DEFAULT '',
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
ALTER TABLE %[1]s._migrations ADD COLUMN IF NOT EXISTS checksum VARCHAR(64) NOT NULL DEFAULT ''`, schema)
	if _, err := conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("create _migrations table in %s: %w", schema, err)
	}
	return nil
}

func readApplied(ctx context.Context, conn migrationConn, schema string) (map[int]appliedMigration, error) {
	rows, err := conn.Query(ctx, fmt.Sprintf(`SELECT version, checksum, applied_at FROM %s._migrations`, schema))
	if err != nil {
		return nil, fmt.Errorf("query applied migrations in %s: %w", schema, err)
	}
	defer rows.Close()

	applied := make(map[int]appliedMigration)
	for rows.Next() {
		var (
			v   int
			row appliedMigration
		)
		if err := rows.Scan(&v, &row.checksum, &row.at); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[v] = row
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

func applyMigration(ctx context.Context, conn *pgxpool.Conn, schema string, mig Migration) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path TO %s, public", schema)); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	if _, err := tx.Exec(ctx, mig.SQL); err != nil {
		return fmt.Errorf("execute SQL: %w", err)
	}
	if _, err := tx.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s._migrations (version, name, checksum) VALUES ($1, $2, $3)", schema),
		mig.Version, mig.Name, mig.Checksum,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit(ctx)
}
