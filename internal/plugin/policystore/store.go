// Package policystore persists per-plugin permission, module and budget
// overrides in SQLite.
package policystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/plugin/security"
)

// Migration version constants
const (
	MigrationV1 = 1 // permission, module and budget overrides
	MigrationV2 = 2 // disabled flag
)

// CurrentSchemaVersion is the target version for the database schema.
const CurrentSchemaVersion = MigrationV2

// ErrUnknownPermission is returned for names outside the permission catalog.
var ErrUnknownPermission = errors.New("unknown permission")

// Store holds policy overrides. It implements plugin.PolicySource.
type Store struct {
	db *sql.DB
}

var _ plugin.PolicySource = (*Store)(nil)

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create policy directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	// Verify connection works
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to policy database: %w", err)
	}

	// Every in-memory connection is a separate database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate runs all pending migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	migrations := []struct {
		version     int
		description string
		schema      string
	}{
		{MigrationV1, "overrides", `
			CREATE TABLE IF NOT EXISTS plugin_permissions (
				plugin_id TEXT NOT NULL,
				permission TEXT NOT NULL,
				granted INTEGER NOT NULL,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (plugin_id, permission)
			);
			CREATE TABLE IF NOT EXISTS plugin_modules (
				plugin_id TEXT NOT NULL,
				module TEXT NOT NULL,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (plugin_id, module)
			);
			CREATE TABLE IF NOT EXISTS plugin_budgets (
				plugin_id TEXT PRIMARY KEY,
				max_memory_mb INTEGER NOT NULL,
				max_cpu_ms INTEGER NOT NULL,
				max_file_handles INTEGER NOT NULL,
				max_network_connections INTEGER NOT NULL,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);`},
		{MigrationV2, "disabled flag", `
			CREATE TABLE IF NOT EXISTS plugin_flags (
				plugin_id TEXT PRIMARY KEY,
				disabled INTEGER NOT NULL DEFAULT 0,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			);`},
	}

	for _, m := range migrations {
		if current >= m.version {
			continue
		}
		if _, err := s.db.Exec(m.schema); err != nil {
			return fmt.Errorf("migration v%d failed: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (version, description) VALUES (?, ?)`,
			m.version, m.description); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// SchemaVersion returns the applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}

// Grant records a permission grant for id, replacing a revoke.
func (s *Store) Grant(ctx context.Context, id, perm string) error {
	return s.setPermission(ctx, id, perm, true)
}

// Revoke records a permission revoke for id, replacing a grant.
func (s *Store) Revoke(ctx context.Context, id, perm string) error {
	return s.setPermission(ctx, id, perm, false)
}

func (s *Store) setPermission(ctx context.Context, id, perm string, granted bool) error {
	if !security.IsValidPermission(perm) {
		return fmt.Errorf("%w: %q", ErrUnknownPermission, perm)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_permissions (plugin_id, permission, granted, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(plugin_id, permission) DO UPDATE SET granted = excluded.granted, updated_at = excluded.updated_at
	`, id, perm, granted, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store permission %s for %s: %w", perm, id, err)
	}
	return nil
}

// ClearPermission drops any override for perm, restoring the manifest's
// declaration.
func (s *Store) ClearPermission(ctx context.Context, id, perm string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM plugin_permissions WHERE plugin_id = ? AND permission = ?`, id, perm)
	return err
}

// AllowModule adds module to id's import allow-list.
func (s *Store) AllowModule(ctx context.Context, id, module string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO plugin_modules (plugin_id, module, updated_at) VALUES (?, ?, ?)
	`, id, module, time.Now().UTC())
	return err
}

// DisallowModule removes a stored module allowance.
func (s *Store) DisallowModule(ctx context.Context, id, module string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM plugin_modules WHERE plugin_id = ? AND module = ?`, id, module)
	return err
}

// SetBudget stores a budget override for id.
func (s *Store) SetBudget(ctx context.Context, id string, b security.ResourceBudget) error {
	if err := b.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_budgets (plugin_id, max_memory_mb, max_cpu_ms, max_file_handles, max_network_connections, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(plugin_id) DO UPDATE SET
			max_memory_mb = excluded.max_memory_mb,
			max_cpu_ms = excluded.max_cpu_ms,
			max_file_handles = excluded.max_file_handles,
			max_network_connections = excluded.max_network_connections,
			updated_at = excluded.updated_at
	`, id, b.MaxMemoryMB, b.MaxCPUTime.Milliseconds(), b.MaxFileHandles, b.MaxNetworkConnections, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store budget for %s: %w", id, err)
	}
	return nil
}

// ClearBudget drops id's budget override.
func (s *Store) ClearBudget(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM plugin_budgets WHERE plugin_id = ?`, id)
	return err
}

// SetDisabled marks id as disabled or enabled. Disabled plugins refuse to
// load.
func (s *Store) SetDisabled(ctx context.Context, id string, disabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_flags (plugin_id, disabled, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(plugin_id) DO UPDATE SET disabled = excluded.disabled, updated_at = excluded.updated_at
	`, id, disabled, time.Now().UTC())
	return err
}

// Policy returns id's stored overrides. A plugin without overrides gets
// the zero Policy.
func (s *Store) Policy(ctx context.Context, id string) (plugin.Policy, error) {
	var p plugin.Policy

	rows, err := s.db.QueryContext(ctx, `
		SELECT permission, granted FROM plugin_permissions WHERE plugin_id = ? ORDER BY permission
	`, id)
	if err != nil {
		return p, err
	}
	for rows.Next() {
		var perm string
		var granted bool
		if err := rows.Scan(&perm, &granted); err != nil {
			rows.Close()
			return p, err
		}
		if granted {
			p.Granted = append(p.Granted, perm)
		} else {
			p.Revoked = append(p.Revoked, perm)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return p, err
	}

	modRows, err := s.db.QueryContext(ctx, `SELECT module FROM plugin_modules WHERE plugin_id = ? ORDER BY module`, id)
	if err != nil {
		return p, err
	}
	for modRows.Next() {
		var module string
		if err := modRows.Scan(&module); err != nil {
			modRows.Close()
			return p, err
		}
		p.Allowed = append(p.Allowed, module)
	}
	modRows.Close()
	if err := modRows.Err(); err != nil {
		return p, err
	}

	var b security.ResourceBudget
	var cpuMS int64
	err = s.db.QueryRowContext(ctx, `
		SELECT max_memory_mb, max_cpu_ms, max_file_handles, max_network_connections
		FROM plugin_budgets WHERE plugin_id = ?
	`, id).Scan(&b.MaxMemoryMB, &cpuMS, &b.MaxFileHandles, &b.MaxNetworkConnections)
	switch {
	case err == nil:
		b.MaxCPUTime = time.Duration(cpuMS) * time.Millisecond
		p.Budget = &b
	case !errors.Is(err, sql.ErrNoRows):
		return p, err
	}

	err = s.db.QueryRowContext(ctx, `SELECT disabled FROM plugin_flags WHERE plugin_id = ?`, id).Scan(&p.Disabled)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return p, err
	}

	return p, nil
}

// Plugins returns every plugin ID with stored overrides.
func (s *Store) Plugins(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plugin_id FROM plugin_permissions
		UNION SELECT plugin_id FROM plugin_modules
		UNION SELECT plugin_id FROM plugin_budgets
		UNION SELECT plugin_id FROM plugin_flags
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, rows.Err()
}

// Reset drops every override stored for id.
func (s *Store) Reset(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"plugin_permissions", "plugin_modules", "plugin_budgets", "plugin_flags"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE plugin_id = ?`, id); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return tx.Commit()
}
