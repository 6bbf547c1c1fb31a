package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/goatkit/walletplug/internal/plugin"
)

// Schema creates the enablement table. Column types are portable across
// sqlite, postgres and mysql.
const Schema = `CREATE TABLE IF NOT EXISTS plugin_enablement (
    profile_id VARCHAR(255) NOT NULL,
    plugin     VARCHAR(255) NOT NULL,
    auto_run   BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (profile_id, plugin)
)`

// SQLStore persists enablement in a plugin_enablement table.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore wraps an open connection. Queries are rebound to the driver's
// placeholder style.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

// OpenSQL connects with a registered driver and ensures the schema exists.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	s := NewSQLStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the table if missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create plugin_enablement: %w", err)
	}
	return nil
}

// Close closes the connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Enabled(ctx context.Context, profileID string) ([]plugin.Enablement, error) {
	var out []plugin.Enablement
	q := s.db.Rebind(`SELECT plugin, auto_run FROM plugin_enablement WHERE profile_id = ? ORDER BY plugin`)
	if err := s.db.SelectContext(ctx, &out, q, profileID); err != nil {
		return nil, fmt.Errorf("load enablement for %q: %w", profileID, err)
	}
	return out, nil
}

// SetEnabled replaces any existing row for the plugin.
func (s *SQLStore) SetEnabled(ctx context.Context, profileID string, e plugin.Enablement) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	del := tx.Rebind(`DELETE FROM plugin_enablement WHERE profile_id = ? AND plugin = ?`)
	if _, err := tx.ExecContext(ctx, del, profileID, e.Plugin); err != nil {
		return fmt.Errorf("enable %q for %q: %w", e.Plugin, profileID, err)
	}
	ins := tx.Rebind(`INSERT INTO plugin_enablement (profile_id, plugin, auto_run) VALUES (?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, ins, profileID, e.Plugin, e.AutoRun); err != nil {
		return fmt.Errorf("enable %q for %q: %w", e.Plugin, profileID, err)
	}
	return tx.Commit()
}

func (s *SQLStore) SetDisabled(ctx context.Context, profileID, pluginName string) error {
	q := s.db.Rebind(`DELETE FROM plugin_enablement WHERE profile_id = ? AND plugin = ?`)
	if _, err := s.db.ExecContext(ctx, q, profileID, pluginName); err != nil {
		return fmt.Errorf("disable %q for %q: %w", pluginName, profileID, err)
	}
	return nil
}

var (
	_ plugin.EnablementStore = (*SQLStore)(nil)
	_ plugin.EnablementStore = (*BoltStore)(nil)
)
