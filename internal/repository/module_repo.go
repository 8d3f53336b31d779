package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/packetwatch/anticheat-ingest/internal/models"
)

// ModuleRepository persists ServerModule records.
type ModuleRepository interface {
	ListForServer(ctx context.Context, serverID string) ([]*models.ServerModule, error)
	ListEnabledForServer(ctx context.Context, serverID string) ([]*models.ServerModule, error)
	// CountForServer counts every module row for a server, enabled or not -
	// the ingest pipeline's first-encounter check must not mistake
	// "operator disabled everything" for "never seeded".
	CountForServer(ctx context.Context, serverID string) (int, error)
	Upsert(ctx context.Context, m *models.ServerModule) (*models.ServerModule, error)
	DeleteLegacy(ctx context.Context, serverID string) error
	SeedBuiltins(ctx context.Context, serverID string) error
	RecordHealthcheck(ctx context.Context, moduleID int64, ok bool, errMsg *string) error
	ListEnabled(ctx context.Context) ([]*models.ServerModule, error)
}

type moduleRepository struct {
	pool *pgxpool.Pool
}

var _ ModuleRepository = (*moduleRepository)(nil)

func NewModuleRepository(pool *pgxpool.Pool) ModuleRepository {
	return &moduleRepository{pool: pool}
}

func scanModule(row pgx.Row) (*models.ServerModule, error) {
	m := &models.ServerModule{}
	err := row.Scan(&m.ID, &m.ServerID, &m.Name, &m.BaseURL, &m.Enabled, &m.Transform,
		&m.LastHealthcheckOK, &m.ConsecutiveFailures, &m.LastError, &m.LastHealthcheckAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

const moduleColumns = `id, server_id, name, base_url, enabled, transform, last_healthcheck_ok, consecutive_failures, last_error, last_healthcheck_at`

func (r *moduleRepository) ListForServer(ctx context.Context, serverID string) ([]*models.ServerModule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+moduleColumns+` FROM server_modules WHERE server_id = $1 ORDER BY name`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectModules(rows)
}

func (r *moduleRepository) ListEnabledForServer(ctx context.Context, serverID string) ([]*models.ServerModule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+moduleColumns+` FROM server_modules WHERE server_id = $1 AND enabled ORDER BY name`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectModules(rows)
}

func (r *moduleRepository) CountForServer(ctx context.Context, serverID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM server_modules WHERE server_id = $1`, serverID).Scan(&n)
	return n, err
}

func (r *moduleRepository) ListEnabled(ctx context.Context) ([]*models.ServerModule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+moduleColumns+` FROM server_modules WHERE enabled ORDER BY server_id, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectModules(rows)
}

func collectModules(rows pgx.Rows) ([]*models.ServerModule, error) {
	var out []*models.ServerModule
	for rows.Next() {
		m := &models.ServerModule{}
		if err := rows.Scan(&m.ID, &m.ServerID, &m.Name, &m.BaseURL, &m.Enabled, &m.Transform,
			&m.LastHealthcheckOK, &m.ConsecutiveFailures, &m.LastError, &m.LastHealthcheckAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *moduleRepository) Upsert(ctx context.Context, m *models.ServerModule) (*models.ServerModule, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO server_modules (server_id, name, base_url, enabled, transform)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (server_id, name) DO UPDATE SET
			base_url = EXCLUDED.base_url,
			enabled = EXCLUDED.enabled,
			transform = EXCLUDED.transform
		RETURNING `+moduleColumns,
		m.ServerID, m.Name, m.BaseURL, m.Enabled, m.Transform)
	return scanModule(row)
}

// DeleteLegacy removes module rows from a prior topology, identified by
// name or by base_url port, before the builtin set is seeded.
func (r *moduleRepository) DeleteLegacy(ctx context.Context, serverID string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM server_modules
		WHERE server_id = $1
		  AND (name = ANY($2) OR base_url = ANY($3))`,
		serverID, models.LegacyModuleNames, legacyBaseURLs())
	return err
}

func legacyBaseURLs() []string {
	urls := make([]string, 0, len(models.LegacyModulePorts))
	for _, p := range models.LegacyModulePorts {
		urls = append(urls, models.DefaultBaseURL(p))
	}
	return urls
}

func (r *moduleRepository) SeedBuiltins(ctx context.Context, serverID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, b := range models.Builtins {
		_, err := tx.Exec(ctx, `
			INSERT INTO server_modules (server_id, name, base_url, enabled, transform)
			VALUES ($1, $2, $3, true, $4)
			ON CONFLICT (server_id, name) DO NOTHING`,
			serverID, b.Name, models.DefaultBaseURL(b.Port), b.Transform)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *moduleRepository) RecordHealthcheck(ctx context.Context, moduleID int64, ok bool, errMsg *string) error {
	if ok {
		_, err := r.pool.Exec(ctx, `
			UPDATE server_modules
			SET last_healthcheck_ok = true, consecutive_failures = 0, last_error = NULL, last_healthcheck_at = now()
			WHERE id = $1`, moduleID)
		return err
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE server_modules
		SET last_healthcheck_ok = false, consecutive_failures = consecutive_failures + 1,
		    last_error = $2, last_healthcheck_at = now()
		WHERE id = $1`, moduleID, errMsg)
	return err
}
