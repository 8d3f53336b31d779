package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/packetwatch/anticheat-ingest/internal/models"
)

// DispatchRepository persists the append-only audit trail of module
// dispatch attempts.
type DispatchRepository interface {
	Insert(ctx context.Context, d *models.DispatchRecord) error
	ListForServer(ctx context.Context, serverID string, limit int) ([]*models.DispatchRecord, error)
}

type dispatchRepository struct {
	pool *pgxpool.Pool
}

var _ DispatchRepository = (*dispatchRepository)(nil)

func NewDispatchRepository(pool *pgxpool.Pool) DispatchRepository {
	return &dispatchRepository{pool: pool}
}

func (r *dispatchRepository) Insert(ctx context.Context, d *models.DispatchRecord) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO dispatch_records (batch_id, server_id, module_name, status, remote_status, error, dispatched_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING id, dispatched_at`,
		d.BatchID, d.ServerID, d.ModuleName, d.Status, d.RemoteStatus, d.Error,
	).Scan(&d.ID, &d.DispatchedAt)
}

func (r *dispatchRepository) ListForServer(ctx context.Context, serverID string, limit int) ([]*models.DispatchRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, batch_id, server_id, module_name, status, remote_status, error, dispatched_at
		FROM dispatch_records WHERE server_id = $1 ORDER BY dispatched_at DESC LIMIT $2`, serverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.DispatchRecord
	for rows.Next() {
		d := &models.DispatchRecord{}
		if err := rows.Scan(&d.ID, &d.BatchID, &d.ServerID, &d.ModuleName, &d.Status, &d.RemoteStatus, &d.Error, &d.DispatchedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
