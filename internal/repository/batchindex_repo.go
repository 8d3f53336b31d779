package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/packetwatch/anticheat-ingest/internal/models"
)

// BatchIndexRepository persists the durable index row written before each
// batch's blob, and drives retention sweeps.
type BatchIndexRepository interface {
	Insert(ctx context.Context, row *models.BatchIndexRow) error
	// CountOlderThan reports how many rows a real sweep would delete: the
	// dry-run substitute for DeleteOlderThan.
	CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type batchIndexRepository struct {
	pool *pgxpool.Pool
}

var _ BatchIndexRepository = (*batchIndexRepository)(nil)

func NewBatchIndexRepository(pool *pgxpool.Pool) BatchIndexRepository {
	return &batchIndexRepository{pool: pool}
}

func (r *batchIndexRepository) Insert(ctx context.Context, row *models.BatchIndexRow) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO batch_index (batch_id, server_id, session_id, blob_key, payload_bytes, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		row.BatchID, row.ServerID, row.SessionID, row.BlobKey, row.PayloadBytes, row.ReceivedAt)
	return err
}

func (r *batchIndexRepository) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM batch_index WHERE received_at < $1`, cutoff).Scan(&n)
	return n, err
}

func (r *batchIndexRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM batch_index WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
