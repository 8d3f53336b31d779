package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/packetwatch/anticheat-ingest/internal/models"
)

// ObservationRepository persists manually submitted cheat observations.
type ObservationRepository interface {
	Insert(ctx context.Context, o *models.CheatObservation) error
}

type observationRepository struct {
	pool *pgxpool.Pool
}

var _ ObservationRepository = (*observationRepository)(nil)

func NewObservationRepository(pool *pgxpool.Pool) ObservationRepository {
	return &observationRepository{pool: pool}
}

func (r *observationRepository) Insert(ctx context.Context, o *models.CheatObservation) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO cheat_observations (server_id, player_uuid, observation_type, detector_name, notes, recorded_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id, recorded_at`,
		o.ServerID, o.PlayerUUID, o.ObservationType, o.DetectorName, o.Notes,
	).Scan(&o.ID, &o.RecordedAt)
}
