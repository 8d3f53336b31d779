package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/packetwatch/anticheat-ingest/internal/models"
)

// PlayerRepository persists global Player identity records and the
// per-server last-seen relation populated by batch player extraction.
type PlayerRepository interface {
	Upsert(ctx context.Context, p *models.Player) error
	TouchServerPlayer(ctx context.Context, serverID, playerUUID string) error
}

type playerRepository struct {
	pool *pgxpool.Pool
}

var _ PlayerRepository = (*playerRepository)(nil)

func NewPlayerRepository(pool *pgxpool.Pool) PlayerRepository {
	return &playerRepository{pool: pool}
}

func (r *playerRepository) Upsert(ctx context.Context, p *models.Player) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO players (uuid, username, first_seen_at, last_seen_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (uuid) DO UPDATE SET username = EXCLUDED.username, last_seen_at = now()`,
		p.UUID, p.Username)
	return err
}

func (r *playerRepository) TouchServerPlayer(ctx context.Context, serverID, playerUUID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO server_players (server_id, player_uuid, first_seen_at, last_seen_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (server_id, player_uuid) DO UPDATE SET last_seen_at = now()`,
		serverID, playerUUID)
	return err
}
