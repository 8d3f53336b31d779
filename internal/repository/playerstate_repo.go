package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/packetwatch/anticheat-ingest/internal/models"
)

// PlayerStateRepository persists each module's opaque per-player scratch
// state, addressed by (server, player, module).
type PlayerStateRepository interface {
	Get(ctx context.Context, serverID, playerUUID, moduleName string) (*models.ModulePlayerState, error)
	Set(ctx context.Context, state *models.ModulePlayerState) error
	BatchGet(ctx context.Context, serverID, moduleName string, playerUUIDs []string) ([]*models.ModulePlayerState, error)
	BatchSet(ctx context.Context, states []*models.ModulePlayerState) error
}

type playerStateRepository struct {
	pool *pgxpool.Pool
}

var _ PlayerStateRepository = (*playerStateRepository)(nil)

func NewPlayerStateRepository(pool *pgxpool.Pool) PlayerStateRepository {
	return &playerStateRepository{pool: pool}
}

const upsertPlayerStateSQL = `
	INSERT INTO module_player_state (server_id, player_uuid, module_name, state, updated_at)
	VALUES ($1, $2, $3, $4, now())
	ON CONFLICT (server_id, player_uuid, module_name) DO UPDATE SET
		state = EXCLUDED.state, updated_at = now()`

func (r *playerStateRepository) Get(ctx context.Context, serverID, playerUUID, moduleName string) (*models.ModulePlayerState, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT server_id, player_uuid, module_name, state, updated_at
		FROM module_player_state
		WHERE server_id = $1 AND player_uuid = $2 AND module_name = $3`,
		serverID, playerUUID, moduleName)

	s := &models.ModulePlayerState{}
	if err := row.Scan(&s.ServerID, &s.PlayerUUID, &s.ModuleName, &s.State, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

func (r *playerStateRepository) Set(ctx context.Context, state *models.ModulePlayerState) error {
	_, err := r.pool.Exec(ctx, upsertPlayerStateSQL,
		state.ServerID, state.PlayerUUID, state.ModuleName, state.State)
	return err
}

func (r *playerStateRepository) BatchGet(ctx context.Context, serverID, moduleName string, playerUUIDs []string) ([]*models.ModulePlayerState, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT server_id, player_uuid, module_name, state, updated_at
		FROM module_player_state
		WHERE server_id = $1 AND module_name = $2 AND player_uuid = ANY($3)`,
		serverID, moduleName, playerUUIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ModulePlayerState
	for rows.Next() {
		s := &models.ModulePlayerState{}
		if err := rows.Scan(&s.ServerID, &s.PlayerUUID, &s.ModuleName, &s.State, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *playerStateRepository) BatchSet(ctx context.Context, states []*models.ModulePlayerState) error {
	if len(states) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, s := range states {
		batch.Queue(upsertPlayerStateSQL, s.ServerID, s.PlayerUUID, s.ModuleName, s.State)
	}

	br := tx.SendBatch(ctx, batch)
	for range states {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	if err := br.Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
