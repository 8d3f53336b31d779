// Package repository holds the raw-SQL data access layer backing every
// domain entity. Each repository is a thin interface plus a pgx-backed
// implementation, following the same shape for every entity in this
// package.
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/packetwatch/anticheat-ingest/internal/models"
)

// ErrNotFound is returned by lookup methods when no row matches.
var ErrNotFound = errors.New("not found")

// ServerRepository persists Server records.
type ServerRepository interface {
	GetByID(ctx context.Context, serverID string) (*models.Server, error)
	// EnsureSeen inserts a new pending server row on first contact, or
	// bumps last_seen_at on an existing one. Returns the row either way.
	EnsureSeen(ctx context.Context, serverID, authTokenHash string) (*models.Server, error)
	// AdoptToken stores authTokenHash as the server's token, but only if no
	// token has been observed yet: the guard runs inside the UPDATE so two
	// racing first requests cannot both win.
	AdoptToken(ctx context.Context, serverID, authTokenHash string) error
	Register(ctx context.Context, serverID, ownerUserID string) (*models.Server, error)
	SetWebhook(ctx context.Context, serverID string, webhookURL *string, enabled bool, severityLevels []string) error
	// UpdateContact refreshes callback_url and/or platform when the caller
	// supplied them; a nil argument leaves the stored value untouched.
	UpdateContact(ctx context.Context, serverID string, callbackURL, platform *string) error
	List(ctx context.Context) ([]*models.Server, error)
}

type serverRepository struct {
	pool *pgxpool.Pool
}

var _ ServerRepository = (*serverRepository)(nil)

// NewServerRepository constructs a ServerRepository backed by pool.
func NewServerRepository(pool *pgxpool.Pool) ServerRepository {
	return &serverRepository{pool: pool}
}

func (r *serverRepository) GetByID(ctx context.Context, serverID string) (*models.Server, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT server_id, platform, first_seen_at, last_seen_at, auth_token_hash,
		       auth_token_first_seen_at, owner_user_id, registered_at, callback_url,
		       webhook_url, webhook_enabled, webhook_severity_levels
		FROM servers WHERE server_id = $1`, serverID)

	s := &models.Server{}
	err := row.Scan(&s.ServerID, &s.Platform, &s.FirstSeenAt, &s.LastSeenAt, &s.AuthTokenHash,
		&s.AuthTokenFirstSeenAt, &s.OwnerUserID, &s.RegisteredAt, &s.CallbackURL,
		&s.WebhookURL, &s.WebhookEnabled, &s.WebhookSeverityLevels)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

func (r *serverRepository) EnsureSeen(ctx context.Context, serverID, authTokenHash string) (*models.Server, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO servers (server_id, auth_token_hash)
		VALUES ($1, $2)
		ON CONFLICT (server_id) DO UPDATE SET last_seen_at = now()
		RETURNING server_id, platform, first_seen_at, last_seen_at, auth_token_hash,
		          auth_token_first_seen_at, owner_user_id, registered_at, callback_url,
		          webhook_url, webhook_enabled, webhook_severity_levels`,
		serverID, authTokenHash)

	s := &models.Server{}
	err := row.Scan(&s.ServerID, &s.Platform, &s.FirstSeenAt, &s.LastSeenAt, &s.AuthTokenHash,
		&s.AuthTokenFirstSeenAt, &s.OwnerUserID, &s.RegisteredAt, &s.CallbackURL,
		&s.WebhookURL, &s.WebhookEnabled, &s.WebhookSeverityLevels)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *serverRepository) AdoptToken(ctx context.Context, serverID, authTokenHash string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE servers SET auth_token_hash = $2, auth_token_first_seen_at = now()
		WHERE server_id = $1 AND auth_token_hash = ''`, serverID, authTokenHash)
	return err
}

func (r *serverRepository) Register(ctx context.Context, serverID, ownerUserID string) (*models.Server, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE servers SET owner_user_id = $2, registered_at = now()
		WHERE server_id = $1
		RETURNING server_id, platform, first_seen_at, last_seen_at, auth_token_hash,
		          auth_token_first_seen_at, owner_user_id, registered_at, callback_url,
		          webhook_url, webhook_enabled, webhook_severity_levels`,
		serverID, ownerUserID)

	s := &models.Server{}
	err := row.Scan(&s.ServerID, &s.Platform, &s.FirstSeenAt, &s.LastSeenAt, &s.AuthTokenHash,
		&s.AuthTokenFirstSeenAt, &s.OwnerUserID, &s.RegisteredAt, &s.CallbackURL,
		&s.WebhookURL, &s.WebhookEnabled, &s.WebhookSeverityLevels)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

func (r *serverRepository) SetWebhook(ctx context.Context, serverID string, webhookURL *string, enabled bool, severityLevels []string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE servers SET webhook_url = $2, webhook_enabled = $3, webhook_severity_levels = $4
		WHERE server_id = $1`, serverID, webhookURL, enabled, severityLevels)
	return err
}

func (r *serverRepository) UpdateContact(ctx context.Context, serverID string, callbackURL, platform *string) error {
	if callbackURL == nil && platform == nil {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE servers SET
			callback_url = COALESCE($2, callback_url),
			platform = COALESCE($3, platform)
		WHERE server_id = $1`, serverID, callbackURL, platform)
	return err
}

func (r *serverRepository) List(ctx context.Context) ([]*models.Server, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT server_id, platform, first_seen_at, last_seen_at, auth_token_hash,
		       auth_token_first_seen_at, owner_user_id, registered_at, callback_url,
		       webhook_url, webhook_enabled, webhook_severity_levels
		FROM servers ORDER BY first_seen_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Server
	for rows.Next() {
		s := &models.Server{}
		if err := rows.Scan(&s.ServerID, &s.Platform, &s.FirstSeenAt, &s.LastSeenAt, &s.AuthTokenHash,
			&s.AuthTokenFirstSeenAt, &s.OwnerUserID, &s.RegisteredAt, &s.CallbackURL,
			&s.WebhookURL, &s.WebhookEnabled, &s.WebhookSeverityLevels); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
