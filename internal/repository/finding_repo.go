package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/packetwatch/anticheat-ingest/internal/models"
)

// FindingRepository persists aggregated, minute-bucketed findings.
type FindingRepository interface {
	// RecordAggregated writes a callback's worth of pre-grouped findings in
	// one transaction: first a do-nothing ensure of every player row the
	// groups reference, then the bucket upserts. Returns how many groups
	// were written. The player ensure deliberately never refreshes
	// last_seen_at: a concurrent ingest-side player upsert locking the same
	// row the other way around would deadlock.
	RecordAggregated(ctx context.Context, groups []*models.Finding) (int, error)
	Upsert(ctx context.Context, f *models.Finding) error
	ListForServer(ctx context.Context, serverID string, limit int) ([]*models.Finding, error)
}

type findingRepository struct {
	pool *pgxpool.Pool
}

var _ FindingRepository = (*findingRepository)(nil)

func NewFindingRepository(pool *pgxpool.Pool) FindingRepository {
	return &findingRepository{pool: pool}
}

// WindowStart floors t to the start of its one-minute aggregation bucket.
func WindowStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// upsertFindingSQL merges a group into its (server, player, detector,
// window) bucket. Severity only ever moves up the ranking; occurrences
// accumulate; the descriptive triple is replaced by the incoming group's,
// which the service layer has already picked from its max-severity entry.
const upsertFindingSQL = `
	INSERT INTO findings (
		server_id, player_uuid, detector_name, window_start_at,
		detector_version, severity, title, description, evidence_ref,
		occurrences, first_seen_at, last_seen_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
	ON CONFLICT (server_id, player_uuid, detector_name, window_start_at) DO UPDATE SET
		detector_version = COALESCE(NULLIF(EXCLUDED.detector_version, ''), findings.detector_version),
		severity = CASE
			WHEN severity_rank(EXCLUDED.severity) >= severity_rank(findings.severity) THEN EXCLUDED.severity
			ELSE findings.severity
		END,
		title = EXCLUDED.title,
		description = EXCLUDED.description,
		evidence_ref = EXCLUDED.evidence_ref,
		occurrences = findings.occurrences + EXCLUDED.occurrences,
		last_seen_at = now()`

const ensurePlayerSQL = `
	INSERT INTO players (uuid, username)
	VALUES ($1, 'unknown')
	ON CONFLICT (uuid) DO NOTHING`

func (r *findingRepository) RecordAggregated(ctx context.Context, groups []*models.Finding) (int, error) {
	if len(groups) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	seen := make(map[string]bool, len(groups))
	for _, g := range groups {
		if seen[g.PlayerUUID] {
			continue
		}
		seen[g.PlayerUUID] = true
		if _, err := tx.Exec(ctx, ensurePlayerSQL, g.PlayerUUID); err != nil {
			return 0, err
		}
	}

	for _, g := range groups {
		if _, err := tx.Exec(ctx, upsertFindingSQL,
			g.ServerID, g.PlayerUUID, g.DetectorName, g.WindowStartAt,
			g.DetectorVersion, g.Severity, g.Title, g.Description, g.EvidenceRef,
			g.Occurrences); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(groups), nil
}

func (r *findingRepository) Upsert(ctx context.Context, f *models.Finding) error {
	_, err := r.pool.Exec(ctx, upsertFindingSQL,
		f.ServerID, f.PlayerUUID, f.DetectorName, f.WindowStartAt,
		f.DetectorVersion, f.Severity, f.Title, f.Description, f.EvidenceRef,
		f.Occurrences)
	return err
}

func (r *findingRepository) ListForServer(ctx context.Context, serverID string, limit int) ([]*models.Finding, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT server_id, player_uuid, detector_name, window_start_at, detector_version,
		       severity, title, description, evidence_ref, occurrences, first_seen_at, last_seen_at
		FROM findings WHERE server_id = $1 ORDER BY last_seen_at DESC LIMIT $2`, serverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Finding
	for rows.Next() {
		f := &models.Finding{}
		if err := rows.Scan(&f.ServerID, &f.PlayerUUID, &f.DetectorName, &f.WindowStartAt, &f.DetectorVersion,
			&f.Severity, &f.Title, &f.Description, &f.EvidenceRef, &f.Occurrences, &f.FirstSeenAt, &f.LastSeenAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
