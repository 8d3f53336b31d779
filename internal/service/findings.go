package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/packetwatch/anticheat-ingest/internal/middleware"
	"github.com/packetwatch/anticheat-ingest/internal/models"
	"github.com/packetwatch/anticheat-ingest/internal/repository"
	"github.com/packetwatch/anticheat-ingest/internal/webhook"
)

// FindingInput is one raw finding reported by a module callback, before
// grouping and minute-bucketing.
type FindingInput struct {
	PlayerUUID      string
	DetectorName    string
	DetectorVersion string
	Severity        models.Severity
	Title           string
	Description     string
	EvidenceRef     *string
}

// Aggregator groups incoming findings per (player, detector), upserts each
// group into the current minute's window inside one transaction, and fires
// the server's webhook when anything was written.
type Aggregator struct {
	findings repository.FindingRepository
	servers  repository.ServerRepository
	emitter  *webhook.Emitter
	logger   *slog.Logger
}

func NewAggregator(findings repository.FindingRepository, servers repository.ServerRepository, emitter *webhook.Emitter, logger *slog.Logger) *Aggregator {
	return &Aggregator{findings: findings, servers: servers, emitter: emitter, logger: logger}
}

// Record aggregates and persists a callback's findings. Entries without a
// player UUID, detector name, or title are dropped rather than failing the
// whole callback: one misbehaving detector in a module must not discard
// its siblings' output.
func (a *Aggregator) Record(ctx context.Context, serverID string, inputs []FindingInput) error {
	window := repository.WindowStart(time.Now())

	type groupKey struct{ playerUUID, detector string }
	groups := make(map[groupKey]*models.Finding)
	var order []groupKey

	for _, in := range inputs {
		if in.PlayerUUID == "" || in.DetectorName == "" || in.Title == "" {
			continue
		}
		sev := in.Severity
		if sev == "" {
			sev = models.SeverityInfo
		}

		key := groupKey{in.PlayerUUID, in.DetectorName}
		g, ok := groups[key]
		if !ok {
			groups[key] = &models.Finding{
				ServerID: serverID, PlayerUUID: in.PlayerUUID, DetectorName: in.DetectorName,
				WindowStartAt: window, DetectorVersion: in.DetectorVersion, Severity: sev,
				Title: in.Title, Description: in.Description, EvidenceRef: in.EvidenceRef,
				Occurrences: 1,
			}
			order = append(order, key)
			continue
		}

		g.Occurrences++
		if in.DetectorVersion != "" {
			g.DetectorVersion = in.DetectorVersion
		}
		// The descriptive triple follows the group's highest-severity entry.
		// >= so that on an equal-severity tie the later entry's triple wins.
		if sev.Rank() >= g.Severity.Rank() {
			g.Severity = sev
			g.Title, g.Description, g.EvidenceRef = in.Title, in.Description, in.EvidenceRef
		}
	}

	if len(order) == 0 {
		return nil
	}

	ordered := make([]*models.Finding, 0, len(order))
	for _, key := range order {
		ordered = append(ordered, groups[key])
	}

	written, err := a.findings.RecordAggregated(ctx, ordered)
	if err != nil {
		return err
	}
	for _, g := range ordered {
		middleware.FindingsRecordedTotal.WithLabelValues(string(g.Severity)).Inc()
	}

	if written > 0 {
		go a.notify(context.Background(), serverID, ordered)
	}
	return nil
}

// notify fires the server's webhook for the written groups, re-grouped by
// (detector, severity) to keep one noisy minute from producing one request
// per player. Runs off the callback path; every failure is swallowed.
func (a *Aggregator) notify(ctx context.Context, serverID string, written []*models.Finding) {
	srv, err := a.servers.GetByID(ctx, serverID)
	if err != nil || srv.WebhookURL == nil || !srv.WebhookEnabled {
		return
	}

	allowed := make(map[string]bool, len(srv.WebhookSeverityLevels))
	for _, s := range srv.WebhookSeverityLevels {
		allowed[s] = true
	}

	merged := make(map[string]*webhook.Grouped)
	var groups []webhook.Grouped
	for _, f := range written {
		if !allowed[string(f.Severity)] {
			continue
		}
		key := f.DetectorName + "|" + string(f.Severity)
		if g, ok := merged[key]; ok {
			g.Occurrences += f.Occurrences
			continue
		}
		merged[key] = &webhook.Grouped{
			DetectorName: f.DetectorName, Severity: f.Severity,
			Occurrences: f.Occurrences, Title: f.Title,
		}
	}
	for _, g := range merged {
		groups = append(groups, *g)
	}
	if len(groups) == 0 {
		return
	}

	a.emitter.Send(ctx, *srv.WebhookURL, serverID, groups)
}
