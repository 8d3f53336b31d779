package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/packetwatch/anticheat-ingest/internal/models"
	"github.com/packetwatch/anticheat-ingest/internal/objectstore"
	apierrors "github.com/packetwatch/anticheat-ingest/internal/pkg/errors"
	"github.com/packetwatch/anticheat-ingest/internal/pkg/id"
	"github.com/packetwatch/anticheat-ingest/internal/repository"
)

// maxPlayerExtractLines bounds how far into a batch player extraction
// scans. Identities repeat throughout a batch, so the head is enough.
const maxPlayerExtractLines = 2000

// Dispatcher is the subset of the module dispatcher the ingest pipeline
// needs, fired asynchronously after a batch is durably recorded.
type Dispatcher interface {
	Dispatch(ctx context.Context, serverID, sessionID, batchID, blobKey string, raw []byte)
}

// IngestResult is returned to the caller on a successful ingest.
type IngestResult struct {
	BatchID string
	BlobKey string
}

// IngestPipeline implements the ordered ingest algorithm: gate, reserve an
// index row, persist the blob, then fan out and extract players
// asynchronously.
type IngestPipeline struct {
	batches    repository.BatchIndexRepository
	players    repository.PlayerRepository
	modules    repository.ModuleRepository
	store      objectstore.Store
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewIngestPipeline(batches repository.BatchIndexRepository, players repository.PlayerRepository, modules repository.ModuleRepository, store objectstore.Store, dispatcher Dispatcher, logger *slog.Logger) *IngestPipeline {
	return &IngestPipeline{batches: batches, players: players, modules: modules, store: store, dispatcher: dispatcher, logger: logger}
}

// Accept durably records a gzipped NDJSON batch and returns its batch_id.
// The caller is responsible for the size-limit and auth/registration gate
// checks before calling Accept.
func (p *IngestPipeline) Accept(ctx context.Context, serverID, sessionID string, body []byte) (*IngestResult, error) {
	if sessionID == "" {
		return nil, apierrors.BadRequest("session_id is required")
	}
	if len(body) == 0 {
		return nil, apierrors.BadRequest("empty batch body")
	}

	batchID := id.New()
	now := time.Now()

	key := objectstore.Key(serverID, sessionID, batchID, now)
	if key == "" {
		return nil, apierrors.BadRequest("invalid server_id or session_id")
	}

	p.seedModulesOnFirstEncounter(ctx, serverID)

	// Index row is written before the blob: on a crash between the two, a
	// dangling index row (no blob) is detectable and safely re-swept, while
	// an orphan blob with no index row would never be found again.
	if err := p.batches.Insert(ctx, &models.BatchIndexRow{
		BatchID: batchID, ServerID: serverID, SessionID: sessionID,
		BlobKey: key, PayloadBytes: int64(len(body)), ReceivedAt: now,
	}); err != nil {
		return nil, apierrors.Internal("failed to record batch index").Wrap(err)
	}

	if err := p.store.Put(ctx, key, bytes.NewReader(body), int64(len(body))); err != nil {
		return nil, apierrors.Internal("failed to persist batch blob").Wrap(err)
	}

	go p.dispatcher.Dispatch(context.Background(), serverID, sessionID, batchID, key, body)
	go p.extractPlayers(context.Background(), serverID, body)

	return &IngestResult{BatchID: batchID, BlobKey: key}, nil
}

// seedModulesOnFirstEncounter installs the builtin module set the first
// time a server ingests, after clearing any rows left from the legacy
// module topology. Failures don't fail the ingest: the next batch retries.
func (p *IngestPipeline) seedModulesOnFirstEncounter(ctx context.Context, serverID string) {
	n, err := p.modules.CountForServer(ctx, serverID)
	if err != nil {
		p.logger.Warn("module count for seeding", "server_id", serverID, "error", err)
		return
	}
	if n > 0 {
		return
	}
	if err := p.modules.DeleteLegacy(ctx, serverID); err != nil {
		p.logger.Warn("delete legacy modules", "server_id", serverID, "error", err)
	}
	if err := p.modules.SeedBuiltins(ctx, serverID); err != nil {
		p.logger.Warn("seed builtin modules", "server_id", serverID, "error", err)
	}
}

// playerLine is the subset of a raw packet line needed to extract the
// player identities observed in a batch.
type playerLine struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// extractPlayers scans the head of the raw (still-gzipped) batch for
// distinct player identities and upserts the global Player row plus the
// per-server last-seen relation. The first line is the batch metadata
// header and is skipped. Runs off the request path; failures are logged
// only.
func (p *IngestPipeline) extractPlayers(ctx context.Context, serverID string, body []byte) {
	gr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		p.logger.Warn("player extraction: open gzip", "server_id", serverID, "error", err)
		return
	}
	defer gr.Close()

	seen := make(map[string]string)
	scanner := bufio.NewScanner(gr)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	first := true
	for n := 0; n < maxPlayerExtractLines && scanner.Scan(); n++ {
		if first {
			first = false
			continue
		}
		var line playerLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.Name == "" || !id.IsValid(line.UUID) {
			continue
		}
		seen[line.UUID] = line.Name
	}

	for uuid, username := range seen {
		if err := p.players.Upsert(ctx, &models.Player{UUID: uuid, Username: username}); err != nil {
			p.logger.Warn("player upsert failed", "player_uuid", uuid, "error", err)
			continue
		}
		if err := p.players.TouchServerPlayer(ctx, serverID, uuid); err != nil {
			p.logger.Warn("server player touch failed", "server_id", serverID, "player_uuid", uuid, "error", err)
		}
	}
}

// MaxBodyError formats the error returned when a request body exceeds the
// configured ceiling.
func MaxBodyError(limit int64) error {
	return apierrors.BadRequest(fmt.Sprintf("request body exceeds maximum of %d bytes", limit))
}
