// Package dispatch fans an ingested batch out to a server's enabled
// analysis modules, and runs the periodic health probe that decides
// whether a module is skipped on the next fan-out.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/packetwatch/anticheat-ingest/internal/middleware"
	"github.com/packetwatch/anticheat-ingest/internal/models"
	"github.com/packetwatch/anticheat-ingest/internal/repository"
	"github.com/packetwatch/anticheat-ingest/internal/transform"
)

// maxConsecutiveFailures is how many straight failures mark a module down,
// skipping it on subsequent dispatches until a probe or dispatch succeeds.
const maxConsecutiveFailures = 3

// Dispatcher fans batches out to a server's modules over HTTP. There are
// no retries here: the plugin is the retry authority and keeps resending
// batches, while the per-module failure count gates future fan-out.
type Dispatcher struct {
	modules    repository.ModuleRepository
	dispatches repository.DispatchRepository
	httpClient *http.Client
	logger     *slog.Logger
}

func NewDispatcher(modules repository.ModuleRepository, dispatches repository.DispatchRepository, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		modules:    modules,
		dispatches: dispatches,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Dispatch fans the raw gzipped batch out to every enabled module for
// serverID, skipping modules currently marked down.
func (d *Dispatcher) Dispatch(ctx context.Context, serverID, sessionID, batchID, blobKey string, raw []byte) {
	mods, err := d.modules.ListEnabledForServer(ctx, serverID)
	if err != nil {
		d.logger.Error("list modules for dispatch", "server_id", serverID, "error", err)
		return
	}

	for _, m := range mods {
		if !m.LastHealthcheckOK && m.ConsecutiveFailures >= maxConsecutiveFailures {
			middleware.ModuleDispatchesTotal.WithLabelValues(m.Name, "skipped_down").Inc()
			continue
		}
		d.dispatchOne(ctx, m, batchID, serverID, sessionID, blobKey, raw)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, m *models.ServerModule, batchID, serverID, sessionID, blobKey string, rawBody []byte) {
	var buf bytes.Buffer
	if err := transform.Run(m.Transform, bytes.NewReader(rawBody), &buf); err != nil {
		d.recordFailure(ctx, m, batchID, serverID, 0, fmt.Sprintf("transform: %v", err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.BaseURL+"/ingest", &buf)
	if err != nil {
		d.recordFailure(ctx, m, batchID, serverID, 0, fmt.Sprintf("build request: %v", err))
		return
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set("X-Server-Id", serverID)
	req.Header.Set("X-Session-Id", sessionID)
	req.Header.Set("X-Batch-Id", batchID)
	req.Header.Set("X-S3-Key", blobKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.recordFailure(ctx, m, batchID, serverID, 0, err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		d.recordFailure(ctx, m, batchID, serverID, resp.StatusCode, fmt.Sprintf("status %d", resp.StatusCode))
		return
	}

	middleware.ModuleDispatchesTotal.WithLabelValues(m.Name, "sent").Inc()
	_ = d.dispatches.Insert(ctx, &models.DispatchRecord{
		BatchID: batchID, ServerID: serverID, ModuleName: m.Name,
		Status: models.DispatchSent, RemoteStatus: resp.StatusCode,
	})
	if err := d.modules.RecordHealthcheck(ctx, m.ID, true, nil); err != nil {
		d.logger.Warn("mark module healthy", "module", m.Name, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, m *models.ServerModule, batchID, serverID string, status int, errMsg string) {
	middleware.ModuleDispatchesTotal.WithLabelValues(m.Name, "failed").Inc()
	msg := errMsg
	_ = d.dispatches.Insert(ctx, &models.DispatchRecord{
		BatchID: batchID, ServerID: serverID, ModuleName: m.Name,
		Status: models.DispatchFailed, RemoteStatus: status, Error: &msg,
	})
	if err := d.modules.RecordHealthcheck(ctx, m.ID, false, &msg); err != nil {
		d.logger.Warn("mark module unhealthy", "module", m.Name, "error", err)
	}
	d.logger.Warn("module dispatch failed", "module", m.Name, "server_id", serverID, "batch_id", batchID, "error", errMsg)
}
