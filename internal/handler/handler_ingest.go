package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/packetwatch/anticheat-ingest/internal/middleware"
	apierrors "github.com/packetwatch/anticheat-ingest/internal/pkg/errors"
	"github.com/packetwatch/anticheat-ingest/internal/pkg/response"
	"github.com/packetwatch/anticheat-ingest/internal/service"
)

// handleIngest accepts one gzipped NDJSON batch. Unlike handshake/heartbeat,
// it requires X-Session-Id in addition to X-Server-Id: a batch is always
// scoped to a single play session.
func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.Header.Get("X-Session-Id"))
	if sessionID == "" {
		response.Error(w, apierrors.BadRequest("missing X-Session-Id header"), 0)
		return
	}

	// Size gate runs before any auth or DB work: an oversize batch is
	// rejected on its declared length alone, and MaxBytesReader below backs
	// that up for bodies sent without one.
	limit := h.cfg.MaxBodyBytes
	if r.ContentLength > limit {
		response.Error(w, service.MaxBodyError(limit), 0)
		return
	}

	serverID, err := h.authenticateServer(r)
	if err != nil {
		response.Error(w, err, 0)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, limit)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			response.Error(w, service.MaxBodyError(limit), 0)
			return
		}
		response.Error(w, apierrors.BadRequest("failed to read request body"), 0)
		return
	}

	result, err := h.ingest.Accept(r.Context(), serverID, sessionID, body)
	if err != nil {
		response.Error(w, err, 0)
		return
	}

	middleware.IngestBatchesTotal.WithLabelValues(serverID).Inc()
	writeOK(w, map[string]any{"batch_id": result.BatchID, "s3_key": result.BlobKey})
}
