package handler

import (
	"net/http"

	"github.com/packetwatch/anticheat-ingest/internal/objectstore"
	apierrors "github.com/packetwatch/anticheat-ingest/internal/pkg/errors"
	"github.com/packetwatch/anticheat-ingest/internal/pkg/response"
)

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, nil)
}

// handleReady additionally verifies the database and object store are
// reachable, so a load balancer can hold traffic back from an instance
// that came up but can't yet serve ingest.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		response.Error(w, apierrors.Internal("database not reachable").Wrap(err), http.StatusServiceUnavailable)
		return
	}
	if pinger, ok := h.store.(objectstore.Pinger); ok {
		if err := pinger.Ping(r.Context()); err != nil {
			response.Error(w, apierrors.Internal("object store not reachable").Wrap(err), http.StatusServiceUnavailable)
			return
		}
	}
	writeOK(w, nil)
}
