package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/packetwatch/anticheat-ingest/internal/pkg/errors"
	"github.com/packetwatch/anticheat-ingest/internal/pkg/response"
)

const defaultFindingsLimit = 100

// handleDashboardServers lists every known server for the external
// collaborator dashboard. Read-only; auth is the shared static dashboard
// token wired in Routes.
func (h *Handler) handleDashboardServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.servers.List(r.Context())
	if err != nil {
		response.Error(w, apierrors.Internal("failed to list servers").Wrap(err), 0)
		return
	}
	writeOK(w, map[string]any{"servers": servers})
}

func (h *Handler) handleDashboardFindings(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	limit := defaultFindingsLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	findings, err := h.findings.ListForServer(r.Context(), serverID, limit)
	if err != nil {
		response.Error(w, apierrors.Internal("failed to list findings").Wrap(err), 0)
		return
	}
	writeOK(w, map[string]any{"findings": findings})
}

func (h *Handler) handleDashboardDispatches(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	dispatches, err := h.dispatches.ListForServer(r.Context(), serverID, defaultFindingsLimit)
	if err != nil {
		response.Error(w, apierrors.Internal("failed to list dispatches").Wrap(err), 0)
		return
	}
	writeOK(w, map[string]any{"dispatches": dispatches})
}
