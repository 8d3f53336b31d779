package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/packetwatch/anticheat-ingest/internal/models"
	apierrors "github.com/packetwatch/anticheat-ingest/internal/pkg/errors"
	"github.com/packetwatch/anticheat-ingest/internal/pkg/response"
)

func (h *Handler) handleListModules(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	mods, err := h.modules.ListForServer(r.Context(), serverID)
	if err != nil {
		response.Error(w, apierrors.Internal("failed to list modules").Wrap(err), 0)
		return
	}
	writeOK(w, map[string]any{"modules": mods})
}

type upsertModuleRequest struct {
	Name      string `json:"name" validate:"required"`
	BaseURL   string `json:"base_url" validate:"required,url"`
	Enabled   *bool  `json:"enabled"`
	Transform string `json:"transform" validate:"required,oneof=raw_ndjson_gz movement_events_v1_ndjson_gz combat_events_v1_ndjson_gz ncp_fight_v1_ndjson_gz"`
}

func (h *Handler) handleUpsertModule(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")

	var req upsertModuleRequest
	if err := decodeJSON(r, &req); err != nil {
		response.Error(w, apierrors.BadRequest("invalid request body"), 0)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		response.Error(w, apierrors.BadRequest(err.Error()), 0)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	m, err := h.modules.Upsert(r.Context(), &models.ServerModule{
		ServerID:  serverID,
		Name:      req.Name,
		BaseURL:   req.BaseURL,
		Enabled:   enabled,
		Transform: models.Transform(req.Transform),
	})
	if err != nil {
		response.Error(w, apierrors.Internal("failed to upsert module").Wrap(err), 0)
		return
	}
	writeOK(w, map[string]any{"module": m})
}
