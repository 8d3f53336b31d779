package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/packetwatch/anticheat-ingest/internal/models"
	apierrors "github.com/packetwatch/anticheat-ingest/internal/pkg/errors"
	"github.com/packetwatch/anticheat-ingest/internal/pkg/response"
	"github.com/packetwatch/anticheat-ingest/internal/repository"
)

// playerStateEntry is the wire shape of one (player, state) pair: state is
// an opaque JSON document this tier stores without inspecting.
type playerStateEntry struct {
	PlayerUUID string          `json:"player_uuid" validate:"required"`
	State      json.RawMessage `json:"state" validate:"required"`
	UpdatedAt  string          `json:"updated_at_rfc3339,omitempty"`
}

// handlePlayerStateGet fetches one player's state for a module, keyed by
// query parameters so modules can GET it without a body.
func (h *Handler) handlePlayerStateGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	serverID, playerUUID, moduleName := q.Get("server_id"), q.Get("player_uuid"), q.Get("module_name")
	if serverID == "" || playerUUID == "" || moduleName == "" {
		response.Error(w, apierrors.BadRequest("server_id, player_uuid and module_name are required"), 0)
		return
	}

	s, err := h.playerStates.Get(r.Context(), serverID, playerUUID, moduleName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeOK(w, map[string]any{"state": nil})
			return
		}
		response.Error(w, apierrors.Internal("failed to fetch player state").Wrap(err), 0)
		return
	}

	writeOK(w, map[string]any{
		"player_uuid":        s.PlayerUUID,
		"state":              json.RawMessage(s.State),
		"updated_at_rfc3339": s.UpdatedAt.Format(time.RFC3339),
	})
}

type playerStateSetRequest struct {
	ServerID   string          `json:"server_id" validate:"required"`
	ModuleName string          `json:"module_name" validate:"required"`
	PlayerUUID string          `json:"player_uuid" validate:"required"`
	State      json.RawMessage `json:"state" validate:"required"`
}

func (h *Handler) handlePlayerStateSet(w http.ResponseWriter, r *http.Request) {
	var req playerStateSetRequest
	if err := decodeJSON(r, &req); err != nil {
		response.Error(w, apierrors.BadRequest("invalid request body"), 0)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		response.Error(w, apierrors.BadRequest(err.Error()), 0)
		return
	}

	err := h.playerStates.Set(r.Context(), &models.ModulePlayerState{
		ServerID: req.ServerID, PlayerUUID: req.PlayerUUID, ModuleName: req.ModuleName, State: req.State,
	})
	if err != nil {
		response.Error(w, apierrors.Internal("failed to store player state").Wrap(err), 0)
		return
	}
	writeOK(w, nil)
}

type playerStateBatchGetRequest struct {
	ServerID    string   `json:"server_id" validate:"required"`
	ModuleName  string   `json:"module_name" validate:"required"`
	PlayerUUIDs []string `json:"player_uuids" validate:"required,min=1"`
}

// handlePlayerStateBatchGet lets a module fetch its own per-player scratch
// state for a batch of players in one round trip. Players with no stored
// state are simply absent from the response.
func (h *Handler) handlePlayerStateBatchGet(w http.ResponseWriter, r *http.Request) {
	var req playerStateBatchGetRequest
	if err := decodeJSON(r, &req); err != nil {
		response.Error(w, apierrors.BadRequest("invalid request body"), 0)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		response.Error(w, apierrors.BadRequest(err.Error()), 0)
		return
	}

	states, err := h.playerStates.BatchGet(r.Context(), req.ServerID, req.ModuleName, req.PlayerUUIDs)
	if err != nil {
		response.Error(w, apierrors.Internal("failed to fetch player state").Wrap(err), 0)
		return
	}

	out := make([]playerStateEntry, 0, len(states))
	for _, s := range states {
		out = append(out, playerStateEntry{
			PlayerUUID: s.PlayerUUID,
			State:      json.RawMessage(s.State),
			UpdatedAt:  s.UpdatedAt.Format(time.RFC3339),
		})
	}
	writeOK(w, map[string]any{"states": out})
}

type playerStateBatchSetRequest struct {
	ServerID   string             `json:"server_id" validate:"required"`
	ModuleName string             `json:"module_name" validate:"required"`
	States     []playerStateEntry `json:"states" validate:"required,min=1,dive"`
}

// handlePlayerStateBatchSet persists the scratch state a module wants to
// carry forward to the next batch for each listed player, all in one
// transaction.
func (h *Handler) handlePlayerStateBatchSet(w http.ResponseWriter, r *http.Request) {
	var req playerStateBatchSetRequest
	if err := decodeJSON(r, &req); err != nil {
		response.Error(w, apierrors.BadRequest("invalid request body"), 0)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		response.Error(w, apierrors.BadRequest(err.Error()), 0)
		return
	}

	states := make([]*models.ModulePlayerState, 0, len(req.States))
	for _, e := range req.States {
		states = append(states, &models.ModulePlayerState{
			ServerID: req.ServerID, PlayerUUID: e.PlayerUUID, ModuleName: req.ModuleName, State: e.State,
		})
	}

	if err := h.playerStates.BatchSet(r.Context(), states); err != nil {
		response.Error(w, apierrors.Internal("failed to store player state").Wrap(err), 0)
		return
	}
	writeOK(w, nil)
}
