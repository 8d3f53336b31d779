package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/packetwatch/anticheat-ingest/internal/middleware"
	"github.com/packetwatch/anticheat-ingest/internal/models"
	apierrors "github.com/packetwatch/anticheat-ingest/internal/pkg/errors"
	"github.com/packetwatch/anticheat-ingest/internal/pkg/response"
	"github.com/packetwatch/anticheat-ingest/internal/repository"
)

var validObservationTypes = map[string]bool{
	string(models.ObservationRecording):     true,
	string(models.ObservationUndetected):    true,
	string(models.ObservationFalsePositive): true,
}

type createObservationRequest struct {
	ObservationType string  `json:"observation_type" validate:"required"`
	PlayerUUID      *string `json:"player_uuid"`
	DetectorName    *string `json:"detector_name"`
	Notes           *string `json:"notes"`
}

// handleObservations lets a server operator record a manual cheat
// observation out-of-band from automated detection. Its registration check
// is deliberately stricter than the shared handshake/ingest gate: a
// missing or unregistered server is always a 400, never the
// waiting_for_registration side-effecting flow, since submitting an
// observation should never silently create a pending server row.
func (h *Handler) handleObservations(w http.ResponseWriter, r *http.Request) {
	serverID := strings.TrimSpace(r.Header.Get("X-Server-Id"))
	if serverID == "" {
		response.Error(w, apierrors.BadRequest("missing X-Server-Id header"), 0)
		return
	}

	token, ok := middleware.BearerToken(r)
	if !ok {
		response.Error(w, apierrors.Unauthorized("missing or malformed bearer token"), 0)
		return
	}

	srv, err := h.servers.GetByID(r.Context(), serverID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			response.Error(w, apierrors.BadRequest("server "+serverID+" not found"), 0)
			return
		}
		response.Error(w, apierrors.Internal("server lookup failed").Wrap(err), 0)
		return
	}

	if !middleware.ConstantTimeEqual(middleware.HashToken(token), srv.AuthTokenHash) {
		response.Error(w, apierrors.Unauthorized("invalid server token"), 0)
		return
	}
	if !srv.IsRegistered() {
		response.Error(w, apierrors.BadRequest("server not registered - please link it in the dashboard first"), 0)
		return
	}

	var req createObservationRequest
	if err := decodeJSON(r, &req); err != nil {
		response.Error(w, apierrors.BadRequest("invalid request body"), 0)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		response.Error(w, apierrors.BadRequest(err.Error()), 0)
		return
	}
	observationType := strings.ToLower(req.ObservationType)
	if !validObservationTypes[observationType] {
		response.Error(w, apierrors.BadRequest("invalid observation_type: "+observationType), 0)
		return
	}

	obs := &models.CheatObservation{
		ServerID:        serverID,
		PlayerUUID:      req.PlayerUUID,
		ObservationType: models.ObservationType(observationType),
		DetectorName:    req.DetectorName,
		Notes:           req.Notes,
	}
	if err := h.observations.Insert(r.Context(), obs); err != nil {
		response.Error(w, apierrors.Internal("failed to record observation").Wrap(err), 0)
		return
	}
	response.Created(w, map[string]any{"observation_id": obs.ID})
}
