package handler

import (
	"encoding/json"
	"net/http"

	"github.com/packetwatch/anticheat-ingest/internal/models"
	apierrors "github.com/packetwatch/anticheat-ingest/internal/pkg/errors"
	"github.com/packetwatch/anticheat-ingest/internal/pkg/response"
	"github.com/packetwatch/anticheat-ingest/internal/service"
)

type findingPayload struct {
	PlayerUUID      string          `json:"player_uuid"`
	DetectorName    string          `json:"detector_name"`
	DetectorVersion string          `json:"detector_version"`
	Severity        string          `json:"severity"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
	EvidenceS3Key   *string         `json:"evidence_s3_key"`
	EvidenceJSON    json.RawMessage `json:"evidence_json"`
}

type findingsCallbackRequest struct {
	ServerID  string           `json:"server_id" validate:"required"`
	SessionID string           `json:"session_id"`
	BatchID   string           `json:"batch_id"`
	Findings  []findingPayload `json:"findings" validate:"required,min=1"`
}

// handleFindingsCallback is how an analysis module reports detector output
// back to the ingest/dispatch tier, once per batch it processed. Individual
// findings missing a player UUID, detector, or title are dropped by the
// aggregator, not rejected here.
func (h *Handler) handleFindingsCallback(w http.ResponseWriter, r *http.Request) {
	var req findingsCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		response.Error(w, apierrors.BadRequest("invalid request body"), 0)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		response.Error(w, apierrors.BadRequest(err.Error()), 0)
		return
	}

	inputs := make([]service.FindingInput, 0, len(req.Findings))
	for _, f := range req.Findings {
		var evidence *string
		if f.EvidenceS3Key != nil && *f.EvidenceS3Key != "" {
			evidence = f.EvidenceS3Key
		} else if len(f.EvidenceJSON) > 0 {
			inline := string(f.EvidenceJSON)
			evidence = &inline
		}
		inputs = append(inputs, service.FindingInput{
			PlayerUUID:      f.PlayerUUID,
			DetectorName:    f.DetectorName,
			DetectorVersion: f.DetectorVersion,
			Severity:        models.Severity(f.Severity),
			Title:           f.Title,
			Description:     f.Description,
			EvidenceRef:     evidence,
		})
	}

	if err := h.aggregator.Record(r.Context(), req.ServerID, inputs); err != nil {
		response.Error(w, apierrors.Internal("failed to record findings").Wrap(err), 0)
		return
	}
	writeOK(w, nil)
}
