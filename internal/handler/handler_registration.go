package handler

import (
	"net/http"

	"github.com/packetwatch/anticheat-ingest/internal/pkg/response"
)

// handleHandshake runs the registration gate and nothing else: a 200
// response means the server is fully registered, a 409 means it is new or
// still pending the dashboard linking step.
func (h *Handler) handleHandshake(w http.ResponseWriter, r *http.Request) {
	serverID, err := h.authenticateServer(r)
	if err != nil {
		response.Error(w, err, 0)
		return
	}
	writeOK(w, map[string]any{"server_id": serverID, "status": "registered"})
}

// handleHeartbeat is identical to the handshake gate: its only purpose is
// to bump last_seen_at (done inside the gate) once the token checks out.
func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	serverID, err := h.authenticateServer(r)
	if err != nil {
		response.Error(w, err, 0)
		return
	}
	writeOK(w, map[string]any{"server_id": serverID})
}
