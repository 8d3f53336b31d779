// Package response writes the flat JSON envelope used across the HTTP
// surface: {"ok":true, ...fields} on success, {"error":"..."} on failure.
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"

	apierrors "github.com/packetwatch/anticheat-ingest/internal/pkg/errors"
)

func write(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response body", "error", err)
	}
}

// OK writes a 200 with {"ok":true} merged with the given fields.
func OK(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"ok": true}
	for k, v := range fields {
		body[k] = v
	}
	write(w, http.StatusOK, body)
}

// Created writes a 201 with {"ok":true} merged with the given fields.
func Created(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"ok": true}
	for k, v := range fields {
		body[k] = v
	}
	write(w, http.StatusCreated, body)
}

// Accepted writes a 202 with {"ok":true} merged with the given fields.
func Accepted(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"ok": true}
	for k, v := range fields {
		body[k] = v
	}
	write(w, http.StatusAccepted, body)
}

// Error writes the flat error envelope for err, deriving the status code
// from its Kind. statusOverride, if non-zero, replaces the default status
// mapping: used by routes where the same Kind surfaces at a different
// status (/ready answers Internal with 503, the rate limiter answers
// BadRequest with 429).
func Error(w http.ResponseWriter, err error, statusOverride int) {
	apiErr, ok := apierrors.As(err)
	if !ok {
		apiErr = apierrors.Internal(err.Error())
	}

	status := statusOverride
	if status == 0 {
		status = apierrors.StatusCode(apiErr.Kind)
	}

	if apiErr.Kind == apierrors.KindPendingRegistration {
		write(w, status, map[string]any{
			"ok":        true,
			"status":    "waiting_for_registration",
			"server_id": apiErr.ServerID,
		})
		return
	}

	write(w, status, map[string]any{"error": apiErr.Message})
}
