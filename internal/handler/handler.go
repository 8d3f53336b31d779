// Package handler binds the HTTP surface to the service and repository
// layers beneath it. Each file groups the routes for one area of the
// component table; Handler.Routes assembles them onto a chi.Mux.
package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/packetwatch/anticheat-ingest/internal/config"
	"github.com/packetwatch/anticheat-ingest/internal/middleware"
	"github.com/packetwatch/anticheat-ingest/internal/objectstore"
	apierrors "github.com/packetwatch/anticheat-ingest/internal/pkg/errors"
	"github.com/packetwatch/anticheat-ingest/internal/pkg/response"
	"github.com/packetwatch/anticheat-ingest/internal/repository"
	"github.com/packetwatch/anticheat-ingest/internal/service"
)

// Handler wires every HTTP route to its backing service/repository.
type Handler struct {
	cfg *config.Config
	db  *pgxpool.Pool

	servers      repository.ServerRepository
	modules      repository.ModuleRepository
	batches      repository.BatchIndexRepository
	findings     repository.FindingRepository
	playerStates repository.PlayerStateRepository
	dispatches   repository.DispatchRepository
	observations repository.ObservationRepository

	gate       *service.RegistrationGate
	ingest     *service.IngestPipeline
	aggregator *service.Aggregator

	store    objectstore.Store
	validate *validator.Validate
	logger   *slog.Logger
}

// Deps bundles every dependency Handler needs, so New's signature doesn't
// grow with every new route group.
type Deps struct {
	Cfg          *config.Config
	DB           *pgxpool.Pool
	Servers      repository.ServerRepository
	Modules      repository.ModuleRepository
	Batches      repository.BatchIndexRepository
	Findings     repository.FindingRepository
	PlayerStates repository.PlayerStateRepository
	Dispatches   repository.DispatchRepository
	Observations repository.ObservationRepository
	Gate         *service.RegistrationGate
	Ingest       *service.IngestPipeline
	Aggregator   *service.Aggregator
	Store        objectstore.Store
	Logger       *slog.Logger
}

func New(d Deps) *Handler {
	return &Handler{
		cfg: d.Cfg, db: d.DB, servers: d.Servers, modules: d.Modules, batches: d.Batches,
		findings: d.Findings, playerStates: d.PlayerStates, dispatches: d.Dispatches,
		observations: d.Observations, gate: d.Gate, ingest: d.Ingest, aggregator: d.Aggregator,
		store: d.Store, validate: validator.New(), logger: d.Logger,
	}
}

// Routes assembles the full HTTP surface onto a fresh chi.Mux.
func (h *Handler) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)

	// Per-server routes authenticate inside the handler: each server has its
	// own bearer token, established trust-on-first-use and verified against
	// the stored hash (see service.RegistrationGate), looked up by the
	// X-Server-Id header.
	r.Post("/handshake", h.handleHandshake)
	r.Post("/heartbeat", h.handleHeartbeat)
	r.Post("/ingest", h.handleIngest)
	r.Post("/observations", h.handleObservations)

	r.Group(func(r chi.Router) {
		r.Use(middleware.StaticBearerAuth(func() string { return h.cfg.IngestToken }))
		r.Get("/servers/{serverID}/modules", h.handleListModules)
		r.Post("/servers/{serverID}/modules", h.handleUpsertModule)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.StaticBearerAuth(func() string { return h.cfg.ModuleCallbackToken }))
		r.Post("/callbacks/findings", h.handleFindingsCallback)
		r.Get("/callbacks/player-state", h.handlePlayerStateGet)
		r.Post("/callbacks/player-state", h.handlePlayerStateSet)
		r.Post("/callbacks/player-state/batch-get", h.handlePlayerStateBatchGet)
		r.Post("/callbacks/player-state/batch-set", h.handlePlayerStateBatchSet)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.OptionalStaticBearerAuth(func() string { return h.cfg.DashboardToken }))
		r.Get("/dashboard/servers", h.handleDashboardServers)
		r.Get("/dashboard/servers/{serverID}/findings", h.handleDashboardFindings)
		r.Get("/dashboard/servers/{serverID}/dispatches", h.handleDashboardDispatches)
	})

	return r
}

func decodeJSON(r *http.Request, v any) error {
	defer io.Copy(io.Discard, r.Body) //nolint:errcheck
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeOK(w http.ResponseWriter, fields map[string]any) {
	response.OK(w, fields)
}

// authenticateServer runs the registration gate for a request carrying
// X-Server-Id and a bearer token, propagating the optional
// X-Server-Platform header and the derived client address so the gate can
// refresh the server's contact info once authenticated. Returns the
// server_id (even on error, so callers can still report it) and any gate
// error.
func (h *Handler) authenticateServer(r *http.Request) (string, error) {
	serverID := strings.TrimSpace(r.Header.Get("X-Server-Id"))
	if serverID == "" {
		return "", apierrors.BadRequest("missing X-Server-Id header")
	}

	token, ok := middleware.BearerToken(r)
	if !ok {
		return serverID, apierrors.Unauthorized("missing or malformed bearer token")
	}
	hash := middleware.HashToken(token)

	var platform *string
	if p := strings.TrimSpace(r.Header.Get("X-Server-Platform")); p != "" {
		platform = &p
	}
	addr := middleware.ClientAddress(r)
	var callbackURL *string
	if addr != "" {
		callbackURL = &addr
	}

	if err := h.gate.Authenticate(r.Context(), serverID, hash, callbackURL, platform); err != nil {
		return serverID, err
	}
	return serverID, nil
}
