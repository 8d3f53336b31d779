package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/packetwatch/anticheat-ingest/internal/repository"
)

// HealthLoop periodically probes every enabled module's /health endpoint
// and updates its consecutive-failure count, driving the dispatcher's
// skip-when-down decision.
type HealthLoop struct {
	modules    repository.ModuleRepository
	httpClient *http.Client
	interval   time.Duration
	logger     *slog.Logger
}

func NewHealthLoop(modules repository.ModuleRepository, interval time.Duration, logger *slog.Logger) *HealthLoop {
	if interval < time.Second {
		interval = time.Second
	}
	return &HealthLoop{
		modules:    modules,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		interval:   interval,
		logger:     logger,
	}
}

// Run blocks, ticking until ctx is cancelled.
func (h *HealthLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *HealthLoop) tick(ctx context.Context) {
	mods, err := h.modules.ListEnabled(ctx)
	if err != nil {
		h.logger.Error("health loop list modules", "error", err)
		return
	}

	for _, m := range mods {
		ok, errMsg := h.probe(ctx, m.BaseURL)
		if err := h.modules.RecordHealthcheck(ctx, m.ID, ok, errMsg); err != nil {
			h.logger.Error("record healthcheck", "module_id", m.ID, "error", err)
		}
	}
}

func (h *HealthLoop) probe(ctx context.Context, baseURL string) (bool, *string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		msg := err.Error()
		return false, &msg
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		msg := err.Error()
		return false, &msg
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		return false, &msg
	}
	return true, nil
}
