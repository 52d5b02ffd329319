package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const notSet = "NOT SET"

// Pinger is satisfied by every repository.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SystemHandler answers deployment checks.
type SystemHandler struct {
	siteURL string
	appURL  string
	store   Pinger
	logger  *slog.Logger
	now     func() time.Time
}

func NewSystemHandler(siteURL, appURL string, store Pinger, logger *slog.Logger) *SystemHandler {
	return &SystemHandler{
		siteURL: siteURL,
		appURL:  appURL,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

// HandleCheckEnv shows which public URLs the deployment was configured with.
//
// HTTP: GET /api/check-env
func (h *SystemHandler) HandleCheckEnv(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"NEXT_PUBLIC_APP_URL":  orNotSet(h.appURL),
		"NEXT_PUBLIC_SITE_URL": orNotSet(h.siteURL),
		"timestamp":            h.now().UTC().Format(time.RFC3339Nano),
	})
}

// HandleHealth reports 503 when the database does not answer within two
// seconds.
//
// HTTP: GET /healthz
func (h *SystemHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Error("health check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func orNotSet(s string) string {
	if s == "" {
		return notSet
	}
	return s
}
