package handler

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/sakif/clickmodel/internal/auth"
	"github.com/sakif/clickmodel/internal/model"
	"github.com/sakif/clickmodel/internal/repository"
	"github.com/sakif/clickmodel/internal/service"
)

// ServiceKeyHeader lets back-office tools read any user's history.
const ServiceKeyHeader = "X-Service-Key"

// Generator is the part of *service.GenerationService the handler uses.
type Generator interface {
	Submit(ctx context.Context, userID string, req service.GenerationRequest) (*service.GenerationResult, error)
	History(ctx context.Context, callerID string, privileged bool, userID string, opts repository.ListOptions) ([]model.Generation, error)
}

type GenerationHandler struct {
	generator  Generator
	serviceKey string
	logger     *slog.Logger
}

// NewGenerationHandler creates a GenerationHandler. An empty serviceKey
// disables privileged history reads.
func NewGenerationHandler(generator Generator, serviceKey string, logger *slog.Logger) *GenerationHandler {
	return &GenerationHandler{generator: generator, serviceKey: serviceKey, logger: logger}
}

type generateResponse struct {
	Success      bool   `json:"success"`
	ResultURL    string `json:"result_url"`
	GenerationID string `json:"generation_id,omitempty"`
}

// HandleGenerate runs one paid try-on.
//
// HTTP: POST /api/generate
// Auth: session cookie
// Body: {"garment_image_url", "human_image_url", "category", "prompt"?}
//
// The call blocks until the provider finishes, which can take a minute or
// more; the server's write timeout is sized for it.
func (h *GenerationHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())

	var req service.GenerationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}

	res, err := h.generator.Submit(r.Context(), userID, req)
	if err != nil {
		WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{
		Success:      true,
		ResultURL:    res.ResultURL,
		GenerationID: res.GenerationID,
	})
}

// HandleHistory lists a user's generations, newest first.
//
// HTTP: GET /api/history?userId=<id>[&limit=&offset=]
// Auth: the owner's session, or X-Service-Key
func (h *GenerationHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	callerID, _ := auth.UserIDFromContext(r.Context())

	gens, err := h.generator.History(r.Context(), callerID, h.privileged(r),
		r.URL.Query().Get("userId"), listOptions(r))
	if err != nil {
		WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"generations": gens})
}

// privileged compares in constant time so response timing does not leak the
// key byte by byte.
func (h *GenerationHandler) privileged(r *http.Request) bool {
	if h.serviceKey == "" {
		return false
	}
	got := r.Header.Get(ServiceKeyHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.serviceKey)) == 1
}
