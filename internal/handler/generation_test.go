package handler_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/clickmodel/internal/apperror"
	"github.com/sakif/clickmodel/internal/auth"
	"github.com/sakif/clickmodel/internal/handler"
	"github.com/sakif/clickmodel/internal/model"
	"github.com/sakif/clickmodel/internal/service"
)

const generateBody = `{"garment_image_url":"https://cdn.example.com/g.png","human_image_url":"https://cdn.example.com/h.png","category":"tops","prompt":"linen"}`

func generateRequest(body, userID string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req = req.WithContext(auth.WithUserID(req.Context(), userID))
	}
	return req
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) handler.ErrorResponse {
	t.Helper()
	var body handler.ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body
}

func TestHandleGenerate_Success(t *testing.T) {
	gen := &fakeGenerator{result: &service.GenerationResult{ResultURL: "https://fal.media/out.png", GenerationID: "gen-1"}}
	h := handler.NewGenerationHandler(gen, "", testLogger())

	rr := httptest.NewRecorder()
	h.HandleGenerate(rr, generateRequest(generateBody, "user-1"))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "https://fal.media/out.png", body["result_url"])

	assert.Equal(t, "user-1", gen.gotUserID)
	assert.Equal(t, service.GenerationRequest{
		GarmentImageURL: "https://cdn.example.com/g.png",
		HumanImageURL:   "https://cdn.example.com/h.png",
		Category:        "tops",
		Prompt:          "linen",
	}, gen.gotReq)
}

func TestHandleGenerate_InvalidJSON(t *testing.T) {
	gen := &fakeGenerator{}
	h := handler.NewGenerationHandler(gen, "", testLogger())

	for _, body := range []string{`{"garment_image_url":`, `{} {}`, ``} {
		rr := httptest.NewRecorder()
		h.HandleGenerate(rr, generateRequest(body, "user-1"))

		assert.Equal(t, http.StatusBadRequest, rr.Code, "body %q", body)
		assert.Equal(t, "validation_error", decodeError(t, rr).Code)
	}
	assert.Empty(t, gen.gotUserID, "service must not be called")
}

// The table covers every error the gateway can return and the status and
// body each one must produce.
func TestHandleGenerate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    string
		wantError   string
		wantDetails string
	}{
		{"unauthorized", apperror.Unauthorized(""), http.StatusUnauthorized, "unauthorized", "Unauthorized", ""},
		{"validation", apperror.ValidationFailed("category", "Missing required fields"), http.StatusBadRequest, "validation_error", "Missing required fields", ""},
		{"insufficient", apperror.InsufficientCredits(), http.StatusPaymentRequired, "insufficient_credits", "Insufficient credits", ""},
		{"ledger", apperror.TransactionFailed(errors.New("database is locked")), http.StatusInternalServerError, "transaction_failed", "Transaction failed", ""},
		{"provider refunded", apperror.GenerationFailed(errors.New("fal: status 500"), true), http.StatusInternalServerError, "generation_failed", "Generation failed. Your credit has been refunded.", "fal: status 500"},
		{"provider not refunded", apperror.GenerationFailed(errors.New("fal: status 500"), false), http.StatusInternalServerError, "generation_failed", "Generation failed. Please contact support for refund.", "fal: status 500"},
		{"rate limited", apperror.RateLimited(), http.StatusTooManyRequests, "rate_limited", "Too many requests, slow down", ""},
		{"forbidden", apperror.Forbidden("nope"), http.StatusForbidden, "forbidden", "nope", ""},
		{"not found", apperror.NotFound("user", "x"), http.StatusNotFound, "not_found", "user not found with id x", ""},
		{"conflict", apperror.Conflict("refund", "x"), http.StatusConflict, "conflict", "refund conflict with id x", ""},
		{"unknown", errors.New("sqlite: no such table: users"), http.StatusInternalServerError, "internal_error", "Internal Server Error", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{err: tt.err}
			h := handler.NewGenerationHandler(gen, "", testLogger())

			rr := httptest.NewRecorder()
			h.HandleGenerate(rr, generateRequest(generateBody, "user-1"))

			assert.Equal(t, tt.wantStatus, rr.Code)
			body := decodeError(t, rr)
			assert.Equal(t, tt.wantCode, body.Code)
			assert.Equal(t, tt.wantError, body.Error)
			assert.Equal(t, tt.wantDetails, body.Details)
			assert.NotContains(t, body.Error, "sqlite")
			assert.NotContains(t, body.Error, "locked")
		})
	}
}

func TestHandleGenerate_ValidationFieldInBody(t *testing.T) {
	gen := &fakeGenerator{err: apperror.ValidationFailed("garment_image_url", "Missing required fields")}
	h := handler.NewGenerationHandler(gen, "", testLogger())

	rr := httptest.NewRecorder()
	h.HandleGenerate(rr, generateRequest(`{}`, "user-1"))

	assert.Equal(t, "garment_image_url", decodeError(t, rr).Field)
}

func TestHandleGenerate_WrappedErrorKeepsStatus(t *testing.T) {
	gen := &fakeGenerator{err: fmt.Errorf("service/generation: submit: %w", apperror.InsufficientCredits())}
	h := handler.NewGenerationHandler(gen, "", testLogger())

	rr := httptest.NewRecorder()
	h.HandleGenerate(rr, generateRequest(generateBody, "user-1"))

	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
}

// =========================================================================
// HandleHistory TESTS
// =========================================================================

func historyRequest(query, userID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/history"+query, nil)
	if userID != "" {
		req = req.WithContext(auth.WithUserID(req.Context(), userID))
	}
	return req
}

func TestHandleHistory(t *testing.T) {
	gen := &fakeGenerator{history: []model.Generation{
		{ID: "g2", UserID: "user-1", ResultURL: "https://fal.media/2.png", Category: model.CategoryTops},
		{ID: "g1", UserID: "user-1", ResultURL: "https://fal.media/1.png", Category: model.CategoryBottoms},
	}}
	h := handler.NewGenerationHandler(gen, "", testLogger())

	rr := httptest.NewRecorder()
	h.HandleHistory(rr, historyRequest("?userId=user-1&limit=10&offset=5", "user-1"))

	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Generations []map[string]any `json:"generations"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	require.Len(t, body.Generations, 2)
	assert.Equal(t, "g2", body.Generations[0]["id"])
	assert.Equal(t, "tops", body.Generations[0]["clothing_type"])
	assert.Equal(t, "https://fal.media/2.png", body.Generations[0]["result_url"])

	assert.Equal(t, "user-1", gen.gotCaller)
	assert.Equal(t, "user-1", gen.gotHistory)
	assert.False(t, gen.gotPriv)
	assert.Equal(t, 10, gen.gotOpts.Limit)
	assert.Equal(t, 5, gen.gotOpts.Offset)
}

func TestHandleHistory_NoLimitMeansEverything(t *testing.T) {
	gen := &fakeGenerator{history: []model.Generation{}}
	h := handler.NewGenerationHandler(gen, "", testLogger())

	rr := httptest.NewRecorder()
	h.HandleHistory(rr, historyRequest("?userId=user-1", "user-1"))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Zero(t, gen.gotOpts.Limit)
	assert.Zero(t, gen.gotOpts.Offset)
}

func TestHandleHistory_MissingUserID(t *testing.T) {
	gen := &fakeGenerator{historyErr: apperror.ValidationFailed("userId", "userId is required")}
	h := handler.NewGenerationHandler(gen, "", testLogger())

	rr := httptest.NewRecorder()
	h.HandleHistory(rr, historyRequest("", "user-1"))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "", gen.gotHistory)
}

func TestHandleHistory_StoreFailure(t *testing.T) {
	gen := &fakeGenerator{historyErr: errors.New("service/generation: listing history: disk I/O error")}
	h := handler.NewGenerationHandler(gen, "", testLogger())

	rr := httptest.NewRecorder()
	h.HandleHistory(rr, historyRequest("?userId=user-1", "user-1"))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "disk")
}

func TestHandleHistory_ServiceKey(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		header     string
		want       bool
	}{
		{"matching key", "s3cret-service-key", "s3cret-service-key", true},
		{"wrong key", "s3cret-service-key", "guess", false},
		{"no header", "s3cret-service-key", "", false},
		{"key not configured", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{history: []model.Generation{}}
			h := handler.NewGenerationHandler(gen, tt.configured, testLogger())
			req := historyRequest("?userId=user-9", "")
			if tt.header != "" {
				req.Header.Set(handler.ServiceKeyHeader, tt.header)
			}

			rr := httptest.NewRecorder()
			h.HandleHistory(rr, req)

			assert.Equal(t, tt.want, gen.gotPriv)
		})
	}
}
