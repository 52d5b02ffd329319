package handler_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/clickmodel/internal/auth"
	"github.com/sakif/clickmodel/internal/handler"
)

func TestPageHandler(t *testing.T) {
	h, err := handler.NewPageHandler(true, testLogger())
	require.NoError(t, err)

	t.Run("login shows mapped error and google link", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.HandleLogin(rr, httptest.NewRequest(http.MethodGet, "/login?error=oauth_error", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "text/html; charset=utf-8", rr.Header().Get("Content-Type"))
		assert.Contains(t, rr.Body.String(), "Google sign-in failed")
		assert.Contains(t, rr.Body.String(), "/auth/google")
	})

	t.Run("unknown error codes are not echoed", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.HandleLogin(rr, httptest.NewRequest(http.MethodGet, "/login?error=bogus_code", nil))

		assert.NotContains(t, rr.Body.String(), "bogus_code")
	})

	t.Run("dashboard embeds the user id as a JS string", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
		req = req.WithContext(auth.WithUserID(req.Context(), "cv9abc"))
		rr := httptest.NewRecorder()
		h.HandleDashboard(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `const userID = "cv9abc";`)
		assert.Contains(t, rr.Body.String(), `<option value="one-pieces">`)
	})

	t.Run("reset page carries the token", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.HandleResetPassword(rr, httptest.NewRequest(http.MethodGet, "/reset-password?token=abc123", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), `value="abc123"`)
	})
}

func TestPageHandler_GoogleDisabled(t *testing.T) {
	h, err := handler.NewPageHandler(false, testLogger())
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	h.HandleLogin(rr, httptest.NewRequest(http.MethodGet, "/login", nil))

	assert.NotContains(t, rr.Body.String(), "/auth/google")
}
