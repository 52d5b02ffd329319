package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakeGoogle serves the token and userinfo endpoints. Only the code
// "good-code" is accepted.
func newFakeGoogle(t *testing.T, profile map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(profile)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestGoogleProvider(srv *httptest.Server) *GoogleProvider {
	return NewGoogleProvider(GoogleConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		CallbackURL:  "http://localhost:8080/auth/callback",
		AuthURL:      srv.URL + "/auth",
		TokenURL:     srv.URL + "/token",
		UserInfoURL:  srv.URL + "/userinfo",
	})
}

func TestGoogleProvider_AuthURL(t *testing.T) {
	p := NewGoogleProvider(GoogleConfig{ClientID: "cid", CallbackURL: "http://localhost/auth/callback"})

	u, err := url.Parse(p.AuthURL("state-123"))
	require.NoError(t, err)
	assert.Equal(t, "accounts.google.com", u.Host)
	assert.Equal(t, "state-123", u.Query().Get("state"))
	assert.Equal(t, "cid", u.Query().Get("client_id"))
	assert.Contains(t, u.Query().Get("scope"), "email")
}

func TestGoogleProvider_Exchange(t *testing.T) {
	srv := newFakeGoogle(t, map[string]any{
		"sub":            "google-42",
		"email":          "ada@example.com",
		"email_verified": true,
		"name":           "Ada Lovelace",
		"picture":        "https://example.com/ada.png",
	})
	p := newTestGoogleProvider(srv)

	user, err := p.Exchange(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, "google-42", user.Subject)
	assert.Equal(t, "ada@example.com", user.Email)
	assert.True(t, user.EmailVerified)
	assert.Equal(t, "Ada Lovelace", user.Name)
}

func TestGoogleProvider_ExchangeBadCode(t *testing.T) {
	srv := newFakeGoogle(t, map[string]any{"sub": "x", "email": "x@example.com"})
	p := newTestGoogleProvider(srv)

	_, err := p.Exchange(context.Background(), "bad-code")
	assert.Error(t, err)
}

func TestGoogleProvider_IncompleteProfile(t *testing.T) {
	srv := newFakeGoogle(t, map[string]any{"sub": "google-1"})
	p := newTestGoogleProvider(srv)

	_, err := p.Exchange(context.Background(), "good-code")
	assert.ErrorContains(t, err, "incomplete profile")
}
