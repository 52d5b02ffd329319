package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/clickmodel/internal/auth"
	"github.com/sakif/clickmodel/internal/model"
	"github.com/sakif/clickmodel/internal/service"
)

const (
	stateCookie  = "oauth_state"
	nextCookie   = "oauth_next"
	defaultNext  = "/dashboard"
	oauthErrPath = "/login?error=oauth_error"
)

// Authenticator is the part of *service.AuthService the handler uses.
type Authenticator interface {
	Signup(ctx context.Context, in service.SignupInput) (*service.AuthResult, error)
	Login(ctx context.Context, email, password string) (*service.AuthResult, error)
	LoginOrRegisterGoogle(ctx context.Context, g *auth.GoogleUser) (*service.AuthResult, error)
	VerifyEmail(ctx context.Context, token string) (*service.AuthResult, error)
	ResendVerification(ctx context.Context, email string) error
	RequestPasswordReset(ctx context.Context, email string) error
	ResetPassword(ctx context.Context, token, password string) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
}

// OAuthProvider is satisfied by *auth.GoogleProvider.
type OAuthProvider interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*auth.GoogleUser, error)
}

type AuthHandlerOptions struct {
	SessionTTL    time.Duration
	SecureCookies bool
	// Development keeps OAuth redirects on the request's own origin.
	Development bool
	// SiteURL, then AppURL, is the public origin used behind no proxy.
	SiteURL string
	AppURL  string
}

// AuthHandler serves password signup and login, the Google OAuth flow, email
// verification and password reset.
//
// Session tokens are only ever handed to the browser as the HttpOnly session
// cookie; response bodies carry the user profile, never the token.
type AuthHandler struct {
	auth   Authenticator
	google OAuthProvider // nil when Google sign-in is not configured
	opts   AuthHandlerOptions
	logger *slog.Logger
}

func NewAuthHandler(authn Authenticator, google OAuthProvider, opts AuthHandlerOptions, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{auth: authn, google: google, opts: opts, logger: logger}
}

type authResponse struct {
	User                 *model.User `json:"user"`
	VerificationRequired bool        `json:"verification_required,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// HandleSignup creates an account.
//
// HTTP: POST /auth/signup
// Body: {"email", "password", "full_name"}
//
// When email verification is on the response has no session and
// verification_required is true.
func (h *AuthHandler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var in service.SignupInput
	if err := decodeJSON(w, r, &in); err != nil {
		WriteError(w, err)
		return
	}

	res, err := h.auth.Signup(r.Context(), in)
	if err != nil {
		WriteError(w, err)
		return
	}

	if res.Token != "" {
		auth.SetSessionCookie(w, res.Token, h.opts.SessionTTL, h.opts.SecureCookies)
	}
	writeJSON(w, http.StatusCreated, authResponse{
		User:                 res.User,
		VerificationRequired: res.Token == "",
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandleLogin signs in with email and password.
//
// HTTP: POST /auth/login
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}

	res, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		WriteError(w, err)
		return
	}

	auth.SetSessionCookie(w, res.Token, h.opts.SessionTTL, h.opts.SecureCookies)
	writeJSON(w, http.StatusOK, authResponse{User: res.User})
}

// HandleLogout drops the session cookie. Sessions are stateless JWTs, so the
// token itself stays valid until it expires.
//
// HTTP: POST /auth/logout
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	auth.ClearSessionCookie(w, h.opts.SecureCookies)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// HandleGoogleLogin starts the OAuth flow.
//
// HTTP: GET /auth/google?next=/dashboard
//
// A random state goes into a short-lived cookie and is checked on the
// callback, which proves the callback belongs to a login started here. The
// post-login target travels in a second cookie because Google only calls back
// the registered URL.
func (h *AuthHandler) HandleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	if h.google == nil {
		http.Redirect(w, r, oauthErrPath, http.StatusSeeOther)
		return
	}

	state := xid.New().String()
	h.setShortCookie(w, stateCookie, state)
	h.setShortCookie(w, nextCookie, safeNext(r.URL.Query().Get("next")))

	http.Redirect(w, r, h.google.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleCallback completes the Google OAuth flow.
//
// HTTP: GET /auth/callback?code=&state=[&next=]
//
// Every failure lands on /login?error=oauth_error; details go to the log.
func (h *AuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	next := q.Get("next")
	if next == "" {
		if c, err := r.Cookie(nextCookie); err == nil {
			next = c.Value
		}
	}
	next = safeNext(next)

	state, err := r.Cookie(stateCookie)
	h.clearCookie(w, stateCookie)
	h.clearCookie(w, nextCookie)

	fail := func(reason string, attrs ...any) {
		h.logger.Warn("auth callback: "+reason, attrs...)
		http.Redirect(w, r, h.errorURL(r), http.StatusSeeOther)
	}

	switch {
	case h.google == nil:
		fail("google sign-in not configured")
		return
	case err != nil || state.Value == "" || q.Get("state") != state.Value:
		fail("state mismatch")
		return
	case q.Get("error") != "":
		fail("provider returned error", slog.String("error", q.Get("error")))
		return
	case q.Get("code") == "":
		fail("missing code")
		return
	}

	gu, err := h.google.Exchange(r.Context(), q.Get("code"))
	if err != nil {
		fail("code exchange failed", slog.String("error", err.Error()))
		return
	}
	res, err := h.auth.LoginOrRegisterGoogle(r.Context(), gu)
	if err != nil {
		fail("sign-in failed", slog.String("error", err.Error()))
		return
	}

	auth.SetSessionCookie(w, res.Token, h.opts.SessionTTL, h.opts.SecureCookies)
	http.Redirect(w, r, h.redirectBase(r)+next, http.StatusSeeOther)
}

// HandleVerifyEmail is the target of the link in the verification email.
//
// HTTP: GET /verify-email?token=
func (h *AuthHandler) HandleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	res, err := h.auth.VerifyEmail(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		h.logger.Info("email verification failed", slog.String("error", err.Error()))
		http.Redirect(w, r, "/login?error=verification_failed", http.StatusSeeOther)
		return
	}

	auth.SetSessionCookie(w, res.Token, h.opts.SessionTTL, h.opts.SecureCookies)
	http.Redirect(w, r, defaultNext, http.StatusSeeOther)
}

type emailRequest struct {
	Email string `json:"email"`
}

// HandleResendVerification mails a new verification link.
//
// HTTP: POST /auth/resend-verification
func (h *AuthHandler) HandleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.auth.ResendVerification(r.Context(), req.Email); err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{
		Message: "If the account exists and is unverified, a new link is on its way.",
	})
}

// HandleForgotPassword mails a reset link. The answer is the same whether or
// not the address has an account.
//
// HTTP: POST /auth/forgot-password
func (h *AuthHandler) HandleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.auth.RequestPasswordReset(r.Context(), req.Email); err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{
		Message: "If an account exists for that email, a reset link has been sent.",
	})
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// HandleResetPassword sets a new password from an emailed token.
//
// HTTP: POST /auth/reset-password
func (h *AuthHandler) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.auth.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Password updated. You can sign in now."})
}

// HandleMe returns the signed-in user's profile.
//
// HTTP: GET /api/me
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Code: "unauthorized"})
		return
	}

	user, err := h.auth.GetUserByID(r.Context(), userID)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// redirectBase picks the origin for post-login redirects:
//  1. development: the request's own origin
//  2. behind a proxy: https://<X-Forwarded-Host>
//  3. otherwise the configured site URL, then app URL, then the request origin
func (h *AuthHandler) redirectBase(r *http.Request) string {
	if h.opts.Development {
		return requestOrigin(r)
	}
	if fh := r.Header.Get("X-Forwarded-Host"); fh != "" {
		return "https://" + fh
	}
	return h.configuredOrigin(r)
}

// errorURL ignores X-Forwarded-Host.
func (h *AuthHandler) errorURL(r *http.Request) string {
	if h.opts.Development {
		return requestOrigin(r) + oauthErrPath
	}
	return h.configuredOrigin(r) + oauthErrPath
}

func (h *AuthHandler) configuredOrigin(r *http.Request) string {
	for _, u := range []string{h.opts.SiteURL, h.opts.AppURL} {
		if u != "" {
			return strings.TrimRight(u, "/")
		}
	}
	return requestOrigin(r)
}

func (h *AuthHandler) setShortCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   h.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// safeNext only lets local paths through, so the callback cannot be used as
// an open redirect.
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") ||
		strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return defaultNext
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return defaultNext
	}
	return next
}
