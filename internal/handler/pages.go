package handler

import (
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/sakif/clickmodel/internal/auth"
	"github.com/sakif/clickmodel/internal/model"
)

//go:embed templates/*.html
var pageFS embed.FS

// PageHandler renders the server-side pages. They are deliberately plain:
// the dashboard is a thin shell that talks to the JSON API.
//
// Templates are parsed once at startup. Each page is parsed together with
// base.html, which defines the layout and pulls the page in through
// {{template "content" .}}.
type PageHandler struct {
	pages         map[string]*template.Template
	googleEnabled bool
	logger        *slog.Logger
}

func NewPageHandler(googleEnabled bool, logger *slog.Logger) (*PageHandler, error) {
	pages := make(map[string]*template.Template)
	for _, name := range []string{"login", "dashboard", "reset_password"} {
		t, err := template.ParseFS(pageFS, "templates/base.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("handler: parsing %s page: %w", name, err)
		}
		pages[name] = t
	}
	return &PageHandler{pages: pages, googleEnabled: googleEnabled, logger: logger}, nil
}

var loginErrors = map[string]string{
	"oauth_error":         "Google sign-in failed. Please try again.",
	"verification_failed": "That verification link is invalid or has expired.",
}

// HandleLogin serves GET /login.
func (h *PageHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	h.render(w, "login", map[string]any{
		"Title":         "Sign in - ClickModel.AI",
		"Error":         loginErrors[r.URL.Query().Get("error")],
		"GoogleEnabled": h.googleEnabled,
	})
}

// HandleDashboard serves GET /dashboard. Guests never get here; the route
// is wrapped in auth.RedirectGuests.
func (h *PageHandler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	h.render(w, "dashboard", map[string]any{
		"Title":      "Dashboard - ClickModel.AI",
		"UserID":     userID,
		"Categories": model.Categories,
	})
}

// HandleResetPassword serves GET /reset-password?token=, the target of the
// password reset email.
func (h *PageHandler) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	h.render(w, "reset_password", map[string]any{
		"Title": "Choose a new password - ClickModel.AI",
		"Token": r.URL.Query().Get("token"),
	})
}

func (h *PageHandler) render(w http.ResponseWriter, name string, data map[string]any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.pages[name].ExecuteTemplate(w, "base", data); err != nil {
		h.logger.Error("failed to render template",
			slog.String("page", name),
			slog.String("error", err.Error()))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
