// Package email sends transactional mail through SendGrid.
package email

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/url"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/sakif/clickmodel/internal/config"
)

//go:embed templates/*.html
var templateFS embed.FS

// ErrNotConfigured is returned by every send when no API key is set.
var ErrNotConfigured = errors.New("email: sendgrid api key not configured")

const supportEmail = "support@clickmodel.ai"

// Link lifetimes quoted in the mail bodies. The auth service owns the real
// expiry; keep these in step with it.
const (
	VerificationLifetime  = "24 hours"
	PasswordResetLifetime = "1 hour"
)

// deliverer is the part of *sendgrid.Client the mailer uses.
type deliverer interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type Mailer struct {
	client   deliverer
	from     *mail.Email
	brand    string
	baseURL  string
	log      *slog.Logger
	pages    map[string]*template.Template
	disabled bool
}

// NewMailer builds a mailer whose links point at baseURL. Without an API key
// the mailer still renders but every send returns ErrNotConfigured.
func NewMailer(cfg config.EmailConfig, baseURL string, log *slog.Logger) (*Mailer, error) {
	var client deliverer
	if cfg.SendGridAPIKey != "" {
		client = sendgrid.NewSendClient(cfg.SendGridAPIKey)
	}
	return newMailer(client, cfg, baseURL, log)
}

func newMailer(client deliverer, cfg config.EmailConfig, baseURL string, log *slog.Logger) (*Mailer, error) {
	pages := make(map[string]*template.Template)
	for _, name := range []string{"verification", "welcome", "password_reset"} {
		t, err := template.ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("email: parsing %s template: %w", name, err)
		}
		pages[name] = t
	}

	if client == nil {
		log.Warn("SENDGRID_API_KEY not set, emails will not be sent")
	}

	return &Mailer{
		client:   client,
		from:     mail.NewEmail(cfg.FromName, cfg.FromEmail),
		brand:    cfg.FromName,
		baseURL:  strings.TrimRight(baseURL, "/"),
		log:      log,
		pages:    pages,
		disabled: client == nil,
	}, nil
}

type pageData struct {
	Brand        string
	SupportEmail string
	Name         string
	Link         string
	ExpiresIn    string
}

func (m *Mailer) SendVerification(ctx context.Context, to, name, token string) error {
	return m.send(ctx, to, name, "Confirm your email - "+m.brand, "verification", pageData{
		Name:      displayName(name, to),
		Link:      m.link("/verify-email", token),
		ExpiresIn: VerificationLifetime,
	})
}

func (m *Mailer) SendWelcome(ctx context.Context, to, name string) error {
	return m.send(ctx, to, name, "Welcome to "+m.brand+"!", "welcome", pageData{
		Name: displayName(name, to),
		Link: m.baseURL + "/dashboard",
	})
}

func (m *Mailer) SendPasswordReset(ctx context.Context, to, token string) error {
	return m.send(ctx, to, "", "Password reset - "+m.brand, "password_reset", pageData{
		Link:      m.link("/reset-password", token),
		ExpiresIn: PasswordResetLifetime,
	})
}

func (m *Mailer) send(ctx context.Context, to, toName, subject, page string, data pageData) error {
	if m.disabled {
		return ErrNotConfigured
	}

	data.Brand = m.brand
	data.SupportEmail = supportEmail
	var body bytes.Buffer
	if err := m.pages[page].ExecuteTemplate(&body, "layout", data); err != nil {
		return fmt.Errorf("email: rendering %s: %w", page, err)
	}

	msg := mail.NewSingleEmail(m.from, subject, mail.NewEmail(toName, to), plainText(data), body.String())
	resp, err := m.client.SendWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("email: sending %s to %s: %w", page, to, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("email: sending %s to %s: sendgrid status %d: %s", page, to, resp.StatusCode, resp.Body)
	}

	m.log.Info("email sent",
		slog.String("template", page),
		slog.Int("status", resp.StatusCode),
		slog.String("message_id", firstHeader(resp.Headers, "X-Message-Id")))
	return nil
}

func (m *Mailer) link(path, token string) string {
	return m.baseURL + path + "?token=" + url.QueryEscape(token)
}

func plainText(d pageData) string {
	if d.ExpiresIn != "" {
		return fmt.Sprintf("Open this link (expires in %s): %s", d.ExpiresIn, d.Link)
	}
	return "Open " + d.Link
}

func displayName(name, addr string) string {
	if name != "" {
		return name
	}
	if at := strings.IndexByte(addr, '@'); at > 0 {
		return addr[:at]
	}
	return addr
}

func firstHeader(h map[string][]string, key string) string {
	for k, v := range h {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}
