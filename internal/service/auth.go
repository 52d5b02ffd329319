package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/jaevor/go-nanoid"

	"github.com/sakif/clickmodel/internal/apperror"
	"github.com/sakif/clickmodel/internal/auth"
	"github.com/sakif/clickmodel/internal/model"
	"github.com/sakif/clickmodel/internal/repository"
)

const (
	verificationTTL  = 24 * time.Hour
	passwordResetTTL = time.Hour
)

// Mailer sends the account emails. *email.Mailer implements it.
type Mailer interface {
	SendVerification(ctx context.Context, to, name, token string) error
	SendWelcome(ctx context.Context, to, name string) error
	SendPasswordReset(ctx context.Context, to, token string) error
}

type AuthOptions struct {
	// RequireEmailVerification blocks password logins until the emailed link
	// has been followed.
	RequireEmailVerification bool
}

// AuthService owns accounts: signup, login (password or Google), email
// verification and password reset. Every path that ends in a session makes
// sure the user has a credit balance.
type AuthService struct {
	users     repository.UserRepository
	credits   repository.CreditRepository
	tokens    repository.TokenRepository
	sessions  *auth.TokenService
	passwords *auth.PasswordService
	mailer    Mailer
	opts      AuthOptions
	logger    *slog.Logger
	newToken  func() string
	now       func() time.Time
}

func NewAuthService(
	users repository.UserRepository,
	credits repository.CreditRepository,
	tokens repository.TokenRepository,
	sessions *auth.TokenService,
	passwords *auth.PasswordService,
	mailer Mailer,
	opts AuthOptions,
	logger *slog.Logger,
) (*AuthService, error) {
	generate, err := nanoid.Standard(40)
	if err != nil {
		return nil, fmt.Errorf("service/auth: initializing token generator: %w", err)
	}
	return &AuthService{
		users:     users,
		credits:   credits,
		tokens:    tokens,
		sessions:  sessions,
		passwords: passwords,
		mailer:    mailer,
		opts:      opts,
		logger:    logger,
		newToken:  generate,
		now:       time.Now,
	}, nil
}

// AuthResult is a signed-in user. Token is empty when signup still needs
// email verification.
type AuthResult struct {
	User  *model.User
	Token string
}

type SignupInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

func (s *AuthService) Signup(ctx context.Context, in SignupInput) (*AuthResult, error) {
	addr, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordLength) {
			return nil, apperror.ValidationFailed("password", fmt.Sprintf(
				"password must be between %d and %d characters", auth.MinPasswordLength, auth.MaxPasswordLength))
		}
		return nil, fmt.Errorf("service/auth: hashing password: %w", err)
	}

	user := &model.User{
		Email:        addr,
		DisplayName:  strings.TrimSpace(in.FullName),
		PasswordHash: hash,
	}
	if !s.opts.RequireEmailVerification {
		t := s.now().UTC()
		user.EmailVerifiedAt = &t
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return nil, apperror.ValidationFailed("email", "An account with this email already exists")
		}
		return nil, fmt.Errorf("service/auth: creating user: %w", err)
	}
	if _, err := s.credits.CreateBalance(ctx, user.ID, model.TierFree); err != nil {
		return nil, fmt.Errorf("service/auth: opening balance for %s: %w", user.ID, err)
	}

	s.logger.Info("user signed up", slog.String("userID", user.ID))

	if !s.opts.RequireEmailVerification {
		return s.startSession(user)
	}

	token, err := s.issueToken(ctx, user.ID, model.PurposeEmailVerification, verificationTTL)
	if err != nil {
		return nil, err
	}
	// The account exists either way; a lost email can be re-requested.
	if err := s.mailer.SendVerification(ctx, user.Email, user.DisplayName, token); err != nil {
		s.logger.Warn("verification email not sent",
			slog.String("userID", user.ID),
			slog.String("error", err.Error()))
	}
	return &AuthResult{User: user}, nil
}

// ResendVerification mails a fresh link. Unknown and already verified
// addresses succeed silently so the endpoint does not reveal accounts.
func (s *AuthService) ResendVerification(ctx context.Context, email string) error {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("service/auth: looking up user: %w", err)
	}
	if user.Verified() {
		return nil
	}
	token, err := s.issueToken(ctx, user.ID, model.PurposeEmailVerification, verificationTTL)
	if err != nil {
		return err
	}
	if err := s.mailer.SendVerification(ctx, user.Email, user.DisplayName, token); err != nil {
		return fmt.Errorf("service/auth: sending verification email: %w", err)
	}
	return nil
}

var errInvalidCredentials = apperror.Unauthorized("Invalid email or password")

func (s *AuthService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, errInvalidCredentials
		}
		return nil, fmt.Errorf("service/auth: looking up user: %w", err)
	}
	if err := s.passwords.Verify(user.PasswordHash, password); err != nil {
		return nil, errInvalidCredentials
	}
	if s.opts.RequireEmailVerification && !user.Verified() {
		return nil, apperror.Forbidden("Please verify your email before signing in")
	}
	if err := s.ensureBalance(ctx, user.ID); err != nil {
		return nil, err
	}

	s.logger.Info("user logged in", slog.String("userID", user.ID))
	return s.startSession(user)
}

// LoginOrRegisterGoogle signs in a Google account, creating or linking the
// local user as needed.
func (s *AuthService) LoginOrRegisterGoogle(ctx context.Context, g *auth.GoogleUser) (*AuthResult, error) {
	if g == nil {
		return nil, fmt.Errorf("service/auth: Google user must not be nil")
	}
	// Linking by email is only safe when Google vouches for the address.
	if !g.EmailVerified {
		return nil, apperror.Forbidden("Google account email is not verified")
	}

	user := &model.User{
		GoogleID:    g.Subject,
		Email:       g.Email,
		DisplayName: g.Name,
		AvatarURL:   g.Picture,
	}
	created, err := s.users.UpsertGoogle(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("service/auth: upserting Google user: %w", err)
	}

	if created {
		if _, err := s.credits.CreateBalance(ctx, user.ID, model.TierFree); err != nil {
			return nil, fmt.Errorf("service/auth: opening balance for %s: %w", user.ID, err)
		}
		if err := s.mailer.SendWelcome(ctx, user.Email, user.DisplayName); err != nil {
			s.logger.Warn("welcome email not sent",
				slog.String("userID", user.ID),
				slog.String("error", err.Error()))
		}
	} else if err := s.ensureBalance(ctx, user.ID); err != nil {
		return nil, err
	}

	s.logger.Info("user authenticated via Google",
		slog.String("userID", user.ID),
		slog.Bool("created", created))
	return s.startSession(user)
}

func (s *AuthService) VerifyEmail(ctx context.Context, token string) (*AuthResult, error) {
	tok, err := s.tokens.ConsumeToken(ctx, token, model.PurposeEmailVerification, s.now())
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.ValidationFailed("token", "Invalid or expired verification link")
		}
		return nil, fmt.Errorf("service/auth: consuming verification token: %w", err)
	}

	if err := s.users.MarkEmailVerified(ctx, tok.UserID, s.now()); err != nil {
		return nil, fmt.Errorf("service/auth: verifying %s: %w", tok.UserID, err)
	}
	user, err := s.users.GetUserByID(ctx, tok.UserID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: fetching user %s: %w", tok.UserID, err)
	}
	if err := s.ensureBalance(ctx, user.ID); err != nil {
		return nil, err
	}

	if err := s.mailer.SendWelcome(ctx, user.Email, user.DisplayName); err != nil {
		s.logger.Warn("welcome email not sent",
			slog.String("userID", user.ID),
			slog.String("error", err.Error()))
	}

	s.logger.Info("email verified", slog.String("userID", user.ID))
	return s.startSession(user)
}

// RequestPasswordReset mails a reset link. An unknown address is not an
// error, but a failed send is: the user would otherwise wait for nothing.
func (s *AuthService) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			s.logger.Debug("password reset for unknown email")
			return nil
		}
		return fmt.Errorf("service/auth: looking up user: %w", err)
	}

	token, err := s.issueToken(ctx, user.ID, model.PurposePasswordReset, passwordResetTTL)
	if err != nil {
		return err
	}
	if err := s.mailer.SendPasswordReset(ctx, user.Email, token); err != nil {
		return fmt.Errorf("service/auth: sending password reset email: %w", err)
	}
	return nil
}

func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	hash, err := s.passwords.Hash(newPassword)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordLength) {
			return apperror.ValidationFailed("password", fmt.Sprintf(
				"password must be between %d and %d characters", auth.MinPasswordLength, auth.MaxPasswordLength))
		}
		return fmt.Errorf("service/auth: hashing password: %w", err)
	}

	tok, err := s.tokens.ConsumeToken(ctx, token, model.PurposePasswordReset, s.now())
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return apperror.ValidationFailed("token", "Invalid or expired reset link")
		}
		return fmt.Errorf("service/auth: consuming reset token: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, tok.UserID, hash); err != nil {
		return fmt.Errorf("service/auth: updating password for %s: %w", tok.UserID, err)
	}
	// Following the emailed link proves the address.
	if err := s.users.MarkEmailVerified(ctx, tok.UserID, s.now()); err != nil {
		return fmt.Errorf("service/auth: verifying %s: %w", tok.UserID, err)
	}

	s.logger.Info("password reset", slog.String("userID", tok.UserID))
	return nil
}

func (s *AuthService) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	if id == "" {
		return nil, fmt.Errorf("service/auth: user ID must not be empty")
	}
	user, err := s.users.GetUserByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service/auth: fetching user %s: %w", id, err)
	}
	return user, nil
}

// ensureBalance opens a free-tier balance for users created before their
// balance could be written.
func (s *AuthService) ensureBalance(ctx context.Context, userID string) error {
	_, err := s.credits.GetBalance(ctx, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, apperror.ErrNotFound) {
		return fmt.Errorf("service/auth: reading balance for %s: %w", userID, err)
	}
	_, err = s.credits.CreateBalance(ctx, userID, model.TierFree)
	if err != nil && !errors.Is(err, apperror.ErrConflict) {
		return fmt.Errorf("service/auth: opening balance for %s: %w", userID, err)
	}
	s.logger.Warn("opened missing credit balance", slog.String("userID", userID))
	return nil
}

func (s *AuthService) startSession(user *model.User) (*AuthResult, error) {
	token, err := s.sessions.Generate(user.ID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: generating session for %s: %w", user.ID, err)
	}
	return &AuthResult{User: user, Token: token}, nil
}

func (s *AuthService) issueToken(ctx context.Context, userID string, purpose model.TokenPurpose, ttl time.Duration) (string, error) {
	now := s.now().UTC()
	tok := &model.ActionToken{
		Token:     s.newToken(),
		UserID:    userID,
		Purpose:   purpose,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.tokens.CreateToken(ctx, tok); err != nil {
		return "", fmt.Errorf("service/auth: creating %s token: %w", purpose, err)
	}
	return tok.Token, nil
}

func normalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", apperror.ValidationFailed("email", "email is required")
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw {
		return "", apperror.ValidationFailed("email", "email is not a valid address")
	}
	return strings.ToLower(addr.Address), nil
}
