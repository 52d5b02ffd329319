package handler_test

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/sakif/clickmodel/internal/apperror"
	"github.com/sakif/clickmodel/internal/auth"
	"github.com/sakif/clickmodel/internal/model"
	"github.com/sakif/clickmodel/internal/repository"
	"github.com/sakif/clickmodel/internal/service"
)

// =========================================================================
// FAKES
// =========================================================================
//
// Each fake records what the handler passed in and returns canned values,
// so handler tests exercise only HTTP parsing, status mapping and cookies.

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGenerator struct {
	gotUserID  string
	gotReq     service.GenerationRequest
	result     *service.GenerationResult
	err        error
	gotCaller  string
	gotPriv    bool
	gotHistory string
	gotOpts    repository.ListOptions
	history    []model.Generation
	historyErr error
}

func (f *fakeGenerator) Submit(_ context.Context, userID string, req service.GenerationRequest) (*service.GenerationResult, error) {
	f.gotUserID = userID
	f.gotReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeGenerator) History(_ context.Context, callerID string, privileged bool, userID string, opts repository.ListOptions) ([]model.Generation, error) {
	f.gotCaller = callerID
	f.gotPriv = privileged
	f.gotHistory = userID
	f.gotOpts = opts
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.history, nil
}

type fakeAuthenticator struct {
	result *service.AuthResult
	err    error

	gotSignup   service.SignupInput
	gotEmail    string
	gotPassword string
	gotToken    string
	gotGoogle   *auth.GoogleUser
	user        *model.User
}

func (f *fakeAuthenticator) Signup(_ context.Context, in service.SignupInput) (*service.AuthResult, error) {
	f.gotSignup = in
	return f.result, f.err
}

func (f *fakeAuthenticator) Login(_ context.Context, email, password string) (*service.AuthResult, error) {
	f.gotEmail, f.gotPassword = email, password
	return f.result, f.err
}

func (f *fakeAuthenticator) LoginOrRegisterGoogle(_ context.Context, g *auth.GoogleUser) (*service.AuthResult, error) {
	f.gotGoogle = g
	return f.result, f.err
}

func (f *fakeAuthenticator) VerifyEmail(_ context.Context, token string) (*service.AuthResult, error) {
	f.gotToken = token
	return f.result, f.err
}

func (f *fakeAuthenticator) ResendVerification(_ context.Context, email string) error {
	f.gotEmail = email
	return f.err
}

func (f *fakeAuthenticator) RequestPasswordReset(_ context.Context, email string) error {
	f.gotEmail = email
	return f.err
}

func (f *fakeAuthenticator) ResetPassword(_ context.Context, token, password string) error {
	f.gotToken, f.gotPassword = token, password
	return f.err
}

func (f *fakeAuthenticator) GetUserByID(_ context.Context, id string) (*model.User, error) {
	if f.user == nil || f.user.ID != id {
		return nil, apperror.NotFound("user", id)
	}
	return f.user, nil
}

type fakeOAuth struct {
	gotState string
	gotCode  string
	user     *auth.GoogleUser
	err      error
}

func (f *fakeOAuth) AuthURL(state string) string {
	f.gotState = state
	return "https://accounts.example.com/o/oauth2/auth?state=" + state
}

func (f *fakeOAuth) Exchange(_ context.Context, code string) (*auth.GoogleUser, error) {
	f.gotCode = code
	return f.user, f.err
}

type fakeCreditReader struct {
	balance *model.CreditBalance
	txns    []model.CreditTransaction
	err     error
}

func (f *fakeCreditReader) Balance(_ context.Context, userID string) (*model.CreditBalance, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.balance, nil
}

func (f *fakeCreditReader) Transactions(_ context.Context, userID string, _ repository.ListOptions) ([]model.CreditTransaction, error) {
	return f.txns, f.err
}

type fakeUploader struct {
	gotOwner string
	gotType  string
	gotSize  int
	url      string
	err      error
}

func (f *fakeUploader) Upload(_ context.Context, ownerID string, data []byte, contentType string) (string, error) {
	f.gotOwner, f.gotType, f.gotSize = ownerID, contentType, len(data)
	return f.url, f.err
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func verifiedUser(id string) *model.User {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &model.User{ID: id, Email: id + "@example.com", EmailVerifiedAt: &now, CreatedAt: now, UpdatedAt: now}
}
