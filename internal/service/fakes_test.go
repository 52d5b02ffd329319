package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sakif/clickmodel/internal/apperror"
	"github.com/sakif/clickmodel/internal/fal"
	"github.com/sakif/clickmodel/internal/model"
	"github.com/sakif/clickmodel/internal/repository"
)

// =========================================================================
// FAKE REPOSITORIES
// =========================================================================
//
// In-memory implementations of the repository interfaces. Each has an
// error field per operation so tests can simulate a failing database.

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---- users ----

type fakeUsers struct {
	mu        sync.Mutex
	byID      map[string]*model.User
	nextID    int
	createErr error
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byID: make(map[string]*model.User)}
}

func (f *fakeUsers) Create(_ context.Context, user *model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	user.Email = strings.ToLower(user.Email)
	for _, u := range f.byID {
		if u.Email == user.Email {
			return apperror.Conflict("user", user.Email)
		}
	}
	f.nextID++
	user.ID = fmt.Sprintf("user-%d", f.nextID)
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	stored := *user
	f.byID[user.ID] = &stored
	return nil
}

func (f *fakeUsers) GetUserByID(_ context.Context, id string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return nil, apperror.NotFound("user", id)
	}
	copied := *u
	return &copied, nil
}

func (f *fakeUsers) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range f.byID {
		if u.Email == email {
			copied := *u
			return &copied, nil
		}
	}
	return nil, apperror.NotFound("user", email)
}

func (f *fakeUsers) UpsertGoogle(ctx context.Context, user *model.User) (bool, error) {
	f.mu.Lock()
	var existing *model.User
	for _, u := range f.byID {
		if u.GoogleID == user.GoogleID || u.Email == strings.ToLower(user.Email) {
			existing = u
			break
		}
	}
	f.mu.Unlock()

	now := time.Now()
	if existing == nil {
		user.EmailVerifiedAt = &now
		return true, f.Create(ctx, user)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	existing.GoogleID = user.GoogleID
	if existing.EmailVerifiedAt == nil {
		existing.EmailVerifiedAt = &now
	}
	*user = *existing
	return false, nil
}

func (f *fakeUsers) MarkEmailVerified(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return apperror.NotFound("user", id)
	}
	if u.EmailVerifiedAt == nil {
		u.EmailVerifiedAt = &at
	}
	return nil
}

func (f *fakeUsers) UpdatePassword(_ context.Context, id, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return apperror.NotFound("user", id)
	}
	u.PasswordHash = hash
	return nil
}

// ---- credits ----

type fakeCredits struct {
	mu        sync.Mutex
	balances  map[string]*model.CreditBalance
	txns      []model.CreditTransaction
	nextID    int
	deductErr error
	refundErr error
	resetErr  error
	deducts   int
}

func newFakeCredits() *fakeCredits {
	return &fakeCredits{balances: make(map[string]*model.CreditBalance)}
}

// seed opens a balance directly, without a grant row.
func (f *fakeCredits) seed(userID string, monthly, bonus int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[userID] = &model.CreditBalance{UserID: userID, MonthlyCredits: monthly, BonusCredits: bonus, Tier: model.TierFree}
}

func (f *fakeCredits) total(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID].Total()
}

func (f *fakeCredits) kinds() []model.TransactionKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.TransactionKind, len(f.txns))
	for i, t := range f.txns {
		out[i] = t.Kind
	}
	return out
}

func (f *fakeCredits) record(ct model.CreditTransaction) *model.CreditTransaction {
	f.nextID++
	ct.ID = fmt.Sprintf("txn-%d", f.nextID)
	ct.CreatedAt = time.Now()
	f.txns = append(f.txns, ct)
	return &ct
}

func (f *fakeCredits) CreateBalance(_ context.Context, userID string, tier model.Tier) (*model.CreditBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.balances[userID]; ok {
		return nil, apperror.Conflict("credit balance", userID)
	}
	bal := &model.CreditBalance{UserID: userID, MonthlyCredits: tier.MonthlyAllowance(), Tier: tier}
	f.balances[userID] = bal
	f.record(model.CreditTransaction{UserID: userID, Kind: model.TransactionGrant, Amount: bal.MonthlyCredits, BalanceAfter: bal.Total()})
	copied := *bal
	return &copied, nil
}

func (f *fakeCredits) GetBalance(_ context.Context, userID string) (*model.CreditBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bal, ok := f.balances[userID]
	if !ok {
		return nil, apperror.NotFound("credit balance", userID)
	}
	copied := *bal
	return &copied, nil
}

func (f *fakeCredits) Deduct(_ context.Context, userID string, cost int, description string) (*model.CreditTransaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deducts++
	if f.deductErr != nil {
		return nil, false, f.deductErr
	}
	bal, ok := f.balances[userID]
	if !ok || bal.Total() < cost {
		return nil, false, nil
	}
	fromMonthly := min(bal.MonthlyCredits, cost)
	bal.MonthlyCredits -= fromMonthly
	bal.BonusCredits -= cost - fromMonthly
	return f.record(model.CreditTransaction{
		UserID: userID, Kind: model.TransactionDebit, Amount: -cost,
		Description: description, BalanceAfter: bal.Total(),
	}), true, nil
}

func (f *fakeCredits) Refund(_ context.Context, debitID, description string) (*model.CreditTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	var debit *model.CreditTransaction
	for i := range f.txns {
		t := &f.txns[i]
		if t.Kind == model.TransactionRefund && t.RefID == debitID {
			return nil, apperror.Conflict("refund", debitID)
		}
		if t.ID == debitID && t.Kind == model.TransactionDebit {
			debit = t
		}
	}
	if debit == nil {
		return nil, apperror.NotFound("debit", debitID)
	}
	bal := f.balances[debit.UserID]
	bal.BonusCredits += -debit.Amount
	return f.record(model.CreditTransaction{
		UserID: debit.UserID, Kind: model.TransactionRefund, Amount: -debit.Amount,
		Description: description, RefID: debitID, BalanceAfter: bal.Total(),
	}), nil
}

func (f *fakeCredits) ListTransactions(_ context.Context, userID string, _ repository.ListOptions) ([]model.CreditTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.CreditTransaction{}
	for i := len(f.txns) - 1; i >= 0; i-- {
		if f.txns[i].UserID == userID {
			out = append(out, f.txns[i])
		}
	}
	return out, nil
}

func (f *fakeCredits) ResetMonthlyCredits(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resetErr != nil {
		return 0, f.resetErr
	}
	for _, b := range f.balances {
		b.MonthlyCredits = b.Tier.MonthlyAllowance()
	}
	return int64(len(f.balances)), nil
}

// ---- generations ----

type fakeGenerations struct {
	mu        sync.Mutex
	gens      []model.Generation
	createErr error
	listErr   error
}

func (f *fakeGenerations) CreateGeneration(_ context.Context, gen *model.Generation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	gen.ID = fmt.Sprintf("gen-%d", len(f.gens)+1)
	if gen.CreatedAt.IsZero() {
		gen.CreatedAt = time.Now()
	}
	f.gens = append(f.gens, *gen)
	return nil
}

func (f *fakeGenerations) ListGenerations(_ context.Context, userID string, _ repository.ListOptions) ([]model.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := []model.Generation{}
	for _, g := range f.gens {
		if g.UserID == userID {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeGenerations) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.gens)
}

// ---- tokens ----

type fakeTokens struct {
	mu     sync.Mutex
	tokens map[string]*model.ActionToken
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{tokens: make(map[string]*model.ActionToken)}
}

func (f *fakeTokens) CreateToken(_ context.Context, t *model.ActionToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *t
	f.tokens[t.Token] = &copied
	return nil
}

func (f *fakeTokens) ConsumeToken(_ context.Context, token string, purpose model.TokenPurpose, now time.Time) (*model.ActionToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[token]
	if !ok || t.Purpose != purpose || t.UsedAt != nil || !now.Before(t.ExpiresAt) {
		return nil, apperror.NotFound(string(purpose)+" token", "(redacted)")
	}
	t.UsedAt = &now
	copied := *t
	return &copied, nil
}

// =========================================================================
// FAKE PROVIDER + MAILER
// =========================================================================

type fakeProvider struct {
	mu       sync.Mutex
	calls    []fal.Request
	ctxErrs  []error
	resultFn func(ctx context.Context) (*fal.Result, error)
}

func succeedingProvider(url string) *fakeProvider {
	return &fakeProvider{resultFn: func(context.Context) (*fal.Result, error) {
		return &fal.Result{RequestID: "req-1", Image: fal.Image{URL: url}}, nil
	}}
}

func failingProvider(err error) *fakeProvider {
	return &fakeProvider{resultFn: func(context.Context) (*fal.Result, error) { return nil, err }}
}

func (p *fakeProvider) Generate(ctx context.Context, req fal.Request) (*fal.Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	p.mu.Unlock()
	return p.resultFn(ctx)
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type sentMail struct {
	kind, to, token string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *fakeMailer) add(kind, to, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{kind, to, token})
	return nil
}

func (m *fakeMailer) SendVerification(_ context.Context, to, _ string, token string) error {
	return m.add("verification", to, token)
}

func (m *fakeMailer) SendWelcome(_ context.Context, to, _ string) error {
	return m.add("welcome", to, "")
}

func (m *fakeMailer) SendPasswordReset(_ context.Context, to, token string) error {
	return m.add("reset", to, token)
}

func (m *fakeMailer) last(kind string) (sentMail, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].kind == kind {
			return m.sent[i], true
		}
	}
	return sentMail{}, false
}
