package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sakif/clickmodel/internal/apperror"
	"github.com/sakif/clickmodel/internal/auth"
	"github.com/sakif/clickmodel/internal/model"
	"github.com/sakif/clickmodel/internal/repository"
)

// CreditReader is the part of *service.CreditService the handler uses.
type CreditReader interface {
	Balance(ctx context.Context, userID string) (*model.CreditBalance, error)
	Transactions(ctx context.Context, userID string, opts repository.ListOptions) ([]model.CreditTransaction, error)
}

// CreditHandler exposes the caller's balance and ledger. The dashboard
// re-reads the balance after every generation instead of keeping its own
// count.
type CreditHandler struct {
	credits CreditReader
	logger  *slog.Logger
}

func NewCreditHandler(credits CreditReader, logger *slog.Logger) *CreditHandler {
	return &CreditHandler{credits: credits, logger: logger}
}

type balanceResponse struct {
	MonthlyCredits int        `json:"monthly_credits"`
	BonusCredits   int        `json:"bonus_credits"`
	Total          int        `json:"total"`
	Tier           model.Tier `json:"tier"`
}

// HandleBalance returns the caller's credits.
//
// HTTP: GET /api/credits
func (h *CreditHandler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		WriteError(w, apperror.Unauthorized(""))
		return
	}

	bal, err := h.credits.Balance(r.Context(), userID)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		MonthlyCredits: bal.MonthlyCredits,
		BonusCredits:   bal.BonusCredits,
		Total:          bal.Total(),
		Tier:           bal.Tier,
	})
}

// HandleTransactions returns the caller's ledger, newest first.
//
// HTTP: GET /api/credits/transactions[?limit=&offset=]
func (h *CreditHandler) HandleTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		WriteError(w, apperror.Unauthorized(""))
		return
	}

	txns, err := h.credits.Transactions(r.Context(), userID, listOptions(r))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}
