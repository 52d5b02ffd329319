package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/sakif/clickmodel/internal/apperror"
	"github.com/sakif/clickmodel/internal/fal"
	"github.com/sakif/clickmodel/internal/metrics"
	"github.com/sakif/clickmodel/internal/model"
	"github.com/sakif/clickmodel/internal/repository"
)

// Provider produces a try-on image. *fal.Client implements it.
type Provider interface {
	Generate(ctx context.Context, req fal.Request) (*fal.Result, error)
}

type GenerationOptions struct {
	Cost            int
	RefundOnFailure bool
	// ProviderTimeout bounds the provider call, which is detached from the
	// client request so a dropped connection does not waste a paid result.
	ProviderTimeout time.Duration
}

// GenerationService is the generation gateway: it charges the caller, calls
// the provider and records the result.
type GenerationService struct {
	credits     repository.CreditRepository
	generations repository.GenerationRepository
	provider    Provider
	opts        GenerationOptions
	logger      *slog.Logger
}

func NewGenerationService(
	credits repository.CreditRepository,
	generations repository.GenerationRepository,
	provider Provider,
	opts GenerationOptions,
	logger *slog.Logger,
) *GenerationService {
	if opts.Cost < 1 {
		opts.Cost = 1
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 5 * time.Minute
	}
	return &GenerationService{
		credits:     credits,
		generations: generations,
		provider:    provider,
		opts:        opts,
		logger:      logger,
	}
}

type GenerationRequest struct {
	GarmentImageURL string `json:"garment_image_url"`
	HumanImageURL   string `json:"human_image_url"`
	Category        string `json:"category"`
	Prompt          string `json:"prompt,omitempty"`
}

type GenerationResult struct {
	ResultURL string
	// GenerationID is empty when the history record could not be saved.
	GenerationID string
}

// Submit runs one paid generation.
//
// Order of operations:
//  1. the caller must be known
//  2. the request must be complete and well formed
//  3. one conditional UPDATE takes the credits, or nothing happens
//  4. the provider is called once, with no retries
//  5. on provider failure the debit is refunded (when enabled)
//  6. on success a history record is written; failing that is logged only
func (s *GenerationService) Submit(ctx context.Context, userID string, req GenerationRequest) (*GenerationResult, error) {
	if userID == "" {
		return nil, apperror.Unauthorized("")
	}
	category, err := validateGenerationRequest(&req)
	if err != nil {
		return nil, err
	}

	debit, ok, err := s.credits.Deduct(ctx, userID, s.opts.Cost, "Generated "+string(category))
	if err != nil {
		metrics.RecordGeneration(metrics.OutcomeLedgerError)
		s.logger.Error("credit deduction failed",
			slog.String("userID", userID),
			slog.String("error", err.Error()))
		return nil, apperror.TransactionFailed(err)
	}
	if !ok {
		metrics.RecordGeneration(metrics.OutcomeInsufficientCredits)
		return nil, apperror.InsufficientCredits()
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ProviderTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.provider.Generate(pctx, fal.Request{
		HumanImageURL:   req.HumanImageURL,
		GarmentImageURL: req.GarmentImageURL,
		Category:        string(category),
		Description:     req.Prompt,
	})
	metrics.ObserveProvider(time.Since(start))
	if err != nil {
		metrics.RecordGeneration(metrics.OutcomeProviderError)
		s.logger.Error("generation provider failed",
			slog.String("userID", userID),
			slog.String("debitID", debit.ID),
			slog.String("error", err.Error()))
		refunded := s.compensate(ctx, debit)
		return nil, apperror.GenerationFailed(err, refunded)
	}

	metrics.RecordGeneration(metrics.OutcomeSuccess)
	result := &GenerationResult{ResultURL: res.Image.URL}

	gen := &model.Generation{
		UserID:          userID,
		GarmentImageURL: req.GarmentImageURL,
		ModelImageURL:   req.HumanImageURL,
		ResultURL:       res.Image.URL,
		Category:        category,
		Status:          model.GenerationCompleted,
		Cost:            s.opts.Cost,
	}
	if err := s.generations.CreateGeneration(context.WithoutCancel(ctx), gen); err != nil {
		metrics.RecordPersistenceFailure()
		s.logger.Warn("generation succeeded but history record was not saved",
			slog.String("userID", userID),
			slog.String("resultURL", res.Image.URL),
			slog.String("error", err.Error()))
		return result, nil
	}

	result.GenerationID = gen.ID
	s.logger.Info("generation completed",
		slog.String("userID", userID),
		slog.String("generationID", gen.ID),
		slog.String("category", string(category)))
	return result, nil
}

// compensate reverses the debit after a provider failure and reports whether
// the caller got the credit back.
func (s *GenerationService) compensate(ctx context.Context, debit *model.CreditTransaction) bool {
	if !s.opts.RefundOnFailure {
		s.logger.Error("provider failed after debit; credit not refunded, needs reconciliation",
			slog.String("userID", debit.UserID),
			slog.String("debitID", debit.ID))
		return false
	}

	_, err := s.credits.Refund(context.WithoutCancel(ctx), debit.ID, "Refund: generation failed")
	switch {
	case err == nil:
		metrics.RecordRefund(true)
		return true
	case errors.Is(err, apperror.ErrConflict):
		// Already refunded by an earlier attempt.
		return true
	default:
		metrics.RecordRefund(false)
		s.logger.Error("refund failed; credit lost until reconciled",
			slog.String("userID", debit.UserID),
			slog.String("debitID", debit.ID),
			slog.String("error", err.Error()))
		return false
	}
}

// History returns a user's generations, newest first. callerID is the
// session user; privileged callers (service key) may read any user.
func (s *GenerationService) History(ctx context.Context, callerID string, privileged bool, userID string, opts repository.ListOptions) ([]model.Generation, error) {
	if userID == "" {
		return nil, apperror.ValidationFailed("userId", "userId is required")
	}
	if !privileged {
		if callerID == "" {
			return nil, apperror.Unauthorized("")
		}
		if callerID != userID {
			return nil, apperror.Forbidden("You can only view your own history")
		}
	}

	gens, err := s.generations.ListGenerations(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("service/generation: listing history for %s: %w", userID, err)
	}
	return gens, nil
}

func validateGenerationRequest(req *GenerationRequest) (model.Category, error) {
	req.GarmentImageURL = strings.TrimSpace(req.GarmentImageURL)
	req.HumanImageURL = strings.TrimSpace(req.HumanImageURL)
	req.Category = strings.TrimSpace(req.Category)
	req.Prompt = strings.TrimSpace(req.Prompt)

	switch {
	case req.GarmentImageURL == "":
		return "", apperror.ValidationFailed("garment_image_url", "Missing required fields")
	case req.HumanImageURL == "":
		return "", apperror.ValidationFailed("human_image_url", "Missing required fields")
	case req.Category == "":
		return "", apperror.ValidationFailed("category", "Missing required fields")
	}

	if !isHTTPURL(req.GarmentImageURL) {
		return "", apperror.ValidationFailed("garment_image_url", "garment_image_url must be an absolute http(s) URL")
	}
	if !isHTTPURL(req.HumanImageURL) {
		return "", apperror.ValidationFailed("human_image_url", "human_image_url must be an absolute http(s) URL")
	}

	category, err := model.ParseCategory(req.Category)
	if err != nil {
		return "", apperror.ValidationFailed("category", "category must be one of tops, bottoms, one-pieces")
	}
	return category, nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
