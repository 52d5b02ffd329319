package postgres

import (
	"context"
	"fmt"

	"github.com/rs/xid"

	"github.com/sakif/clickmodel/internal/model"
	"github.com/sakif/clickmodel/internal/repository"
)

func (q *Queries) CreateGeneration(ctx context.Context, gen *model.Generation) error {
	if gen.ID == "" {
		gen.ID = xid.New().String()
	}
	if gen.CreatedAt.IsZero() {
		gen.CreatedAt = now()
	}
	if gen.Status == "" {
		gen.Status = model.GenerationCompleted
	}

	_, err := q.db.Exec(ctx,
		`INSERT INTO generations
			(id, user_id, image_url, model_url, result_url, clothing_type, status, cost, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		gen.ID, gen.UserID, gen.GarmentImageURL, gen.ModelImageURL, gen.ResultURL,
		string(gen.Category), string(gen.Status), gen.Cost, gen.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: creating generation for %s: %w", gen.UserID, err)
	}
	return nil
}

// ListGenerations returns the user's whole history, newest first, unless
// opts pages it. LIMIT NULL is no limit.
func (q *Queries) ListGenerations(ctx context.Context, userID string, opts repository.ListOptions) ([]model.Generation, error) {
	opts = opts.NormalizeAll()
	var limit *int
	if opts.Limit > 0 {
		limit = &opts.Limit
	}
	rows, err := q.db.Query(ctx,
		`SELECT id, user_id, image_url, model_url, result_url, clothing_type, status, cost, created_at
		 FROM generations
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2::bigint OFFSET $3`,
		userID, limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: listing generations for %s: %w", userID, err)
	}
	defer rows.Close()

	gens := []model.Generation{}
	for rows.Next() {
		var (
			g        model.Generation
			category string
			status   string
		)
		if err := rows.Scan(&g.ID, &g.UserID, &g.GarmentImageURL, &g.ModelImageURL,
			&g.ResultURL, &category, &status, &g.Cost, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scanning generation: %w", err)
		}
		g.Category = model.Category(category)
		g.Status = model.GenerationStatus(status)
		gens = append(gens, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterating generations: %w", err)
	}
	return gens, nil
}
