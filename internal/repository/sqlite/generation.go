package sqlite

import (
	"context"
	"fmt"

	"github.com/rs/xid"

	"github.com/sakif/clickmodel/internal/model"
	"github.com/sakif/clickmodel/internal/repository"
)

// CreateGeneration stores a completed try-on. ID, CreatedAt and Status are
// filled in when the caller leaves them empty.
func (db *DB) CreateGeneration(ctx context.Context, gen *model.Generation) error {
	if gen.ID == "" {
		gen.ID = xid.New().String()
	}
	if gen.CreatedAt.IsZero() {
		gen.CreatedAt = now()
	}
	if gen.Status == "" {
		gen.Status = model.GenerationCompleted
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO generations
			(id, user_id, image_url, model_url, result_url, clothing_type, status, cost, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gen.ID,
		gen.UserID,
		gen.GarmentImageURL,
		gen.ModelImageURL,
		gen.ResultURL,
		string(gen.Category),
		string(gen.Status),
		gen.Cost,
		gen.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating generation for %s: %w", gen.UserID, err)
	}
	return nil
}

// ListGenerations returns the user's whole history, newest first, unless
// opts pages it. xid ids sort by creation time, which breaks ties between rows
// stamped in the same instant.
func (db *DB) ListGenerations(ctx context.Context, userID string, opts repository.ListOptions) ([]model.Generation, error) {
	opts = opts.NormalizeAll()
	limit := opts.Limit
	if limit == 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, user_id, image_url, model_url, result_url, clothing_type, status, cost, created_at
		 FROM generations
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		userID, limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing generations for %s: %w", userID, err)
	}
	defer rows.Close()

	// Empty slice, not nil, so the JSON response is [] rather than null.
	gens := []model.Generation{}
	for rows.Next() {
		var (
			g        model.Generation
			category string
			status   string
		)
		if err := rows.Scan(&g.ID, &g.UserID, &g.GarmentImageURL, &g.ModelImageURL,
			&g.ResultURL, &category, &status, &g.Cost, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scanning generation: %w", err)
		}
		g.Category = model.Category(category)
		g.Status = model.GenerationStatus(status)
		gens = append(gens, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating generations: %w", err)
	}
	return gens, nil
}
