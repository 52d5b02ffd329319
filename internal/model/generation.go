package model

import (
	"fmt"
	"time"
)

// Category is the garment class the try-on model is conditioned on.
type Category string

const (
	CategoryTops      Category = "tops"
	CategoryBottoms   Category = "bottoms"
	CategoryOnePieces Category = "one-pieces"
)

// Categories lists every accepted category, in display order.
var Categories = []Category{CategoryTops, CategoryBottoms, CategoryOnePieces}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("model: unknown category %q", s)
}

// GenerationStatus is the lifecycle state of a Generation. Records are only
// written after the provider succeeded, so today the only stored value is
// completed.
type GenerationStatus string

const GenerationCompleted GenerationStatus = "completed"

// Generation is one completed try-on. The JSON names match the history table
// columns the dashboard gallery reads.
type Generation struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	GarmentImageURL string           `json:"image_url"`
	ModelImageURL   string           `json:"model_url"`
	ResultURL       string           `json:"result_url"`
	Category        Category         `json:"clothing_type"`
	Status          GenerationStatus `json:"status"`
	Cost            int              `json:"cost"`
	CreatedAt       time.Time        `json:"created_at"`
}
