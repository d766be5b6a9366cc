package model

import "time"

// PendingFood is an unreviewed catalog entry awaiting normalization.
type PendingFood struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// CanonicalFood is an already-approved catalog entry.
type CanonicalFood struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Normalization is the classification result for a single pending food.
type Normalization struct {
	NormalizedName *string  `json:"normalized_name"`
	Quantity       *float64 `json:"quantity"`
	Unit           *string  `json:"unit"`
	IsGibberish    bool     `json:"is_gibberish"`
}
