// Package model defines the domain types used across the application.
package model

import (
	"encoding/json"
	"time"
)

// Decision is the outcome of resolving a single inbound path.
// It is produced per request and never persisted.
type Decision struct {
	TargetURL       string
	StatusCode      int
	TrackedEntityID string
}

// ArticleCounter holds redirect statistics for one marketplace article.
type ArticleCounter struct {
	ArticleID       string    `json:"article_id"`
	RedirectCount   uint64    `json:"redirect_count"`
	FirstRedirectAt time.Time `json:"first_redirect_timestamp"`
	LastRedirectAt  time.Time `json:"last_redirect_timestamp"`
}

// Seller is the tracking record for a seller whose listings are refreshed.
type Seller struct {
	SellerID       string     `json:"seller_id"`
	FirstTrackedAt time.Time  `json:"first_tracked_timestamp"`
	LastUpdatedAt  time.Time  `json:"last_updated"`
	LastAPICallAt  *time.Time `json:"last_api_call,omitempty"`
	Active         bool       `json:"active"`
}

// ArticleStatus marks whether a stored listing was present in the latest fetch.
type ArticleStatus string

// Supported article statuses.
const (
	ArticleActive   ArticleStatus = "active"
	ArticleInactive ArticleStatus = "inactive"
)

// SellerArticle is a stored listing belonging to a seller.
type SellerArticle struct {
	SellerID      string          `json:"seller_id"`
	ArticleID     string          `json:"article_id"`
	Data          json.RawMessage `json:"article_data"`
	LastUpdatedAt time.Time       `json:"last_updated"`
	Status        ArticleStatus   `json:"status"`
}

// Article is a normalized listing returned by the marketplace API.
type Article struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Price        string          `json:"price,omitempty"`
	Currency     string          `json:"currency"`
	Status       string          `json:"status,omitempty"`
	PublishDate  string          `json:"publish_date,omitempty"`
	SellerID     string          `json:"seller_id"`
	CanonicalURL string          `json:"canonical_url"`
	ImageURL     string          `json:"image_url,omitempty"`
	RawData      json.RawMessage `json:"raw_data,omitempty"`
}

// RefreshEvent announces that a seller's listings were replaced after a fetch.
type RefreshEvent struct {
	SellerID     string    `json:"seller_id"`
	ArticleCount int       `json:"article_count"`
	RefreshedAt  time.Time `json:"refreshed_at"`
}
