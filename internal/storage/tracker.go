package storage

import (
	"context"
	"errors"
	"log/slog"

	"marketplace_redirect/internal/metrics"
	"marketplace_redirect/internal/model"
)

// Tracker wraps a Store and turns every storage failure into a log line and a
// metric. Callers on the request path use it so that a tracking failure never
// changes the redirect they serve.
type Tracker struct {
	store Store
	log   *slog.Logger
}

// NewTracker creates a Tracker over store.
func NewTracker(store Store, log *slog.Logger) *Tracker {
	return &Tracker{store: store, log: log.With("component", "tracker")}
}

func (t *Tracker) fail(op string, err error, args ...any) {
	metrics.TrackingErrorsTotal.WithLabelValues(op).Inc()
	t.log.Error("tracking store failure", append([]any{"operation", op, "error", err}, args...)...)
}

// IncrementArticleCounter bumps the redirect counter of articleID.
func (t *Tracker) IncrementArticleCounter(ctx context.Context, articleID string) {
	if err := t.store.IncrementArticleCounter(ctx, articleID); err != nil {
		t.fail("increment_article_counter", err, "article_id", articleID)
	}
}

// GetArticleCounter returns the counter of articleID. ok is false when the
// counter does not exist or could not be read.
func (t *Tracker) GetArticleCounter(ctx context.Context, articleID string) (*model.ArticleCounter, bool) {
	c, err := t.store.GetArticleCounter(ctx, articleID)
	if errors.Is(err, ErrNotFound) {
		return nil, false
	}
	if err != nil {
		t.fail("get_article_counter", err, "article_id", articleID)
		return nil, false
	}
	return c, true
}

// TrackSeller creates or refreshes the seller record.
func (t *Tracker) TrackSeller(ctx context.Context, sellerID string) {
	if err := t.store.TrackSeller(ctx, sellerID); err != nil {
		t.fail("track_seller", err, "seller_id", sellerID)
	}
}

// GetSeller returns the seller record, ok is false when unknown or unreadable.
func (t *Tracker) GetSeller(ctx context.Context, sellerID string) (*model.Seller, bool) {
	s, err := t.store.GetSeller(ctx, sellerID)
	if errors.Is(err, ErrNotFound) {
		return nil, false
	}
	if err != nil {
		t.fail("get_seller", err, "seller_id", sellerID)
		return nil, false
	}
	return s, true
}

// CanFetch reports whether the seller may be fetched now. A store failure
// yields false so that an unreadable store never causes extra API traffic.
func (t *Tracker) CanFetch(ctx context.Context, sellerID string) bool {
	ok, err := t.store.CanFetch(ctx, sellerID)
	if err != nil {
		t.fail("can_fetch", err, "seller_id", sellerID)
		return false
	}
	return ok
}

// RecordAPICall stamps the seller's last API call with the current time.
func (t *Tracker) RecordAPICall(ctx context.Context, sellerID string) {
	if err := t.store.RecordAPICall(ctx, sellerID); err != nil {
		t.fail("record_api_call", err, "seller_id", sellerID)
	}
}

// ReplaceSellerArticles runs the mark-then-upsert sweep for a seller and
// reports whether it was persisted.
func (t *Tracker) ReplaceSellerArticles(ctx context.Context, sellerID string, articles []model.Article) bool {
	if err := t.store.ReplaceSellerArticles(ctx, sellerID, articles); err != nil {
		t.fail("replace_seller_articles", err, "seller_id", sellerID, "count", len(articles))
		return false
	}
	return true
}

// ListSellerArticles returns the stored articles of a seller, or nil on failure.
func (t *Tracker) ListSellerArticles(ctx context.Context, sellerID string) []model.SellerArticle {
	out, err := t.store.ListSellerArticles(ctx, sellerID)
	if err != nil {
		t.fail("list_seller_articles", err, "seller_id", sellerID)
		return nil
	}
	return out
}

// Close closes the underlying store.
func (t *Tracker) Close() error {
	return t.store.Close()
}
