// Package storage persists redirect counters, seller records and seller listings.
//
// Two interchangeable backends implement Store: SQLite (an embedded relational
// file) and JSONFile (a single flat JSON document). The backend is chosen once at
// startup. Tracker wraps a Store for callers that must never see a storage error.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketplace_redirect/internal/model"
)

// DefaultMinFetchInterval is the minimum spacing between API calls for one seller.
const DefaultMinFetchInterval = 5 * time.Minute

// Backend names accepted by Open.
const (
	BackendRelational = "relational"
	BackendFlatFile   = "flatfile"
)

var (
	// ErrNotFound is returned by point lookups for absent records.
	ErrNotFound = errors.New("not found")
	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// Store is the interface for all tracking persistence operations.
type Store interface {
	IncrementArticleCounter(ctx context.Context, articleID string) error
	GetArticleCounter(ctx context.Context, articleID string) (*model.ArticleCounter, error)

	TrackSeller(ctx context.Context, sellerID string) error
	GetSeller(ctx context.Context, sellerID string) (*model.Seller, error)
	CanFetch(ctx context.Context, sellerID string) (bool, error)
	RecordAPICall(ctx context.Context, sellerID string) error

	ReplaceSellerArticles(ctx context.Context, sellerID string, articles []model.Article) error
	ListSellerArticles(ctx context.Context, sellerID string) ([]model.SellerArticle, error)

	Close() error
}

type options struct {
	now              func() time.Time
	minFetchInterval time.Duration
	log              *slog.Logger
}

// Option configures a backend.
type Option func(*options)

// WithClock overrides the time source used for timestamps and rate limiting.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMinFetchInterval overrides DefaultMinFetchInterval.
func WithMinFetchInterval(d time.Duration) Option {
	return func(o *options) { o.minFetchInterval = d }
}

// WithLogger sets the logger used for backend warnings.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

func buildOptions(opts []Option) options {
	o := options{
		now:              time.Now,
		minFetchInterval: DefaultMinFetchInterval,
		log:              slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open creates the backend named by backend. path is the SQLite DSN or JSON file path.
func Open(backend, path string, opts ...Option) (Store, error) {
	switch backend {
	case BackendRelational:
		return NewSQLite(path, opts...)
	case BackendFlatFile:
		return NewJSONFile(path, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// fetchAllowed reports whether a seller whose last API call was at last may be fetched at now.
func fetchAllowed(last *time.Time, now time.Time, interval time.Duration) bool {
	if last == nil {
		return true
	}
	return now.Sub(*last) >= interval
}
