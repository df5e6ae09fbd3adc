// Package fetcher downloads and normalizes seller listings from the marketplace API.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"marketplace_redirect/internal/metrics"
	"marketplace_redirect/internal/model"
)

const (
	defaultTitle    = "Unknown Title"
	defaultCurrency = "EUR"
	maxBodySize     = 5 * 1024 * 1024
)

var (
	// ErrHTTPStatus is returned for API responses with status >= 400.
	ErrHTTPStatus = errors.New("unexpected status")
	// ErrParse is returned when the API payload is not the expected JSON.
	ErrParse = errors.New("malformed payload")
)

// statusError is an API response with status >= 400.
type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("%s %d", ErrHTTPStatus, e.code) }
func (e *statusError) Unwrap() error  { return ErrHTTPStatus }

// tripsBreaker reports whether err points at the API being unavailable rather
// than at the requested seller. Client errors other than 429 are per-seller.
func tripsBreaker(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= http.StatusInternalServerError || se.code == http.StatusTooManyRequests
	}
	return true
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Tracker is the subset of the tracking store the fetcher reads and writes.
type Tracker interface {
	CanFetch(ctx context.Context, sellerID string) bool
	RecordAPICall(ctx context.Context, sellerID string)
	ReplaceSellerArticles(ctx context.Context, sellerID string, articles []model.Article) bool
}

// Publisher announces refreshed sellers to downstream consumers.
type Publisher interface {
	PublishRefresh(ctx context.Context, ev model.RefreshEvent) error
}

// Config controls the API endpoint and the retry policy.
type Config struct {
	// APIBase is the seller endpoint prefix; the seller id is appended as a path segment.
	APIBase string
	// ItemURL is the canonical item URL prefix; the article id is appended.
	ItemURL string
	// MaxAttempts bounds the HTTP attempts per fetch.
	MaxAttempts int
	// BaseDelay is the backoff after the first failed attempt; it doubles per attempt.
	BaseDelay time.Duration
	// RequestsPerSecond paces attempts across all sellers. Zero or less disables pacing.
	RequestsPerSecond float64
	// BreakerFailures is the number of consecutive failed attempts that opens the breaker.
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open.
	BreakerTimeout time.Duration
}

// DefaultConfig returns the production retry policy.
func DefaultConfig() Config {
	return Config{
		ItemURL:           "https://willhaben.at/iad/object?adId=",
		MaxAttempts:       3,
		BaseDelay:         2 * time.Second,
		RequestsPerSecond: 1,
		BreakerFailures:   5,
		BreakerTimeout:    time.Minute,
	}
}

// Fetcher pulls a seller's listings, honouring the per-seller rate limit kept in the tracker.
type Fetcher struct {
	client    HTTPClient
	tracker   Tracker
	publisher Publisher
	cfg       Config
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker[[]byte]
	inflight  singleflight.Group
	log       *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates a Fetcher. publisher may be nil.
func New(client HTTPClient, tracker Tracker, publisher Publisher, cfg Config, log *slog.Logger) *Fetcher {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	f := &Fetcher{
		client:    client,
		tracker:   tracker,
		publisher: publisher,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, 1),
		log:       log.With("component", "fetcher"),
		now:       time.Now,
		sleep:     sleepContext,
	}
	f.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "marketplace-api",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !tripsBreaker(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return f
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

type fetchResult struct {
	articles []model.Article
	ok       bool
}

// FetchSellerArticles fetches and stores the current listings of sellerID.
// ok is false when the seller is inside its rate-limit window, when the fetch
// failed or when the listings could not be stored; stored listings are left
// untouched in the first two cases. Concurrent calls for the same seller share
// one fetch.
func (f *Fetcher) FetchSellerArticles(ctx context.Context, sellerID string) ([]model.Article, bool) {
	v, _, _ := f.inflight.Do(sellerID, func() (any, error) {
		articles, ok := f.fetchSellerArticles(ctx, sellerID)
		return fetchResult{articles: articles, ok: ok}, nil
	})
	r := v.(fetchResult)
	return r.articles, r.ok
}

func (f *Fetcher) fetchSellerArticles(ctx context.Context, sellerID string) ([]model.Article, bool) {
	log := f.log.With("seller_id", sellerID)

	if !f.tracker.CanFetch(ctx, sellerID) {
		metrics.ArticleFetchTotal.WithLabelValues(metrics.FetchSkipped).Inc()
		log.Debug("fetch skipped, rate limited")
		return nil, false
	}
	if f.breaker.State() == gobreaker.StateOpen {
		metrics.ArticleFetchTotal.WithLabelValues(metrics.FetchBreakerOpen).Inc()
		log.Warn("fetch skipped, circuit breaker open")
		return nil, false
	}
	f.tracker.RecordAPICall(ctx, sellerID)

	body, err := f.fetchWithRetry(ctx, f.sellerURL(sellerID))
	if err != nil {
		metrics.ArticleFetchTotal.WithLabelValues(metrics.FetchFailed).Inc()
		log.Error("fetch seller articles", "error", err)
		return nil, false
	}

	articles, err := f.parse(sellerID, body)
	if err != nil {
		metrics.ArticleFetchTotal.WithLabelValues(metrics.FetchParseFailed).Inc()
		log.Error("parse seller articles", "error", err)
		return nil, false
	}
	log.Info("fetched seller articles", "count", len(articles))

	if len(articles) > 0 {
		if !f.tracker.ReplaceSellerArticles(ctx, sellerID, articles) {
			metrics.ArticleFetchTotal.WithLabelValues(metrics.FetchNotStored).Inc()
			return nil, false
		}
		f.publish(ctx, sellerID, len(articles))
	}
	metrics.ArticleFetchTotal.WithLabelValues(metrics.FetchSuccess).Inc()
	return articles, true
}

func (f *Fetcher) sellerURL(sellerID string) string {
	return strings.TrimRight(f.cfg.APIBase, "/") + "/" + sellerID
}

func (f *Fetcher) publish(ctx context.Context, sellerID string, count int) {
	if f.publisher == nil {
		return
	}
	ev := model.RefreshEvent{SellerID: sellerID, ArticleCount: count, RefreshedAt: f.now().UTC()}
	if err := f.publisher.PublishRefresh(ctx, ev); err != nil {
		f.log.Warn("publish refresh event", "seller_id", sellerID, "error", err)
	}
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	var err error

	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		body, err = f.attempt(ctx, url)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, fmt.Errorf("attempt %d: %w", attempt, err)
		}

		if attempt == f.cfg.MaxAttempts {
			break
		}

		backoff := f.calculateBackoff(attempt)
		f.log.Warn("request failed, retrying",
			"url", url,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		if err := f.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("after %d attempts: %w", f.cfg.MaxAttempts, err)
}

// calculateBackoff returns BaseDelay * 2^(attempt-1): 2s, 4s, 8s for the default policy.
func (f *Fetcher) calculateBackoff(attempt int) time.Duration {
	backoff := f.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		backoff *= 2
	}
	return backoff
}

func (f *Fetcher) attempt(ctx context.Context, url string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limiter: %w", err)
	}
	metrics.FetchAttemptsTotal.Inc()
	return f.breaker.Execute(func() ([]byte, error) {
		return f.doRequest(ctx, url)
	})
}

func (f *Fetcher) doRequest(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "MarketplaceRedirect/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &statusError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

type apiResponse struct {
	AdvertList []json.RawMessage `json:"advertList"`
}

type apiItem struct {
	ID          flexString `json:"id"`
	Description string     `json:"description"`
	Price       flexString `json:"price"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	PublishDate string     `json:"publishDate"`
	ImageURL    string     `json:"imageUrl"`
}

// flexString accepts a JSON string or number.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

// parse decodes the API payload and normalizes its items. Items without an id are dropped.
func (f *Fetcher) parse(sellerID string, body []byte) ([]model.Article, error) {
	var resp apiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	articles := make([]model.Article, 0, len(resp.AdvertList))
	for _, raw := range resp.AdvertList {
		var item apiItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		if item.ID == "" {
			continue
		}
		articles = append(articles, f.normalize(sellerID, item, raw))
	}
	return articles, nil
}

func (f *Fetcher) normalize(sellerID string, item apiItem, raw json.RawMessage) model.Article {
	a := model.Article{
		ID:           string(item.ID),
		Title:        item.Description,
		Price:        string(item.Price),
		Currency:     item.Currency,
		Status:       item.Status,
		PublishDate:  item.PublishDate,
		SellerID:     sellerID,
		CanonicalURL: f.cfg.ItemURL + string(item.ID),
		ImageURL:     item.ImageURL,
		RawData:      raw,
	}
	if a.Title == "" {
		a.Title = defaultTitle
	}
	if a.Currency == "" {
		a.Currency = defaultCurrency
	}
	return a
}
