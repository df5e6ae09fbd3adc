// Package redirect turns classified request paths into redirect decisions.
package redirect

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"marketplace_redirect/internal/classify"
	"marketplace_redirect/internal/metrics"
	"marketplace_redirect/internal/model"
)

const trackTimeout = 2 * time.Second

var directBuyIDRe = regexp.MustCompile(`-(\d+)/?(\?|$)`)

// SellerLookup resolves a seller id to its slug.
type SellerLookup interface {
	Resolve(ctx context.Context, sellerID string) (string, bool)
}

// Tracker records redirect side effects. Implementations must not fail the caller.
type Tracker interface {
	IncrementArticleCounter(ctx context.Context, articleID string)
	TrackSeller(ctx context.Context, sellerID string)
}

// Config holds the URLs a Resolver redirects to.
type Config struct {
	// BaseURL is the public base of profile pages, without trailing slash.
	BaseURL string
	// HomepageURL is the fallback for unknown sellers and unmatched paths.
	HomepageURL string
	// MarketplaceItemURL is the canonical item URL prefix; the article id is appended.
	MarketplaceItemURL string
	// DefaultSlug is used by TransformDirectBuyLink when no slug is given.
	DefaultSlug string
}

// Request is the normalized inbound request handed over by the HTTP host.
type Request struct {
	Path   string
	Method string
	Query  url.Values
}

// Resolver produces one Decision per request.
type Resolver struct {
	cfg     Config
	sellers SellerLookup
	tracker Tracker
	log     *slog.Logger
}

// New creates a Resolver.
func New(cfg Config, sellers SellerLookup, tracker Tracker, log *slog.Logger) *Resolver {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.HomepageURL == "" {
		cfg.HomepageURL = cfg.BaseURL + "/"
	}
	return &Resolver{
		cfg:     cfg,
		sellers: sellers,
		tracker: tracker,
		log:     log.With("component", "redirect"),
	}
}

// Resolve classifies req.Path and returns the redirect to serve. It always
// returns a redirect; lookup and tracking failures only affect counting.
func (r *Resolver) Resolve(ctx context.Context, req Request) model.Decision {
	intent := classify.Classify(req.Path)
	metrics.RedirectsTotal.WithLabelValues(intent.Kind.String()).Inc()

	switch intent.Kind {
	case classify.SellerProfile:
		slug, ok := r.sellers.Resolve(ctx, intent.SellerID)
		if !ok {
			r.log.Info("seller not found", "seller_id", intent.SellerID, "path", req.Path)
			return model.Decision{TargetURL: r.cfg.HomepageURL, StatusCode: http.StatusMovedPermanently}
		}
		r.track(ctx, func(ctx context.Context) { r.tracker.TrackSeller(ctx, intent.SellerID) })
		return model.Decision{
			TargetURL:       r.cfg.BaseURL + "/" + slug + "/",
			StatusCode:      http.StatusMovedPermanently,
			TrackedEntityID: intent.SellerID,
		}

	case classify.MarketplaceItem:
		r.track(ctx, func(ctx context.Context) { r.tracker.IncrementArticleCounter(ctx, intent.ArticleID) })
		return model.Decision{
			TargetURL:       r.cfg.MarketplaceItemURL + intent.ArticleID,
			StatusCode:      http.StatusMovedPermanently,
			TrackedEntityID: intent.ArticleID,
		}

	default:
		r.log.Debug("unmatched path", "path", req.Path, "method", req.Method)
		return model.Decision{TargetURL: r.cfg.HomepageURL, StatusCode: http.StatusFound}
	}
}

// track runs fn detached from the request's cancellation and bounded by trackTimeout.
func (r *Resolver) track(ctx context.Context, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), trackTimeout)
	defer cancel()
	fn(ctx)
}

// TransformDirectBuyLink rewrites a marketplace direct-buy URL into the branded
// short form. The input is returned unchanged when it carries no trailing id.
func (r *Resolver) TransformDirectBuyLink(rawURL, slug string) string {
	m := directBuyIDRe.FindStringSubmatch(rawURL)
	if m == nil {
		return rawURL
	}
	if slug == "" {
		slug = r.cfg.DefaultSlug
	}
	return r.cfg.BaseURL + "/" + slug + "/marketplace/" + m[1]
}
