// Package server is the HTTP host for the redirect core. It turns redirect
// decisions into responses and exposes the tracking lookup API.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketplace_redirect/internal/model"
	"marketplace_redirect/internal/redirect"
	"marketplace_redirect/internal/scheduler"
	"marketplace_redirect/internal/seller"
)

// APIRequestsPerMinute is the per-IP limit on /api routes.
const APIRequestsPerMinute = 60

// Redirector resolves inbound paths.
type Redirector interface {
	Resolve(ctx context.Context, req redirect.Request) model.Decision
	TransformDirectBuyLink(rawURL, slug string) string
}

// TrackingReader serves the read-only tracking API.
type TrackingReader interface {
	GetArticleCounter(ctx context.Context, articleID string) (*model.ArticleCounter, bool)
	GetSeller(ctx context.Context, sellerID string) (*model.Seller, bool)
	ListSellerArticles(ctx context.Context, sellerID string) []model.SellerArticle
}

// Updater triggers manual listing refreshes.
type Updater interface {
	TriggerUpdateSeller(ctx context.Context, sellerID string) bool
	TriggerUpdateAllSellers(ctx context.Context) scheduler.Summary
}

// Server wires the HTTP routes.
type Server struct {
	redirector Redirector
	tracking   TrackingReader
	updater    Updater
	log        *slog.Logger
}

// New creates a Server. updater may be nil when no external API is configured;
// the refresh endpoints then answer 503.
func New(redirector Redirector, tracking TrackingReader, updater Updater, log *slog.Logger) *Server {
	return &Server{
		redirector: redirector,
		tracking:   tracking,
		updater:    updater,
		log:        log.With("component", "http"),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.LimitByIP(APIRequestsPerMinute, time.Minute))

		r.Get("/articles/{articleID}", s.getArticle)
		r.Get("/sellers/{sellerID}", s.getSeller)
		r.Post("/sellers/refresh", s.refreshAll)
		r.Post("/sellers/{sellerID}/refresh", s.refreshSeller)
		r.Get("/links/transform", s.transformLink)
	})

	r.NotFound(s.redirect)
	r.MethodNotAllowed(s.redirect)
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) redirect(w http.ResponseWriter, r *http.Request) {
	d := s.redirector.Resolve(r.Context(), redirect.Request{
		Path:   r.URL.Path,
		Method: r.Method,
		Query:  r.URL.Query(),
	})
	http.Redirect(w, r, d.TargetURL, d.StatusCode)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // HTTP response write errors are not recoverable
	json.NewEncoder(w).Encode(data)
}

func (s *Server) getArticle(w http.ResponseWriter, r *http.Request) {
	id := seller.DigitsOnly(chi.URLParam(r, "articleID"))
	c, ok := s.tracking.GetArticleCounter(r.Context(), id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "article not tracked"})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type sellerResponse struct {
	*model.Seller
	Articles []model.SellerArticle `json:"articles"`
}

func (s *Server) getSeller(w http.ResponseWriter, r *http.Request) {
	id := seller.DigitsOnly(chi.URLParam(r, "sellerID"))
	sel, ok := s.tracking.GetSeller(r.Context(), id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "seller not tracked"})
		return
	}
	articles := s.tracking.ListSellerArticles(r.Context(), id)
	if articles == nil {
		articles = []model.SellerArticle{}
	}
	writeJSON(w, http.StatusOK, sellerResponse{Seller: sel, Articles: articles})
}

func (s *Server) refreshSeller(w http.ResponseWriter, r *http.Request) {
	if s.updater == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "scheduler disabled"})
		return
	}
	id := seller.DigitsOnly(chi.URLParam(r, "sellerID"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid seller id"})
		return
	}
	// A client hanging up must not abort a fetch whose API window is already spent.
	ok := s.updater.TriggerUpdateSeller(context.WithoutCancel(r.Context()), id)
	writeJSON(w, http.StatusAccepted, map[string]bool{"refreshed": ok})
}

func (s *Server) refreshAll(w http.ResponseWriter, r *http.Request) {
	if s.updater == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "scheduler disabled"})
		return
	}
	writeJSON(w, http.StatusAccepted, s.updater.TriggerUpdateAllSellers(context.WithoutCancel(r.Context())))
}

func (s *Server) transformLink(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "url is required"})
		return
	}
	out := s.redirector.TransformDirectBuyLink(raw, r.URL.Query().Get("slug"))
	writeJSON(w, http.StatusOK, map[string]any{
		"url":         out,
		"transformed": out != raw,
	})
}
