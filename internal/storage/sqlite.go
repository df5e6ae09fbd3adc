package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"marketplace_redirect/internal/model"
	"marketplace_redirect/migrations"
)

const timeLayout = time.RFC3339Nano

// SQLite implements Store backed by a SQLite database file.
type SQLite struct {
	db   *sqlx.DB
	opts options
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string, opts ...Option) (*SQLite, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection per process: in-process writers queue on the pool and other
	// processes are handled by the busy timeout.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", pragma, err)
		}
	}

	if err := migrations.Run(db.DB); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db, opts: buildOptions(opts)}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) now() string {
	return s.opts.now().UTC().Format(timeLayout)
}

// IncrementArticleCounter creates the counter with count 1 or bumps it atomically.
func (s *SQLite) IncrementArticleCounter(ctx context.Context, articleID string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO article_redirects (article_id, redirect_count, first_redirect_timestamp, last_redirect_timestamp)
		 VALUES (?, 1, ?, ?)
		 ON CONFLICT (article_id) DO UPDATE SET
		     redirect_count = redirect_count + 1,
		     last_redirect_timestamp = excluded.last_redirect_timestamp`,
		articleID, now, now,
	)
	if err != nil {
		return fmt.Errorf("increment article counter: %w", err)
	}
	return nil
}

type counterRow struct {
	ArticleID     string `db:"article_id"`
	RedirectCount uint64 `db:"redirect_count"`
	First         string `db:"first_redirect_timestamp"`
	Last          string `db:"last_redirect_timestamp"`
}

// GetArticleCounter returns the counter for articleID or ErrNotFound.
func (s *SQLite) GetArticleCounter(ctx context.Context, articleID string) (*model.ArticleCounter, error) {
	var row counterRow
	err := s.db.GetContext(ctx, &row,
		`SELECT article_id, redirect_count, first_redirect_timestamp, last_redirect_timestamp
		 FROM article_redirects WHERE article_id = ?`, articleID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get article counter: %w", err)
	}
	c := &model.ArticleCounter{
		ArticleID:     row.ArticleID,
		RedirectCount: row.RedirectCount,
	}
	c.FirstRedirectAt, _ = time.Parse(timeLayout, row.First)
	c.LastRedirectAt, _ = time.Parse(timeLayout, row.Last)
	return c, nil
}

// TrackSeller creates the seller record or bumps its last_updated timestamp.
func (s *SQLite) TrackSeller(ctx context.Context, sellerID string) error {
	if err := trackSeller(ctx, s.db, sellerID, s.now()); err != nil {
		return fmt.Errorf("track seller: %w", err)
	}
	return nil
}

func trackSeller(ctx context.Context, ex sqlx.ExecerContext, sellerID, now string) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO sellers (seller_id, first_tracked_timestamp, last_updated, active)
		 VALUES (?, ?, ?, 1)
		 ON CONFLICT (seller_id) DO UPDATE SET last_updated = excluded.last_updated`,
		sellerID, now, now,
	)
	return err
}

type sellerRow struct {
	SellerID     string         `db:"seller_id"`
	FirstTracked string         `db:"first_tracked_timestamp"`
	LastUpdated  string         `db:"last_updated"`
	LastAPICall  sql.NullString `db:"last_api_call"`
	Active       int            `db:"active"`
}

// GetSeller returns the seller record or ErrNotFound.
func (s *SQLite) GetSeller(ctx context.Context, sellerID string) (*model.Seller, error) {
	var row sellerRow
	err := s.db.GetContext(ctx, &row,
		`SELECT seller_id, first_tracked_timestamp, last_updated, last_api_call, active
		 FROM sellers WHERE seller_id = ?`, sellerID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get seller: %w", err)
	}
	sel := &model.Seller{
		SellerID: row.SellerID,
		Active:   row.Active == 1,
	}
	sel.FirstTrackedAt, _ = time.Parse(timeLayout, row.FirstTracked)
	sel.LastUpdatedAt, _ = time.Parse(timeLayout, row.LastUpdated)
	if row.LastAPICall.Valid {
		t, _ := time.Parse(timeLayout, row.LastAPICall.String)
		sel.LastAPICallAt = &t
	}
	return sel, nil
}

// CanFetch reports whether the minimum fetch interval has passed since the last API call.
func (s *SQLite) CanFetch(ctx context.Context, sellerID string) (bool, error) {
	var last sql.NullString
	err := s.db.GetContext(ctx, &last, `SELECT last_api_call FROM sellers WHERE seller_id = ?`, sellerID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !last.Valid) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read last api call: %w", err)
	}
	t, err := time.Parse(timeLayout, last.String)
	if err != nil {
		return false, fmt.Errorf("parse last api call %q: %w", last.String, err)
	}
	return fetchAllowed(&t, s.opts.now(), s.opts.minFetchInterval), nil
}

// RecordAPICall sets last_api_call to now, creating the seller record if needed.
func (s *SQLite) RecordAPICall(ctx context.Context, sellerID string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sellers (seller_id, first_tracked_timestamp, last_updated, last_api_call, active)
		 VALUES (?, ?, ?, ?, 1)
		 ON CONFLICT (seller_id) DO UPDATE SET last_api_call = excluded.last_api_call`,
		sellerID, now, now, now,
	)
	if err != nil {
		return fmt.Errorf("record api call: %w", err)
	}
	return nil
}

// ReplaceSellerArticles marks all stored articles of the seller inactive and upserts
// the given set as active, in one transaction.
func (s *SQLite) ReplaceSellerArticles(ctx context.Context, sellerID string, articles []model.Article) error {
	now := s.now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := trackSeller(ctx, tx, sellerID, now); err != nil {
		return fmt.Errorf("track seller: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE seller_articles SET status = ? WHERE seller_id = ?`,
		string(model.ArticleInactive), sellerID,
	); err != nil {
		return fmt.Errorf("mark articles inactive: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO seller_articles (seller_id, article_id, article_data, last_updated, status)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (seller_id, article_id) DO UPDATE SET
		     article_data = excluded.article_data,
		     last_updated = excluded.last_updated,
		     status = excluded.status`,
	)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, a := range articles {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal article %s: %w", a.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, sellerID, a.ID, string(data), now, string(model.ArticleActive)); err != nil {
			return fmt.Errorf("upsert article %s: %w", a.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type sellerArticleRow struct {
	SellerID    string `db:"seller_id"`
	ArticleID   string `db:"article_id"`
	Data        string `db:"article_data"`
	LastUpdated string `db:"last_updated"`
	Status      string `db:"status"`
}

// ListSellerArticles returns all stored articles of a seller ordered by article id.
func (s *SQLite) ListSellerArticles(ctx context.Context, sellerID string) ([]model.SellerArticle, error) {
	var rows []sellerArticleRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT seller_id, article_id, article_data, last_updated, status
		 FROM seller_articles WHERE seller_id = ? ORDER BY article_id`, sellerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list seller articles: %w", err)
	}

	articles := make([]model.SellerArticle, 0, len(rows))
	for _, r := range rows {
		a := model.SellerArticle{
			SellerID:  r.SellerID,
			ArticleID: r.ArticleID,
			Data:      json.RawMessage(r.Data),
			Status:    model.ArticleStatus(r.Status),
		}
		a.LastUpdatedAt, _ = time.Parse(timeLayout, r.LastUpdated)
		articles = append(articles, a)
	}
	return articles, nil
}
