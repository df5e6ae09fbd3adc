package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"marketplace_redirect/internal/model"
)

const (
	sellersKey        = "sellers"
	sellerArticlesKey = "seller_articles"

	lockTimeout    = 5 * time.Second
	lockRetryDelay = 10 * time.Millisecond
)

// JSONFile implements Store on top of a single JSON document. Every mutation
// rewrites the whole document while holding an exclusive file lock.
type JSONFile struct {
	path string
	lock *flock.Flock
	mu   sync.Mutex
	opts options
	log  *slog.Logger
}

// NewJSONFile creates a JSONFile store at path. The file itself is created lazily.
func NewJSONFile(path string, opts ...Option) (*JSONFile, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	o := buildOptions(opts)
	return &JSONFile{
		path: path,
		lock: flock.New(path + ".lock"),
		opts: o,
		log:  o.log.With("component", "jsonfile", "path", path),
	}, nil
}

// Close releases the lock file handle.
func (s *JSONFile) Close() error {
	return s.lock.Close()
}

type counterEntry struct {
	RedirectCount uint64    `json:"redirect_count"`
	First         time.Time `json:"first_redirect_timestamp"`
	Last          time.Time `json:"last_redirect_timestamp"`
}

type articleEntry struct {
	Data        json.RawMessage     `json:"article_data"`
	LastUpdated time.Time           `json:"last_updated"`
	Status      model.ArticleStatus `json:"status"`
}

// document is the on-disk layout: article counters keyed by article id at the top
// level, next to the "sellers" and "seller_articles" sub-maps.
type document struct {
	articles       map[string]counterEntry
	sellers        map[string]*model.Seller
	sellerArticles map[string]map[string]articleEntry
}

func newDocument() *document {
	return &document{
		articles:       make(map[string]counterEntry),
		sellers:        make(map[string]*model.Seller),
		sellerArticles: make(map[string]map[string]articleEntry),
	}
}

func (d *document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.articles)+2)
	for id, c := range d.articles {
		out[id] = c
	}
	out[sellersKey] = d.sellers
	out[sellerArticlesKey] = d.sellerArticles
	return json.Marshal(out)
}

func (d *document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, v := range raw {
		switch key {
		case sellersKey:
			if err := json.Unmarshal(v, &d.sellers); err != nil {
				return fmt.Errorf("sellers: %w", err)
			}
		case sellerArticlesKey:
			if err := json.Unmarshal(v, &d.sellerArticles); err != nil {
				return fmt.Errorf("seller_articles: %w", err)
			}
		default:
			var c counterEntry
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("article %s: %w", key, err)
			}
			d.articles[key] = c
		}
	}
	if d.sellers == nil {
		d.sellers = make(map[string]*model.Seller)
	}
	if d.sellerArticles == nil {
		d.sellerArticles = make(map[string]map[string]articleEntry)
	}
	// null entries carry no record
	for id, sel := range d.sellers {
		if sel == nil {
			delete(d.sellers, id)
		}
	}
	for id, stored := range d.sellerArticles {
		if stored == nil {
			delete(d.sellerArticles, id)
		}
	}
	return nil
}

// load reads the document. A missing or unparsable file is an empty store.
func (s *JSONFile) load() (*document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return newDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}
	if len(data) == 0 {
		return newDocument(), nil
	}

	doc := newDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		s.log.Warn("unparsable store file, starting empty", "error", err)
		return newDocument(), nil
	}
	return doc, nil
}

// save writes the document to a temp file and renames it over the store.
func (s *JSONFile) save(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}

func (s *JSONFile) acquire(ctx context.Context) error {
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	ok, err := s.lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	if !ok {
		return fmt.Errorf("lock store: timed out after %s", lockTimeout)
	}
	return nil
}

// update runs fn on the current document and persists the result under the lock.
func (s *JSONFile) update(ctx context.Context, fn func(doc *document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer func() { _ = s.lock.Unlock() }()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.save(doc)
}

// view runs fn on the current document without persisting anything.
func (s *JSONFile) view(ctx context.Context, fn func(doc *document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer func() { _ = s.lock.Unlock() }()

	doc, err := s.load()
	if err != nil {
		return err
	}
	return fn(doc)
}

// IncrementArticleCounter creates the counter with count 1 or bumps it.
func (s *JSONFile) IncrementArticleCounter(ctx context.Context, articleID string) error {
	now := s.opts.now().UTC()
	err := s.update(ctx, func(doc *document) error {
		c, ok := doc.articles[articleID]
		if !ok {
			c = counterEntry{First: now}
		}
		c.RedirectCount++
		c.Last = now
		doc.articles[articleID] = c
		return nil
	})
	if err != nil {
		return fmt.Errorf("increment article counter: %w", err)
	}
	return nil
}

// GetArticleCounter returns the counter for articleID or ErrNotFound.
func (s *JSONFile) GetArticleCounter(ctx context.Context, articleID string) (*model.ArticleCounter, error) {
	var out *model.ArticleCounter
	err := s.view(ctx, func(doc *document) error {
		c, ok := doc.articles[articleID]
		if !ok {
			return ErrNotFound
		}
		out = &model.ArticleCounter{
			ArticleID:       articleID,
			RedirectCount:   c.RedirectCount,
			FirstRedirectAt: c.First,
			LastRedirectAt:  c.Last,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func touchSeller(doc *document, sellerID string, now time.Time) *model.Seller {
	sel, ok := doc.sellers[sellerID]
	if !ok {
		sel = &model.Seller{SellerID: sellerID, FirstTrackedAt: now, Active: true}
		doc.sellers[sellerID] = sel
	}
	sel.LastUpdatedAt = now
	return sel
}

// TrackSeller creates the seller record or bumps its last updated timestamp.
func (s *JSONFile) TrackSeller(ctx context.Context, sellerID string) error {
	now := s.opts.now().UTC()
	err := s.update(ctx, func(doc *document) error {
		touchSeller(doc, sellerID, now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("track seller: %w", err)
	}
	return nil
}

// GetSeller returns the seller record or ErrNotFound.
func (s *JSONFile) GetSeller(ctx context.Context, sellerID string) (*model.Seller, error) {
	var out *model.Seller
	err := s.view(ctx, func(doc *document) error {
		sel, ok := doc.sellers[sellerID]
		if !ok {
			return ErrNotFound
		}
		cp := *sel
		out = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CanFetch reports whether the minimum fetch interval has passed since the last API call.
func (s *JSONFile) CanFetch(ctx context.Context, sellerID string) (bool, error) {
	var last *time.Time
	err := s.view(ctx, func(doc *document) error {
		if sel, ok := doc.sellers[sellerID]; ok {
			last = sel.LastAPICallAt
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("read last api call: %w", err)
	}
	return fetchAllowed(last, s.opts.now(), s.opts.minFetchInterval), nil
}

// RecordAPICall sets the last API call to now, creating the seller record if needed.
func (s *JSONFile) RecordAPICall(ctx context.Context, sellerID string) error {
	now := s.opts.now().UTC()
	err := s.update(ctx, func(doc *document) error {
		sel, ok := doc.sellers[sellerID]
		if !ok {
			sel = touchSeller(doc, sellerID, now)
		}
		sel.LastAPICallAt = &now
		return nil
	})
	if err != nil {
		return fmt.Errorf("record api call: %w", err)
	}
	return nil
}

// ReplaceSellerArticles marks the seller's stored articles inactive and upserts the
// given set as active in a single document rewrite.
func (s *JSONFile) ReplaceSellerArticles(ctx context.Context, sellerID string, articles []model.Article) error {
	now := s.opts.now().UTC()

	encoded := make(map[string]json.RawMessage, len(articles))
	for _, a := range articles {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal article %s: %w", a.ID, err)
		}
		encoded[a.ID] = data
	}

	err := s.update(ctx, func(doc *document) error {
		touchSeller(doc, sellerID, now)

		stored, ok := doc.sellerArticles[sellerID]
		if !ok {
			stored = make(map[string]articleEntry, len(encoded))
			doc.sellerArticles[sellerID] = stored
		}
		for id, e := range stored {
			e.Status = model.ArticleInactive
			stored[id] = e
		}
		for id, data := range encoded {
			stored[id] = articleEntry{Data: data, LastUpdated: now, Status: model.ArticleActive}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace seller articles: %w", err)
	}
	return nil
}

// ListSellerArticles returns all stored articles of a seller ordered by article id.
func (s *JSONFile) ListSellerArticles(ctx context.Context, sellerID string) ([]model.SellerArticle, error) {
	var out []model.SellerArticle
	err := s.view(ctx, func(doc *document) error {
		stored := doc.sellerArticles[sellerID]
		out = make([]model.SellerArticle, 0, len(stored))
		for id, e := range stored {
			out = append(out, model.SellerArticle{
				SellerID:      sellerID,
				ArticleID:     id,
				Data:          e.Data,
				LastUpdatedAt: e.LastUpdated,
				Status:        e.Status,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list seller articles: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArticleID < out[j].ArticleID })
	return out, nil
}
