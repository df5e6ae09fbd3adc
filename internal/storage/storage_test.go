package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"marketplace_redirect/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type backendFactory struct {
	name string
	open func(t *testing.T, opts ...Option) Store
}

func backends() []backendFactory {
	return []backendFactory{
		{
			name: "relational",
			open: func(t *testing.T, opts ...Option) Store {
				t.Helper()
				s, err := NewSQLite(filepath.Join(t.TempDir(), "tracking.db"), opts...)
				if err != nil {
					t.Fatalf("new sqlite: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
		{
			name: "flatfile",
			open: func(t *testing.T, opts ...Option) Store {
				t.Helper()
				opts = append(opts, WithLogger(discardLogger()))
				s, err := NewJSONFile(filepath.Join(t.TempDir(), "tracking.json"), opts...)
				if err != nil {
					t.Fatalf("new json file: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
	}
}

func TestArticleCounter(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clock := newFakeClock()
			s := b.open(t, WithClock(clock.Now))

			if _, err := s.GetArticleCounter(ctx, "1141031082"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get before increment: got %v, want ErrNotFound", err)
			}

			first := clock.Now()
			for i := 0; i < 3; i++ {
				if err := s.IncrementArticleCounter(ctx, "1141031082"); err != nil {
					t.Fatalf("increment %d: %v", i, err)
				}
				clock.Advance(time.Minute)
			}

			got, err := s.GetArticleCounter(ctx, "1141031082")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			want := &model.ArticleCounter{
				ArticleID:       "1141031082",
				RedirectCount:   3,
				FirstRedirectAt: first,
				LastRedirectAt:  first.Add(2 * time.Minute),
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("GetArticleCounter mismatch (-want +got):\n%s", diff)
			}

			if _, err := s.GetArticleCounter(ctx, "999"); !errors.Is(err, ErrNotFound) {
				t.Errorf("other id: got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	const workers = 25

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)

			var wg sync.WaitGroup
			errs := make(chan error, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- s.IncrementArticleCounter(ctx, "42")
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("increment: %v", err)
				}
			}

			got, err := s.GetArticleCounter(ctx, "42")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.RedirectCount != workers {
				t.Errorf("RedirectCount = %d, want %d", got.RedirectCount, workers)
			}
		})
	}
}

func TestJSONFileSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tracking.json")
	const perInstance = 10

	var stores []*JSONFile
	for i := 0; i < 2; i++ {
		s, err := NewJSONFile(path, WithLogger(discardLogger()))
		if err != nil {
			t.Fatalf("new json file: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		stores = append(stores, s)
	}

	var wg sync.WaitGroup
	for _, s := range stores {
		for i := 0; i < perInstance; i++ {
			wg.Add(1)
			go func(s *JSONFile) {
				defer wg.Done()
				if err := s.IncrementArticleCounter(ctx, "7"); err != nil {
					t.Errorf("increment: %v", err)
				}
			}(s)
		}
	}
	wg.Wait()

	got, err := stores[0].GetArticleCounter(ctx, "7")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RedirectCount != 2*perInstance {
		t.Errorf("RedirectCount = %d, want %d", got.RedirectCount, 2*perInstance)
	}
}

func TestCanFetch(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		advance time.Duration
		want    bool
	}{
		{name: "immediately after call", advance: 0, want: false},
		{name: "just under interval", advance: 299 * time.Second, want: false},
		{name: "exactly at interval", advance: 300 * time.Second, want: true},
		{name: "well past interval", advance: time.Hour, want: true},
	}

	for _, b := range backends() {
		for _, tt := range tests {
			t.Run(b.name+"/"+tt.name, func(t *testing.T) {
				clock := newFakeClock()
				s := b.open(t, WithClock(clock.Now))

				ok, err := s.CanFetch(ctx, "34434899")
				if err != nil {
					t.Fatalf("can fetch: %v", err)
				}
				if !ok {
					t.Fatal("unknown seller should be fetchable")
				}

				if err := s.RecordAPICall(ctx, "34434899"); err != nil {
					t.Fatalf("record api call: %v", err)
				}
				clock.Advance(tt.advance)

				got, err := s.CanFetch(ctx, "34434899")
				if err != nil {
					t.Fatalf("can fetch: %v", err)
				}
				if got != tt.want {
					t.Errorf("CanFetch after %s = %v, want %v", tt.advance, got, tt.want)
				}
			})
		}
	}
}

func TestTrackSeller(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clock := newFakeClock()
			s := b.open(t, WithClock(clock.Now))
			start := clock.Now()

			if err := s.TrackSeller(ctx, "34434899"); err != nil {
				t.Fatalf("track: %v", err)
			}
			clock.Advance(time.Hour)
			if err := s.TrackSeller(ctx, "34434899"); err != nil {
				t.Fatalf("track again: %v", err)
			}

			got, err := s.GetSeller(ctx, "34434899")
			if err != nil {
				t.Fatalf("get seller: %v", err)
			}
			want := &model.Seller{
				SellerID:       "34434899",
				FirstTrackedAt: start,
				LastUpdatedAt:  start.Add(time.Hour),
				Active:         true,
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("GetSeller mismatch (-want +got):\n%s", diff)
			}

			if _, err := s.GetSeller(ctx, "1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("unknown seller: got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestRecordAPICallCreatesSeller(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clock := newFakeClock()
			s := b.open(t, WithClock(clock.Now))
			now := clock.Now()

			if err := s.RecordAPICall(ctx, "5"); err != nil {
				t.Fatalf("record api call: %v", err)
			}

			got, err := s.GetSeller(ctx, "5")
			if err != nil {
				t.Fatalf("get seller: %v", err)
			}
			want := &model.Seller{
				SellerID:       "5",
				FirstTrackedAt: now,
				LastUpdatedAt:  now,
				LastAPICallAt:  &now,
				Active:         true,
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("GetSeller mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

type storedArticle struct {
	ID     string
	Title  string
	Status model.ArticleStatus
}

func listStored(t *testing.T, s Store, sellerID string) []storedArticle {
	t.Helper()
	rows, err := s.ListSellerArticles(context.Background(), sellerID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	out := make([]storedArticle, 0, len(rows))
	for _, r := range rows {
		var a model.Article
		if err := json.Unmarshal(r.Data, &a); err != nil {
			t.Fatalf("decode article %s: %v", r.ArticleID, err)
		}
		out = append(out, storedArticle{ID: r.ArticleID, Title: a.Title, Status: r.Status})
	}
	return out
}

func TestReplaceSellerArticles(t *testing.T) {
	ctx := context.Background()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)

			first := []model.Article{
				{ID: "1", Title: "Lamp", SellerID: "9"},
				{ID: "2", Title: "Chair", SellerID: "9"},
			}
			if err := s.ReplaceSellerArticles(ctx, "9", first); err != nil {
				t.Fatalf("replace first: %v", err)
			}

			second := []model.Article{
				{ID: "2", Title: "Chair (reduced)", SellerID: "9"},
				{ID: "3", Title: "Table", SellerID: "9"},
			}
			if err := s.ReplaceSellerArticles(ctx, "9", second); err != nil {
				t.Fatalf("replace second: %v", err)
			}

			want := []storedArticle{
				{ID: "1", Title: "Lamp", Status: model.ArticleInactive},
				{ID: "2", Title: "Chair (reduced)", Status: model.ArticleActive},
				{ID: "3", Title: "Table", Status: model.ArticleActive},
			}
			if diff := cmp.Diff(want, listStored(t, s, "9")); diff != "" {
				t.Errorf("articles mismatch (-want +got):\n%s", diff)
			}

			if _, err := s.GetSeller(ctx, "9"); err != nil {
				t.Errorf("seller should be tracked after replace: %v", err)
			}
			if got := listStored(t, s, "other"); len(got) != 0 {
				t.Errorf("other seller has %d articles, want 0", len(got))
			}
		})
	}
}

func TestJSONFileCorruptIsEmpty(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tracking.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := NewJSONFile(path, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("new json file: %v", err)
	}
	defer func() { _ = s.Close() }()

	if _, err := s.GetArticleCounter(ctx, "1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get on corrupt file: got %v, want ErrNotFound", err)
	}
	if err := s.IncrementArticleCounter(ctx, "1"); err != nil {
		t.Fatalf("increment on corrupt file: %v", err)
	}
	got, err := s.GetArticleCounter(ctx, "1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RedirectCount != 1 {
		t.Errorf("RedirectCount = %d, want 1", got.RedirectCount)
	}
}

func TestJSONFileNullEntries(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tracking.json")
	doc := `{"sellers":{"34434899":null},"seller_articles":{"34434899":null}}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := NewJSONFile(path, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("new json file: %v", err)
	}
	defer func() { _ = s.Close() }()

	if _, err := s.GetSeller(ctx, "34434899"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSeller: got %v, want ErrNotFound", err)
	}
	ok, err := s.CanFetch(ctx, "34434899")
	if err != nil || !ok {
		t.Fatalf("CanFetch = %v, %v; want true, nil", ok, err)
	}
	if err := s.TrackSeller(ctx, "34434899"); err != nil {
		t.Fatalf("TrackSeller: %v", err)
	}
	if err := s.RecordAPICall(ctx, "34434899"); err != nil {
		t.Fatalf("RecordAPICall: %v", err)
	}
	if err := s.ReplaceSellerArticles(ctx, "34434899", []model.Article{{ID: "1"}}); err != nil {
		t.Fatalf("ReplaceSellerArticles: %v", err)
	}

	sel, err := s.GetSeller(ctx, "34434899")
	if err != nil {
		t.Fatalf("GetSeller: %v", err)
	}
	if sel.LastAPICallAt == nil {
		t.Error("LastAPICallAt not recorded")
	}
	articles, err := s.ListSellerArticles(ctx, "34434899")
	if err != nil {
		t.Fatalf("ListSellerArticles: %v", err)
	}
	if len(articles) != 1 || articles[0].Status != model.ArticleActive {
		t.Errorf("articles = %+v, want one active", articles)
	}
}

func TestJSONFileLayout(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tracking.json")
	s, err := NewJSONFile(path, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("new json file: %v", err)
	}
	defer func() { _ = s.Close() }()

	if err := s.IncrementArticleCounter(ctx, "1141031082"); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := s.TrackSeller(ctx, "34434899"); err != nil {
		t.Fatalf("track: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got := raw["1141031082"]["redirect_count"]; got != float64(1) {
		t.Errorf("redirect_count = %v, want 1", got)
	}
	if _, ok := raw["sellers"]["34434899"]; !ok {
		t.Errorf("sellers sub-map missing seller: %v", raw["sellers"])
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		backend string
		path    string
		wantErr error
	}{
		{name: "relational", backend: BackendRelational, path: filepath.Join(dir, "a.db")},
		{name: "flatfile", backend: BackendFlatFile, path: filepath.Join(dir, "a.json")},
		{name: "unknown", backend: "redis", path: "x", wantErr: ErrUnknownBackend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(tt.backend, tt.path)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			_ = s.Close()
		})
	}
}
