// Package seller resolves numeric seller ids to their public slugs.
package seller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// Map is the static sellerID -> slug configuration.
type Map map[string]string

type mapFile struct {
	Sellers Map `yaml:"sellers"`
}

// LoadMap reads a YAML seller map. A missing file yields an empty map.
func LoadMap(path string) (Map, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if os.IsNotExist(err) {
		return Map{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read seller map: %w", err)
	}

	var f mapFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seller map: %w", err)
	}
	if f.Sellers == nil {
		return Map{}, nil
	}
	return f.Sellers, nil
}

// IDs returns the seller ids in ascending order.
func (m Map) IDs() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolver looks up slugs in the static map first and then in a directory tree
// where <root>/<slug>/<sellerID>.json marks the seller's slug.
type Resolver struct {
	static Map
	root   string
	ttl    time.Duration
	log    *slog.Logger
	now    func() time.Time

	group   singleflight.Group
	mu      sync.RWMutex
	index   map[string]string
	builtAt time.Time
}

// NewResolver creates a Resolver. A zero ttl rebuilds the directory index on every miss.
func NewResolver(static Map, root string, ttl time.Duration, log *slog.Logger) *Resolver {
	if static == nil {
		static = Map{}
	}
	return &Resolver{
		static: static,
		root:   root,
		ttl:    ttl,
		log:    log.With("component", "seller-resolver"),
		now:    time.Now,
	}
}

// Resolve returns the slug for sellerID. Non-digit characters are stripped first.
func (r *Resolver) Resolve(ctx context.Context, sellerID string) (string, bool) {
	id := DigitsOnly(sellerID)
	if id == "" {
		return "", false
	}
	if slug, ok := r.static[id]; ok {
		return slug, true
	}
	if r.root == "" {
		return "", false
	}

	index, err := r.directoryIndex(ctx)
	if err != nil {
		r.log.Warn("scan seller directories", "root", r.root, "seller_id", id, "error", err)
		return "", false
	}
	slug, ok := index[id]
	return slug, ok
}

func (r *Resolver) directoryIndex(ctx context.Context) (map[string]string, error) {
	r.mu.RLock()
	index, builtAt := r.index, r.builtAt
	r.mu.RUnlock()
	if index != nil && r.now().Sub(builtAt) < r.ttl {
		return index, nil
	}

	v, err, _ := r.group.Do("index", func() (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idx, err := scanRoot(r.root)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.index = idx
		r.builtAt = r.now()
		r.mu.Unlock()
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

// scanRoot builds sellerID -> slug from marker files. Subdirectories are visited in
// name order, and the first directory holding a marker wins.
func scanRoot(root string) (map[string]string, error) {
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read root: %w", err)
	}

	index := make(map[string]string)
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, d.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || !strings.HasSuffix(name, ".json") {
				continue
			}
			id := strings.TrimSuffix(name, ".json")
			if id == "" || DigitsOnly(id) != id {
				continue
			}
			if _, seen := index[id]; !seen {
				index[id] = d.Name()
			}
		}
	}
	return index, nil
}

// DigitsOnly strips every character that is not an ASCII digit.
func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
