// Package scheduler periodically refreshes seller listings through the article fetcher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketplace_redirect/internal/metrics"
)

// Config holds the scheduler timing.
type Config struct {
	// Tick is the interval between sweeps over the seller list.
	Tick time.Duration
	// UpdateInterval is the minimum spacing between scheduled fetches of one seller.
	UpdateInterval time.Duration
}

// DefaultConfig returns a 60s tick and a 300s per-seller update interval.
func DefaultConfig() Config {
	return Config{Tick: time.Minute, UpdateInterval: 5 * time.Minute}
}

// Summary reports the outcome of a manual full update.
type Summary struct {
	Total     int `json:"total"`
	Refreshed int `json:"refreshed"`
	Skipped   int `json:"skipped"`
}

// Scheduler drives the article fetcher over a fixed list of sellers.
type Scheduler struct {
	fetcher ArticleFetcher
	lock    Locker
	sellers []string
	cfg     Config
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	lastRun map[string]time.Time
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Scheduler for the given seller ids.
func New(fetcher ArticleFetcher, lock Locker, sellers []string, cfg Config, log *slog.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	return &Scheduler{
		fetcher: fetcher,
		lock:    lock,
		sellers: sellers,
		cfg:     cfg,
		log:     log.With("component", "scheduler"),
		now:     time.Now,
		lastRun: make(map[string]time.Time, len(sellers)),
	}
}

// Start runs the scheduler loop in the background. It is a no-op if already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	s.stopCh, s.doneCh = stopCh, doneCh
	s.mu.Unlock()

	s.log.Info("starting scheduler", "tick", s.cfg.Tick, "update_interval", s.cfg.UpdateInterval, "sellers", len(s.sellers))

	go func() {
		defer func() {
			s.mu.Lock()
			if s.doneCh == doneCh {
				s.running = false
			}
			s.mu.Unlock()
			close(doneCh)
		}()
		s.loop(ctx, stopCh)
	}()
}

// Stop signals the loop to exit and waits for it. An in-flight fetch,
// including its backoff, completes before the loop observes the signal.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh

	s.log.Info("scheduler stopped")
}

// Run blocks running the scheduler loop until ctx is cancelled. When another
// instance holds the lock the run is skipped and Run returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	err := s.run(ctx, nil)
	if errors.Is(err, ErrLockHeld) {
		s.log.Info("another scheduler instance is active, skipping run")
		return nil
	}
	return err
}

// loop repeats run until ctx is cancelled or stop is closed. A run that could
// not take the lock is retried on the next tick.
func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		err := s.run(ctx, stop)
		switch {
		case err == nil:
			return
		case errors.Is(err, ErrLockHeld):
			s.log.Info("another scheduler instance is active, retrying on next tick")
		default:
			s.log.Error("scheduler run", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// run holds the lock and sweeps on every tick until ctx is cancelled or stop
// is closed, then returns nil.
func (s *Scheduler) run(ctx context.Context, stop <-chan struct{}) error {
	if err := s.lock.Acquire(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	metrics.SchedulerLockHeld.Set(1)
	defer func() {
		metrics.SchedulerLockHeld.Set(0)
		if err := s.lock.Release(); err != nil {
			s.log.Error("release scheduler lock", "error", err)
		}
	}()

	s.sweep(ctx, stop)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-ticker.C:
			if err := s.lock.Touch(); err != nil {
				s.log.Warn("refresh scheduler lock", "error", err)
			}
			s.sweep(ctx, stop)
		}
	}
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// sweep fetches every due seller once. Completion is recorded whatever the outcome.
func (s *Scheduler) sweep(ctx context.Context, stop <-chan struct{}) {
	fetched := 0
	for _, id := range s.sellers {
		if ctx.Err() != nil || stopped(stop) {
			return
		}
		if !s.due(id) {
			continue
		}
		s.fetcher.FetchSellerArticles(ctx, id)
		s.markRun(id)
		fetched++
	}
	metrics.SchedulerSweepsTotal.Inc()
	s.log.Debug("sweep done", "fetched", fetched, "sellers", len(s.sellers))
}

func (s *Scheduler) due(sellerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastRun[sellerID]
	return !ok || s.now().Sub(last) >= s.cfg.UpdateInterval
}

func (s *Scheduler) markRun(sellerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun[sellerID] = s.now()
}

// TriggerUpdateSeller fetches one seller immediately. The fetcher's own rate
// limit still applies, so the result is false inside the seller's API window.
func (s *Scheduler) TriggerUpdateSeller(ctx context.Context, sellerID string) bool {
	_, ok := s.fetcher.FetchSellerArticles(ctx, sellerID)
	s.markRun(sellerID)
	s.log.Info("manual seller update", "seller_id", sellerID, "refreshed", ok)
	return ok
}

// TriggerUpdateAllSellers fetches every configured seller immediately.
func (s *Scheduler) TriggerUpdateAllSellers(ctx context.Context) Summary {
	sum := Summary{Total: len(s.sellers)}
	for _, id := range s.sellers {
		if ctx.Err() != nil {
			break
		}
		if _, ok := s.fetcher.FetchSellerArticles(ctx, id); ok {
			sum.Refreshed++
		} else {
			sum.Skipped++
		}
		s.markRun(id)
	}
	s.log.Info("manual update of all sellers", "total", sum.Total, "refreshed", sum.Refreshed, "skipped", sum.Skipped)
	return sum
}
