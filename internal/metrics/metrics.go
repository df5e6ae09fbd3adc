// Package metrics holds the Prometheus collectors shared by the redirect core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fetch results recorded in ArticleFetchTotal.
const (
	FetchSuccess     = "success"
	FetchSkipped     = "skipped"
	FetchBreakerOpen = "breaker_open"
	FetchFailed      = "failed"
	FetchParseFailed = "parse_error"
	FetchNotStored   = "not_stored"
)

var (
	// RedirectsTotal counts redirect decisions by classified intent.
	RedirectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redirects_total",
		Help: "Total number of redirect decisions by intent",
	}, []string{"intent"})

	// TrackingErrorsTotal counts swallowed tracking store failures.
	TrackingErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracking_errors_total",
		Help: "Total number of tracking store failures by operation",
	}, []string{"operation"})

	// ArticleFetchTotal counts seller article fetches by outcome.
	ArticleFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "article_fetch_total",
		Help: "Total number of seller article fetches by result",
	}, []string{"result"})

	// FetchAttemptsTotal counts individual HTTP attempts against the marketplace API.
	FetchAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "article_fetch_attempts_total",
		Help: "Total number of HTTP attempts against the marketplace API",
	})

	// SchedulerSweepsTotal counts completed scheduler sweeps.
	SchedulerSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_sweeps_total",
		Help: "Total number of scheduler sweeps over the seller list",
	})

	// SchedulerLockHeld is 1 while this process holds the scheduler lock.
	SchedulerLockHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_lock_held",
		Help: "Whether this process holds the scheduler lock",
	})
)
