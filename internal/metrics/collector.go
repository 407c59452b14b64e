// Package metrics exposes ledger activity as Prometheus metrics.
package metrics

import (
	"context"
	"strconv"

	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/BradenHooton/loginguard/internal/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "loginguard"

// Collector implements services.LedgerObserver with Prometheus counters
type Collector struct {
	failures    *prometheus.CounterVec
	blocks      *prometheus.CounterVec
	resets      *prometheus.CounterVec
	cleanupRuns prometheus.Counter
	cleanupRows prometheus.Counter
	storeErrors *prometheus.CounterVec
	guardChecks *prometheus.CounterVec
}

var _ services.LedgerObserver = (*Collector)(nil)

// NewCollector registers the ledger metrics with reg
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_recorded_total",
			Help:      "Total number of failed authentications recorded",
		}, []string{"type"}),
		blocks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_issued_total",
			Help:      "Total number of tier escalations that issued a block",
		}, []string{"type", "tier"}),
		resets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "Total number of attempt resets after a successful authentication",
		}, []string{"type"}),
		cleanupRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_runs_total",
			Help:      "Total number of completed cleanup sweeps",
		}),
		cleanupRows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_deleted_records_total",
			Help:      "Total number of records deleted by cleanup",
		}),
		storeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Total number of failed attempt store operations",
		}, []string{"op"}),
		guardChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_checks_total",
			Help:      "Login guard decisions by outcome",
		}, []string{"outcome"}),
	}
}

func (c *Collector) FailureRecorded(_ context.Context, result *models.FailureResult) {
	typ := result.Type.String()
	c.failures.WithLabelValues(typ).Inc()
	if result.Escalated {
		c.blocks.WithLabelValues(typ, strconv.Itoa(result.Tier)).Inc()
	}
}

func (c *Collector) AttemptsReset(_ context.Context, _ string, typ models.IdentifierType) {
	c.resets.WithLabelValues(typ.String()).Inc()
}

func (c *Collector) CleanupCompleted(_ context.Context, deleted int64) {
	c.cleanupRuns.Inc()
	c.cleanupRows.Add(float64(deleted))
}

func (c *Collector) StoreFailed(_ context.Context, op string, _ error) {
	c.storeErrors.WithLabelValues(op).Inc()
}

// GuardChecked counts a login guard decision ("allowed", "blocked", "degraded")
func (c *Collector) GuardChecked(result *services.CheckResult) {
	switch {
	case result.Degraded:
		c.guardChecks.WithLabelValues("degraded").Inc()
	case result.Allowed:
		c.guardChecks.WithLabelValues("allowed").Inc()
	default:
		c.guardChecks.WithLabelValues("blocked").Inc()
	}
}
