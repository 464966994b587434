package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"priorityq/internal/models"
)

// Result label values.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultClaimed = "claimed"
	ResultEmpty   = "empty"
	ResultMatched = "matched"
	ResultStale   = "stale"
)

// StatsSource is a queue whose item counts are exported as gauges.
type StatsSource interface {
	Namespace() models.Namespace
	Stats(ctx context.Context) (models.Stats, error)
}

// QueueMetrics counts queue operations and implements queue.Observer.
type QueueMetrics struct {
	PushTotal  *prometheus.CounterVec
	ClaimTotal *prometheus.CounterVec
	AckTotal   *prometheus.CounterVec
	RetryTotal *prometheus.CounterVec
	Items      *prometheus.GaugeVec

	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewQueueMetrics registers the collectors on reg. A nil reg gets a fresh
// registry, which keeps tests independent of the global default.
func NewQueueMetrics(reg *prometheus.Registry, logger *zap.Logger) *QueueMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &QueueMetrics{
		PushTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "priorityq_push_total",
				Help: "Total number of push attempts",
			},
			[]string{"namespace", "result"},
		),
		ClaimTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "priorityq_claim_total",
				Help: "Total number of claim attempts by outcome",
			},
			[]string{"namespace", "result"},
		),
		AckTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "priorityq_ack_total",
				Help: "Total number of acknowledgements by outcome",
			},
			[]string{"namespace", "result"},
		),
		RetryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "priorityq_retry_total",
				Help: "Total number of retries by outcome",
			},
			[]string{"namespace", "result"},
		),
		Items: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "priorityq_items",
				Help: "Items stored per namespace and state",
			},
			[]string{"namespace", "state"},
		),
		gatherer: reg,
		logger:   logger,
	}

	reg.MustRegister(
		m.PushTotal,
		m.ClaimTotal,
		m.AckTotal,
		m.RetryTotal,
		m.Items,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *QueueMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *QueueMetrics) ObservePush(ns models.Namespace, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.PushTotal.WithLabelValues(ns.String(), result).Inc()
}

func (m *QueueMetrics) ObserveClaim(ns models.Namespace, claimed bool, err error) {
	result := ResultEmpty
	switch {
	case err != nil:
		result = ResultError
	case claimed:
		result = ResultClaimed
	}
	m.ClaimTotal.WithLabelValues(ns.String(), result).Inc()
}

func (m *QueueMetrics) ObserveAck(ns models.Namespace, matched bool, err error) {
	m.AckTotal.WithLabelValues(ns.String(), matchResult(matched, err)).Inc()
}

func (m *QueueMetrics) ObserveRetry(ns models.Namespace, matched bool, err error) {
	m.RetryTotal.WithLabelValues(ns.String(), matchResult(matched, err)).Inc()
}

func matchResult(matched bool, err error) string {
	switch {
	case err != nil:
		return ResultError
	case matched:
		return ResultMatched
	default:
		return ResultStale
	}
}

// Collect refreshes the item gauges of every source once.
func (m *QueueMetrics) Collect(ctx context.Context, sources ...StatsSource) {
	for _, src := range sources {
		ns := src.Namespace().String()
		st, err := src.Stats(ctx)
		if err != nil {
			m.logger.Error("failed to read queue stats", zap.String("namespace", ns), zap.Error(err))
			continue
		}
		m.Items.WithLabelValues(ns, models.StateAvailable).Set(float64(st.Available))
		m.Items.WithLabelValues(ns, models.StateClaimed).Set(float64(st.Claimed))
		m.Items.WithLabelValues(ns, models.StateFinished).Set(float64(st.Finished))
	}
}

// Run calls Collect on every tick until ctx is cancelled.
func (m *QueueMetrics) Run(ctx context.Context, interval time.Duration, sources ...StatsSource) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Collect(ctx, sources...)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("metrics collection shutting down")
			return
		case <-ticker.C:
			m.Collect(ctx, sources...)
		}
	}
}
