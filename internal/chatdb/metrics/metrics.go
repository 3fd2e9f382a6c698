package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer captures telemetry of the log store.
type Observer interface {
	RecordShardOpen(swarm string, created bool, err error)
	RecordFlightJoin(swarm string)
	RecordAppend(format string, err error)
	RecordDedupDrop()
	RecordSearch(format, op string, duration time.Duration, err error)
}

// PrometheusObserver exports log store metrics to Prometheus.
type PrometheusObserver struct {
	shardOpens     *prometheus.CounterVec
	shardFailures  *prometheus.CounterVec
	flightJoins    *prometheus.CounterVec
	appends        *prometheus.CounterVec
	dedupDrops     prometheus.Counter
	searchDuration *prometheus.HistogramVec
	searchErrors   *prometheus.CounterVec
}

// NewPrometheusObserver registers the log store metrics with reg, reusing collectors
// registered by an earlier observer.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "chatlog"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		shardOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_opens_total",
			Help:      "Shard handles opened, by swarm and mode.",
		}, []string{"swarm", "mode"}),
		shardFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_open_failures_total",
			Help:      "Shard opens that failed, not found included.",
		}, []string{"swarm"}),
		flightJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_open_joins_total",
			Help:      "Callers that awaited an open already in flight.",
		}, []string{"swarm"}),
		appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appends_total",
			Help:      "Appended messages, by format and result.",
		}, []string{"format", "result"}),
		dedupDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_drops_total",
			Help:      "Channel messages dropped as duplicates of another source.",
		}),
		searchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Latency of search operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"format", "op"}),
		searchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_errors_total",
			Help:      "Failed search operations.",
		}, []string{"format", "op"}),
	}

	if err := register(reg, &o.shardOpens); err != nil {
		return nil, err
	}
	if err := register(reg, &o.shardFailures); err != nil {
		return nil, err
	}
	if err := register(reg, &o.flightJoins); err != nil {
		return nil, err
	}
	if err := register(reg, &o.appends); err != nil {
		return nil, err
	}
	if err := register(reg, &o.dedupDrops); err != nil {
		return nil, err
	}
	if err := register(reg, &o.searchDuration); err != nil {
		return nil, err
	}
	if err := register(reg, &o.searchErrors); err != nil {
		return nil, err
	}
	return o, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c *C) error {
	if err := reg.Register(*c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				*c = existing
				return nil
			}
		}
		return fmt.Errorf("register chatlog metric: %w", err)
	}
	return nil
}

func (o *PrometheusObserver) RecordShardOpen(swarm string, created bool, err error) {
	if o == nil {
		return
	}
	if err != nil {
		o.shardFailures.WithLabelValues(swarm).Inc()
		return
	}
	mode := "open"
	if created {
		mode = "create"
	}
	o.shardOpens.WithLabelValues(swarm, mode).Inc()
}

func (o *PrometheusObserver) RecordFlightJoin(swarm string) {
	if o == nil {
		return
	}
	o.flightJoins.WithLabelValues(swarm).Inc()
}

func (o *PrometheusObserver) RecordAppend(format string, err error) {
	if o == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	o.appends.WithLabelValues(format, result).Inc()
}

func (o *PrometheusObserver) RecordDedupDrop() {
	if o == nil {
		return
	}
	o.dedupDrops.Inc()
}

func (o *PrometheusObserver) RecordSearch(format, op string, duration time.Duration, err error) {
	if o == nil {
		return
	}
	o.searchDuration.WithLabelValues(format, op).Observe(duration.Seconds())
	if err != nil {
		o.searchErrors.WithLabelValues(format, op).Inc()
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordShardOpen(string, bool, error) {}

func (Nop) RecordFlightJoin(string) {}

func (Nop) RecordAppend(string, error) {}

func (Nop) RecordDedupDrop() {}

func (Nop) RecordSearch(string, string, time.Duration, error) {}

// OrNop returns o, or Nop when o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return Nop{}
	}
	return o
}
