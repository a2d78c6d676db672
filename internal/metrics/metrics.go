package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	LastSuccessfulCycle *prometheus.GaugeVec     // kind label: vehicles|alerts
	CycleDuration       *prometheus.HistogramVec // kind label
	CycleFailures       *prometheus.CounterVec   // kind label
	ItemFailures        *prometheus.CounterVec   // kind label

	Entities *prometheus.GaugeVec   // stream label
	Changes  *prometheus.CounterVec // stream, change labels: added|updated|deleted

	UpstreamRequests *prometheus.HistogramVec // op, result labels

	TripMappings   *prometheus.CounterVec // result label: mapped|unmapped
	TripScoreMean  prometheus.Gauge
	TripScoreStdev prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	mu     sync.Mutex
	scores *WelfordState
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg:    reg,
		scores: &WelfordState{},
		LastSuccessfulCycle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_last_successful_cycle_timestamp_seconds",
			Help: "Unix time of the last poll cycle that completed without error.",
		}, []string{"kind"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_cycle_duration_seconds",
			Help:    "Duration of poll cycles.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"kind"}),
		CycleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_cycle_failures_total",
			Help: "Poll cycles abandoned because of an error.",
		}, []string{"kind"}),
		ItemFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_item_failures_total",
			Help: "Observations or alerts skipped because they could not be processed.",
		}, []string{"kind"}),
		Entities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_published_entities",
			Help: "Entities currently published per stream.",
		}, []string{"stream"}),
		Changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_entity_changes_total",
			Help: "Entities added, updated or deleted per stream.",
		}, []string{"stream", "change"}),
		UpstreamRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_upstream_request_duration_seconds",
			Help:    "Duration of upstream requests, including rate limiter wait.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"op", "result"}),
		TripMappings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_trip_mappings_total",
			Help: "Trip mappings computed.",
		}, []string{"result"}),
		TripScoreMean: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_trip_match_score_mean",
			Help: "Running mean of the winning alignment score of mapped trips.",
		}),
		TripScoreStdev: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_trip_match_score_stddev",
			Help: "Running standard deviation of the winning alignment score of mapped trips.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_nats_publish_duration_seconds",
			Help:    "Duration to publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
	}

	reg.MustRegister(
		c.LastSuccessfulCycle, c.CycleDuration, c.CycleFailures, c.ItemFailures,
		c.Entities, c.Changes, c.UpstreamRequests,
		c.TripMappings, c.TripScoreMean, c.TripScoreStdev,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
	)

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// ObserveCycle records one finished poll cycle.
func (c *Collector) ObserveCycle(kind string, started time.Time, d time.Duration, err error) {
	c.CycleDuration.WithLabelValues(kind).Observe(d.Seconds())
	if err != nil {
		c.CycleFailures.WithLabelValues(kind).Inc()
		return
	}
	c.LastSuccessfulCycle.WithLabelValues(kind).Set(float64(started.Add(d).Unix()))
}

func (c *Collector) ItemFailed(kind string) { c.ItemFailures.WithLabelValues(kind).Inc() }

// ObserveDiff records the outcome of a committed stream diff.
func (c *Collector) ObserveDiff(stream string, added, updated, deleted, live int) {
	c.Changes.WithLabelValues(stream, "added").Add(float64(added))
	c.Changes.WithLabelValues(stream, "updated").Add(float64(updated))
	c.Changes.WithLabelValues(stream, "deleted").Add(float64(deleted))
	c.Entities.WithLabelValues(stream).Set(float64(live))
}

// ObserveUpstreamRequest implements upstream.Observer.
func (c *Collector) ObserveUpstreamRequest(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.UpstreamRequests.WithLabelValues(op, result).Observe(d.Seconds())
}

// ObserveTripMapping implements mapping.ScoreObserver. Only mapped trips feed
// the score statistics.
func (c *Collector) ObserveTripMapping(score float64, mapped bool) {
	if !mapped {
		c.TripMappings.WithLabelValues("unmapped").Inc()
		return
	}
	c.TripMappings.WithLabelValues("mapped").Inc()

	c.mu.Lock()
	c.scores.Update(score)
	mean, stddev := c.scores.GetMean(), c.scores.GetStdDev()
	c.mu.Unlock()

	c.TripScoreMean.Set(mean)
	c.TripScoreStdev.Set(stddev)
}

// ScoreStats returns the running trip match score statistics.
func (c *Collector) ScoreStats() (mean, stddev float64, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scores.GetMean(), c.scores.GetStdDev(), c.scores.GetCount()
}

func (c *Collector) NATSPublishedInc()               { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()              { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration)  { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}
