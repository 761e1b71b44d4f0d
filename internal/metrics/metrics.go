package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"harvester/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	ResultSuccess = "success"
	ResultEmpty   = "empty"
	ResultFailed  = "failed"

	pushJob = "harvester"
)

// Recorder owns a private registry so tests and multiple runs in one process
// never collide on the default one.
type Recorder struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	incidents     prometheus.Counter
	pages         prometheus.Counter
	truncated     prometheus.Counter
	newIndicators *prometheus.CounterVec
	uniqueIPs     prometheus.Gauge
	uniqueDomains prometheus.Gauge
	watermark     prometheus.Gauge
	lastSuccess   prometheus.Gauge
	duration      prometheus.Histogram
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_runs_total",
				Help: "Sync runs by result",
			},
			[]string{"result"},
		),
		incidents: factory.NewCounter(prometheus.CounterOpts{
			Name: "harvester_incidents_fetched_total",
			Help: "Incidents received from the API",
		}),
		pages: factory.NewCounter(prometheus.CounterOpts{
			Name: "harvester_pages_fetched_total",
			Help: "Incident pages requested successfully",
		}),
		truncated: factory.NewCounter(prometheus.CounterOpts{
			Name: "harvester_truncated_runs_total",
			Help: "Runs whose pagination stopped on an error",
		}),
		newIndicators: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_new_indicators_total",
				Help: "Indicators added to the datasets",
			},
			[]string{"kind"},
		),
		uniqueIPs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_unique_ips",
			Help: "Unique attacking IPs in the dataset",
		}),
		uniqueDomains: factory.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_unique_domains",
			Help: "Unique attacked domains in the dataset",
		}),
		watermark: factory.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_watermark_milliseconds",
			Help: "Saved query watermark in epoch milliseconds",
		}),
		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvester_run_duration_seconds",
			Help:    "Wall time of sync runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
}

// ObserveRun records a finished run. Empty runs only bump the run counter.
func (r *Recorder) ObserveRun(run domain.SyncRun, result string, elapsed time.Duration) {
	r.runs.WithLabelValues(result).Inc()
	r.duration.Observe(elapsed.Seconds())
	r.pages.Add(float64(run.Pages))
	r.incidents.Add(float64(run.Incidents))
	if run.Truncated {
		r.truncated.Inc()
	}

	switch result {
	case ResultSuccess:
		r.newIndicators.WithLabelValues("ip").Add(float64(run.NewIPs))
		r.newIndicators.WithLabelValues("domain").Add(float64(run.NewDomains))
		r.uniqueIPs.Set(float64(run.TotalIPs))
		r.uniqueDomains.Set(float64(run.TotalDomains))
		r.lastSuccess.Set(float64(run.FinishedAt.Unix()))
		if run.Watermark > 0 {
			r.watermark.Set(float64(run.Watermark))
		}
	case ResultEmpty:
		r.lastSuccess.Set(float64(run.FinishedAt.Unix()))
	}
}

func (r *Recorder) ObserveFailure(elapsed time.Duration) {
	r.runs.WithLabelValues(ResultFailed).Inc()
	r.duration.Observe(elapsed.Seconds())
}

// SetWatermark reports the watermark a run started from, so the gauge is
// populated even when the run does not advance it.
func (r *Recorder) SetWatermark(ms int64) {
	r.watermark.Set(float64(ms))
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Push sends the current values to a Pushgateway.
func (r *Recorder) Push(ctx context.Context, gatewayURL, instance string) error {
	pusher := push.New(gatewayURL, pushJob).Gatherer(r.registry)
	if instance != "" {
		pusher = pusher.Grouping("instance", instance)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
