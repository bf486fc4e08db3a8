package metrics

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options tunes the Prometheus recorder. Nil bucket slices use
// prometheus.DefBuckets.
type Options struct {
	MTTRBuckets     []float64
	LeadTimeBuckets []float64
	// ProcessCollectors adds the Go runtime and process collectors.
	ProcessCollectors bool
}

// PrometheusRecorder implements Recorder on its own registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	deployments        *prometheus.CounterVec
	deploymentDuration *prometheus.GaugeVec
	deploymentFailures *prometheus.CounterVec
	mttr               *prometheus.HistogramVec
	leadTime           *prometheus.HistogramVec

	webhookEvents      *prometheus.CounterVec
	correlationEntries *prometheus.GaugeVec
	commitEvictions    *prometheus.CounterVec
}

// NewPrometheusRecorder creates and registers all instruments.
func NewPrometheusRecorder(opts Options) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		registry: prometheus.NewRegistry(),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "github_deployments_total",
			Help: "Total GitHub deployments per repo, per environment, per branch",
		}, []string{"state", "environment", "repository", "branch"}),
		deploymentDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "github_deployments_duration_seconds",
			Help: "Duration of deployments in seconds",
		}, []string{"state", "environment", "repository", "branch"}),
		deploymentFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "github_deployments_failures_total",
			Help: "Total failed GitHub deployments per repo, per environment, per branch",
		}, []string{"environment", "repository", "branch"}),
		mttr: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mttr_seconds",
			Help:    "Mean Time to Recovery (MTTR) in seconds",
			Buckets: bucketsOrDefault(opts.MTTRBuckets),
		}, []string{"environment", "repository", "branch"}),
		leadTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lead_time_seconds",
			Help:    "Lead Time for Changes in seconds",
			Buckets: bucketsOrDefault(opts.LeadTimeBuckets),
		}, []string{"repository", "branch"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "github",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Webhook deliveries by event kind and handling result",
		}, []string{"event", "result"}),
		correlationEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "github",
			Name:      "correlation_entries",
			Help:      "Entries currently held in each correlation table",
		}, []string{"table"}),
		commitEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "github",
			Name:      "commit_evictions_total",
			Help:      "Commit timestamps dropped before a status event consumed them",
		}, []string{"reason"}),
	}

	cs := []prometheus.Collector{
		r.deployments,
		r.deploymentDuration,
		r.deploymentFailures,
		r.mttr,
		r.leadTime,
		r.webhookEvents,
		r.correlationEntries,
		r.commitEvictions,
	}
	if opts.ProcessCollectors {
		cs = append(cs,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	for _, c := range cs {
		if err := r.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return r, nil
}

// Registry exposes the underlying registry for scraping and tests.
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text exposition format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *PrometheusRecorder) IncDeployment(state, environment, repository, branch string) {
	r.deployments.WithLabelValues(state, environment, repository, branch).Inc()
}

func (r *PrometheusRecorder) SetDeploymentDuration(state, environment, repository, branch string, seconds float64) {
	r.deploymentDuration.WithLabelValues(state, environment, repository, branch).Set(seconds)
}

func (r *PrometheusRecorder) IncDeploymentFailure(environment, repository, branch string) {
	r.deploymentFailures.WithLabelValues(environment, repository, branch).Inc()
}

func (r *PrometheusRecorder) ObserveRecoveryTime(environment, repository, branch string, seconds float64) {
	r.mttr.WithLabelValues(environment, repository, branch).Observe(seconds)
}

func (r *PrometheusRecorder) ObserveLeadTime(repository, branch string, seconds float64) {
	r.leadTime.WithLabelValues(repository, branch).Observe(seconds)
}

func (r *PrometheusRecorder) IncWebhookEvent(event, result string) {
	r.webhookEvents.WithLabelValues(event, result).Inc()
}

func (r *PrometheusRecorder) SetCorrelationEntries(table string, n int) {
	r.correlationEntries.WithLabelValues(table).Set(float64(n))
}

func (r *PrometheusRecorder) IncCommitEvictions(reason string, n int) {
	if n <= 0 {
		return
	}
	r.commitEvictions.WithLabelValues(reason).Add(float64(n))
}

// bucketsOrDefault sorts and dedupes configured buckets; histograms panic on
// the first observation when bounds are not strictly increasing.
func bucketsOrDefault(b []float64) []float64 {
	if len(b) == 0 {
		return prometheus.DefBuckets
	}
	sorted := append([]float64(nil), b...)
	sort.Float64s(sorted)
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
