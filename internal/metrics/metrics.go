// Package metrics records rotation step outcomes as Prometheus metrics.
//
// A Lambda invocation is too short-lived to be scraped, so when a
// Pushgateway URL is configured the collected metrics are pushed after each
// step.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/systmms/rdsrotate/internal/config"
	dserrors "github.com/systmms/rdsrotate/internal/errors"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Recorder holds the rotation metrics on its own registry. A nil Recorder
// records nothing.
type Recorder struct {
	registry *prometheus.Registry
	pushURL  string
	job      string

	stepTotal    *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	retryTotal   *prometheus.CounterVec
}

// New creates a Recorder with its metrics registered.
func New(cfg config.MetricsConfig) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		pushURL:  cfg.PushgatewayURL,
		job:      cfg.Job,
	}
	if r.job == "" {
		r.job = "rdsrotate"
	}

	r.stepTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdsrotate_step_total",
			Help: "Total number of rotation steps handled",
		},
		[]string{"step", "outcome"},
	)
	r.stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rdsrotate_step_duration_seconds",
			Help:    "Duration of rotation steps in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"step"},
	)
	r.retryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdsrotate_retry_total",
			Help: "Total number of retried database operations",
		},
		[]string{"operation"},
	)

	r.registry.MustRegister(r.stepTotal, r.stepDuration, r.retryTotal)
	return r
}

// Registry returns the registry holding the metrics.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveStep records one handled step. A failed step is labelled with the
// kind of its error.
func (r *Recorder) ObserveStep(step string, err error, d time.Duration) {
	if r == nil {
		return
	}
	r.stepTotal.WithLabelValues(step, Outcome(err)).Inc()
	r.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// ObserveRetry records a retried operation.
func (r *Recorder) ObserveRetry(operation string) {
	if r == nil {
		return
	}
	r.retryTotal.WithLabelValues(operation).Inc()
}

// Push sends the collected metrics to the Pushgateway. It does nothing when
// no Pushgateway is configured.
func (r *Recorder) Push(ctx context.Context) error {
	if r == nil || r.pushURL == "" {
		return nil
	}
	if err := push.New(r.pushURL, r.job).Gatherer(r.registry).AddContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", r.pushURL, err)
	}
	return nil
}

// Outcome returns the outcome label for err.
func Outcome(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	switch dserrors.Kind(err) {
	case dserrors.ErrUnknownStep:
		return "unknown_step"
	case dserrors.ErrMalformedCredential:
		return "malformed_credential"
	case dserrors.ErrStoreAccess:
		return "store_access"
	case dserrors.ErrPendingVersionCreationFailed:
		return "pending_version_creation_failed"
	case dserrors.ErrMissingPendingVersion:
		return "missing_pending_version"
	case dserrors.ErrDatabaseMutation:
		return "database_mutation"
	case dserrors.ErrVerification:
		return "verification"
	}
	return OutcomeError
}
