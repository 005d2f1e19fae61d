// Package metrics collects per-command replication metrics and writes them
// in the node exporter textfile format.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the metrics of one command invocation. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	transfers        *prometheus.CounterVec
	bytesTransferred *prometheus.CounterVec
	auditPass        *prometheus.GaugeVec
	lastRun          *prometheus.GaugeVec
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nightsync",
				Name:      "transfers_total",
				Help:      "Number of (file, target) pairs that reached a terminal state, by status.",
			},
			[]string{"target", "status"}),
		bytesTransferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nightsync",
				Name:      "bytes_transferred_total",
				Help:      "Bytes sent to a replica target.",
			},
			[]string{"target"}),
		auditPass: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "nightsync",
				Name:      "audit_pass",
				Help:      "1 if the last audit of the telescope passed, 0 otherwise.",
			},
			[]string{"telescope"}),
		lastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "nightsync",
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time at which an operation last finished.",
			},
			[]string{"telescope", "operation"}),
	}
	r.registry.MustRegister(r.transfers, r.bytesTransferred, r.auditPass, r.lastRun)
	return r
}

// Transfer counts one terminal pair state.
func (r *Recorder) Transfer(target, status string, bytes int64) {
	if r == nil {
		return
	}
	r.transfers.WithLabelValues(target, status).Inc()
	if bytes > 0 {
		r.bytesTransferred.WithLabelValues(target).Add(float64(bytes))
	}
}

// AuditResult records the verdict of an audit.
func (r *Recorder) AuditResult(telescope string, passed bool) {
	if r == nil {
		return
	}
	v := 0.0
	if passed {
		v = 1
	}
	r.auditPass.WithLabelValues(telescope).Set(v)
}

// Finished records when an operation completed.
func (r *Recorder) Finished(telescope, operation string, at time.Time) {
	if r == nil {
		return
	}
	r.lastRun.WithLabelValues(telescope, operation).Set(float64(at.Unix()))
}

// Gatherer exposes the underlying registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile writes every metric to path atomically. An empty path is a
// no-op.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
