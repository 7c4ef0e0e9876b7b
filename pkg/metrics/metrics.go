// Package metrics records Prometheus metrics for verification runs and can
// export them to a node-exporter textfile.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "snapverify"

// Registry holds all snapverify metrics. A nil *Registry records nothing.
type Registry struct {
	reg           *prometheus.Registry
	runs          *prometheus.CounterVec
	runSeconds    prometheus.Histogram
	steps         *prometheus.CounterVec
	loginAttempts *prometheus.CounterVec
	advisorCalls  *prometheus.CounterVec
	bootSeconds   prometheus.Histogram
	vmDestroys    *prometheus.CounterVec
}

// NewRegistry creates a registry with all collectors registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Verification runs by outcome.",
		}, []string{"outcome"}),
		runSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of verification runs.",
			Buckets:   prometheus.ExponentialBuckets(30, 2, 8),
		}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Verification steps by kind and outcome.",
		}, []string{"kind", "outcome"}),
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Guest login attempts by outcome.",
		}, []string{"outcome"}),
		advisorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advisor_requests_total",
			Help:      "Advisor requests by operation and outcome.",
		}, []string{"op", "outcome"}),
		bootSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vm_boot_duration_seconds",
			Help:      "Time from VM creation to ready.",
			Buckets:   prometheus.LinearBuckets(15, 15, 20),
		}),
		vmDestroys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vm_destroy_total",
			Help:      "Restore VM destroy calls by outcome.",
		}, []string{"outcome"}),
	}
	r.reg.MustRegister(r.runs, r.runSeconds, r.steps, r.loginAttempts, r.advisorCalls, r.bootSeconds, r.vmDestroys)
	return r
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordRun records a finished run.
func (r *Registry) RecordRun(success bool, d time.Duration) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(outcome(success)).Inc()
	r.runSeconds.Observe(d.Seconds())
}

// RecordStep records one executed step.
func (r *Registry) RecordStep(kind string, success bool) {
	if r == nil {
		return
	}
	r.steps.WithLabelValues(kind, outcome(success)).Inc()
}

// RecordLoginAttempt records one login attempt.
func (r *Registry) RecordLoginAttempt(success bool) {
	if r == nil {
		return
	}
	r.loginAttempts.WithLabelValues(outcome(success)).Inc()
}

// RecordAdvisorCall records one advisor request.
func (r *Registry) RecordAdvisorCall(op string, err error) {
	if r == nil {
		return
	}
	r.advisorCalls.WithLabelValues(op, outcome(err == nil)).Inc()
}

// RecordBoot records how long a VM took to become ready.
func (r *Registry) RecordBoot(d time.Duration) {
	if r == nil {
		return
	}
	r.bootSeconds.Observe(d.Seconds())
}

// RecordDestroy records a VM destroy call.
func (r *Registry) RecordDestroy(err error) {
	if r == nil {
		return
	}
	r.vmDestroys.WithLabelValues(outcome(err == nil)).Inc()
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// WriteTextfile writes all metrics in the text exposition format to path,
// atomically, for the node-exporter textfile collector.
func (r *Registry) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.reg)
}
