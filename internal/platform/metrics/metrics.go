// Package metrics exposes authentication counters. A nil *Collector is a
// valid no-op.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "icpassword"

const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
)

type Collector struct {
	attempts   *prometheus.CounterVec
	signOuts   *prometheus.CounterVec
	derivation prometheus.Histogram
	restored   *prometheus.CounterVec
}

// New registers the collector's metrics on reg. A nil reg leaves them
// unregistered.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Sign-up and sign-in attempts by outcome.",
		}, []string{"event", "outcome"}),
		signOuts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signouts_total",
			Help:      "Session terminations by reason.",
		}, []string{"reason"}),
		derivation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "key_derivation_seconds",
			Help:      "Wall time spent stretching passwords.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		restored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_restores_total",
			Help:      "Persisted session restore attempts by outcome.",
		}, []string{"outcome"}),
	}
	if reg == nil {
		return c, nil
	}
	for _, col := range []prometheus.Collector{c.attempts, c.signOuts, c.derivation, c.restored} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collector) AuthAttempt(event, outcome string) {
	if c == nil {
		return
	}
	c.attempts.WithLabelValues(event, outcome).Inc()
}

func (c *Collector) SignOut(reason string) {
	if c == nil {
		return
	}
	c.signOuts.WithLabelValues(reason).Inc()
}

func (c *Collector) KeyDerivation(d time.Duration) {
	if c == nil {
		return
	}
	c.derivation.Observe(d.Seconds())
}

// Restore counts a restore attempt. outcome is "restored", "expired" or "none".
func (c *Collector) Restore(outcome string) {
	if c == nil {
		return
	}
	c.restored.WithLabelValues(outcome).Inc()
}
