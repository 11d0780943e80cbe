// Package metrics exposes prometheus counters for the inbound pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	EnvelopesReceived prometheus.Counter
	EnvelopesDropped  *prometheus.CounterVec
	DecryptFailures   *prometheus.CounterVec
	MessagesCommitted *prometheus.CounterVec
	Timeouts          *prometheus.CounterVec
	EnvelopesDeferred prometheus.Counter
	ProcessingSeconds prometheus.Histogram
}

// New registers the pipeline metrics with reg. A nil reg gives metrics that are not exported
// anywhere.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EnvelopesReceived: f.NewCounter(
			prometheus.CounterOpts{
				Name: "inbox_envelopes_received_total",
				Help: "Total envelopes handed to the receiver",
			},
		),
		EnvelopesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_envelopes_dropped_total",
				Help: "Total envelopes dropped without a state change",
			},
			[]string{"reason"},
		),
		DecryptFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_decrypt_failures_total",
				Help: "Total envelopes which failed to decrypt",
			},
			[]string{"envelope_type"}, // "direct" or "group"
		),
		MessagesCommitted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_messages_committed_total",
				Help: "Total contents applied to local state",
			},
			[]string{"content"},
		),
		Timeouts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbox_timeouts_total",
				Help: "Total jobs abandoned after their deadline",
			},
			[]string{"stage"}, // "decrypt" or "conversation"
		),
		EnvelopesDeferred: f.NewCounter(
			prometheus.CounterOpts{
				Name: "inbox_envelopes_deferred_total",
				Help: "Total group envelopes parked until a key pair arrives",
			},
		),
		ProcessingSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "inbox_processing_seconds",
				Help:    "Time from dequeue to completion of an envelope",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
			},
		),
	}
}
