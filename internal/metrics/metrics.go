// Package metrics holds the Prometheus instrumentation of the broker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the broker's metric registry. Every broker owns a fresh
// prometheus.Registry, so opening several brokers in one process never
// collides on registration.
type Metrics struct {
	// Message lifecycle counters
	MessagesSent      *prometheus.CounterVec
	MessagesReserved  *prometheus.CounterVec
	MessagesCompleted *prometheus.CounterVec
	MessagesFailed    *prometheus.CounterVec
	MessagesRetried   *prometheus.CounterVec

	// Background sweep counters
	StaleResets     prometheus.Counter
	MessagesTrimmed prometheus.Counter
	SchedulerFires  prometheus.Counter

	// Consumer runtime
	ReserveDuration prometheus.Histogram
	InFlight        prometheus.Gauge
}

// New creates and registers the broker metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pg_transit_messages_sent_total",
				Help: "Total number of messages written, by topic",
			},
			[]string{"topic"},
		),

		MessagesReserved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pg_transit_messages_reserved_total",
				Help: "Total number of message reservations, by subscription",
			},
			[]string{"subscription"},
		),

		MessagesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pg_transit_messages_completed_total",
				Help: "Total number of acknowledged messages, by subscription",
			},
			[]string{"subscription"},
		),

		MessagesFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pg_transit_messages_failed_total",
				Help: "Total number of handler failures, by subscription",
			},
			[]string{"subscription"},
		),

		MessagesRetried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pg_transit_messages_retried_total",
				Help: "Total number of manual retries, by subscription",
			},
			[]string{"subscription"},
		),

		StaleResets: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pg_transit_stale_resets_total",
				Help: "Total number of messages reclaimed by the stale sweep",
			},
		),

		MessagesTrimmed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pg_transit_messages_trimmed_total",
				Help: "Total number of messages deleted by retention trims",
			},
		),

		SchedulerFires: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pg_transit_scheduler_fires_total",
				Help: "Total number of scheduled message materializations",
			},
		),

		ReserveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pg_transit_reserve_duration_seconds",
				Help:    "Duration of reservation round-trips in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
		),

		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pg_transit_messages_in_flight",
				Help: "Number of messages currently being processed by this process",
			},
		),
	}

	reg.MustRegister(
		m.MessagesSent,
		m.MessagesReserved,
		m.MessagesCompleted,
		m.MessagesFailed,
		m.MessagesRetried,
		m.StaleResets,
		m.MessagesTrimmed,
		m.SchedulerFires,
		m.ReserveDuration,
		m.InFlight,
	)

	return m
}
