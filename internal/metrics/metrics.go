// Package metrics exposes the Prometheus instruments for the mail sync loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesTotal counts per-message outcomes, labeled processed,
	// skipped, or failed.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opendesk",
		Subsystem: "mailsync",
		Name:      "messages_total",
		Help:      "Inbound messages handled, by outcome.",
	}, []string{"outcome"})

	// TicketsCreated counts tickets materialized from email.
	TicketsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opendesk",
		Subsystem: "mailsync",
		Name:      "tickets_created_total",
		Help:      "Tickets created from inbound email.",
	})

	// SyncDuration observes one mailbox pass end to end.
	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "opendesk",
		Subsystem: "mailsync",
		Name:      "sync_duration_seconds",
		Help:      "Duration of one mailbox sync pass.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// TokenRefreshFailures counts refresh attempts the provider rejected.
	TokenRefreshFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opendesk",
		Subsystem: "mailsync",
		Name:      "token_refresh_failures_total",
		Help:      "OAuth refresh attempts that failed.",
	})

	// MappingsRepaired counts mapping rows rewritten after folder moves.
	MappingsRepaired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opendesk",
		Subsystem: "mailsync",
		Name:      "mappings_repaired_total",
		Help:      "Mapping rows replaced after provider id churn.",
	})
)
