/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry holds Prometheus metrics and OpenTelemetry tracing.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// API metrics

	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hestia_api_requests_total",
		Help: "Total API requests by method, endpoint and status code",
	}, []string{"method", "endpoint", "status"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hestia_api_request_duration_seconds",
		Help:    "API request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hestia_api_active_connections",
		Help: "Currently active API connections",
	})

	// Dispatcher metrics

	DispatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hestia_dispatch_queue_depth",
		Help: "Definitions currently tracked in the dispatch queue",
	})

	DispatchInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hestia_dispatch_in_flight",
		Help: "Occurrences currently being executed",
	})

	DispatcherWakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hestia_dispatcher_wakes_total",
		Help: "Dispatcher loop wakes by cause (timer, signal)",
	}, []string{"cause"})

	DispatcherErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hestia_dispatcher_errors_total",
		Help: "Dispatcher errors by stage",
	}, []string{"stage"})

	StoreUnavailableTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hestia_store_unavailable_total",
		Help: "Dispatch pauses caused by an unreachable schedule store",
	})

	// Executor metrics

	OccurrencesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hestia_occurrences_total",
		Help: "Occurrence outcomes by terminal state (created, failed, already_exists)",
	}, []string{"outcome"})

	ExecutorRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hestia_executor_retries_total",
		Help: "Transient-failure retries across all occurrences",
	})

	ExecutorCallDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hestia_executor_call_duration_seconds",
		Help:    "Platform create-event call duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// Database metrics

	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hestia_database_query_duration_seconds",
		Help:    "Database operation duration by operation and table",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hestia_database_errors_total",
		Help: "Database errors by operation and kind",
	}, []string{"operation", "kind"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hestia_database_connections_active",
		Help: "Open database connections",
	})

	// Leadership metrics

	LeaderElectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hestia_leader_election_status",
		Help: "Whether this instance currently holds leadership (1) or not (0)",
	}, []string{"instance_id"})

	LeaderElectionChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hestia_leader_election_changes_total",
		Help: "Leadership transitions by instance and direction",
	}, []string{"instance_id", "direction"})

	// Planner metrics

	PlannerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hestia_planner_errors_total",
		Help: "Occurrence planning errors by definition",
	}, []string{"definition_id"})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
