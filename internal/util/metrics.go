package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PledgesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pledges_created_total",
		Help: "Total number of pledges created",
	})

	PledgesRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pledges_rejected_total",
		Help: "Total number of pledge creations rejected",
	}, []string{"reason"})

	PledgeTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pledge_transitions_total",
		Help: "Total number of applied pledge status transitions",
	}, []string{"to"})

	PledgeTransitionNoops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pledge_transition_noops_total",
		Help: "Total number of pledge transitions skipped as already applied",
	})

	CampaignsSettledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaigns_settled_total",
		Help: "Total number of campaigns driven to an outcome",
	}, []string{"outcome"})

	SettlementRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_retries_total",
		Help: "Total number of resumed settlements for campaigns with pledges left over",
	})

	SweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_runs_total",
		Help: "Total number of deadline sweep runs",
	}, []string{"result"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sweep_duration_seconds",
		Help:    "Duration of deadline sweep runs",
		Buckets: prometheus.DefBuckets,
	})

	GatewayCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_calls_total",
		Help: "Total number of payment gateway calls",
	}, []string{"action", "result"})

	GatewayCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_call_latency_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Total number of provider webhook events received",
	}, []string{"type", "result"})

	FundingDriftDetected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "funding_drift_campaigns",
		Help: "Number of campaigns whose funding counter disagrees with the pledge sum",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
