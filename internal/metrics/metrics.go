// Package metrics provides a prometheus-backed MetricsService used across the
// sync engine: database query instrumentation plus domain counters for the
// ledger, the event feed, the session state machine, and the list projector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type MetricsService interface {
	GetRegistry() *prometheus.Registry

	// DB metrics
	ObserveDBQueryDuration(queryType, table string, duration float64)
	IncDBQuery(queryType, table string)
	IncDBQueryError(queryType, table, errorType string)

	// Outbound API metrics
	IncAPIRequest(client, endpoint string, statusCode int)
	ObserveAPIRequestDuration(client, endpoint string, duration float64)

	// Ledger metrics
	IncLedgerUpsert(direction string, created bool)
	IncLedgerRemove(direction string)

	// Event feed metrics
	IncFeedEvent(handle, outcome string)
	SetFeedCursor(handle string, cursor float64)

	// Session metrics
	IncSessionTransition(handle, from, to string)

	// Rate limiter metrics
	ObserveRateLimitWait(class string, seconds float64)

	// Projector metrics
	IncProjectorOp(op string)
	ObserveProjectionDuration(duration float64)
}

type metricsService struct {
	registry *prometheus.Registry

	dbQueryDuration *prometheus.SummaryVec
	dbQueries       *prometheus.CounterVec
	dbQueryErrors   *prometheus.CounterVec

	apiRequests           *prometheus.CounterVec
	apiRequestDuration    *prometheus.SummaryVec
	ledgerUpserts         *prometheus.CounterVec
	ledgerRemoves         *prometheus.CounterVec
	feedEvents            *prometheus.CounterVec
	feedCursor            *prometheus.GaugeVec
	sessionTransitions    *prometheus.CounterVec
	rateLimitWaitDuration *prometheus.SummaryVec
	projectorOps          *prometheus.CounterVec
	projectionDuration    prometheus.Summary
}

var _ MetricsService = (*metricsService)(nil)

func NewMetricsService() MetricsService {
	m := &metricsService{
		registry: prometheus.NewRegistry(),
		dbQueryDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace:  "blocksync",
			Name:       "db_query_duration_seconds",
			Help:       "Duration of database queries",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"query_type", "table"}),
		dbQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blocksync",
			Name:      "db_queries_total",
			Help:      "Total number of database queries",
		}, []string{"query_type", "table"}),
		dbQueryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blocksync",
			Name:      "db_query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"query_type", "table", "error_type"}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blocksync",
			Name:      "api_requests_total",
			Help:      "Total number of outbound API requests",
		}, []string{"client", "endpoint", "status_code"}),
		apiRequestDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace:  "blocksync",
			Name:       "api_request_duration_seconds",
			Help:       "Duration of outbound API requests",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"client", "endpoint"}),
		ledgerUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blocksync",
			Name:      "ledger_upserts_total",
			Help:      "Block ledger upserts, split by whether a new edge was created",
		}, []string{"direction", "outcome"}),
		ledgerRemoves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blocksync",
			Name:      "ledger_removes_total",
			Help:      "Block ledger removals (unblocks and stale reconciliation)",
		}, []string{"direction"}),
		feedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blocksync",
			Name:      "feed_events_total",
			Help:      "Event feed messages, split by processing outcome",
		}, []string{"handle", "outcome"}),
		feedCursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "blocksync",
			Name:      "feed_cursor",
			Help:      "Last persisted event feed cursor per identity",
		}, []string{"handle"}),
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blocksync",
			Name:      "session_transitions_total",
			Help:      "Session state machine transitions",
		}, []string{"handle", "from", "to"}),
		rateLimitWaitDuration: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace:  "blocksync",
			Name:       "rate_limit_wait_seconds",
			Help:       "Time spent waiting for rate limit budget",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"class"}),
		projectorOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blocksync",
			Name:      "projector_ops_total",
			Help:      "Moderation list write operations issued by the projector",
		}, []string{"op"}),
		projectionDuration: prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace:  "blocksync",
			Name:       "projection_duration_seconds",
			Help:       "Duration of full projection passes",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.dbQueryDuration,
		m.dbQueries,
		m.dbQueryErrors,
		m.apiRequests,
		m.apiRequestDuration,
		m.ledgerUpserts,
		m.ledgerRemoves,
		m.feedEvents,
		m.feedCursor,
		m.sessionTransitions,
		m.rateLimitWaitDuration,
		m.projectorOps,
		m.projectionDuration,
	)

	return m
}

func (m *metricsService) GetRegistry() *prometheus.Registry {
	return m.registry
}

func (m *metricsService) ObserveDBQueryDuration(queryType, table string, duration float64) {
	m.dbQueryDuration.WithLabelValues(queryType, table).Observe(duration)
}

func (m *metricsService) IncDBQuery(queryType, table string) {
	m.dbQueries.WithLabelValues(queryType, table).Inc()
}

func (m *metricsService) IncDBQueryError(queryType, table, errorType string) {
	m.dbQueryErrors.WithLabelValues(queryType, table, errorType).Inc()
}

func (m *metricsService) IncAPIRequest(client, endpoint string, statusCode int) {
	m.apiRequests.WithLabelValues(client, endpoint, statusCodeLabel(statusCode)).Inc()
}

func (m *metricsService) ObserveAPIRequestDuration(client, endpoint string, duration float64) {
	m.apiRequestDuration.WithLabelValues(client, endpoint).Observe(duration)
}

func (m *metricsService) IncLedgerUpsert(direction string, created bool) {
	outcome := "duplicate"
	if created {
		outcome = "created"
	}
	m.ledgerUpserts.WithLabelValues(direction, outcome).Inc()
}

func (m *metricsService) IncLedgerRemove(direction string) {
	m.ledgerRemoves.WithLabelValues(direction).Inc()
}

func (m *metricsService) IncFeedEvent(handle, outcome string) {
	m.feedEvents.WithLabelValues(handle, outcome).Inc()
}

func (m *metricsService) SetFeedCursor(handle string, cursor float64) {
	m.feedCursor.WithLabelValues(handle).Set(cursor)
}

func (m *metricsService) IncSessionTransition(handle, from, to string) {
	m.sessionTransitions.WithLabelValues(handle, from, to).Inc()
}

func (m *metricsService) ObserveRateLimitWait(class string, seconds float64) {
	m.rateLimitWaitDuration.WithLabelValues(class).Observe(seconds)
}

func (m *metricsService) IncProjectorOp(op string) {
	m.projectorOps.WithLabelValues(op).Inc()
}

func (m *metricsService) ObserveProjectionDuration(duration float64) {
	m.projectionDuration.Observe(duration)
}

func statusCodeLabel(statusCode int) string {
	switch {
	case statusCode >= 500:
		return "5xx"
	case statusCode == 429:
		return "429"
	case statusCode >= 400:
		return "4xx"
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	default:
		return "other"
	}
}
