// Package metrics exposes Prometheus instrumentation for all botfunk
// components, plus the scrape server.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Position close reasons (bounded set)
	CloseReasonStopLoss     = "stop_loss"
	CloseReasonTakeProfit   = "take_profit"
	CloseReasonTrailingStop = "trailing_stop"
	CloseReasonFloor        = "floor"
	CloseReasonManual       = "manual"
	CloseReasonReconcile    = "reconcile"
	CloseReasonOther        = "other"

	// Trade denial reasons (bounded set)
	DenyReasonKillSwitch   = "kill_switch"
	DenyReasonBreakerOpen  = "breaker_open"
	DenyReasonMaxPositions = "max_positions"
	DenyReasonPersistence  = "persistence"
	DenyReasonOther        = "other"

	// Drop reasons on the event bus (bounded set)
	DropReasonQueueFull = "queue_full"
	DropReasonCoalesced = "coalesced"
	DropReasonPaused    = "paused"
	DropReasonTTL       = "ttl_expired"
	DropReasonDuplicate = "duplicate"
	DropReasonShutdown  = "shutdown"

	// Venue API error categories (bounded set)
	VenueErrorTimeout     = "timeout"
	VenueErrorRateLimit   = "rate_limit"
	VenueErrorAuth        = "authentication"
	VenueErrorNetwork     = "network"
	VenueErrorInvalidReq  = "invalid_request"
	VenueErrorServerError = "server_error"
	VenueErrorOther       = "other"
)

// Breaker state codes exported on the breaker state gauge.
const (
	BreakerStateClosed   = 0.0
	BreakerStateHalfOpen = 1.0
	BreakerStateOpen     = 2.0
)

// NormalizeCloseReason maps arbitrary close reasons to the bounded set.
func NormalizeCloseReason(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "trail"):
		return CloseReasonTrailingStop
	case strings.Contains(lower, "stop"):
		return CloseReasonStopLoss
	case strings.Contains(lower, "profit") || strings.Contains(lower, "target"):
		return CloseReasonTakeProfit
	case strings.Contains(lower, "floor") || strings.Contains(lower, "emergency"):
		return CloseReasonFloor
	case strings.Contains(lower, "manual") || strings.Contains(lower, "operator"):
		return CloseReasonManual
	case strings.Contains(lower, "reconcile") || strings.Contains(lower, "recovery"):
		return CloseReasonReconcile
	default:
		return CloseReasonOther
	}
}

// NormalizeVenueError maps arbitrary venue error messages to the bounded set.
func NormalizeVenueError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return VenueErrorTimeout
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "429"):
		return VenueErrorRateLimit
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "401") || strings.Contains(errStr, "403"):
		return VenueErrorAuth
	case strings.Contains(errStr, "network") || strings.Contains(errStr, "connection"):
		return VenueErrorNetwork
	case strings.Contains(errStr, "400") || strings.Contains(errStr, "invalid"):
		return VenueErrorInvalidReq
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503"):
		return VenueErrorServerError
	default:
		return VenueErrorOther
	}
}

// Event Bus Metrics
var (
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfunk_bus_messages_published_total",
		Help: "Total messages published to the event bus by type and priority",
	}, []string{"type", "priority"})

	MessagesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfunk_bus_messages_delivered_total",
		Help: "Total messages delivered to subscriber queues",
	}, []string{"subscriber"})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfunk_bus_messages_dropped_total",
		Help: "Total messages dropped by the event bus by reason",
	}, []string{"subscriber", "reason"})

	SubscriberQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "botfunk_bus_subscriber_queue_depth",
		Help: "Current depth of each subscriber queue",
	}, []string{"subscriber"})

	SubscriberPaused = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "botfunk_bus_subscriber_paused",
		Help: "Whether a subscriber is paused after repeated handler failures (1 = paused)",
	}, []string{"subscriber"})

	SubscriberFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfunk_bus_subscriber_failures_total",
		Help: "Total handler failures per subscriber",
	}, []string{"subscriber"})
)

// Circuit Breaker Metrics
var (
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "botfunk_breaker_state",
		Help: "Circuit breaker state (0 = closed, 1 = half-open, 2 = open)",
	}, []string{"breaker"})

	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfunk_breaker_trips_total",
		Help: "Total circuit breaker trips",
	}, []string{"breaker"})

	BreakerDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfunk_breaker_denials_total",
		Help: "Total calls denied by an open circuit breaker",
	}, []string{"breaker"})
)

// Trading Metrics
var (
	TradesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfunk_trades_opened_total",
		Help: "Total positions opened by symbol and venue",
	}, []string{"symbol", "venue"})

	TradesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfunk_trades_closed_total",
		Help: "Total positions closed by symbol and reason",
	}, []string{"symbol", "reason"})

	TradesDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfunk_trades_denied_total",
		Help: "Total trade intents denied by safety checks",
	}, []string{"reason"})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "botfunk_open_positions",
		Help: "Number of currently open positions",
	})

	TotalPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "botfunk_total_pnl",
		Help: "Cumulative realized profit and loss in quote currency",
	})

	WinningTradesValue = promauto.NewCounter(prometheus.CounterOpts{
		Name: "botfunk_winning_trades_value",
		Help: "Total value of winning trades in quote currency",
	})

	LosingTradesValue = promauto.NewCounter(prometheus.CounterOpts{
		Name: "botfunk_losing_trades_value",
		Help: "Total value (absolute) of losing trades in quote currency",
	})

	StopMoves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfunk_stop_moves_total",
		Help: "Total stop-loss ratchet moves by symbol",
	}, []string{"symbol"})

	VenueAPILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "botfunk_venue_api_latency_ms",
		Help:    "Venue adapter call latency in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"venue", "op"})

	VenueAPIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfunk_venue_api_errors_total",
		Help: "Total venue adapter errors by category",
	}, []string{"venue", "error_type"})
)

// AI Router Metrics
var (
	AICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfunk_ai_calls_total",
		Help: "Total AI provider calls by provider, task type and status",
	}, []string{"provider", "task_type", "status"})

	AICallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "botfunk_ai_call_latency_ms",
		Help:    "AI provider call latency in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"provider"})

	AISpend = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfunk_ai_spend_usd_total",
		Help: "Estimated AI spend in USD by provider",
	}, []string{"provider"})

	AIFailovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfunk_ai_failovers_total",
		Help: "Total failovers away from a provider after transient failure",
	}, []string{"provider"})
)

// Supervisor Metrics
var (
	ComponentState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "botfunk_component_state",
		Help: "Component lifecycle state (0=registered 1=starting 2=running 3=backoff 4=stopped 5=fatal)",
	}, []string{"component"})

	ComponentRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfunk_component_restarts_total",
		Help: "Total restarts per supervised component",
	}, []string{"component"})

	ComponentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfunk_component_failures_total",
		Help: "Total component exits counted as failures",
	}, []string{"component"})
)

// Instance Lock Metrics
var (
	LocksHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "botfunk_locks_held",
		Help: "Number of instance locks currently held by this process",
	})

	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfunk_lock_acquisitions_total",
		Help: "Total lock acquisition attempts by result",
	}, []string{"result"})

	LockTakeovers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "botfunk_lock_takeovers_total",
		Help: "Total stale locks taken over after TTL expiry",
	})

	LockRenewFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "botfunk_lock_renew_failures_total",
		Help: "Total failed heartbeat renewals on held locks",
	})
)

// Learning Store Metrics
var (
	ActiveLearnings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "botfunk_active_learnings",
		Help: "Number of learnings above the default confidence threshold",
	})

	LearningFeedback = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfunk_learning_feedback_total",
		Help: "Total learning feedback operations by result",
	}, []string{"result"})

	LearningSearches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "botfunk_learning_searches_total",
		Help: "Total learning store searches",
	})
)

// State Store Metrics
var (
	AuditAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfunk_audit_appends_total",
		Help: "Total audit journal appends by action and status",
	}, []string{"action", "status"})

	StateWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfunk_state_writes_total",
		Help: "Total atomic snapshot writes by file and status",
	}, []string{"file", "status"})
)

// API Metrics
var (
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "botfunk_api_request_duration_ms",
		Help:    "Control API request duration in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"method", "path", "status_code"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfunk_http_requests_total",
		Help: "Total HTTP requests to the control API",
	}, []string{"method", "path", "status_code"})
)

// Error Metrics
var (
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botfunk_errors_total",
		Help: "Total errors by kind and component",
	}, []string{"kind", "component"})
)

// Helper functions to update metrics

// RecordPublish records a message accepted by the bus.
func RecordPublish(msgType, priority string) {
	MessagesPublished.WithLabelValues(msgType, priority).Inc()
}

// RecordDelivery records a message enqueued for one subscriber.
func RecordDelivery(subscriber string) {
	MessagesDelivered.WithLabelValues(subscriber).Inc()
}

// RecordDrop records a message the bus discarded for one subscriber.
func RecordDrop(subscriber, reason string) {
	MessagesDropped.WithLabelValues(subscriber, reason).Inc()
}

// SetQueueDepth updates a subscriber's queue depth gauge.
func SetQueueDepth(subscriber string, depth int) {
	SubscriberQueueDepth.WithLabelValues(subscriber).Set(float64(depth))
}

// SetSubscriberPaused flags a subscriber as paused or resumed.
func SetSubscriberPaused(subscriber string, paused bool) {
	v := 0.0
	if paused {
		v = 1.0
	}
	SubscriberPaused.WithLabelValues(subscriber).Set(v)
}

// RecordSubscriberFailure counts one handler failure.
func RecordSubscriberFailure(subscriber string) {
	SubscriberFailures.WithLabelValues(subscriber).Inc()
}

// SetBreakerState updates the breaker state gauge.
func SetBreakerState(breaker string, state float64) {
	BreakerState.WithLabelValues(breaker).Set(state)
}

// RecordBreakerTrip counts a Closed to Open transition.
func RecordBreakerTrip(breaker string) {
	BreakerTrips.WithLabelValues(breaker).Inc()
}

// RecordBreakerDenial counts a call denied while the breaker is open.
func RecordBreakerDenial(breaker string) {
	BreakerDenials.WithLabelValues(breaker).Inc()
}

// RecordTradeOpened counts a newly opened position.
func RecordTradeOpened(symbol, venue string) {
	TradesOpened.WithLabelValues(symbol, venue).Inc()
}

// RecordTradeClosed counts a closed position and accumulates realized PnL.
func RecordTradeClosed(symbol, reason string, pnl float64) {
	TradesClosed.WithLabelValues(symbol, NormalizeCloseReason(reason)).Inc()
	TotalPnL.Add(pnl)
	if pnl > 0 {
		WinningTradesValue.Add(pnl)
	} else {
		LosingTradesValue.Add(-pnl)
	}
}

// RecordTradeDenied counts a trade intent denied by a safety check.
func RecordTradeDenied(reason string) {
	TradesDenied.WithLabelValues(reason).Inc()
}

// SetOpenPositions updates the open position gauge.
func SetOpenPositions(n int) {
	OpenPositions.Set(float64(n))
}

// RecordStopMove counts a stop-loss ratchet move.
func RecordStopMove(symbol string) {
	StopMoves.WithLabelValues(symbol).Inc()
}

// RecordVenueCall records a venue adapter call with normalized error category.
func RecordVenueCall(venue, op string, durationMs float64, err error) {
	VenueAPILatency.WithLabelValues(venue, op).Observe(durationMs)
	if err != nil {
		VenueAPIErrors.WithLabelValues(venue, NormalizeVenueError(err)).Inc()
	}
}

// RecordAICall records one provider call.
func RecordAICall(provider, taskType string, success bool, durationMs, costUSD float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	AICalls.WithLabelValues(provider, taskType, status).Inc()
	AICallLatency.WithLabelValues(provider).Observe(durationMs)
	if costUSD > 0 {
		AISpend.WithLabelValues(provider).Add(costUSD)
	}
}

// RecordAIFailover counts a failover away from a provider.
func RecordAIFailover(provider string) {
	AIFailovers.WithLabelValues(provider).Inc()
}

// SetComponentState updates the supervisor state gauge for a component.
func SetComponentState(component string, state float64) {
	ComponentState.WithLabelValues(component).Set(state)
}

// RecordComponentRestart counts one supervised restart.
func RecordComponentRestart(component string) {
	ComponentRestarts.WithLabelValues(component).Inc()
}

// RecordComponentFailure counts one component exit treated as failure.
func RecordComponentFailure(component string) {
	ComponentFailures.WithLabelValues(component).Inc()
}

// SetLocksHeld updates the held-lock gauge.
func SetLocksHeld(n int) {
	LocksHeld.Set(float64(n))
}

// RecordLockAcquisition counts an acquisition attempt by result.
func RecordLockAcquisition(result string) {
	LockAcquisitions.WithLabelValues(result).Inc()
}

// RecordLockTakeover counts a stale lock takeover.
func RecordLockTakeover() {
	LockTakeovers.Inc()
}

// RecordLockRenewFailure counts a failed heartbeat renewal.
func RecordLockRenewFailure() {
	LockRenewFailures.Inc()
}

// SetActiveLearnings updates the active learning gauge.
func SetActiveLearnings(n int) {
	ActiveLearnings.Set(float64(n))
}

// RecordLearningFeedback counts one feedback operation.
func RecordLearningFeedback(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	LearningFeedback.WithLabelValues(result).Inc()
}

// RecordLearningSearch counts one search.
func RecordLearningSearch() {
	LearningSearches.Inc()
}

// RecordAuditAppend counts an audit append by action and status.
func RecordAuditAppend(action string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	AuditAppends.WithLabelValues(action, status).Inc()
}

// RecordStateWrite counts an atomic snapshot write.
func RecordStateWrite(file string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	StateWrites.WithLabelValues(file, status).Inc()
}

// RecordAPIRequest records an API request with duration.
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}

// RecordError records an error by fault kind.
func RecordError(kind, component string) {
	Errors.WithLabelValues(kind, component).Inc()
}
