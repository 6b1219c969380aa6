package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smsrouter_api_requests_total", Help: "HTTP requests"},
		[]string{"endpoint", "status"},
	)
	Ingests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smsrouter_ingest_total", Help: "Inbound webhook intake outcomes"},
		[]string{"profile", "outcome"},
	)
	Routing = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smsrouter_routing_total", Help: "Tenant resolution results"},
		[]string{"match"},
	)
	CreditTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smsrouter_credit_transactions_total", Help: "Credit ledger appends"},
		[]string{"reason"},
	)
	LowBalance = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "smsrouter_low_balance_total", Help: "Surcharges skipped for insufficient balance"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smsrouter_enqueue_total", Help: "SQS delivery nudge results"},
		[]string{"result"},
	)
	ForwardAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smsrouter_forward_attempts_total", Help: "Tenant webhook delivery attempts"},
		[]string{"result", "http_status"},
	)
	ForwardLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "smsrouter_forward_latency_seconds", Help: "Tenant webhook latency", Buckets: prometheus.DefBuckets},
	)
	ForwardExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "smsrouter_forward_exhausted_total", Help: "Deliveries that ran out of attempts"},
	)
	BindingConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "smsrouter_binding_conflicts_total", Help: "Binding keys claimed by more than one tenant"},
	)
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "smsrouter_rate_limited_total", Help: "Inbound requests rejected by the rate limiter"},
		[]string{"profile"},
	)
	CounterDrift = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "smsrouter_counter_drift_total", Help: "Counter reconciliations that found drift"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests, Ingests, Routing, CreditTransactions, LowBalance, Enqueues,
		ForwardAttempts, ForwardLatency, ForwardExhausted, BindingConflicts, RateLimited, CounterDrift,
	)
}
