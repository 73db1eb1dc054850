// Package metrics exposes Prometheus collectors for the settlement engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "settlement"

type Metrics struct {
	registry           *prometheus.Registry
	webhookEvents      *prometheus.CounterVec
	ledgerPostings     *prometheus.CounterVec
	escrowTransitions  *prometheus.CounterVec
	payoutTransitions  *prometheus.CounterVec
	idempotencyResults *prometheus.CounterVec
	providerCalls      *prometheus.CounterVec
	virtualAccounts    *prometheus.CounterVec
	frozenWallets      prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		webhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Webhook events partitioned by provider, kind and action taken.",
		}, []string{"provider", "kind", "action"}),
		ledgerPostings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "postings_total",
			Help:      "Ledger postings partitioned by transaction type and result.",
		}, []string{"type", "result"}),
		escrowTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "transitions_total",
			Help:      "Escrow hold transitions partitioned by target state.",
		}, []string{"to"}),
		payoutTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payout",
			Name:      "transitions_total",
			Help:      "Payout status transitions partitioned by target status.",
		}, []string{"to"}),
		idempotencyResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "results_total",
			Help:      "Idempotency guard outcomes: executed, replayed, in_flight, failed.",
		}, []string{"result"}),
		providerCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Outbound provider calls partitioned by provider, operation and result.",
		}, []string{"provider", "op", "result"}),
		virtualAccounts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "virtual_account",
			Name:      "provisioning_total",
			Help:      "Virtual account provisioning outcomes.",
		}, []string{"status"}),
		frozenWallets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "wallets_frozen_total",
			Help:      "Wallets frozen after failing the ledger invariant.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) WebhookEvent(provider, kind, action string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, kind, action).Inc()
}

func (m *Metrics) LedgerPosting(txType, result string) {
	if m == nil {
		return
	}
	m.ledgerPostings.WithLabelValues(txType, result).Inc()
}

func (m *Metrics) EscrowTransition(to string) {
	if m == nil {
		return
	}
	m.escrowTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) PayoutTransition(to string) {
	if m == nil {
		return
	}
	m.payoutTransitions.WithLabelValues(to).Inc()
}

func (m *Metrics) Idempotency(result string) {
	if m == nil {
		return
	}
	m.idempotencyResults.WithLabelValues(result).Inc()
}

func (m *Metrics) ProviderCall(provider, op, result string) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, op, result).Inc()
}

func (m *Metrics) VirtualAccount(status string) {
	if m == nil {
		return
	}
	m.virtualAccounts.WithLabelValues(status).Inc()
}

func (m *Metrics) WalletFrozen() {
	if m == nil {
		return
	}
	m.frozenWallets.Inc()
}
