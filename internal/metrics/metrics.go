// Package metrics exposes Prometheus instrumentation for the ACME front end
// and issuance pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the services increment. Each instance owns
// its registry, so tests can construct as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	NoncesIssued   prometheus.Counter
	NoncesAccepted prometheus.Counter
	NoncesRejected prometheus.Counter

	OrdersCreated       prometheus.Counter
	ChallengesValidated *prometheus.CounterVec
	CertificatesIssued  prometheus.Counter
	FinalizeFailures    prometheus.Counter

	RequestAuthFailures *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		NoncesIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "certmint_nonces_issued_total",
			Help: "Number of anti-replay nonces issued.",
		}),
		NoncesAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "certmint_nonces_accepted_total",
			Help: "Number of nonces accepted on first use.",
		}),
		NoncesRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "certmint_nonces_rejected_total",
			Help: "Number of nonces rejected as unknown, replayed, or expired.",
		}),
		OrdersCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "certmint_orders_created_total",
			Help: "Number of certificate orders created.",
		}),
		ChallengesValidated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "certmint_challenges_validated_total",
			Help: "Challenge validation attempts by type and result.",
		}, []string{"type", "result"}),
		CertificatesIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "certmint_certificates_issued_total",
			Help: "Number of certificates issued through order finalization.",
		}),
		FinalizeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "certmint_finalize_failures_total",
			Help: "Number of order finalizations that ended invalid.",
		}),
		RequestAuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "certmint_request_auth_failures_total",
			Help: "JWS request authentication failures by problem type.",
		}, []string{"problem"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
