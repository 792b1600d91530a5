package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	MessagesEncryptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_encrypted_total",
			Help: "Total number of message envelopes sealed.",
		},
		[]string{"service", "outcome"},
	)

	MessagesDecryptedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_decrypted_total",
			Help: "Total number of message envelopes opened.",
		},
		[]string{"service", "outcome"},
	)

	InvitesIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invites_issued_total",
			Help: "Total number of invites issued.",
		},
		[]string{"service", "kind"},
	)

	InvitesRedeemedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invites_redeemed_total",
			Help: "Total number of invite redemption attempts.",
		},
		[]string{"service", "result"},
	)

	MessagesSweptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_swept_total",
			Help: "Total number of messages removed by the auto-delete sweep.",
		},
		[]string{"service"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	// Declared as the interface type so MustRegister can swap in the curried
	// vec returned by MustCurryWith.
	HTTPRequestDurationSeconds prometheus.ObserverVec = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
)

func MustRegister(serviceName string) {
	MessagesEncryptedTotal = MessagesEncryptedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	MessagesDecryptedTotal = MessagesDecryptedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	InvitesIssuedTotal = InvitesIssuedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	InvitesRedeemedTotal = InvitesRedeemedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	MessagesSweptTotal = MessagesSweptTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName})

	prometheus.MustRegister(
		MessagesEncryptedTotal,
		MessagesDecryptedTotal,
		InvitesIssuedTotal,
		InvitesRedeemedTotal,
		MessagesSweptTotal,
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
	)
}
