package signalc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	envelopesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signalc_envelopes_received_total",
		Help: "Inbound envelopes read off message pipes, by envelope type.",
	}, []string{"type"})
	decryptionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalc_decryption_errors_total",
		Help: "Envelopes that failed to decrypt.",
	})
	messagesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signalc_messages_in_flight",
		Help: "Decryption tasks currently running.",
	})
	subscriptionDisruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signalc_subscription_disruptions_total",
		Help: "Message pipe transport failures outside of shutdown.",
	})
	sendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "signalc_send_duration_seconds",
		Help:    "Time spent encrypting and transmitting one outbound message.",
		Buckets: prometheus.DefBuckets,
	})
)
