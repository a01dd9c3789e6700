package logtrust

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	configurationLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logtrust",
			Name:      "configuration_loads_total",
			Help:      "Configuration loads by result (ok, malformed, invalid).",
		},
		[]string{"result"},
	)

	knownClientsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "logtrust",
			Name:      "known_clients",
			Help:      "Number of enrolled clients in the active configuration.",
		},
	)

	authorizations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logtrust",
			Name:      "authorizations_total",
			Help:      "Authorization decisions by reason.",
		},
		[]string{"reason"},
	)

	signatureChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logtrust",
			Name:      "client_signature_checks_total",
			Help:      "Known client signature verifications by result.",
		},
		[]string{"result"},
	)

	extensionLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logtrust",
			Name:      "extension_loads_total",
			Help:      "Extension module loads by result.",
		},
		[]string{"result"},
	)

	extensionTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logtrust",
			Name:      "extension_triggers_total",
			Help:      "Extension triggers by extension id and outcome (continue, veto, busy, cancelled).",
		},
		[]string{"extension", "outcome"},
	)

	extensionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "logtrust",
			Name:      "extension_execute_seconds",
			Help:      "Time spent in extension Execute.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"extension"},
	)
)
