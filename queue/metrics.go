package queue

import "github.com/prometheus/client_golang/prometheus"

var queuedMsgs = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "kurier",
		Subsystem: "queue",
		Name:      "length",
		Help:      "Amount of queued messages",
	},
	[]string{"queue"},
)

var messageOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kurier",
		Subsystem: "queue",
		Name:      "messages_total",
		Help:      "Processed messages, partitioned by outcome",
	},
	[]string{"queue", "outcome"},
)

func init() {
	prometheus.MustRegister(queuedMsgs, messageOutcomes)
}
