package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var webhookEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "payment_webhook_events_total",
		Help: "Total number of payment webhook deliveries by outcome",
	},
	[]string{"event_type", "outcome"},
)
