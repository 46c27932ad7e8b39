package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ordersCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Total number of orders created",
		},
		[]string{"payment_method"},
	)

	stockRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "order_stock_rejections_total",
			Help: "Total number of checkouts rejected for insufficient stock",
		},
	)
)
