// Package telemetry registers the Prometheus metrics the engine updates while
// operating:
//   - execdesk_metadata_401_total           – brokerage metadata auth failures
//   - execdesk_orders_total{mode,side}      – orders placed
//   - execdesk_catalog_refresh_total        – product catalog refreshes
//   - execdesk_catalog_products             – rows in the product catalog (gauge)
//   - execdesk_rate_limited_total{scope}    – rate-limiter rejections
//   - execdesk_runs_total{status}           – runs by terminal status
//
// Served by the HTTP server at /metrics in Prometheus text exposition format.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

var (
	Metadata401 = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "execdesk_metadata_401_total",
		Help: "Brokerage metadata requests rejected with 401",
	})

	Orders = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "execdesk_orders_total",
		Help: "Orders placed",
	}, []string{"mode", "side"})

	CatalogRefresh = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "execdesk_catalog_refresh_total",
		Help: "Product catalog refreshes",
	})

	CatalogProducts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "execdesk_catalog_products",
		Help: "Rows currently in the product catalog",
	})

	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "execdesk_rate_limited_total",
		Help: "Requests rejected by a rate limiter",
	}, []string{"scope"})

	Runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "execdesk_runs_total",
		Help: "Runs by terminal status",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(Metadata401, Orders, CatalogRefresh, CatalogProducts, RateLimited, Runs)
}
