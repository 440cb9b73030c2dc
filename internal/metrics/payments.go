package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		paymentsTotal,
		paymentsCreditedTotal,
		autopayOutcomesTotal,
		webhooksTotal,
		fulfilmentsTotal,
	)
}

var (
	paymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_total",
			Help: "Payment status transitions by resulting status (initiated/auth/charge/refund/cancel/failed).",
		},
		[]string{"status"},
	)

	paymentsCreditedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_credited_total",
			Help: "The total monetary value credited to wallets, labeled by currency.",
		},
		[]string{"currency"},
	)

	autopayOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopay_outcomes_total",
			Help: "Autopay attempts by recorded outcome.",
		},
		[]string{"status"},
	)

	webhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhooks_total",
			Help: "Gateway postLink deliveries by processing result.",
		},
		[]string{"result"},
	)

	fulfilmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_data_fulfilments_total",
			Help: "Data top-ups delivered for settled data purchases, by result.",
		},
		[]string{"result"},
	)
)

func IncPayment(status string) {
	paymentsTotal.WithLabelValues(norm(status)).Inc()
}

func AddCredited(currency string, amount float64) {
	paymentsCreditedTotal.WithLabelValues(norm(currency)).Add(amount)
}

func IncAutopay(status string) {
	autopayOutcomesTotal.WithLabelValues(norm(status)).Inc()
}

func IncWebhook(result string) {
	webhooksTotal.WithLabelValues(norm(result)).Inc()
}

func IncFulfilment(result string) {
	fulfilmentsTotal.WithLabelValues(norm(result)).Inc()
}
