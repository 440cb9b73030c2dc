package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNorm(t *testing.T) {
	assert.Equal(t, "auth", norm(" AUTH "))
	assert.Equal(t, "unknown", norm(""))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(paymentsTotal.WithLabelValues("charge"))
	IncPayment("CHARGE")
	IncPayment("charge")
	assert.Equal(t, before+2, testutil.ToFloat64(paymentsTotal.WithLabelValues("charge")))

	credited := testutil.ToFloat64(paymentsCreditedTotal.WithLabelValues("kzt"))
	AddCredited("KZT", 1500.5)
	assert.InDelta(t, credited+1500.5, testutil.ToFloat64(paymentsCreditedTotal.WithLabelValues("kzt")), 0.001)

	IncWebhook("")
	assert.GreaterOrEqual(t, testutil.ToFloat64(webhooksTotal.WithLabelValues("unknown")), 1.0)
}

func TestMustRegister_Idempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		MustRegister()
		MustRegister()
	})
}
