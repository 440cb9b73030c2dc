package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mansoorceksport/esimpay/internal/config"
	"github.com/mansoorceksport/esimpay/internal/domain"
	"github.com/mansoorceksport/esimpay/internal/infrastructure/epay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAutopayConfig() config.AutopayConfig {
	return config.AutopayConfig{
		Enabled:     true,
		ThresholdMB: 300,
		PackageMB:   3000,
		Cooldown:    30 * time.Minute,
		USDToKZT:    450,
	}
}

// newAutopayFixture wires the engine to a real PaymentService so a charge runs
// the whole settle and top-up path.
func newAutopayFixture(t *testing.T, cfg config.AutopayConfig) (*AutopayEngine, *paymentFixture) {
	t.Helper()
	f := newPaymentFixture(t)
	f.gateway.savedCards = func(string) ([]epay.SavedCard, error) {
		return []epay.SavedCard{{ID: "card-1", CardMask: "4400****1111", CreatedDate: "2025-01-10T10:00:00"}}, nil
	}
	return NewAutopayEngine(cfg, f.esims, f.gateway, f.svc, &nopLogger), f
}

func (f *paymentFixture) esim() *domain.Esim {
	e := f.esims.get(testEsimID)
	return &e
}

func TestAutopay_SuccessDeliversPackage(t *testing.T) {
	engine, f := newAutopayFixture(t, testAutopayConfig())

	outcome := engine.MaybeTrigger(context.Background(), f.user(t), f.esim(), 250, 0.002, "Kazakhstan")

	require.Equal(t, domain.AutopayStatusSuccess, outcome)

	require.Len(t, f.gateway.cardPayments, 1)
	charge := f.gateway.cardPayments[0]
	assert.Equal(t, 2700.0, charge.Amount)
	assert.Equal(t, domain.CurrencyKZT, charge.Currency)
	assert.Equal(t, "card-1", charge.CardID.ID)
	assert.Equal(t, "VinkSIM AutoPay", charge.Name)
	assert.Equal(t, "AutoPay 3GB Kazakhstan @ 0.002000 USD/MB", charge.Description)

	assert.Equal(t, []topUpCall{{imsi: testIMSI, mb: 3000}}, f.provider.topUps)

	esim := f.esims.get(testEsimID)
	assert.Equal(t, 4000.0, esim.DataLimitMB)
	assert.Equal(t, domain.AutopayStatusSuccess, esim.Autopay.LastStatus)
	assert.False(t, esim.Autopay.InProgress)
	assert.NotNil(t, esim.Autopay.LastAttemptAt)
	assert.NotNil(t, esim.Autopay.LastSuccessAt)
	assert.Equal(t, "card-1", esim.Autopay.LastCardID)
	assert.Equal(t, 6.0, esim.Autopay.LastAmountUSD)
	assert.Equal(t, 2700.0, esim.Autopay.LastAmountKZT)
	assert.Equal(t, "Kazakhstan", esim.Autopay.LastCountry)
	assert.Equal(t, 1, f.esims.releases)

	payment := f.payments.get(esim.Autopay.LastPaymentID)
	assert.Equal(t, domain.PaymentTypeRecurrent, payment.PaymentType)
	assert.Equal(t, domain.PaymentStatusAuth, payment.Status)
	assert.Equal(t, 3000.0, payment.DataPackageMB)
	assert.Zero(t, f.payments.balance(testUserID), "autopay buys data, not wallet balance")
}

func TestAutopay_LaterWebhookDoesNotTopUpAgain(t *testing.T) {
	engine, f := newAutopayFixture(t, testAutopayConfig())
	ctx := context.Background()

	require.Equal(t, domain.AutopayStatusSuccess, engine.MaybeTrigger(ctx, f.user(t), f.esim(), 100, 0.002, "Kazakhstan"))
	payment := f.payments.get(f.esims.get(testEsimID).Autopay.LastPaymentID)

	f.gateway.checkStatus = respondWith(foundStatus(payment.InvoiceID, "CHARGE", 2700))
	result := f.svc.ReconcileFromWebhook(ctx, "application/json", webhookJSON(payment.InvoiceID, "ok", ""))

	assert.Equal(t, WebhookProcessed, result)
	assert.Equal(t, domain.PaymentStatusCharge, f.payments.get(payment.ID).Status)
	assert.Equal(t, 1, f.provider.topUpCount())
	assert.Equal(t, 4000.0, f.esims.get(testEsimID).DataLimitMB)
}

func TestAutopay_Gates(t *testing.T) {
	disabled := testAutopayConfig()
	disabled.Enabled = false
	recent := time.Now().Add(-5 * time.Minute)

	tests := []struct {
		name       string
		cfg        config.AutopayConfig
		autopay    domain.AutopayState
		balanceMB  float64
		rate       float64
		want       string
		wantStatus string
	}{
		{name: "disabled", cfg: disabled, balanceMB: 0, rate: 0.002, want: ""},
		{name: "above threshold", cfg: testAutopayConfig(), balanceMB: 301, rate: 0.002, want: ""},
		{name: "no rate", cfg: testAutopayConfig(), balanceMB: 100, rate: 0, want: domain.AutopayStatusNoTariffRate, wantStatus: domain.AutopayStatusNoTariffRate},
		{name: "rate rounds to zero", cfg: testAutopayConfig(), balanceMB: 100, rate: 0.000000001, want: domain.AutopayStatusInvalidTariffRate, wantStatus: domain.AutopayStatusInvalidTariffRate},
		{name: "already running", cfg: testAutopayConfig(), autopay: domain.AutopayState{InProgress: true}, balanceMB: 100, rate: 0.002, want: ""},
		{name: "cooling down", cfg: testAutopayConfig(), autopay: domain.AutopayState{LastAttemptAt: &recent}, balanceMB: 100, rate: 0.002, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, f := newAutopayFixture(t, tt.cfg)
			esim := f.esim()
			esim.Autopay = tt.autopay
			require.NoError(t, f.esims.update(esim.ID, func(e *domain.Esim) { e.Autopay = tt.autopay }))

			got := engine.MaybeTrigger(context.Background(), f.user(t), esim, tt.balanceMB, tt.rate, "Kazakhstan")

			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantStatus, f.esims.get(esim.ID).Autopay.LastStatus)
			assert.Zero(t, f.gateway.callCount("PayWithSavedCard"))
			assert.Zero(t, f.esims.acquires)
		})
	}
}

func TestAutopay_ThresholdIsInclusive(t *testing.T) {
	engine, f := newAutopayFixture(t, testAutopayConfig())

	got := engine.MaybeTrigger(context.Background(), f.user(t), f.esim(), 300, 0.002, "Kazakhstan")

	assert.Equal(t, domain.AutopayStatusSuccess, got)
}

func TestAutopay_Cooldown(t *testing.T) {
	engine, f := newAutopayFixture(t, testAutopayConfig())
	ctx := context.Background()
	stale := f.esim()

	require.Equal(t, domain.AutopayStatusSuccess, engine.MaybeTrigger(ctx, f.user(t), stale, 100, 0.002, "Kazakhstan"))

	// The stored lock rejects a caller holding a snapshot from before the attempt.
	assert.Empty(t, engine.MaybeTrigger(ctx, f.user(t), stale, 100, 0.002, "Kazakhstan"))
	assert.Empty(t, engine.MaybeTrigger(ctx, f.user(t), f.esim(), 100, 0.002, "Kazakhstan"))

	assert.Equal(t, 1, f.gateway.callCount("PayWithSavedCard"))
	assert.Equal(t, 1, f.provider.topUpCount())
}

func TestAutopay_ConcurrentReadsChargeOnce(t *testing.T) {
	engine, f := newAutopayFixture(t, testAutopayConfig())
	user := f.user(t)
	snapshot := f.esim()

	var wg sync.WaitGroup
	outcomes := make([]string, 8)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := *snapshot
			outcomes[i] = engine.MaybeTrigger(context.Background(), user, &e, 100, 0.002, "Kazakhstan")
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, o := range outcomes {
		if o == domain.AutopayStatusSuccess {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, f.gateway.callCount("PayWithSavedCard"))
	assert.Equal(t, 1, f.provider.topUpCount())
	assert.False(t, f.esims.get(testEsimID).Autopay.InProgress)
}

func TestAutopay_ChargeOutcomes(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *paymentFixture)
		want  string
	}{
		{
			name: "no saved card",
			setup: func(f *paymentFixture) {
				f.gateway.savedCards = func(string) ([]epay.SavedCard, error) { return nil, nil }
			},
			want: domain.AutopayStatusNoSavedCard,
		},
		{
			name: "card without id",
			setup: func(f *paymentFixture) {
				f.gateway.savedCards = func(string) ([]epay.SavedCard, error) {
					return []epay.SavedCard{{CardMask: "4400****1111"}}, nil
				}
			},
			want: domain.AutopayStatusNoValidCard,
		},
		{
			name: "card listing fails",
			setup: func(f *paymentFixture) {
				f.gateway.savedCards = func(string) ([]epay.SavedCard, error) {
					return nil, &domain.GatewayError{Service: "epay", StatusCode: 502, Message: "bad gateway"}
				}
			},
			want: domain.AutopayStatusError,
		},
		{
			name: "3-D Secure required",
			setup: func(f *paymentFixture) {
				f.gateway.payWithSavedCard = func(req epay.CardPaymentRequest) (*epay.CardPaymentResponse, error) {
					return &epay.CardPaymentResponse{ID: "tx-3d", Status: epay.Status3DS}, nil
				}
			},
			want: "payment_3d",
		},
		{
			name: "charge fails",
			setup: func(f *paymentFixture) {
				f.gateway.payWithSavedCard = func(req epay.CardPaymentRequest) (*epay.CardPaymentResponse, error) {
					return nil, errors.New("connection reset")
				}
			},
			want: domain.AutopayStatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, f := newAutopayFixture(t, testAutopayConfig())
			tt.setup(f)

			got := engine.MaybeTrigger(context.Background(), f.user(t), f.esim(), 100, 0.002, "Kazakhstan")

			assert.Equal(t, tt.want, got)
			esim := f.esims.get(testEsimID)
			assert.Equal(t, tt.want, esim.Autopay.LastStatus)
			assert.False(t, esim.Autopay.InProgress, "lock is released")
			assert.Nil(t, esim.Autopay.LastSuccessAt)
			assert.Zero(t, f.provider.topUpCount())
		})
	}
}

func TestAutopay_Price(t *testing.T) {
	engine := NewAutopayEngine(testAutopayConfig(), nil, nil, nil, &nopLogger)

	tests := []struct {
		rate    float64
		wantUSD string
		wantKZT string
	}{
		{0.002, "6", "2700"},
		{0.0015, "4.5", "2025"},
		{0.00123456, "3.7037", "1666.66"},
	}

	for _, tt := range tests {
		q := engine.Price(tt.rate)
		assert.Equal(t, tt.wantUSD, q.AmountUSD.String())
		assert.Equal(t, tt.wantKZT, q.AmountKZT.String())
	}
}

func TestPickLatestCard(t *testing.T) {
	tests := []struct {
		name  string
		cards []epay.SavedCard
		want  string
	}{
		{
			name: "latest date wins",
			cards: []epay.SavedCard{
				{ID: "old", CreatedDate: "2024-05-01T09:00:00"},
				{ID: "new", CreatedDate: "2025-02-01 09:00:00"},
				{ID: "mid", CreatedDate: "2024-12-01T09:00:00Z"},
			},
			want: "new",
		},
		{
			name: "undated cards fall back to the first",
			cards: []epay.SavedCard{
				{ID: "first"},
				{ID: "second", CreatedDate: "yesterday"},
			},
			want: "first",
		},
		{
			name: "dated card beats undated",
			cards: []epay.SavedCard{
				{ID: "undated"},
				{ID: "dated", CreatedDate: "2024-01-01T00:00:00"},
			},
			want: "dated",
		},
		{
			name:  "empty id",
			cards: []epay.SavedCard{{CardMask: "4400****1111"}},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pickLatestCard(tt.cards))
		})
	}
}
