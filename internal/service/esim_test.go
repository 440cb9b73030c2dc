package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mansoorceksport/esimpay/internal/domain"
	"github.com/mansoorceksport/esimpay/internal/infrastructure/imsi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTariffs struct {
	mu      sync.Mutex
	tariffs []Tariff
	err     error
	calls   int
}

func (f *fakeTariffs) Tariffs(ctx context.Context) ([]Tariff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.tariffs, f.err
}

type triggerCall struct {
	esimID    string
	balanceMB float64
	rate      float64
	country   string
}

// fakeTrigger records autopay invocations and runs an optional side effect.
type fakeTrigger struct {
	mu      sync.Mutex
	calls   []triggerCall
	outcome string
	effect  func(esimID string)
}

func (f *fakeTrigger) MaybeTrigger(ctx context.Context, user *domain.User, esim *domain.Esim, balanceMB, ratePerMB float64, country string) string {
	f.mu.Lock()
	f.calls = append(f.calls, triggerCall{esimID: esim.ID, balanceMB: balanceMB, rate: ratePerMB, country: country})
	f.mu.Unlock()
	if f.effect != nil {
		f.effect(esim.ID)
	}
	return f.outcome
}

type esimFixture struct {
	svc      *EsimService
	esims    *memEsims
	provider *fakeProvider
	tariffs  *fakeTariffs
	trigger  *fakeTrigger
	user     *domain.User
}

func newEsimFixture(t *testing.T, esims ...domain.Esim) *esimFixture {
	t.Helper()
	user := domain.User{ID: testUserID, Email: "aigerim@example.kz", Name: "Aigerim"}
	f := &esimFixture{
		esims:    newMemEsims(esims...),
		provider: &fakeProvider{infos: map[string]*imsi.Info{}},
		tariffs: &fakeTariffs{tariffs: []Tariff{
			{PLMN: "40101", CountryName: "Kazakhstan", DataRate: 0.002},
			{PLMN: "40102", CountryName: "Kazakhstan", DataRate: 0.0015},
		}},
		trigger: &fakeTrigger{},
		user:    &user,
	}
	f.svc = NewEsimService(f.esims, newMemUsers(user), f.provider, f.tariffs, f.trigger, &nopLogger)
	return f
}

func TestListUserEsims(t *testing.T) {
	f := newEsimFixture(t,
		domain.Esim{ID: "esim-1", UserID: testUserID, IMSI: testIMSI, Name: "Travel", DataLimitMB: 1000, ActivationCode: "LPA:1$rsp$abc"},
		domain.Esim{ID: "esim-2", UserID: testUserID, IMSI: "401990000000002", DataLimitMB: 500},
		domain.Esim{ID: "esim-3", UserID: "user-2", IMSI: "401990000000003"},
	)
	f.provider.infos[testIMSI] = &imsi.Info{IMSI: testIMSI, MSISDN: "77001112233", BalanceMB: 250, HasBalance: true, LastMCC: 401}

	views, err := f.svc.ListUserEsims(context.Background(), f.user)

	require.NoError(t, err)
	require.Len(t, views, 2)

	live := views[0]
	assert.Equal(t, "esim-1", live.ID)
	assert.Equal(t, "Travel", live.Name)
	assert.True(t, live.ProviderAvailable)
	assert.Equal(t, 250.0, live.ProviderBalanceMB)
	assert.Equal(t, 750.0, live.DataUsedMB)
	assert.Equal(t, "Kazakhstan", live.Country)
	require.NotNil(t, live.CurrentRate)
	assert.Equal(t, 0.0015, *live.CurrentRate)
	assert.Equal(t, "Vink", live.Provider)

	degraded := views[1]
	assert.Equal(t, "esim-2", degraded.ID)
	assert.False(t, degraded.ProviderAvailable)
	assert.Equal(t, "Global", degraded.Country)
	assert.Nil(t, degraded.CurrentRate)
	assert.Equal(t, "Vink eSIM", degraded.Name)
	assert.Equal(t, "UNKNOWN", degraded.ActivationCode)
	assert.Equal(t, 500.0, degraded.DataLimitMB)

	assert.Equal(t, []triggerCall{{esimID: "esim-1", balanceMB: 250, rate: 0.0015, country: "Kazakhstan"}}, f.trigger.calls,
		"autopay never runs without a live balance")
	assert.Equal(t, 1, f.tariffs.calls)
}

func TestListUserEsims_Empty(t *testing.T) {
	f := newEsimFixture(t)

	views, err := f.svc.ListUserEsims(context.Background(), f.user)

	require.NoError(t, err)
	assert.NotNil(t, views)
	assert.Empty(t, views)
	assert.Zero(t, f.tariffs.calls)
}

func TestListUserEsims_SyncsIdentity(t *testing.T) {
	f := newEsimFixture(t, domain.Esim{ID: "esim-1", UserID: testUserID, IMSI: testIMSI, ICCID: "8997000000000000001"})
	f.provider.infos[testIMSI] = &imsi.Info{ICCID: "8997000000000000002", MSISDN: "77001112233", BalanceMB: 900, HasBalance: true}

	views, err := f.svc.ListUserEsims(context.Background(), f.user)

	require.NoError(t, err)
	stored := f.esims.get("esim-1")
	assert.Equal(t, "8997000000000000002", stored.ICCID)
	assert.Equal(t, "77001112233", stored.MSISDN)
	assert.Equal(t, "8997000000000000002", views[0].ICCID)
	assert.True(t, views[0].IsActive)
}

func TestListUserEsims_UnknownLocation(t *testing.T) {
	f := newEsimFixture(t, domain.Esim{ID: "esim-1", UserID: testUserID, IMSI: testIMSI})
	f.provider.infos[testIMSI] = &imsi.Info{BalanceMB: 50, HasBalance: true, LastMCC: 0}

	views, err := f.svc.ListUserEsims(context.Background(), f.user)

	require.NoError(t, err)
	assert.Equal(t, "Global", views[0].Country)
	assert.Nil(t, views[0].CurrentRate)
	require.Len(t, f.trigger.calls, 1)
	assert.Zero(t, f.trigger.calls[0].rate)
}

func TestListUserEsims_MissingBalanceSkipsAutopay(t *testing.T) {
	f := newEsimFixture(t, domain.Esim{ID: "esim-1", UserID: testUserID, IMSI: testIMSI})
	f.provider.infos[testIMSI] = &imsi.Info{LastMCC: 401}

	_, err := f.svc.ListUserEsims(context.Background(), f.user)

	require.NoError(t, err)
	assert.Empty(t, f.trigger.calls)
}

func TestListUserEsims_TariffOutage(t *testing.T) {
	f := newEsimFixture(t, domain.Esim{ID: "esim-1", UserID: testUserID, IMSI: testIMSI})
	f.provider.infos[testIMSI] = &imsi.Info{BalanceMB: 50, HasBalance: true, LastMCC: 401}
	f.tariffs.tariffs = nil
	f.tariffs.err = &domain.GatewayError{Service: "tariffs", StatusCode: 503}

	views, err := f.svc.ListUserEsims(context.Background(), f.user)

	require.NoError(t, err)
	assert.Nil(t, views[0].CurrentRate)
	require.Len(t, f.trigger.calls, 1)
	assert.Zero(t, f.trigger.calls[0].rate)
}

func TestListUserEsims_ShowsStateAfterAutopay(t *testing.T) {
	f := newEsimFixture(t, domain.Esim{ID: "esim-1", UserID: testUserID, IMSI: testIMSI, DataLimitMB: 1000})
	f.provider.infos[testIMSI] = &imsi.Info{BalanceMB: 100, HasBalance: true, LastMCC: 401}
	f.trigger.outcome = domain.AutopayStatusSuccess
	f.trigger.effect = func(esimID string) {
		_ = f.esims.AddDataLimit(context.Background(), esimID, 3000)
		_ = f.esims.RecordAutopayStatus(context.Background(), esimID, domain.AutopayStatusSuccess)
	}

	views, err := f.svc.ListUserEsims(context.Background(), f.user)

	require.NoError(t, err)
	assert.Equal(t, 4000.0, views[0].DataLimitMB)
	assert.Equal(t, domain.AutopayStatusSuccess, views[0].Autopay.LastStatus)
}

func TestGetEsimUsage(t *testing.T) {
	f := newEsimFixture(t, domain.Esim{ID: "esim-1", UserID: testUserID, IMSI: testIMSI, DataLimitMB: 1000})
	f.provider.infos[testIMSI] = &imsi.Info{BalanceMB: 333, HasBalance: true, LastMCC: 401}
	f.trigger.outcome = domain.AutopayStatusSuccess
	f.trigger.effect = func(esimID string) {
		_ = f.esims.AddDataLimit(context.Background(), esimID, 3000)
	}

	view, err := f.svc.GetEsimUsage(context.Background(), f.user, "esim-1")

	require.NoError(t, err)
	assert.Equal(t, "esim-1", view.EsimID)
	assert.Equal(t, 667.0, view.Usage.DataUsedMB)
	assert.Equal(t, 1000.0, view.Usage.DataLimitMB, "usage reflects the state before the top-up")
	assert.Equal(t, 333.0, view.Usage.DataRemainingMB)
	assert.Equal(t, 66.7, view.Usage.PercentageUsed)

	today := time.Now().UTC().Format("2006-01-02")
	assert.Equal(t, UsagePeriod{Start: today, End: today}, view.Period)
	require.Len(t, f.trigger.calls, 1)
	assert.Equal(t, 0.0015, f.trigger.calls[0].rate)
}

func TestGetEsimUsage_Errors(t *testing.T) {
	f := newEsimFixture(t,
		domain.Esim{ID: "esim-1", UserID: testUserID, IMSI: testIMSI},
		domain.Esim{ID: "esim-2", UserID: "user-2", IMSI: "401990000000002"},
	)

	_, err := f.svc.GetEsimUsage(context.Background(), f.user, "esim-2")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.GetEsimUsage(context.Background(), f.user, "esim-1")
	assert.ErrorIs(t, err, domain.ErrGatewayRejected, "wholesaler 404 is surfaced")
}

func TestComputeUsage(t *testing.T) {
	tests := []struct {
		name     string
		limit    float64
		balance  float64
		wantUsed float64
		wantPct  float64
	}{
		{"partially used", 1000, 250, 750, 75},
		{"rounded", 3000, 1999, 1001, 33.37},
		{"balance above limit", 500, 800, 0, 0},
		{"no limit", 0, 100, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := computeUsage(tt.limit, tt.balance)
			assert.Equal(t, tt.wantUsed, u.DataUsedMB)
			assert.Equal(t, tt.wantPct, u.PercentageUsed)
		})
	}
}

func TestRunAutopayAdmin(t *testing.T) {
	f := newEsimFixture(t,
		domain.Esim{ID: "esim-1", UserID: testUserID, IMSI: testIMSI, Autopay: domain.AutopayState{LastStatus: domain.AutopayStatusError}},
		domain.Esim{ID: "esim-free", IMSI: "401990000000009"},
	)
	f.provider.infos[testIMSI] = &imsi.Info{BalanceMB: 120, HasBalance: true, LastMCC: 401}
	f.trigger.outcome = domain.AutopayStatusNoSavedCard
	f.trigger.effect = func(esimID string) {
		_ = f.esims.RecordAutopayStatus(context.Background(), esimID, domain.AutopayStatusNoSavedCard)
	}

	report, err := f.svc.RunAutopayAdmin(context.Background(), "esim-1")

	require.NoError(t, err)
	assert.Equal(t, testUserID, report.UserID)
	assert.Equal(t, 120.0, report.ProviderBalanceMB)
	assert.Equal(t, "Kazakhstan", report.Country)
	assert.Equal(t, 0.0015, report.RateUSDPerMB)
	assert.Equal(t, domain.AutopayStatusNoSavedCard, report.Outcome)
	assert.Equal(t, domain.AutopayStatusError, report.StatusBefore)
	assert.Equal(t, domain.AutopayStatusNoSavedCard, report.StatusAfter)

	_, err = f.svc.RunAutopayAdmin(context.Background(), "esim-free")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.RunAutopayAdmin(context.Background(), "esim-missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
