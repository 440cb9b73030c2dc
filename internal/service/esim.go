package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/mansoorceksport/esimpay/internal/domain"
	"github.com/mansoorceksport/esimpay/internal/infrastructure/imsi"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	providerLabel     = "Vink"
	defaultEsimName   = "Vink eSIM"
	esimFetchLimit    = 4
	usagePeriodLayout = "2006-01-02"
	percentagePlaces  = 2
	unknownActivation = "UNKNOWN"
)

// TariffSource provides the wholesale rate list. Implemented by *TariffService.
type TariffSource interface {
	Tariffs(ctx context.Context) ([]Tariff, error)
}

// AutopayTrigger is the autopay entry point. Implemented by *AutopayEngine.
type AutopayTrigger interface {
	MaybeTrigger(ctx context.Context, user *domain.User, esim *domain.Esim, balanceMB, ratePerMB float64, country string) string
}

// EsimView is a data identity with its live balance
type EsimView struct {
	ID                string              `json:"id"`
	UserID            string              `json:"user_id"`
	Name              string              `json:"name"`
	IMSI              string              `json:"imsi"`
	ICCID             string              `json:"iccid,omitempty"`
	MSISDN            string              `json:"msisdn,omitempty"`
	ActivationCode    string              `json:"activation_code"`
	IsActive          bool                `json:"is_active"`
	DataLimitMB       float64             `json:"data_limit"`
	DataUsedMB        float64             `json:"data_used"`
	ProviderBalanceMB float64             `json:"provider_balance"`
	ProviderAvailable bool                `json:"provider_available"`
	Country           string              `json:"country"`
	Provider          string              `json:"provider"`
	CurrentRate       *float64            `json:"current_rate"`
	Autopay           domain.AutopayState `json:"autopay"`
}

// UsagePeriod is the window a usage answer covers
type UsagePeriod struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Usage is the data consumption of one identity
type Usage struct {
	DataUsedMB      float64 `json:"data_used_mb"`
	DataLimitMB     float64 `json:"data_limit_mb"`
	DataRemainingMB float64 `json:"data_remaining_mb"`
	PercentageUsed  float64 `json:"percentage_used"`
}

// UsageView answers GET /v1/esims/:id/usage
type UsageView struct {
	EsimID  string              `json:"esim_id"`
	Period  UsagePeriod         `json:"period"`
	Usage   Usage               `json:"usage"`
	Autopay domain.AutopayState `json:"autopay"`
}

// AutopayRunReport is what an operator-triggered autopay run did
type AutopayRunReport struct {
	EsimID            string     `json:"esim_id"`
	UserID            string     `json:"user_id"`
	ProviderBalanceMB float64    `json:"provider_balance_mb"`
	Country           string     `json:"country"`
	RateUSDPerMB      float64    `json:"rate_usd_per_mb"`
	Outcome           string     `json:"outcome"`
	StatusBefore      string     `json:"autopay_last_status_before"`
	StatusAfter       string     `json:"autopay_last_status_after"`
	LastSuccessAt     *time.Time `json:"autopay_last_success_at,omitempty"`
}

// EsimService is the balance read path. Every read may trigger autopay.
type EsimService struct {
	esims    domain.EsimRepository
	users    domain.UserRepository
	provider DataProvider
	tariffs  TariffSource
	autopay  AutopayTrigger
	log      *zerolog.Logger
	now      func() time.Time
}

func NewEsimService(
	esims domain.EsimRepository,
	users domain.UserRepository,
	provider DataProvider,
	tariffs TariffSource,
	autopay AutopayTrigger,
	logger *zerolog.Logger,
) *EsimService {
	return &EsimService{
		esims:    esims,
		users:    users,
		provider: provider,
		tariffs:  tariffs,
		autopay:  autopay,
		log:      logger,
		now:      time.Now,
	}
}

// ListUserEsims returns the user's identities with live balances. Wholesaler
// failures degrade the affected entry instead of failing the list.
func (s *EsimService) ListUserEsims(ctx context.Context, user *domain.User) ([]EsimView, error) {
	esims, err := s.esims.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if len(esims) == 0 {
		return []EsimView{}, nil
	}

	tariffs := s.loadTariffs(ctx)

	views := make([]EsimView, len(esims))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(esimFetchLimit)
	for i, e := range esims {
		i, e := i, e
		g.Go(func() error {
			views[i] = s.sync(gCtx, user, e, tariffs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return views, nil
}

func (s *EsimService) sync(ctx context.Context, user *domain.User, e *domain.Esim, tariffs []Tariff) EsimView {
	info, err := s.provider.Info(ctx, e.IMSI)
	if err != nil {
		s.log.Warn().Err(err).Str("esim_id", e.ID).Msg("wholesaler info unavailable")
		return s.view(e, nil, countryGlobal, 0)
	}

	s.syncIdentity(ctx, e, info)

	country, known := countryForMCC(info.LastMCC)
	var rate float64
	if known {
		rate = RateFor(tariffs, country)
	}

	if info.HasBalance && s.autopay.MaybeTrigger(ctx, user, e, info.BalanceMB, rate, country) != "" {
		e = s.refresh(ctx, e)
	}
	return s.view(e, info, country, rate)
}

// GetEsimUsage reports consumption of one identity, computed before any
// autopay top-up the read triggers.
func (s *EsimService) GetEsimUsage(ctx context.Context, user *domain.User, esimID string) (*UsageView, error) {
	e, err := s.esims.GetForUser(ctx, user.ID, esimID)
	if err != nil {
		return nil, err
	}

	info, err := s.provider.Info(ctx, e.IMSI)
	if err != nil {
		return nil, err
	}
	s.syncIdentity(ctx, e, info)

	today := s.now().UTC().Format(usagePeriodLayout)
	usage := computeUsage(e.DataLimitMB, info.BalanceMB)

	country, rate := s.resolve(ctx, info.LastMCC)
	if info.HasBalance && s.autopay.MaybeTrigger(ctx, user, e, info.BalanceMB, rate, country) != "" {
		e = s.refresh(ctx, e)
	}

	return &UsageView{
		EsimID:  e.ID,
		Period:  UsagePeriod{Start: today, End: today},
		Usage:   usage,
		Autopay: e.Autopay,
	}, nil
}

// RunAutopayAdmin runs the autopay gates for one identity on an operator's
// request, reporting the recorded status before and after.
func (s *EsimService) RunAutopayAdmin(ctx context.Context, esimID string) (*AutopayRunReport, error) {
	e, err := s.esims.GetByID(ctx, esimID)
	if err != nil {
		return nil, err
	}
	if e.UserID == "" {
		return nil, domain.NewValidationError("esim %s is not assigned to a user", esimID)
	}
	user, err := s.users.GetByID(ctx, e.UserID)
	if err != nil {
		return nil, err
	}

	info, err := s.provider.Info(ctx, e.IMSI)
	if err != nil {
		return nil, err
	}

	report := &AutopayRunReport{
		EsimID:            e.ID,
		UserID:            e.UserID,
		ProviderBalanceMB: info.BalanceMB,
		StatusBefore:      e.Autopay.LastStatus,
	}
	report.Country, report.RateUSDPerMB = s.resolve(ctx, info.LastMCC)
	report.Outcome = s.autopay.MaybeTrigger(ctx, user, e, info.BalanceMB, report.RateUSDPerMB, report.Country)

	refreshed := s.refresh(ctx, e)
	report.StatusAfter = refreshed.Autopay.LastStatus
	report.LastSuccessAt = refreshed.Autopay.LastSuccessAt

	s.log.Info().
		Str("esim_id", e.ID).
		Str("outcome", report.Outcome).
		Str("status_after", report.StatusAfter).
		Msg("admin autopay run finished")
	return report, nil
}

func (s *EsimService) resolve(ctx context.Context, lastMCC int) (string, float64) {
	country, known := countryForMCC(lastMCC)
	if !known {
		return country, 0
	}
	return country, RateFor(s.loadTariffs(ctx), country)
}

func (s *EsimService) loadTariffs(ctx context.Context) []Tariff {
	tariffs, err := s.tariffs.Tariffs(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load tariffs")
		return nil
	}
	return tariffs
}

// syncIdentity stores the ICCID/MSISDN the wholesaler reports when they changed.
func (s *EsimService) syncIdentity(ctx context.Context, e *domain.Esim, info *imsi.Info) {
	if info.ICCID == "" || info.ICCID == e.ICCID {
		return
	}
	if err := s.esims.UpdateIdentity(ctx, e.ID, info.ICCID, info.MSISDN); err != nil {
		s.log.Warn().Err(err).Str("esim_id", e.ID).Msg("failed to sync esim identity")
		return
	}
	e.ICCID = info.ICCID
	e.MSISDN = info.MSISDN
}

func (s *EsimService) refresh(ctx context.Context, e *domain.Esim) *domain.Esim {
	fresh, err := s.esims.GetByID(ctx, e.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.log.Warn().Err(err).Str("esim_id", e.ID).Msg("failed to reload esim")
		}
		return e
	}
	return fresh
}

func (s *EsimService) view(e *domain.Esim, info *imsi.Info, country string, rate float64) EsimView {
	v := EsimView{
		ID:             e.ID,
		UserID:         e.UserID,
		Name:           e.Name,
		IMSI:           e.IMSI,
		ICCID:          e.ICCID,
		MSISDN:         e.MSISDN,
		ActivationCode: e.ActivationCode,
		IsActive:       e.MSISDN != "",
		DataLimitMB:    e.DataLimitMB,
		Country:        country,
		Provider:       providerLabel,
		Autopay:        e.Autopay,
	}
	if v.Name == "" {
		v.Name = defaultEsimName
	}
	if v.ActivationCode == "" {
		v.ActivationCode = unknownActivation
	}
	if rate > 0 {
		v.CurrentRate = &rate
	}
	if info != nil {
		v.ProviderAvailable = true
		v.ProviderBalanceMB = info.BalanceMB
		v.DataUsedMB = math.Max(0, e.DataLimitMB-info.BalanceMB)
	}
	return v
}

func computeUsage(limitMB, balanceMB float64) Usage {
	used := math.Max(0, limitMB-balanceMB)
	var pct float64
	if limitMB > 0 {
		pct, _ = decimal.NewFromFloat(used / limitMB * 100).Round(percentagePlaces).Float64()
	}
	return Usage{
		DataUsedMB:      used,
		DataLimitMB:     limitMB,
		DataRemainingMB: balanceMB,
		PercentageUsed:  pct,
	}
}
