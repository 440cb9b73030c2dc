package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mansoorceksport/esimpay/internal/config"
	"github.com/mansoorceksport/esimpay/internal/domain"
	"github.com/mansoorceksport/esimpay/internal/infrastructure/epay"
	"github.com/mansoorceksport/esimpay/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	autopayPayerName   = "VinkSIM AutoPay"
	lockReleaseTimeout = 5 * time.Second
)

// gatewayDateLayouts are the CreatedDate formats seen on saved cards.
var gatewayDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// CardCharger submits card-on-file charges. Implemented by *PaymentService.
type CardCharger interface {
	ChargeSavedCard(ctx context.Context, c CardCharge) (*ChargeOutcome, error)
}

// SavedCardLister lists an account's saved cards. Implemented by *epay.Client.
type SavedCardLister interface {
	SavedCards(ctx context.Context, accountID string) ([]epay.SavedCard, error)
}

// AutopayEngine recharges a data identity with a saved card when its balance
// runs low. It is invoked from balance reads and never fails its caller.
type AutopayEngine struct {
	cfg     config.AutopayConfig
	esims   domain.EsimRepository
	cards   SavedCardLister
	charger CardCharger
	log     *zerolog.Logger
	now     func() time.Time
}

func NewAutopayEngine(
	cfg config.AutopayConfig,
	esims domain.EsimRepository,
	cards SavedCardLister,
	charger CardCharger,
	logger *zerolog.Logger,
) *AutopayEngine {
	return &AutopayEngine{
		cfg:     cfg,
		esims:   esims,
		cards:   cards,
		charger: charger,
		log:     logger,
		now:     time.Now,
	}
}

// Quote is the price of one autopay package
type Quote struct {
	AmountUSD decimal.Decimal
	AmountKZT decimal.Decimal
}

// Price converts a wholesale rate into the charge for one package: USD kept
// at 4 places, KZT rounded to 2.
func (e *AutopayEngine) Price(ratePerMB float64) Quote {
	usd := decimal.NewFromFloat(ratePerMB).Mul(decimal.NewFromFloat(e.cfg.PackageMB))
	return Quote{
		AmountUSD: usd.Round(4),
		AmountKZT: usd.Mul(decimal.NewFromFloat(e.cfg.USDToKZT)).Round(2),
	}
}

// MaybeTrigger runs the autopay gates for one identity and, when they all
// pass, charges a saved card. Returns the recorded outcome, or "" when
// nothing was attempted.
func (e *AutopayEngine) MaybeTrigger(ctx context.Context, user *domain.User, esim *domain.Esim, balanceMB, ratePerMB float64, country string) string {
	if !e.cfg.Enabled {
		return ""
	}
	if balanceMB > e.cfg.ThresholdMB {
		return ""
	}

	log := e.log.With().Str("esim_id", esim.ID).Str("user_id", user.ID).Logger()

	if math.IsNaN(ratePerMB) || ratePerMB <= 0 {
		e.record(ctx, esim.ID, domain.AutopayStatusNoTariffRate)
		log.Info().Str("country", country).Msg("autopay skipped, no tariff rate")
		return domain.AutopayStatusNoTariffRate
	}

	quote := e.Price(ratePerMB)
	if !quote.AmountKZT.IsPositive() {
		e.record(ctx, esim.ID, domain.AutopayStatusInvalidTariffRate)
		log.Warn().Float64("rate", ratePerMB).Msg("autopay skipped, charge rounds to zero")
		return domain.AutopayStatusInvalidTariffRate
	}

	now := e.now().UTC()
	if !esim.Autopay.Eligible(now, e.cfg.Cooldown) {
		return ""
	}

	acquired, err := e.esims.AcquireAutopayLock(ctx, esim.ID, now, e.cfg.Cooldown)
	if err != nil {
		log.Error().Err(err).Msg("failed to take autopay lock")
		return ""
	}
	if !acquired {
		log.Debug().Msg("autopay lock busy or cooling down")
		return ""
	}
	defer e.release(ctx, esim.ID)

	log.Info().
		Float64("balance_mb", balanceMB).
		Float64("rate", ratePerMB).
		Str("amount_kzt", quote.AmountKZT.StringFixed(2)).
		Str("country", country).
		Msg("autopay triggered")

	return e.execute(ctx, log, user, esim, ratePerMB, country, quote, now)
}

func (e *AutopayEngine) execute(
	ctx context.Context,
	log zerolog.Logger,
	user *domain.User,
	esim *domain.Esim,
	ratePerMB float64,
	country string,
	quote Quote,
	now time.Time,
) (status string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("autopay panicked")
			status = domain.AutopayStatusError
			e.record(ctx, esim.ID, status)
		}
	}()

	cards, err := e.cards.SavedCards(ctx, user.ID)
	if err != nil {
		log.Error().Err(err).Msg("autopay failed to list saved cards")
		return e.record(ctx, esim.ID, domain.AutopayStatusError)
	}
	if len(cards) == 0 {
		return e.record(ctx, esim.ID, domain.AutopayStatusNoSavedCard)
	}
	cardID := pickLatestCard(cards)
	if cardID == "" {
		return e.record(ctx, esim.ID, domain.AutopayStatusNoValidCard)
	}

	amountKZT, _ := quote.AmountKZT.Float64()
	outcome, err := e.charger.ChargeSavedCard(ctx, CardCharge{
		User:          user,
		CardID:        cardID,
		Amount:        amountKZT,
		Currency:      domain.CurrencyKZT,
		Description:   e.describe(country, ratePerMB),
		PayerName:     autopayPayerName,
		TargetEsimID:  esim.ID,
		TargetIMSI:    esim.IMSI,
		DataPackageMB: e.cfg.PackageMB,
	})
	if err != nil {
		log.Error().Err(err).Str("card_id", cardID).Msg("autopay charge failed")
		return e.record(ctx, esim.ID, domain.AutopayStatusError)
	}

	if !outcome.PaymentStatus.IsSettled() {
		log.Warn().
			Str("payment_id", outcome.PaymentID).
			Str("gateway_status", outcome.Status).
			Msg("autopay charge not settled immediately")
		return e.record(ctx, esim.ID, domain.AutopayPaymentStatus(outcome.Status))
	}

	amountUSD, _ := quote.AmountUSD.Float64()
	success := domain.AutopaySuccess{
		At:           now,
		CardID:       cardID,
		RateUSDPerMB: ratePerMB,
		AmountUSD:    amountUSD,
		AmountKZT:    amountKZT,
		Country:      country,
		PaymentID:    outcome.PaymentID,
	}
	if err := e.esims.RecordAutopaySuccess(ctx, esim.ID, success); err != nil {
		log.Error().Err(err).Msg("failed to record autopay success")
	}
	metrics.IncAutopay(domain.AutopayStatusSuccess)
	log.Info().
		Str("payment_id", outcome.PaymentID).
		Float64("amount_kzt", amountKZT).
		Float64("package_mb", e.cfg.PackageMB).
		Msg("autopay succeeded")
	return domain.AutopayStatusSuccess
}

// record stores and counts a non-success outcome.
func (e *AutopayEngine) record(ctx context.Context, esimID, status string) string {
	metrics.IncAutopay(status)
	if err := e.esims.RecordAutopayStatus(ctx, esimID, status); err != nil {
		e.log.Error().Err(err).Str("esim_id", esimID).Str("status", status).Msg("failed to record autopay status")
	}
	return status
}

// release clears the lock on a context that survives request cancellation.
func (e *AutopayEngine) release(ctx context.Context, esimID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
	defer cancel()

	if err := e.esims.ReleaseAutopayLock(ctx, esimID); err != nil {
		e.log.Error().Err(err).Str("esim_id", esimID).Msg("failed to release autopay lock")
	}
}

func (e *AutopayEngine) describe(country string, ratePerMB float64) string {
	size := decimal.NewFromFloat(e.cfg.PackageMB).Div(decimal.NewFromInt(1000))
	return fmt.Sprintf("AutoPay %sGB %s @ %.6f USD/MB", size.String(), country, ratePerMB)
}

// pickLatestCard prefers the card with the latest CreatedDate and falls back
// to the first card when no date parses.
func pickLatestCard(cards []epay.SavedCard) string {
	type dated struct {
		id string
		at time.Time
	}
	var candidates []dated
	for _, c := range cards {
		if c.ID == "" {
			continue
		}
		if at, ok := parseGatewayDate(c.CreatedDate); ok {
			candidates = append(candidates, dated{id: c.ID, at: at})
		}
	}
	if len(candidates) > 0 {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].at.After(candidates[j].at)
		})
		return candidates[0].id
	}
	return cards[0].ID
}

func parseGatewayDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range gatewayDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
