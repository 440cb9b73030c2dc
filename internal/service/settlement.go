package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mansoorceksport/esimpay/internal/domain"
	"github.com/mansoorceksport/esimpay/internal/metrics"
	"github.com/rs/zerolog"
)

// Settler persists payment transitions and books what they pay for: a wallet
// credit inside the commit, or a data top-up right after it.
type Settler struct {
	payments domain.PaymentRepository
	esims    domain.EsimRepository
	provider DataProvider
	log      *zerolog.Logger
	now      func() time.Time
}

func NewSettler(payments domain.PaymentRepository, esims domain.EsimRepository, provider DataProvider, logger *zerolog.Logger) *Settler {
	return &Settler{
		payments: payments,
		esims:    esims,
		provider: provider,
		log:      logger,
		now:      time.Now,
	}
}

// Commit writes t.Next if the stored record still matches prev. Returns
// domain.ErrConflict otherwise; the caller re-reads and re-applies.
func (s *Settler) Commit(ctx context.Context, prev *domain.PaymentRecord, t domain.Transition) error {
	var credit *domain.WalletCredit
	if t.ShouldCredit && !t.Next.BuysData() {
		credit = &domain.WalletCredit{
			UserID:      prev.UserID,
			PaymentID:   prev.ID,
			Amount:      prev.Amount,
			Currency:    prev.Currency,
			Description: fmt.Sprintf("ePay payment %s", prev.InvoiceID),
		}
	}

	if err := s.payments.CommitTransition(ctx, prev, t.Next, credit); err != nil {
		return err
	}

	if t.StatusChanged() {
		metrics.IncPayment(string(t.Next.Status))
		s.log.Info().
			Str("payment_id", prev.ID).
			Str("invoice_id", prev.InvoiceID).
			Str("from", string(t.Previous)).
			Str("to", string(t.Next.Status)).
			Msg("payment status changed")
	}
	if credit != nil {
		metrics.AddCredited(credit.Currency, credit.Amount)
		s.log.Info().
			Str("payment_id", prev.ID).
			Str("user_id", credit.UserID).
			Float64("amount", credit.Amount).
			Str("currency", credit.Currency).
			Msg("wallet credited")
	}
	return nil
}

// NeedsFulfilment reports whether a settled data purchase has not been
// delivered yet.
func NeedsFulfilment(record *domain.PaymentRecord) bool {
	return record.BuysData() && record.Status.IsSettled() && record.CreditedAt == nil
}

// Fulfil delivers the data bought by a settled payment. The credited_at claim
// is taken before the top-up, so concurrent reconciliations deliver it at
// most once; a top-up that fails after the claim is logged for manual
// delivery.
func (s *Settler) Fulfil(ctx context.Context, record *domain.PaymentRecord) error {
	if !NeedsFulfilment(record) {
		return nil
	}

	now := s.now().UTC()
	if err := s.payments.MarkCredited(ctx, record.ID, now); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return fmt.Errorf("failed to claim fulfilment: %w", err)
	}
	record.CreditedAt = &now

	if _, err := s.provider.TopUp(ctx, record.TargetIMSI, record.DataPackageMB); err != nil {
		metrics.IncFulfilment("topup_failed")
		s.log.Error().Err(err).
			Str("payment_id", record.ID).
			Str("imsi", record.TargetIMSI).
			Float64("package_mb", record.DataPackageMB).
			Msg("data top-up failed for a settled payment, deliver manually")
		return fmt.Errorf("failed to top up %s: %w", record.TargetIMSI, err)
	}

	if err := s.esims.AddDataLimit(ctx, record.TargetEsimID, record.DataPackageMB); err != nil {
		metrics.IncFulfilment("bookkeeping_failed")
		s.log.Error().Err(err).Str("payment_id", record.ID).Str("esim_id", record.TargetEsimID).Msg("failed to book data limit")
		return fmt.Errorf("failed to book data limit: %w", err)
	}

	metrics.IncFulfilment("delivered")
	s.log.Info().
		Str("payment_id", record.ID).
		Str("esim_id", record.TargetEsimID).
		Float64("package_mb", record.DataPackageMB).
		Msg("data top-up delivered")
	return nil
}
