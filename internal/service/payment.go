package service

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/mansoorceksport/esimpay/internal/domain"
	"github.com/mansoorceksport/esimpay/internal/infrastructure/epay"
	"github.com/mansoorceksport/esimpay/internal/metrics"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

const (
	maxCommitAttempts  = 3
	paymentsListLimit  = 50
	healthProbeInvoice = "000000001"
	webhookPath        = "/v1/payments/webhook"
	defaultLanguage    = "rus"
	cardSaveDesc       = "Card verification"
)

// ErrFulfilment wraps failures to deliver data for a payment that is already
// settled and persisted.
var ErrFulfilment = errors.New("payment settled but data delivery failed")

// PaymentConfig holds the links and page settings of the checkout flow
type PaymentConfig struct {
	PostLinkBaseURL        string
	CheckoutBaseURL        string
	PaymentPageJS          string
	DefaultBackLink        string
	DefaultFailureBackLink string
}

// PaymentService drives payments through the gateway lifecycle
type PaymentService struct {
	cfg      PaymentConfig
	payments domain.PaymentRepository
	users    domain.UserRepository
	esims    domain.EsimRepository
	gateway  Gateway
	settler  *Settler
	archive  WebhookArchive
	log      *zerolog.Logger
	now      func() time.Time
}

// NewPaymentService creates a new payment service. archive may be nil.
func NewPaymentService(
	cfg PaymentConfig,
	payments domain.PaymentRepository,
	users domain.UserRepository,
	esims domain.EsimRepository,
	gateway Gateway,
	settler *Settler,
	archive WebhookArchive,
	logger *zerolog.Logger,
) *PaymentService {
	return &PaymentService{
		cfg:      cfg,
		payments: payments,
		users:    users,
		esims:    esims,
		gateway:  gateway,
		settler:  settler,
		archive:  archive,
		log:      logger,
		now:      time.Now,
	}
}

// TokenAuth is the gateway token handed to the payment widget
type TokenAuth struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
}

func tokenAuth(t *epay.TokenResponse) TokenAuth {
	return TokenAuth{
		AccessToken: t.AccessToken,
		ExpiresIn:   t.ExpiresIn,
		TokenType:   t.TokenType,
		Scope:       t.Scope,
	}
}

// InitiatePaymentRequest starts a one-time wallet top-up
type InitiatePaymentRequest struct {
	Amount          float64 `json:"amount"`
	Description     string  `json:"description"`
	TargetEsimID    string  `json:"target_esim_id,omitempty"`
	DataPackageMB   float64 `json:"data_package_mb,omitempty"`
	Language        string  `json:"language,omitempty"`
	BackLink        string  `json:"back_link,omitempty"`
	FailureBackLink string  `json:"failure_back_link,omitempty"`
}

// CheckoutHandle is everything a client needs to complete a payment
type CheckoutHandle struct {
	PaymentID       string    `json:"payment_id"`
	InvoiceID       string    `json:"invoice_id"`
	CheckoutURL     string    `json:"checkout_url"`
	Auth            TokenAuth `json:"auth"`
	PaymentPageURL  string    `json:"payment_page_url"`
	Terminal        string    `json:"terminal"`
	Amount          float64   `json:"amount"`
	Currency        string    `json:"currency"`
	BackLink        string    `json:"back_link"`
	FailureBackLink string    `json:"failure_back_link"`
	PostLink        string    `json:"post_link"`
	FailurePostLink string    `json:"failure_post_link"`
	Description     string    `json:"description"`
	Language        string    `json:"language"`
}

// InitiatePayment creates a pending one-time payment and its checkout capability.
func (s *PaymentService) InitiatePayment(ctx context.Context, user *domain.User, req InitiatePaymentRequest) (*CheckoutHandle, error) {
	if req.Amount <= 0 {
		return nil, domain.NewValidationError("amount must be positive")
	}
	if req.DataPackageMB < 0 || (req.DataPackageMB > 0 && req.TargetEsimID == "") {
		return nil, domain.NewValidationError("data_package_mb requires a target esim")
	}

	record := &domain.PaymentRecord{
		ID:              ulid.Make().String(),
		UserID:          user.ID,
		Amount:          req.Amount,
		Currency:        domain.CurrencyKZT,
		Description:     req.Description,
		PaymentType:     domain.PaymentTypeOneTime,
		Status:          domain.PaymentStatusPending,
		BackLink:        firstNonEmpty(req.BackLink, s.cfg.DefaultBackLink),
		FailureBackLink: firstNonEmpty(req.FailureBackLink, s.cfg.DefaultFailureBackLink),
		Language:        firstNonEmpty(req.Language, user.Language()),
		DataPackageMB:   req.DataPackageMB,
	}

	if req.TargetEsimID != "" {
		esim, err := s.esims.GetForUser(ctx, user.ID, req.TargetEsimID)
		if err != nil {
			return nil, err
		}
		record.TargetEsimID = esim.ID
		record.TargetIMSI = esim.IMSI
	}

	var err error
	if record.SecretHash, err = randomToken(24); err != nil {
		return nil, err
	}
	if record.CheckoutToken, err = randomToken(32); err != nil {
		return nil, err
	}
	if record.InvoiceID, err = s.payments.NextInvoiceID(ctx); err != nil {
		return nil, err
	}

	postLink := s.postLink()
	token, err := s.gateway.PaymentToken(ctx, epay.PaymentTokenRequest{
		InvoiceID:       record.InvoiceID,
		Amount:          record.Amount,
		Currency:        record.Currency,
		PostLink:        postLink,
		FailurePostLink: postLink,
		SecretHash:      record.SecretHash,
	})
	if err != nil {
		return nil, err
	}

	record.CreatedAt = s.now()
	if err := s.payments.Create(ctx, record); err != nil {
		return nil, err
	}
	metrics.IncPayment("initiated")

	s.log.Info().
		Str("payment_id", record.ID).
		Str("invoice_id", record.InvoiceID).
		Str("user_id", user.ID).
		Float64("amount", record.Amount).
		Msg("payment initiated")

	return &CheckoutHandle{
		PaymentID:       record.ID,
		InvoiceID:       record.InvoiceID,
		CheckoutURL:     urlJoin(s.cfg.CheckoutBaseURL, fmt.Sprintf("/v1/payments/checkout/%s?token=%s", record.ID, record.CheckoutToken)),
		Auth:            tokenAuth(token),
		PaymentPageURL:  s.cfg.PaymentPageJS,
		Terminal:        s.gateway.TerminalID(),
		Amount:          record.Amount,
		Currency:        record.Currency,
		BackLink:        record.BackLink,
		FailureBackLink: record.FailureBackLink,
		PostLink:        postLink,
		FailurePostLink: postLink,
		Description:     record.Description,
		Language:        record.Language,
	}, nil
}

var checkoutPage = template.Must(template.New("checkout").Parse(`<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>ePay Checkout</title>
    <script src="{{.ScriptURL}}"></script>
  </head>
  <body>
    <h3>Redirecting to ePay...</h3>
    <p>payment_id: {{.PaymentID}}</p>
    <p>invoice_id: {{.InvoiceID}}</p>
    <script>
      const auth = {{.Auth}};
      const paymentObject = {{.Payment}};
      paymentObject.auth = auth;
      window.halyk.pay(paymentObject);
    </script>
  </body>
</html>
`))

type checkoutPayment struct {
	InvoiceID       string  `json:"invoiceId"`
	BackLink        string  `json:"backLink"`
	FailureBackLink string  `json:"failureBackLink"`
	PostLink        string  `json:"postLink"`
	FailurePostLink string  `json:"failurePostLink"`
	Language        string  `json:"language"`
	Description     string  `json:"description"`
	AccountID       string  `json:"accountId"`
	Terminal        string  `json:"terminal"`
	Amount          float64 `json:"amount"`
	Currency        string  `json:"currency"`
}

// RenderCheckout renders the page that boots the gateway widget. A fresh
// payment token is requested on every render.
func (s *PaymentService) RenderCheckout(ctx context.Context, paymentID, checkoutToken string) ([]byte, error) {
	if paymentID == "" || checkoutToken == "" {
		return nil, domain.ErrNotFound
	}
	record, err := s.payments.ResolveCheckout(ctx, paymentID, checkoutToken)
	if err != nil {
		return nil, err
	}
	if record.BackLink == "" {
		return nil, domain.NewValidationError("payment back_link is missing")
	}
	if record.Status != domain.PaymentStatusPending {
		return nil, domain.NewValidationError("payment is already %s", record.Status)
	}

	postLink := s.postLink()
	token, err := s.gateway.PaymentToken(ctx, epay.PaymentTokenRequest{
		InvoiceID:       record.InvoiceID,
		Amount:          record.Amount,
		Currency:        record.Currency,
		PostLink:        postLink,
		FailurePostLink: postLink,
		SecretHash:      record.SecretHash,
	})
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = checkoutPage.Execute(&buf, map[string]interface{}{
		"ScriptURL": s.cfg.PaymentPageJS,
		"PaymentID": record.ID,
		"InvoiceID": record.InvoiceID,
		"Auth":      tokenAuth(token),
		"Payment": checkoutPayment{
			InvoiceID:       record.InvoiceID,
			BackLink:        record.BackLink,
			FailureBackLink: firstNonEmpty(record.FailureBackLink, record.BackLink),
			PostLink:        postLink,
			FailurePostLink: postLink,
			Language:        firstNonEmpty(record.Language, defaultLanguage),
			Description:     record.Description,
			AccountID:       record.UserID,
			Terminal:        s.gateway.TerminalID(),
			Amount:          record.Amount,
			Currency:        record.Currency,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render checkout: %w", err)
	}
	return buf.Bytes(), nil
}

// CardSaveRequest starts a zero-amount card tokenisation
type CardSaveRequest struct {
	BackLink        string `json:"back_link,omitempty"`
	FailureBackLink string `json:"failure_back_link,omitempty"`
	Language        string `json:"language,omitempty"`
}

// CardSaveHandle is what the widget needs to save a card
type CardSaveHandle struct {
	PaymentID       string    `json:"payment_id"`
	InvoiceID       string    `json:"invoice_id"`
	Auth            TokenAuth `json:"auth"`
	PaymentPageURL  string    `json:"payment_page_url"`
	Terminal        string    `json:"terminal"`
	BackLink        string    `json:"back_link"`
	FailureBackLink string    `json:"failure_back_link"`
	PostLink        string    `json:"post_link"`
	Language        string    `json:"language"`
}

// InitiateCardSave creates a card_save record and a zero-amount token.
func (s *PaymentService) InitiateCardSave(ctx context.Context, user *domain.User, req CardSaveRequest) (*CardSaveHandle, error) {
	invoiceID, err := s.payments.NextInvoiceID(ctx)
	if err != nil {
		return nil, err
	}

	postLink := s.postLink()
	token, err := s.gateway.CardSaveToken(ctx, invoiceID, postLink)
	if err != nil {
		return nil, err
	}

	record := &domain.PaymentRecord{
		ID:                ulid.Make().String(),
		InvoiceID:         invoiceID,
		UserID:            user.ID,
		Amount:            0,
		Currency:          domain.CurrencyUSD,
		Description:       cardSaveDesc,
		PaymentType:       domain.PaymentTypeCardSave,
		Status:            domain.PaymentStatusPending,
		BackLink:          firstNonEmpty(req.BackLink, s.cfg.DefaultBackLink),
		FailureBackLink:   firstNonEmpty(req.FailureBackLink, s.cfg.DefaultFailureBackLink),
		Language:          firstNonEmpty(req.Language, user.Language()),
		SaveCardRequested: true,
		CreatedAt:         s.now(),
	}
	if err := s.payments.Create(ctx, record); err != nil {
		return nil, err
	}
	metrics.IncPayment("initiated")

	return &CardSaveHandle{
		PaymentID:       record.ID,
		InvoiceID:       record.InvoiceID,
		Auth:            tokenAuth(token),
		PaymentPageURL:  s.cfg.PaymentPageJS,
		Terminal:        s.gateway.TerminalID(),
		BackLink:        record.BackLink,
		FailureBackLink: record.FailureBackLink,
		PostLink:        postLink,
		Language:        record.Language,
	}, nil
}

// RecurrentPaymentRequest charges a saved card for a wallet top-up
type RecurrentPaymentRequest struct {
	CardID      string  `json:"card_id"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description"`
	Currency    string  `json:"currency,omitempty"`
}

// CardCharge is a server-to-server charge of a saved card
type CardCharge struct {
	User            *domain.User
	CardID          string
	Amount          float64
	Currency        string
	Description     string
	PayerName       string
	BackLink        string
	FailureBackLink string
	TargetEsimID    string
	TargetIMSI      string
	DataPackageMB   float64
}

// ChargeOutcome is the immediate result of a card-on-file charge
type ChargeOutcome struct {
	PaymentID         string                 `json:"payment_id"`
	InvoiceID         string                 `json:"invoice_id"`
	Status            string                 `json:"status"`
	PaymentStatus     domain.PaymentStatus   `json:"payment_status"`
	EpayTransactionID string                 `json:"epay_transaction_id,omitempty"`
	Requires3DS       bool                   `json:"requires_3ds"`
	Secure3D          map[string]interface{} `json:"secure3d,omitempty"`
}

// PayWithSavedCard charges one of the user's saved cards.
func (s *PaymentService) PayWithSavedCard(ctx context.Context, user *domain.User, req RecurrentPaymentRequest) (*ChargeOutcome, error) {
	if req.Amount <= 0 {
		return nil, domain.NewValidationError("amount must be positive")
	}
	if req.CardID == "" {
		return nil, domain.NewValidationError("card_id is required")
	}
	currency := strings.ToUpper(firstNonEmpty(req.Currency, domain.CurrencyKZT))
	if currency != domain.CurrencyKZT && currency != domain.CurrencyUSD {
		return nil, domain.NewValidationError("unsupported currency %s", req.Currency)
	}

	outcome, err := s.ChargeSavedCard(ctx, CardCharge{
		User:        user,
		CardID:      req.CardID,
		Amount:      req.Amount,
		Currency:    currency,
		Description: req.Description,
	})
	if errors.Is(err, ErrFulfilment) {
		return outcome, nil
	}
	return outcome, err
}

// ChargeSavedCard persists a pending recurrent payment and submits it. An
// immediate AUTH/CHARGE answer is settled the same way as a verified status.
func (s *PaymentService) ChargeSavedCard(ctx context.Context, c CardCharge) (*ChargeOutcome, error) {
	invoiceID, err := s.payments.NextInvoiceID(ctx)
	if err != nil {
		return nil, err
	}

	record := &domain.PaymentRecord{
		ID:            ulid.Make().String(),
		InvoiceID:     invoiceID,
		UserID:        c.User.ID,
		Amount:        c.Amount,
		Currency:      c.Currency,
		Description:   c.Description,
		PaymentType:   domain.PaymentTypeRecurrent,
		Status:        domain.PaymentStatusPending,
		CardID:        c.CardID,
		Language:      c.User.Language(),
		TargetEsimID:  c.TargetEsimID,
		TargetIMSI:    c.TargetIMSI,
		DataPackageMB: c.DataPackageMB,
	}
	record.BackLink = firstNonEmpty(c.BackLink, urlJoin(s.cfg.PostLinkBaseURL, "/v1/payments/status/"+record.ID))
	record.FailureBackLink = firstNonEmpty(c.FailureBackLink, record.BackLink)

	postLink := s.postLink()
	token, err := s.gateway.PaymentToken(ctx, epay.PaymentTokenRequest{
		InvoiceID:       record.InvoiceID,
		Amount:          record.Amount,
		Currency:        record.Currency,
		PostLink:        postLink,
		FailurePostLink: postLink,
	})
	if err != nil {
		return nil, err
	}

	record.CreatedAt = s.now()
	if err := s.payments.Create(ctx, record); err != nil {
		return nil, err
	}
	metrics.IncPayment("initiated")

	resp, err := s.gateway.PayWithSavedCard(ctx, epay.CardPaymentRequest{
		Amount:          record.Amount,
		Currency:        record.Currency,
		Name:            firstNonEmpty(c.PayerName, c.User.Name, "Vink User"),
		TerminalID:      s.gateway.TerminalID(),
		InvoiceID:       record.InvoiceID,
		Description:     record.Description,
		AccountID:       record.UserID,
		Email:           c.User.Email,
		Phone:           c.User.Phone,
		BackLink:        record.BackLink,
		FailureBackLink: record.FailureBackLink,
		PostLink:        postLink,
		FailurePostLink: postLink,
		Language:        record.Language,
		PaymentType:     "cardId",
		Recurrent:       true,
		CardID:          epay.CardRef{ID: c.CardID},
	}, token.AccessToken)
	if err != nil {
		return nil, err
	}

	outcome := &ChargeOutcome{
		PaymentID:         record.ID,
		InvoiceID:         record.InvoiceID,
		Status:            firstNonEmpty(resp.Status, "UNKNOWN"),
		PaymentStatus:     record.Status,
		EpayTransactionID: resp.ID,
		Requires3DS:       resp.Requires3DS(),
	}
	if outcome.Requires3DS {
		outcome.Secure3D = resp.Secure3D
	}

	var final *domain.PaymentRecord
	switch domain.NormalizeStatus(resp.Status) {
	case domain.PaymentStatusAuth, domain.PaymentStatusCharge:
		tx := domain.GatewayTransaction{
			ID:         resp.ID,
			InvoiceID:  resp.InvoiceID,
			Amount:     float64(resp.Amount),
			Currency:   resp.Currency,
			StatusName: resp.Status,
			CardID:     firstNonEmpty(resp.CardID, c.CardID),
			Reference:  resp.Reference,
		}
		final, err = s.settle(ctx, record, verified(tx, s.now))
	default:
		if resp.ID == "" {
			break
		}
		// Keep the gateway id so the admin flows can confirm the operation later.
		final, err = s.settle(ctx, record, func(r *domain.PaymentRecord) (domain.Transition, error) {
			next := *r
			next.EpayTransactionID = resp.ID
			next.UpdatedAt = s.now()
			return domain.Transition{Previous: r.Status, Next: &next}, nil
		})
	}
	if final != nil {
		outcome.PaymentStatus = final.Status
	}
	return outcome, err
}

// WebhookResult classifies what a postLink delivery led to
type WebhookResult string

const (
	WebhookProcessed      WebhookResult = "processed"
	WebhookInvalid        WebhookResult = "invalid_payload"
	WebhookUnknownInvoice WebhookResult = "unknown_invoice"
	WebhookGatewayError   WebhookResult = "gateway_error"
	WebhookIntegrityError WebhookResult = "integrity_error"
	WebhookFailed         WebhookResult = "error"
)

// ReconcileFromWebhook processes a gateway push. The payload only locates the
// payment; its state always comes from a fresh status query. Never fails:
// every outcome is logged and counted.
func (s *PaymentService) ReconcileFromWebhook(ctx context.Context, contentType string, body []byte) WebhookResult {
	result := s.reconcileWebhook(ctx, contentType, body)
	metrics.IncWebhook(string(result))
	return result
}

func (s *PaymentService) reconcileWebhook(ctx context.Context, contentType string, body []byte) WebhookResult {
	payload, err := epay.ParsePostLink(contentType, body)
	if err != nil {
		s.log.Error().Err(err).Str("content_type", contentType).Msg("webhook payload rejected")
		s.archiveWebhook(ctx, "", contentType, body)
		return WebhookInvalid
	}

	invoiceID := payload.Invoice()
	s.archiveWebhook(ctx, invoiceID, contentType, body)

	log := s.log.With().Str("invoice_id", invoiceID).Logger()
	log.Info().Str("code", payload.Code).Str("reason", payload.Reason).Msg("webhook received")

	if invoiceID == "" {
		log.Error().Msg("webhook payload missing invoice id")
		return WebhookInvalid
	}

	record, err := s.payments.GetByInvoiceID(ctx, invoiceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Error().Msg("webhook for unknown invoice")
			return WebhookUnknownInvoice
		}
		log.Error().Err(err).Msg("webhook lookup failed")
		return WebhookFailed
	}

	var rej *rejection
	if !payload.Succeeded() {
		rej = &rejection{reason: payload.Reason, code: payload.ReasonCode.String()}
	}

	updated, err := s.reconcile(ctx, record, rej)
	switch {
	case err == nil:
		log.Info().Str("payment_id", record.ID).Str("status", string(updated.Status)).Msg("webhook processed")
		return WebhookProcessed
	case errors.Is(err, domain.ErrIntegrity):
		log.Error().Err(err).Str("payment_id", record.ID).Msg("webhook integrity check failed")
		return WebhookIntegrityError
	case errors.Is(err, ErrFulfilment):
		log.Error().Err(err).Str("payment_id", record.ID).Msg("webhook settled payment without data delivery")
		return WebhookProcessed
	case errors.Is(err, domain.ErrGatewayUnavailable), errors.Is(err, domain.ErrGatewayRejected):
		log.Error().Err(err).Str("payment_id", record.ID).Msg("webhook status query failed")
		return WebhookGatewayError
	default:
		log.Error().Err(err).Str("payment_id", record.ID).Msg("webhook processing failed")
		return WebhookFailed
	}
}

// rejection is a push payload's own failure report, used only when the
// gateway has no transaction for the invoice and the payment is still pending.
type rejection struct {
	reason string
	code   string
}

func (s *PaymentService) archiveWebhook(ctx context.Context, invoiceID, contentType string, body []byte) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Archive(ctx, invoiceID, s.now(), contentType, body); err != nil {
		s.log.Warn().Err(err).Str("invoice_id", invoiceID).Msg("failed to archive webhook")
	}
}

// ReconcileByPolling answers a client's status request, re-verifying the
// payment with the gateway while it is still pending.
func (s *PaymentService) ReconcileByPolling(ctx context.Context, userID, paymentID string) (*domain.PaymentRecord, error) {
	record, err := s.payments.GetForUser(ctx, userID, paymentID)
	if err != nil {
		return nil, err
	}
	if record.Status != domain.PaymentStatusPending && !NeedsFulfilment(record) {
		return record, nil
	}

	updated, err := s.reconcile(ctx, record, nil)
	if err != nil && !errors.Is(err, ErrFulfilment) {
		return nil, err
	}
	return updated, nil
}

// reconcile is shared by the push and poll paths.
func (s *PaymentService) reconcile(ctx context.Context, record *domain.PaymentRecord, rej *rejection) (*domain.PaymentRecord, error) {
	status, err := s.gateway.CheckStatus(ctx, record.InvoiceID)
	if err != nil {
		return record, err
	}

	switch {
	case status.Found():
		return s.settle(ctx, record, verified(gatewayTransaction(status.Transaction), s.now))
	case rej != nil:
		return s.settle(ctx, record, func(r *domain.PaymentRecord) (domain.Transition, error) {
			return domain.ApplyRejection(r, rej.reason, rej.code, s.now()), nil
		})
	default:
		s.log.Debug().
			Str("invoice_id", record.InvoiceID).
			Str("result_code", status.ResultCode.String()).
			Msg("gateway has no transaction for invoice yet")
		return record, nil
	}
}

type transitionFunc func(record *domain.PaymentRecord) (domain.Transition, error)

func verified(tx domain.GatewayTransaction, now func() time.Time) transitionFunc {
	return func(r *domain.PaymentRecord) (domain.Transition, error) {
		if err := domain.CheckIntegrity(r, tx); err != nil {
			return domain.Transition{}, err
		}
		return domain.Apply(r, tx, now()), nil
	}
}

// settle builds and commits a transition, re-reading and re-applying when the
// record moved concurrently, then delivers any data the payment bought.
func (s *PaymentService) settle(ctx context.Context, record *domain.PaymentRecord, build transitionFunc) (*domain.PaymentRecord, error) {
	for attempt := 1; ; attempt++ {
		t, err := build(record)
		if err != nil {
			return record, err
		}

		if sameState(record, t.Next) {
			return record, s.fulfil(ctx, record)
		}

		err = s.settler.Commit(ctx, record, t)
		if err == nil {
			return t.Next, s.fulfil(ctx, t.Next)
		}
		if !errors.Is(err, domain.ErrConflict) || attempt >= maxCommitAttempts {
			return record, err
		}

		s.log.Warn().Str("payment_id", record.ID).Int("attempt", attempt).Msg("payment changed concurrently, re-applying")
		fresh, err := s.payments.GetByID(ctx, record.ID)
		if err != nil {
			return record, err
		}
		record = fresh
	}
}

func (s *PaymentService) fulfil(ctx context.Context, record *domain.PaymentRecord) error {
	if err := s.settler.Fulfil(ctx, record); err != nil {
		return fmt.Errorf("%w: %v", ErrFulfilment, err)
	}
	return nil
}

// sameState reports whether next carries nothing new over current.
func sameState(current, next *domain.PaymentRecord) bool {
	return current.Status == next.Status &&
		current.EpayTransactionID == next.EpayTransactionID &&
		current.CardMask == next.CardMask &&
		current.CardType == next.CardType &&
		current.CardID == next.CardID &&
		current.Reference == next.Reference &&
		current.Reason == next.Reason &&
		current.ReasonCode == next.ReasonCode
}

func gatewayTransaction(d *epay.TransactionDetail) domain.GatewayTransaction {
	return domain.GatewayTransaction{
		ID:         d.ID,
		InvoiceID:  d.InvoiceID,
		Amount:     float64(d.Amount),
		Currency:   d.Currency,
		StatusName: d.StatusName,
		CardMask:   d.CardMask,
		CardType:   d.CardType,
		CardID:     d.CardID,
		Reference:  d.Reference,
		Reason:     d.Reason,
		ReasonCode: d.ReasonCode.String(),
	}
}

// AdminCharge confirms an authorised payment at the gateway.
func (s *PaymentService) AdminCharge(ctx context.Context, paymentID string, amount *float64) (*domain.PaymentRecord, error) {
	return s.adminOperation(ctx, paymentID, amount, domain.PaymentStatusCharge, s.gateway.Charge)
}

// AdminRefund refunds a payment at the gateway. The wallet is not debited.
func (s *PaymentService) AdminRefund(ctx context.Context, paymentID string, amount *float64) (*domain.PaymentRecord, error) {
	return s.adminOperation(ctx, paymentID, amount, domain.PaymentStatusRefund, s.gateway.Refund)
}

func (s *PaymentService) adminOperation(
	ctx context.Context,
	paymentID string,
	amount *float64,
	target domain.PaymentStatus,
	call func(ctx context.Context, transactionID string, amount *float64) error,
) (*domain.PaymentRecord, error) {
	record, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if record.EpayTransactionID == "" {
		return nil, domain.NewValidationError("no gateway transaction id for this payment")
	}
	if amount != nil && (*amount <= 0 || *amount > record.Amount) {
		return nil, domain.NewValidationError("amount must be within (0, %.2f]", record.Amount)
	}
	if !domain.CanAdvance(record.Status, target) {
		return nil, domain.NewValidationError("cannot move payment from %s to %s", record.Status, target)
	}

	if err := call(ctx, record.EpayTransactionID, amount); err != nil {
		return nil, err
	}

	s.log.Info().Str("payment_id", record.ID).Str("target", string(target)).Msg("admin operation confirmed by gateway")

	updated, err := s.settle(ctx, record, func(r *domain.PaymentRecord) (domain.Transition, error) {
		if r.Status == target {
			next := *r
			return domain.Transition{Previous: r.Status, Next: &next}, nil
		}
		return domain.Advance(r, target, s.now())
	})
	if err != nil && !errors.Is(err, ErrFulfilment) {
		return nil, err
	}
	return updated, nil
}

// SavedCardView is a saved card as shown to its owner
type SavedCardView struct {
	ID               string `json:"id"`
	CardMask         string `json:"card_mask"`
	PayerName        string `json:"payer_name,omitempty"`
	CreatedDate      string `json:"created_date,omitempty"`
	PaymentAvailable *bool  `json:"payment_available,omitempty"`
}

func (s *PaymentService) ListSavedCards(ctx context.Context, userID string) ([]SavedCardView, error) {
	cards, err := s.gateway.SavedCards(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]SavedCardView, 0, len(cards))
	for _, c := range cards {
		views = append(views, SavedCardView{
			ID:               c.ID,
			CardMask:         c.CardMask,
			PayerName:        c.PayerName,
			CreatedDate:      c.CreatedDate,
			PaymentAvailable: c.PaymentAvailable,
		})
	}
	return views, nil
}

// DeactivateCard removes a card after checking it belongs to the user.
func (s *PaymentService) DeactivateCard(ctx context.Context, userID, cardID string) error {
	cards, err := s.gateway.SavedCards(ctx, userID)
	if err != nil {
		return err
	}
	for _, c := range cards {
		if c.ID == cardID {
			return s.gateway.DeactivateCard(ctx, cardID)
		}
	}
	return domain.ErrNotFound
}

// ListPayments returns the user's most recent payments, newest first.
func (s *PaymentService) ListPayments(ctx context.Context, userID string) ([]*domain.PaymentRecord, error) {
	return s.payments.ListByUser(ctx, userID, paymentsListLimit)
}

// VerifyInvoice passes the gateway's status answer through for operators.
func (s *PaymentService) VerifyInvoice(ctx context.Context, invoiceID string) (*epay.StatusResponse, error) {
	if !isInvoiceID(invoiceID) {
		return nil, domain.NewValidationError("invoice id must be 6-15 digits")
	}
	return s.gateway.CheckStatus(ctx, invoiceID)
}

// HealthReport describes gateway reachability for operators
type HealthReport struct {
	TokenOK          bool      `json:"token_ok"`
	GatewayReachable bool      `json:"gateway_reachable"`
	ResultCode       string    `json:"result_code,omitempty"`
	ResultMessage    string    `json:"result_message,omitempty"`
	Error            string    `json:"error,omitempty"`
	CheckedAt        time.Time `json:"checked_at"`
}

// GatewayHealth obtains a service token and queries a probe invoice. Any
// answer from the status endpoint, including "not found", counts as reachable.
func (s *PaymentService) GatewayHealth(ctx context.Context) HealthReport {
	report := HealthReport{CheckedAt: s.now().UTC()}

	if _, err := s.gateway.ServiceToken(ctx); err != nil {
		report.Error = err.Error()
		return report
	}
	report.TokenOK = true

	status, err := s.gateway.CheckStatus(ctx, healthProbeInvoice)
	if err != nil {
		if errors.Is(err, domain.ErrGatewayRejected) {
			report.GatewayReachable = true
		}
		report.Error = err.Error()
		return report
	}
	report.GatewayReachable = true
	report.ResultCode = status.ResultCode.String()
	report.ResultMessage = status.ResultMessage
	return report
}

func (s *PaymentService) postLink() string {
	return urlJoin(s.cfg.PostLinkBaseURL, webhookPath)
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func isInvoiceID(s string) bool {
	if len(s) < 6 || len(s) > 15 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func urlJoin(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
