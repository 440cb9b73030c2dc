package service

import (
	"context"
	"time"

	"github.com/mansoorceksport/esimpay/internal/infrastructure/epay"
	"github.com/mansoorceksport/esimpay/internal/infrastructure/imsi"
)

// Gateway is the payment gateway surface used by the services.
// Implemented by *epay.Client.
type Gateway interface {
	TerminalID() string
	ServiceToken(ctx context.Context) (string, error)
	PaymentToken(ctx context.Context, req epay.PaymentTokenRequest) (*epay.TokenResponse, error)
	CardSaveToken(ctx context.Context, invoiceID, postLink string) (*epay.TokenResponse, error)
	CheckStatus(ctx context.Context, invoiceID string) (*epay.StatusResponse, error)
	PayWithSavedCard(ctx context.Context, req epay.CardPaymentRequest, paymentToken string) (*epay.CardPaymentResponse, error)
	Charge(ctx context.Context, transactionID string, amount *float64) error
	Refund(ctx context.Context, transactionID string, amount *float64) error
	SavedCards(ctx context.Context, accountID string) ([]epay.SavedCard, error)
	DeactivateCard(ctx context.Context, cardID string) error
}

// DataProvider is the IMSI wholesaler surface. Implemented by *imsi.Client.
type DataProvider interface {
	Info(ctx context.Context, imsi string) (*imsi.Info, error)
	TopUp(ctx context.Context, imsi string, amountMB float64) (*imsi.TopUpResult, error)
}

// WebhookArchive keeps raw postLink deliveries for audits.
// Implemented by *repository.S3WebhookArchive.
type WebhookArchive interface {
	Archive(ctx context.Context, invoiceID string, receivedAt time.Time, contentType string, body []byte) error
}

// Cache is a JSON value cache. Implemented by *repository.RedisCacheRepository.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}
