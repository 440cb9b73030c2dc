package domain

import (
	"context"
	"time"
)

// Autopay outcome codes recorded on the data identity
const (
	AutopayStatusNoTariffRate      = "no_tariff_rate"
	AutopayStatusInvalidTariffRate = "invalid_tariff_rate"
	AutopayStatusNoSavedCard       = "no_saved_card"
	AutopayStatusNoValidCard       = "no_valid_card"
	AutopayStatusSuccess           = "success"
	AutopayStatusError             = "error"
	autopayPaymentStatusPrefix     = "payment_"
)

// AutopayPaymentStatus builds the outcome code for a non-settling gateway answer.
func AutopayPaymentStatus(gatewayStatus string) string {
	if gatewayStatus == "" {
		gatewayStatus = "failed"
	}
	return autopayPaymentStatusPrefix + lower(gatewayStatus)
}

// AutopayState is embedded in the eSIM document. It is mutated only through
// the EsimRepository autopay operations.
type AutopayState struct {
	InProgress       bool       `bson:"in_progress" json:"in_progress"`
	LastAttemptAt    *time.Time `bson:"last_attempt_at,omitempty" json:"last_attempt_at,omitempty"`
	LastStatus       string     `bson:"last_status,omitempty" json:"last_status,omitempty"`
	LastSuccessAt    *time.Time `bson:"last_success_at,omitempty" json:"last_success_at,omitempty"`
	LastCardID       string     `bson:"last_card_id,omitempty" json:"last_card_id,omitempty"`
	LastRateUSDPerMB float64    `bson:"last_rate_usd_per_mb,omitempty" json:"last_rate_usd_per_mb,omitempty"`
	LastAmountUSD    float64    `bson:"last_amount_usd,omitempty" json:"last_amount_usd,omitempty"`
	LastAmountKZT    float64    `bson:"last_amount_kzt,omitempty" json:"last_amount_kzt,omitempty"`
	LastCountry      string     `bson:"last_country,omitempty" json:"last_country,omitempty"`
	LastPaymentID    string     `bson:"last_payment_id,omitempty" json:"last_payment_id,omitempty"`
}

// CoolingDown reports whether the last attempt is younger than cooldown.
func (s AutopayState) CoolingDown(now time.Time, cooldown time.Duration) bool {
	if s.LastAttemptAt == nil {
		return false
	}
	return now.Sub(*s.LastAttemptAt) < cooldown
}

// Eligible reports whether a new attempt may take the lock.
func (s AutopayState) Eligible(now time.Time, cooldown time.Duration) bool {
	return !s.InProgress && !s.CoolingDown(now, cooldown)
}

// AutopaySuccess is what a settled autopay charge records
type AutopaySuccess struct {
	At           time.Time
	CardID       string
	RateUSDPerMB float64
	AmountUSD    float64
	AmountKZT    float64
	Country      string
	PaymentID    string
}

// Esim is a provisioned data identity owned by a user
type Esim struct {
	ID             string       `bson:"_id" json:"id"`
	UserID         string       `bson:"user_id" json:"user_id"`
	IMSI           string       `bson:"imsi" json:"imsi"`
	ICCID          string       `bson:"iccid,omitempty" json:"iccid,omitempty"`
	MSISDN         string       `bson:"msisdn,omitempty" json:"msisdn,omitempty"`
	Name           string       `bson:"name,omitempty" json:"name,omitempty"`
	ActivationCode string       `bson:"activation_code,omitempty" json:"activation_code,omitempty"`
	DataLimitMB    float64      `bson:"data_limit_mb" json:"data_limit_mb"`
	Autopay        AutopayState `bson:"autopay" json:"autopay"`
	CreatedAt      time.Time    `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time    `bson:"updated_at" json:"updated_at"`
}

// EsimRepository defines operations on data identities and their autopay state
type EsimRepository interface {
	GetByID(ctx context.Context, id string) (*Esim, error)
	GetForUser(ctx context.Context, userID, id string) (*Esim, error)
	ListByUser(ctx context.Context, userID string) ([]*Esim, error)

	// UpdateIdentity stores the ICCID/MSISDN reported by the wholesaler.
	UpdateIdentity(ctx context.Context, id, iccid, msisdn string) error

	// AddDataLimit increments the data-limit bookkeeping by mb.
	AddDataLimit(ctx context.Context, id string, mb float64) error

	// AcquireAutopayLock atomically sets in_progress and last_attempt_at when
	// the lock is free and the cooldown has elapsed. Returns false otherwise.
	AcquireAutopayLock(ctx context.Context, id string, now time.Time, cooldown time.Duration) (bool, error)
	ReleaseAutopayLock(ctx context.Context, id string) error
	RecordAutopayStatus(ctx context.Context, id, status string) error

	// RecordAutopaySuccess stores the amounts, rate and card of a settled
	// autopay charge. The data itself is booked by payment settlement.
	RecordAutopaySuccess(ctx context.Context, id string, outcome AutopaySuccess) error
}
