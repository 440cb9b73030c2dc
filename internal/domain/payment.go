package domain

import (
	"context"
	"time"
)

// PaymentStatus is the lifecycle state of a payment attempt
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusAuth    PaymentStatus = "auth"
	PaymentStatusCharge  PaymentStatus = "charge"
	PaymentStatusRefund  PaymentStatus = "refund"
	PaymentStatusCancel  PaymentStatus = "cancel"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// IsSettled reports whether funds are considered captured for crediting.
func (s PaymentStatus) IsSettled() bool {
	return s == PaymentStatusAuth || s == PaymentStatusCharge
}

// PaymentType distinguishes wallet top-ups from card verification flows
type PaymentType string

const (
	PaymentTypeOneTime   PaymentType = "one_time"
	PaymentTypeCardSave  PaymentType = "card_save"
	PaymentTypeRecurrent PaymentType = "recurrent"
)

// Credits reports whether a settled payment of this type books a balance increase.
func (t PaymentType) Credits() bool {
	return t == PaymentTypeOneTime || t == PaymentTypeRecurrent
}

const (
	CurrencyKZT = "KZT"
	CurrencyUSD = "USD"
)

// PaymentRecord is one payment attempt against the gateway
type PaymentRecord struct {
	ID          string        `bson:"_id" json:"id"`
	InvoiceID   string        `bson:"invoice_id" json:"invoice_id"`
	UserID      string        `bson:"user_id" json:"user_id"`
	Amount      float64       `bson:"amount" json:"amount"`
	Currency    string        `bson:"currency" json:"currency"`
	Description string        `bson:"description" json:"description"`
	PaymentType PaymentType   `bson:"payment_type" json:"payment_type"`
	Status      PaymentStatus `bson:"status" json:"status"`

	EpayTransactionID string `bson:"epay_transaction_id,omitempty" json:"epay_transaction_id,omitempty"`
	CardMask          string `bson:"card_mask,omitempty" json:"card_mask,omitempty"`
	CardType          string `bson:"card_type,omitempty" json:"card_type,omitempty"`
	CardID            string `bson:"card_id,omitempty" json:"card_id,omitempty"`
	Reference         string `bson:"reference,omitempty" json:"reference,omitempty"`
	Reason            string `bson:"reason,omitempty" json:"reason,omitempty"`
	ReasonCode        string `bson:"reason_code,omitempty" json:"reason_code,omitempty"`

	SecretHash        string `bson:"secret_hash,omitempty" json:"-"`
	CheckoutToken     string `bson:"checkout_token,omitempty" json:"-"`
	BackLink          string `bson:"back_link,omitempty" json:"back_link,omitempty"`
	FailureBackLink   string `bson:"failure_back_link,omitempty" json:"failure_back_link,omitempty"`
	Language          string `bson:"language,omitempty" json:"language,omitempty"`
	SaveCardRequested bool   `bson:"save_card_requested,omitempty" json:"save_card_requested,omitempty"`

	// Set when the payment funds a specific data identity rather than the wallet.
	TargetEsimID  string  `bson:"target_esim_id,omitempty" json:"target_esim_id,omitempty"`
	TargetIMSI    string  `bson:"target_imsi,omitempty" json:"target_imsi,omitempty"`
	DataPackageMB float64 `bson:"data_package_mb,omitempty" json:"data_package_mb,omitempty"`

	CreditedAt *time.Time `bson:"credited_at,omitempty" json:"credited_at,omitempty"`
	CreatedAt  time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `bson:"updated_at" json:"updated_at"`
}

// BuysData reports whether settlement adds data to a target identity
// instead of crediting the wallet.
func (p *PaymentRecord) BuysData() bool {
	return p.TargetIMSI != "" && p.DataPackageMB > 0
}

// InvoiceIndex maps a gateway invoice id to its payment
type InvoiceIndex struct {
	InvoiceID string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	PaymentID string    `bson:"payment_id"`
	CreatedAt time.Time `bson:"created_at"`
}

// CheckoutIndex maps a checkout capability token to its payment
type CheckoutIndex struct {
	Token     string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	PaymentID string    `bson:"payment_id"`
	CreatedAt time.Time `bson:"created_at"`
}

// WalletCredit is the balance increase booked together with a settling transition
type WalletCredit struct {
	UserID      string
	PaymentID   string
	Amount      float64
	Currency    string
	Description string
}

// PaymentRepository persists payment records and their lookup indices
type PaymentRepository interface {
	// NextInvoiceID returns a fresh, never reused numeric invoice id.
	NextInvoiceID(ctx context.Context) (string, error)

	// Create stores the record, its invoice index and (when the record carries
	// a checkout token) its checkout index atomically.
	Create(ctx context.Context, record *PaymentRecord) error

	GetByID(ctx context.Context, id string) (*PaymentRecord, error)
	GetForUser(ctx context.Context, userID, id string) (*PaymentRecord, error)
	GetByInvoiceID(ctx context.Context, invoiceID string) (*PaymentRecord, error)
	ResolveCheckout(ctx context.Context, paymentID, token string) (*PaymentRecord, error)
	ListByUser(ctx context.Context, userID string, limit int64) ([]*PaymentRecord, error)

	// CommitTransition writes next only if the stored status and updated_at
	// still match prev, booking credit in the same transaction when non-nil.
	// Returns ErrConflict when the stored record moved underneath the caller.
	CommitTransition(ctx context.Context, prev, next *PaymentRecord, credit *WalletCredit) error

	// MarkCredited stamps credited_at unless it is already set. Returns
	// ErrConflict when another caller stamped it first, which makes it usable
	// as a claim before fulfilling a data purchase.
	MarkCredited(ctx context.Context, id string, at time.Time) error
}
