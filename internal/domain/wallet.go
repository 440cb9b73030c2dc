package domain

import "time"

const WalletTxTypeTopUp = "top_up"

// WalletTransaction is the audit entry written with every wallet credit.
// Its id is derived from the payment id, so a second credit for the same
// payment collides on insert.
type WalletTransaction struct {
	ID          string    `bson:"_id" json:"id"`
	UserID      string    `bson:"user_id" json:"user_id"`
	Type        string    `bson:"type" json:"type"`
	Amount      float64   `bson:"amount" json:"amount"`
	Currency    string    `bson:"currency" json:"currency"`
	PaymentID   string    `bson:"payment_id" json:"payment_id"`
	Description string    `bson:"description" json:"description"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
}

// WalletTransactionID returns the credit-once key for a payment.
func WalletTransactionID(paymentID string) string {
	return "pay_" + paymentID
}
