package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GatewayTransaction is the verified gateway view of a payment, taken from a
// status query or a card-on-file charge response. Never built from a webhook.
type GatewayTransaction struct {
	ID         string
	InvoiceID  string
	Amount     float64
	Currency   string
	StatusName string
	CardMask   string
	CardType   string
	CardID     string
	Reference  string
	Reason     string
	ReasonCode string
}

// Transition is the outcome of applying gateway state to a stored record
type Transition struct {
	Previous     PaymentStatus
	Next         *PaymentRecord
	ShouldCredit bool
}

// StatusChanged reports whether the transition moved the record forward.
func (t Transition) StatusChanged() bool {
	return t.Previous != t.Next.Status
}

// forward lists the states reachable from each state. Anything absent is a
// regression or a move out of a terminal state and is ignored.
var forward = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentStatusPending: {
		PaymentStatusAuth:   true,
		PaymentStatusCharge: true,
		PaymentStatusCancel: true,
		PaymentStatusFailed: true,
	},
	PaymentStatusAuth: {
		PaymentStatusCharge: true,
		PaymentStatusRefund: true,
		PaymentStatusCancel: true,
		PaymentStatusFailed: true,
	},
	PaymentStatusCharge: {
		PaymentStatusRefund: true,
		PaymentStatusCancel: true,
	},
}

// CanAdvance reports whether from → to is a forward move.
func CanAdvance(from, to PaymentStatus) bool {
	return forward[from][to]
}

// NormalizeStatus maps a gateway statusName onto a payment status.
// Unknown or empty names map to failed.
func NormalizeStatus(statusName string) PaymentStatus {
	switch strings.ToUpper(strings.TrimSpace(statusName)) {
	case "AUTH":
		return PaymentStatusAuth
	case "CHARGE":
		return PaymentStatusCharge
	case "REFUND":
		return PaymentStatusRefund
	case "CANCEL":
		return PaymentStatusCancel
	default:
		return PaymentStatusFailed
	}
}

// Apply computes the next record from verified gateway state. Correlation
// fields always take the latest gateway values; the status only moves forward.
func Apply(record *PaymentRecord, tx GatewayTransaction, now time.Time) Transition {
	next := *record
	next.EpayTransactionID = tx.ID
	next.CardMask = tx.CardMask
	next.CardType = tx.CardType
	next.CardID = tx.CardID
	next.Reference = tx.Reference
	next.Reason = tx.Reason
	next.ReasonCode = tx.ReasonCode

	return advance(record, &next, NormalizeStatus(tx.StatusName), now)
}

// ApplyRejection moves a pending record to failed when the push payload
// reports a failure and the gateway has no transaction to apply. Any other
// record is returned unchanged: once settled, only verified gateway state
// moves it.
func ApplyRejection(record *PaymentRecord, reason, reasonCode string, now time.Time) Transition {
	next := *record
	if record.Status != PaymentStatusPending {
		return Transition{Previous: record.Status, Next: &next}
	}
	if reason != "" {
		next.Reason = reason
	}
	if reasonCode != "" {
		next.ReasonCode = reasonCode
	}
	return advance(record, &next, PaymentStatusFailed, now)
}

// Advance moves a record to target on an operator's request. Unlike Apply it
// refuses non-forward moves instead of ignoring them.
func Advance(record *PaymentRecord, target PaymentStatus, now time.Time) (Transition, error) {
	if !CanAdvance(record.Status, target) {
		return Transition{}, NewValidationError("cannot move payment from %s to %s", record.Status, target)
	}
	next := *record
	return advance(record, &next, target, now), nil
}

func advance(prev, next *PaymentRecord, target PaymentStatus, now time.Time) Transition {
	if CanAdvance(prev.Status, target) {
		next.Status = target
	}
	next.UpdatedAt = now

	return Transition{
		Previous:     prev.Status,
		Next:         next,
		ShouldCredit: ShouldCredit(prev.Status, next.Status, prev.PaymentType, prev.Amount),
	}
}

// ShouldCredit is true exactly on the first move into a settled state of a
// crediting payment type with a positive amount.
func ShouldCredit(prev, next PaymentStatus, paymentType PaymentType, amount float64) bool {
	return !prev.IsSettled() && next.IsSettled() && paymentType.Credits() && amount > 0
}

// CheckIntegrity rejects gateway data that echoes a different invoice than
// the stored record, or a different amount while the record is being settled.
// Once settled, the gateway may report a partially captured amount.
func CheckIntegrity(record *PaymentRecord, tx GatewayTransaction) error {
	if tx.InvoiceID != "" && tx.InvoiceID != record.InvoiceID {
		return fmt.Errorf("%w: invoice %s echoed as %s", ErrIntegrity, record.InvoiceID, tx.InvoiceID)
	}
	if record.Status.IsSettled() {
		return nil
	}
	if NormalizeStatus(tx.StatusName).IsSettled() && tx.Amount > 0 && !AmountsEqual(tx.Amount, record.Amount) {
		return fmt.Errorf("%w: invoice %s amount %.2f echoed as %.2f", ErrIntegrity, record.InvoiceID, record.Amount, tx.Amount)
	}
	return nil
}

// AmountsEqual compares two money amounts at cent precision.
func AmountsEqual(a, b float64) bool {
	return decimal.NewFromFloat(a).Round(2).Equal(decimal.NewFromFloat(b).Round(2))
}
