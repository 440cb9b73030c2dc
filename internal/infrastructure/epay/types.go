package epay

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// ResultCodeSuccess is the status-query resultCode of a found transaction.
const ResultCodeSuccess = "100"

// Card-on-file answer that asks for a 3-D Secure challenge.
const Status3DS = "3D"

const (
	scopeService = "webapi usermanagement email_send verification statement statistics payment"
	scopePayment = "payment"
)

// FlexString accepts JSON strings and numbers. The gateway sends some codes
// as strings in one endpoint and as numbers in another.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

// FlexFloat accepts JSON numbers and numeric strings.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	var s FlexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(string(s), 64)
	if err != nil {
		return err
	}
	*f = FlexFloat(v)
	return nil
}

// TokenResponse is the OAuth answer for service and payment tokens
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

// PaymentTokenRequest binds a payment-scoped token to one invoice and amount
type PaymentTokenRequest struct {
	InvoiceID       string
	Amount          float64
	Currency        string
	PostLink        string
	FailurePostLink string
	SecretHash      string
}

// TransactionDetail is the transaction embedded in a status response
type TransactionDetail struct {
	ID           string     `json:"id"`
	CreatedDate  string     `json:"createdDate,omitempty"`
	InvoiceID    string     `json:"invoiceID,omitempty"`
	Amount       FlexFloat  `json:"amount,omitempty"`
	Currency     string     `json:"currency,omitempty"`
	Terminal     string     `json:"terminal,omitempty"`
	AccountID    string     `json:"accountID,omitempty"`
	Description  string     `json:"description,omitempty"`
	CardMask     string     `json:"cardMask,omitempty"`
	CardType     string     `json:"cardType,omitempty"`
	Issuer       string     `json:"issuer,omitempty"`
	Reference    string     `json:"reference,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	ReasonCode   FlexString `json:"reasonCode,omitempty"`
	StatusID     FlexString `json:"statusID,omitempty"`
	StatusName   string     `json:"statusName,omitempty"`
	CardID       string     `json:"cardID,omitempty"`
	ApprovalCode string     `json:"approvalCode,omitempty"`
}

// StatusResponse answers check-status/payment/transaction/{invoiceID}
type StatusResponse struct {
	ResultCode    FlexString         `json:"resultCode"`
	ResultMessage string             `json:"resultMessage"`
	Transaction   *TransactionDetail `json:"transaction,omitempty"`
}

// Found reports whether the gateway knows a transaction for the invoice.
func (s *StatusResponse) Found() bool {
	return s.ResultCode.String() == ResultCodeSuccess && s.Transaction != nil
}

// CardRef wraps the saved card id the way the gateway expects it.
type CardRef struct {
	ID string `json:"id"`
}

// CardPaymentRequest is a server-to-server charge of a saved card
type CardPaymentRequest struct {
	Amount          float64 `json:"amount"`
	Currency        string  `json:"currency"`
	Name            string  `json:"name,omitempty"`
	TerminalID      string  `json:"terminalId"`
	InvoiceID       string  `json:"invoiceId"`
	Description     string  `json:"description"`
	AccountID       string  `json:"accountId"`
	Email           string  `json:"email,omitempty"`
	Phone           string  `json:"phone,omitempty"`
	BackLink        string  `json:"backLink"`
	FailureBackLink string  `json:"failureBackLink,omitempty"`
	PostLink        string  `json:"postLink"`
	FailurePostLink string  `json:"failurePostLink,omitempty"`
	Language        string  `json:"language"`
	PaymentType     string  `json:"paymentType"`
	Recurrent       bool    `json:"recurrent"`
	CardID          CardRef `json:"cardId"`
}

// CardPaymentResponse is the immediate answer to a card-on-file charge
type CardPaymentResponse struct {
	ID        string                 `json:"id"`
	AccountID string                 `json:"accountId,omitempty"`
	Amount    FlexFloat              `json:"amount"`
	Currency  string                 `json:"currency,omitempty"`
	InvoiceID string                 `json:"invoiceID,omitempty"`
	Reference string                 `json:"reference,omitempty"`
	Secure3D  map[string]interface{} `json:"secure3D,omitempty"`
	CardID    string                 `json:"cardID,omitempty"`
	Code      FlexString             `json:"code,omitempty"`
	Status    string                 `json:"status,omitempty"`
}

// Requires3DS reports whether the gateway asked for a challenge.
func (r *CardPaymentResponse) Requires3DS() bool {
	return r.Status == Status3DS
}

// SavedCard is a tokenised card stored by the gateway for an account
type SavedCard struct {
	ID               string `json:"ID"`
	TransactionID    string `json:"TransactionId,omitempty"`
	MerchantID       string `json:"MerchantID,omitempty"`
	CardHash         string `json:"CardHash,omitempty"`
	CardMask         string `json:"CardMask,omitempty"`
	PayerName        string `json:"PayerName,omitempty"`
	Reference        string `json:"Reference,omitempty"`
	Terminal         string `json:"Terminal,omitempty"`
	CreatedDate      string `json:"CreatedDate,omitempty"`
	PaymentAvailable *bool  `json:"PaymentAvailable,omitempty"`
	AccountID        string `json:"AccountID,omitempty"`
}

// PostLink is the webhook body pushed by the gateway. Only used to locate the
// payment; its code/reason are never trusted as the settlement outcome.
type PostLink struct {
	ID           string     `json:"id"`
	DateTime     string     `json:"dateTime"`
	InvoiceID    string     `json:"invoiceId"`
	InvoiceIDUp  string     `json:"invoiceID"`
	Amount       FlexFloat  `json:"amount"`
	Currency     string     `json:"currency"`
	Terminal     string     `json:"terminal"`
	AccountID    string     `json:"accountId"`
	CardMask     string     `json:"cardMask"`
	CardType     string     `json:"cardType"`
	Reference    string     `json:"reference"`
	Code         string     `json:"code"`
	Reason       string     `json:"reason"`
	ReasonCode   FlexString `json:"reasonCode"`
	CardID       string     `json:"cardId"`
	SecretHash   string     `json:"secret_hash"`
	ApprovalCode string     `json:"approvalCode"`
}

// Invoice returns the invoice id under either spelling the gateway uses.
func (p *PostLink) Invoice() string {
	if p.InvoiceID != "" {
		return p.InvoiceID
	}
	return p.InvoiceIDUp
}

// Succeeded reports the payload's own outcome flag.
func (p *PostLink) Succeeded() bool {
	return p.Code == "ok"
}
