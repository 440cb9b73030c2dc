package epay

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ParsePostLink decodes a webhook body sent either as JSON or as a form.
func ParsePostLink(contentType string, body []byte) (*PostLink, error) {
	if strings.Contains(strings.ToLower(contentType), "application/x-www-form-urlencoded") {
		return parsePostLinkForm(body)
	}

	var p PostLink
	if err := json.Unmarshal(body, &p); err != nil {
		// Some terminals omit the content type on form posts.
		if form, formErr := parsePostLinkForm(body); formErr == nil && form.Invoice() != "" {
			return form, nil
		}
		return nil, fmt.Errorf("failed to parse postLink body: %w", err)
	}
	return &p, nil
}

func parsePostLinkForm(body []byte) (*PostLink, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse postLink form: %w", err)
	}

	p := &PostLink{
		ID:           values.Get("id"),
		DateTime:     values.Get("dateTime"),
		InvoiceID:    values.Get("invoiceId"),
		InvoiceIDUp:  values.Get("invoiceID"),
		Currency:     values.Get("currency"),
		Terminal:     values.Get("terminal"),
		AccountID:    values.Get("accountId"),
		CardMask:     values.Get("cardMask"),
		CardType:     values.Get("cardType"),
		Reference:    values.Get("reference"),
		Code:         values.Get("code"),
		Reason:       values.Get("reason"),
		ReasonCode:   FlexString(values.Get("reasonCode")),
		CardID:       values.Get("cardId"),
		SecretHash:   values.Get("secret_hash"),
		ApprovalCode: values.Get("approvalCode"),
	}
	if amount := values.Get("amount"); amount != "" {
		v, err := strconv.ParseFloat(amount, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid postLink amount %q: %w", amount, err)
		}
		p.Amount = FlexFloat(v)
	}
	return p, nil
}
