package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/mansoorceksport/esimpay/internal/domain"
	"github.com/mansoorceksport/esimpay/internal/service"
	"github.com/rs/zerolog"
)

// PaymentOperations is the customer-facing payment surface. Implemented by
// *service.PaymentService.
type PaymentOperations interface {
	InitiatePayment(ctx context.Context, user *domain.User, req service.InitiatePaymentRequest) (*service.CheckoutHandle, error)
	InitiateCardSave(ctx context.Context, user *domain.User, req service.CardSaveRequest) (*service.CardSaveHandle, error)
	PayWithSavedCard(ctx context.Context, user *domain.User, req service.RecurrentPaymentRequest) (*service.ChargeOutcome, error)
	ListSavedCards(ctx context.Context, userID string) ([]service.SavedCardView, error)
	DeactivateCard(ctx context.Context, userID, cardID string) error
	ListPayments(ctx context.Context, userID string) ([]*domain.PaymentRecord, error)
	ReconcileByPolling(ctx context.Context, userID, paymentID string) (*domain.PaymentRecord, error)
	RenderCheckout(ctx context.Context, paymentID, checkoutToken string) ([]byte, error)
}

// PaymentHandler handles payment-related API endpoints
type PaymentHandler struct {
	payments PaymentOperations
	users    UserLookup
	log      *zerolog.Logger
}

// NewPaymentHandler creates a new PaymentHandler
func NewPaymentHandler(payments PaymentOperations, users UserLookup, logger *zerolog.Logger) *PaymentHandler {
	return &PaymentHandler{
		payments: payments,
		users:    users,
		log:      logger,
	}
}

// PaymentStatusResponse answers a status poll
type PaymentStatusResponse struct {
	PaymentID         string               `json:"payment_id"`
	InvoiceID         string               `json:"invoice_id"`
	Status            domain.PaymentStatus `json:"status"`
	Amount            float64              `json:"amount"`
	Currency          string               `json:"currency"`
	PaymentType       domain.PaymentType   `json:"payment_type"`
	EpayTransactionID string               `json:"epay_transaction_id,omitempty"`
	CardMask          string               `json:"card_mask,omitempty"`
	Credited          bool                 `json:"credited"`
	ReasonCode        string               `json:"reason_code,omitempty"`
	Reason            string               `json:"reason,omitempty"`
}

func statusResponse(p *domain.PaymentRecord) PaymentStatusResponse {
	return PaymentStatusResponse{
		PaymentID:         p.ID,
		InvoiceID:         p.InvoiceID,
		Status:            p.Status,
		Amount:            p.Amount,
		Currency:          p.Currency,
		PaymentType:       p.PaymentType,
		EpayTransactionID: p.EpayTransactionID,
		CardMask:          p.CardMask,
		Credited:          p.CreditedAt != nil,
		ReasonCode:        p.ReasonCode,
		Reason:            p.Reason,
	}
}

// Initiate handles POST /v1/payments/initiate
func (h *PaymentHandler) Initiate(c *fiber.Ctx) error {
	user, err := currentUser(c, h.users)
	if err != nil {
		return respondError(c, h.log, err)
	}

	var req service.InitiatePaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	handle, err := h.payments.InitiatePayment(c.UserContext(), user, req)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return respondData(c, fiber.StatusCreated, handle)
}

// CardSave handles POST /v1/payments/card-save
func (h *PaymentHandler) CardSave(c *fiber.Ctx) error {
	user, err := currentUser(c, h.users)
	if err != nil {
		return respondError(c, h.log, err)
	}

	var req service.CardSaveRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}

	handle, err := h.payments.InitiateCardSave(c.UserContext(), user, req)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return respondData(c, fiber.StatusCreated, handle)
}

// Recurrent handles POST /v1/payments/recurrent
func (h *PaymentHandler) Recurrent(c *fiber.Ctx) error {
	user, err := currentUser(c, h.users)
	if err != nil {
		return respondError(c, h.log, err)
	}

	var req service.RecurrentPaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	outcome, err := h.payments.PayWithSavedCard(c.UserContext(), user, req)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return respondData(c, fiber.StatusOK, outcome)
}

// SavedCards handles GET /v1/payments/saved-cards
func (h *PaymentHandler) SavedCards(c *fiber.Ctx) error {
	user, err := currentUser(c, h.users)
	if err != nil {
		return respondError(c, h.log, err)
	}

	cards, err := h.payments.ListSavedCards(c.UserContext(), user.ID)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return respondData(c, fiber.StatusOK, cards)
}

// DeactivateCard handles DELETE /v1/payments/saved-cards/:id
func (h *PaymentHandler) DeactivateCard(c *fiber.Ctx) error {
	user, err := currentUser(c, h.users)
	if err != nil {
		return respondError(c, h.log, err)
	}

	cardID := c.Params("id")
	if cardID == "" {
		return badRequest(c, "card id is required")
	}

	if err := h.payments.DeactivateCard(c.UserContext(), user.ID, cardID); err != nil {
		return respondError(c, h.log, err)
	}
	return respondData(c, fiber.StatusOK, fiber.Map{"card_id": cardID, "deactivated": true})
}

// List handles GET /v1/payments
func (h *PaymentHandler) List(c *fiber.Ctx) error {
	user, err := currentUser(c, h.users)
	if err != nil {
		return respondError(c, h.log, err)
	}

	records, err := h.payments.ListPayments(c.UserContext(), user.ID)
	if err != nil {
		return respondError(c, h.log, err)
	}

	out := make([]PaymentStatusResponse, 0, len(records))
	for _, r := range records {
		out = append(out, statusResponse(r))
	}
	return respondData(c, fiber.StatusOK, out)
}

// Status handles GET /v1/payments/status/:id
// A pending payment is reconciled with the gateway before answering.
func (h *PaymentHandler) Status(c *fiber.Ctx) error {
	user, err := currentUser(c, h.users)
	if err != nil {
		return respondError(c, h.log, err)
	}

	record, err := h.payments.ReconcileByPolling(c.UserContext(), user.ID, c.Params("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return respondData(c, fiber.StatusOK, statusResponse(record))
}

// Checkout handles GET /v1/payments/checkout/:id?token=
// Public: the checkout token is the capability.
func (h *PaymentHandler) Checkout(c *fiber.Ctx) error {
	token := c.Query("token")
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).SendString("missing checkout token")
	}

	page, err := h.payments.RenderCheckout(c.UserContext(), c.Params("id"), token)
	if err != nil {
		status, _ := errorStatus(err)
		h.log.Warn().Err(err).Str("payment_id", c.Params("id")).Msg("checkout page refused")
		return c.Status(status).SendString("checkout unavailable")
	}

	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Status(fiber.StatusOK).Send(page)
}
