package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/mansoorceksport/esimpay/internal/domain"
	"github.com/mansoorceksport/esimpay/internal/infrastructure/epay"
	"github.com/mansoorceksport/esimpay/internal/service"
	"github.com/rs/zerolog"
)

// AdminPayments is the operator payment surface. Implemented by
// *service.PaymentService.
type AdminPayments interface {
	AdminCharge(ctx context.Context, paymentID string, amount *float64) (*domain.PaymentRecord, error)
	AdminRefund(ctx context.Context, paymentID string, amount *float64) (*domain.PaymentRecord, error)
	VerifyInvoice(ctx context.Context, invoiceID string) (*epay.StatusResponse, error)
	GatewayHealth(ctx context.Context) service.HealthReport
}

// AdminAutopay runs autopay for one identity. Implemented by *service.EsimService.
type AdminAutopay interface {
	RunAutopayAdmin(ctx context.Context, esimID string) (*service.AutopayRunReport, error)
}

// AdminHandler handles operator endpoints behind the admin key
type AdminHandler struct {
	payments AdminPayments
	autopay  AdminAutopay
	log      *zerolog.Logger
}

func NewAdminHandler(payments AdminPayments, autopay AdminAutopay, logger *zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		payments: payments,
		autopay:  autopay,
		log:      logger,
	}
}

// AmountRequest optionally narrows a charge or refund
type AmountRequest struct {
	Amount *float64 `json:"amount"`
}

func (h *AdminHandler) amount(c *fiber.Ctx) (*float64, error) {
	if len(c.Body()) == 0 {
		return nil, nil
	}
	var req AmountRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, err
	}
	return req.Amount, nil
}

// Charge handles POST /v1/admin/payments/:id/charge
func (h *AdminHandler) Charge(c *fiber.Ctx) error {
	amount, err := h.amount(c)
	if err != nil {
		return badRequest(c, "invalid request body")
	}

	record, err := h.payments.AdminCharge(c.UserContext(), c.Params("id"), amount)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return respondData(c, fiber.StatusOK, statusResponse(record))
}

// Refund handles POST /v1/admin/payments/:id/refund
func (h *AdminHandler) Refund(c *fiber.Ctx) error {
	amount, err := h.amount(c)
	if err != nil {
		return badRequest(c, "invalid request body")
	}

	record, err := h.payments.AdminRefund(c.UserContext(), c.Params("id"), amount)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return respondData(c, fiber.StatusOK, statusResponse(record))
}

// Verify handles GET /v1/admin/payments/verify/:invoice
func (h *AdminHandler) Verify(c *fiber.Ctx) error {
	status, err := h.payments.VerifyInvoice(c.UserContext(), c.Params("invoice"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return respondData(c, fiber.StatusOK, status)
}

// Health handles GET /v1/admin/payments/health
func (h *AdminHandler) Health(c *fiber.Ctx) error {
	report := h.payments.GatewayHealth(c.UserContext())

	status := fiber.StatusOK
	if !report.TokenOK || !report.GatewayReachable {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"success": report.TokenOK && report.GatewayReachable,
		"data":    report,
	})
}

// RunAutopay handles POST /v1/admin/esims/:id/autopay
func (h *AdminHandler) RunAutopay(c *fiber.Ctx) error {
	report, err := h.autopay.RunAutopayAdmin(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return respondData(c, fiber.StatusOK, report)
}
