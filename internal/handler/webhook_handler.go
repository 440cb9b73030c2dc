package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/mansoorceksport/esimpay/internal/service"
	"github.com/rs/zerolog"
)

// WebhookReconciler processes gateway postLink deliveries
type WebhookReconciler interface {
	ReconcileFromWebhook(ctx context.Context, contentType string, body []byte) service.WebhookResult
}

// WebhookHandler handles payment gateway callbacks
type WebhookHandler struct {
	reconciler WebhookReconciler
	log        *zerolog.Logger
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(reconciler WebhookReconciler, logger *zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		reconciler: reconciler,
		log:        logger,
	}
}

// HandleEpay handles POST /v1/payments/webhook
// Always answers 200 so the gateway stops redelivering; the payload is only a
// hint and the payment state is re-read from the gateway.
func (h *WebhookHandler) HandleEpay(c *fiber.Ctx) error {
	// fasthttp reuses the body buffer after the handler returns
	body := append([]byte(nil), c.Body()...)

	result := h.reconcile(c.UserContext(), c.Get(fiber.HeaderContentType), body)

	h.log.Info().
		Str("result", string(result)).
		Int("bytes", len(body)).
		Str("ip", c.IP()).
		Msg("webhook handled")

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"success": true,
		"result":  result,
	})
}

// reconcile turns a panic into a failed result so the gateway still gets 200.
func (h *WebhookHandler) reconcile(ctx context.Context, contentType string, body []byte) (result service.WebhookResult) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Msg("webhook reconciliation panicked")
			result = service.WebhookFailed
		}
	}()
	return h.reconciler.ReconcileFromWebhook(ctx, contentType, body)
}
