package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/mansoorceksport/esimpay/internal/domain"
	"github.com/mansoorceksport/esimpay/internal/middleware"
	"github.com/rs/zerolog"
)

// UserLookup resolves the authenticated caller
type UserLookup interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
}

// errorStatus maps a domain error onto an HTTP status and whether its message
// may be shown to the caller.
func errorStatus(err error) (int, bool) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.StatusBadRequest, true
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound, true
	case errors.Is(err, domain.ErrForbidden):
		return fiber.StatusForbidden, true
	case errors.Is(err, domain.ErrUnauthorized):
		return fiber.StatusUnauthorized, false
	case errors.Is(err, domain.ErrIntegrity), errors.Is(err, domain.ErrConflict):
		return fiber.StatusConflict, true
	case errors.Is(err, domain.ErrGatewayRejected):
		return fiber.StatusBadRequest, true
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return fiber.StatusBadGateway, false
	default:
		return fiber.StatusInternalServerError, false
	}
}

// respondError writes the {"success": false} envelope for err. Internal
// details are logged, never returned.
func respondError(c *fiber.Ctx, log *zerolog.Logger, err error) error {
	status, public := errorStatus(err)

	message := err.Error()
	if !public {
		switch status {
		case fiber.StatusUnauthorized:
			message = "unauthorized"
		case fiber.StatusBadGateway:
			message = "upstream service unavailable"
		default:
			message = "internal server error"
		}
	}
	if errors.Is(err, domain.ErrValidation) {
		message = strings.TrimPrefix(message, domain.ErrValidation.Error()+": ")
	}

	event := log.Warn()
	if status >= fiber.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", status).
		Msg("request failed")

	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   message,
	})
}

func respondData(c *fiber.Ctx, status int, data interface{}) error {
	return c.Status(status).JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"success": false,
		"error":   message,
	})
}

// currentUser loads the caller set by the session middleware.
func currentUser(c *fiber.Ctx, users UserLookup) (*domain.User, error) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		return nil, domain.ErrUnauthorized
	}
	user, err := users.GetByID(c.UserContext(), userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrUnauthorized
	}
	return user, err
}
