package handler

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/mansoorceksport/esimpay/internal/service"
	"github.com/rs/zerolog"
)

// LoginService exchanges a Firebase ID token for a session
type LoginService interface {
	LoginOrRegister(ctx context.Context, firebaseToken string) (*service.LoginResponse, error)
}

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	authService LoginService
	log         *zerolog.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService LoginService, logger *zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		log:         logger,
	}
}

// LoginOrRegister handles POST /v1/auth/login
func (h *AuthHandler) LoginOrRegister(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"error":   "missing authorization header",
		})
	}

	// Extract token (format: "Bearer <token>")
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"success": false,
			"error":   "missing authorization header",
		})
	}

	resp, err := h.authService.LoginOrRegister(c.UserContext(), token)
	if err != nil {
		return respondError(c, h.log, err)
	}

	return respondData(c, fiber.StatusOK, resp)
}
