package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/mansoorceksport/esimpay/internal/domain"
	"github.com/mansoorceksport/esimpay/internal/service"
	"github.com/rs/zerolog"
)

// EsimReader is the balance read path. Implemented by *service.EsimService.
type EsimReader interface {
	ListUserEsims(ctx context.Context, user *domain.User) ([]service.EsimView, error)
	GetEsimUsage(ctx context.Context, user *domain.User, esimID string) (*service.UsageView, error)
}

// EsimHandler serves the caller's data identities
type EsimHandler struct {
	esims EsimReader
	users UserLookup
	log   *zerolog.Logger
}

func NewEsimHandler(esims EsimReader, users UserLookup, logger *zerolog.Logger) *EsimHandler {
	return &EsimHandler{
		esims: esims,
		users: users,
		log:   logger,
	}
}

// List handles GET /v1/esims
func (h *EsimHandler) List(c *fiber.Ctx) error {
	user, err := currentUser(c, h.users)
	if err != nil {
		return respondError(c, h.log, err)
	}

	views, err := h.esims.ListUserEsims(c.UserContext(), user)
	if err != nil {
		return respondError(c, h.log, err)
	}
	return respondData(c, fiber.StatusOK, views)
}

// Usage handles GET /v1/esims/:id/usage
func (h *EsimHandler) Usage(c *fiber.Ctx) error {
	user, err := currentUser(c, h.users)
	if err != nil {
		return respondError(c, h.log, err)
	}

	usage, err := h.esims.GetEsimUsage(c.UserContext(), user, c.Params("id"))
	if err != nil {
		return respondError(c, h.log, err)
	}
	return respondData(c, fiber.StatusOK, usage)
}
