package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// IdempotencyMiddleware replays the cached response of a mutating request
// carrying a known X-Correlation-ID. Keys are scoped to the authenticated user,
// so it must run after VerifySessionToken.
func IdempotencyMiddleware(redisClient *redis.Client, ttl time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPatch && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		correlationID := c.Get("X-Correlation-ID")
		if correlationID == "" {
			return c.Next()
		}

		key := fmt.Sprintf("idempotency:%s:%s", GetUserID(c), correlationID)

		cached, err := redisClient.Get(c.UserContext(), key).Bytes()
		if err == nil && len(cached) > 0 {
			c.Set("X-Idempotent-Replay", "true")
			c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			return c.Send(cached)
		}

		if err := c.Next(); err != nil {
			return err
		}

		// Only 2xx answers are replayed.
		statusCode := c.Response().StatusCode()
		if statusCode >= 200 && statusCode < 300 {
			body := append([]byte(nil), c.Response().Body()...)
			if len(body) > 0 {
				go func() {
					bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					redisClient.Set(bgCtx, key, body, ttl)
				}()
			}
		}

		return nil
	}
}
