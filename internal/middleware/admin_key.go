package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// AdminKeyHeader carries the operator API key
const AdminKeyHeader = "X-Admin-Key"

// RequireAdminKey admits requests whose X-Admin-Key hashes (SHA-256, hex) to
// keyHash. An empty keyHash rejects everything.
func RequireAdminKey(keyHash string) fiber.Handler {
	expected := []byte(strings.ToLower(keyHash))

	return func(c *fiber.Ctx) error {
		key := c.Get(AdminKeyHeader)
		if key == "" || len(expected) == 0 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "missing admin key",
			})
		}

		sum := sha256.Sum256([]byte(key))
		digest := []byte(hex.EncodeToString(sum[:]))
		if subtle.ConstantTimeCompare(digest, expected) != 1 {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"success": false,
				"error":   "invalid admin key",
			})
		}
		return c.Next()
	}
}
