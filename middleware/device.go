package middleware

import (
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// DeviceContextMiddleware extracts the device identity forwarded by the mobile
// client. Most payloads also carry the device id; the headers are the canonical
// source for GET endpoints and for admin routes acting on behalf of a device.
func DeviceContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		deviceID := strings.TrimSpace(c.Get("X-Device-ID"))
		fingerprint := strings.TrimSpace(c.Get("X-Device-Fingerprint"))

		// Admin routes require the user context set by the Gateway instead.
		path := c.Path()
		if strings.HasPrefix(path, "/s/admin/") {
			userID := c.Get("X-User-ID")
			if userID == "" {
				log.Printf("❌ [DEVICE_CTX] X-User-ID required but missing on admin route: %s", path)
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "missing X-User-ID — request must come through gateway with auth context",
				})
			}
			c.Locals("user_id", userID)
		}

		c.Locals("device_id", deviceID)
		c.Locals("device_fingerprint", fingerprint)

		return c.Next()
	}
}
