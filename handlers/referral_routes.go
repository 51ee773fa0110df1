// handlers/referral_routes.go
package handlers

import (
	"referral-reward-system/middleware"
	"referral-reward-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupReferralRoutes(app *fiber.App, referralService *services.ReferralService, conversionService *services.ConversionService, discountService *services.DiscountService) {
	// Device-facing routes. The gateway should forward paths like
	// /api/v1/referral/s/validate -> /referral/validate
	deviceGroup := app.Group("/", middleware.DeviceContextMiddleware())

	deviceGroup.Post("/referral/validate", referralService.ValidateReferralCode)
	deviceGroup.Post("/referral/sync", referralService.SyncReferralCode)
	deviceGroup.Post("/referral/convert", conversionService.RecordConversion)
	deviceGroup.Get("/referral/stats/:deviceId", referralService.GetReferralStats)
	deviceGroup.Get("/referral/discounts/:deviceId", discountService.GetDiscounts)
	deviceGroup.Post("/referral/discounts/redeem", discountService.RedeemDiscount)
	deviceGroup.Post("/referral/link", referralService.LinkAccount)

	// Admin endpoints
	adminGroup := app.Group("/s/admin", middleware.DeviceContextMiddleware())

	adminGroup.Post("/referral/codes/:code/deactivate", referralService.DeactivateCode)
	adminGroup.Get("/referral/conversions", conversionService.ListConversions)

	// Connectivity probe for the client's offline queue
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}
