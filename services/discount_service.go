// services/discount_service.go
package services

import (
	"log"
	"time"

	"referral-reward-system/models"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// ReasonNoUnredeemedGrant is the domain rejection for redemption misses,
// including the loser of a concurrent double-redemption.
const ReasonNoUnredeemedGrant = "No matching unredeemed discount found"

type DiscountService struct {
	DB *gorm.DB
}

func NewDiscountService(db *gorm.DB) *DiscountService {
	return &DiscountService{DB: db}
}

// ListUnredeemed answers "which unredeemed discounts does this device have".
func (s *DiscountService) ListUnredeemed(deviceID string) ([]models.DiscountGrant, error) {
	var grants []models.DiscountGrant
	err := s.DB.Where("device_id = ? AND is_redeemed = ?", deviceID, false).
		Order("created_at DESC").
		Find(&grants).Error
	return grants, err
}

// --- Handlers ---

// GetDiscounts fetches the device's unredeemed grants for display and checkout.
func (s *DiscountService) GetDiscounts(c *fiber.Ctx) error {
	deviceID := c.Params("deviceId")
	if deviceID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "device_id is required"})
	}

	grants, err := s.ListUnredeemed(deviceID)
	if err != nil {
		log.Printf("DB Error fetching discounts: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "Failed to fetch discounts"})
	}

	return c.JSON(fiber.Map{"success": true, "discounts": grants})
}

// RedeemDiscount consumes one unredeemed grant at checkout. The flip to
// redeemed is a conditional UPDATE, so a second concurrent attempt on the same
// grant observes zero rows and is told no discount matched — it must not apply
// a discount.
func (s *DiscountService) RedeemDiscount(c *fiber.Ctx) error {
	var req struct {
		ConversionID     string  `json:"conversion_id"`
		DiscountID       string  `json:"discount_id"`
		UserID           string  `json:"user_id"`
		DeviceID         string  `json:"device_id"`
		SubscriptionType string  `json:"subscription_type"`
		OriginalPrice    float64 `json:"original_price"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "Invalid request body"})
	}
	if req.ConversionID == "" && req.DiscountID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "conversion_id or discount_id is required"})
	}
	if req.OriginalPrice <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "original_price must be positive"})
	}

	// The device context header narrows the pair of grants on a conversion to
	// the caller's own.
	deviceID := req.DeviceID
	if deviceID == "" {
		if v, ok := c.Locals("device_id").(string); ok {
			deviceID = v
		}
	}

	query := s.DB.Where("is_redeemed = ?", false)
	if req.DiscountID != "" {
		query = query.Where("id = ?", req.DiscountID)
	} else {
		query = query.Where("conversion_id = ?", req.ConversionID)
	}
	if deviceID != "" {
		query = query.Where("device_id = ?", deviceID)
	}

	var candidates []models.DiscountGrant
	if err := query.Order("id ASC").Find(&candidates).Error; err != nil {
		log.Printf("DB Error fetching discount grants: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "Failed to redeem discount"})
	}

	now := time.Now()
	for _, grant := range candidates {
		res := s.DB.Model(&models.DiscountGrant{}).
			Where("id = ? AND is_redeemed = ?", grant.ID, false).
			Updates(map[string]interface{}{
				"is_redeemed":          true,
				"redeemed_at":          now,
				"redeemed_for_user_id": req.UserID,
			})
		if res.Error != nil {
			log.Printf("DB Error redeeming discount %s: %v", grant.ID, res.Error)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "Failed to redeem discount"})
		}
		if res.RowsAffected == 0 {
			// Someone else got this one between the read and the write.
			continue
		}

		discountAmount := req.OriginalPrice * grant.DiscountPercentage
		return c.JSON(fiber.Map{
			"success":          true,
			"discounted_price": req.OriginalPrice - discountAmount,
			"discount_amount":  discountAmount,
			"redemption_id":    grant.ID,
		})
	}

	return c.JSON(fiber.Map{"success": false, "error": ReasonNoUnredeemedGrant})
}
