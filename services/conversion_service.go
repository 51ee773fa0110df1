// services/conversion_service.go
package services

import (
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"referral-reward-system/models"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConversionDiscountPercentage is applied to both grants of a conversion.
const ConversionDiscountPercentage = 0.5

// DefaultPurchaseType scopes issued grants; redemption records the actual
// subscription type chosen at checkout.
const DefaultPurchaseType = "ANY"

type ConversionService struct {
	DB       *gorm.DB
	Referral *ReferralService
}

func NewConversionService(db *gorm.DB, referral *ReferralService) *ConversionService {
	return &ConversionService{DB: db, Referral: referral}
}

// ProcessConversion records the purchase and, when a referral code applies,
// performs the full redemption. The purchase write always happens; every
// referral-side failure degrades to referralProcessed=false rather than
// erroring the purchase. Idempotent under identical re-delivery: the
// Active→Used transition is a conditional UPDATE, and the conversion and
// grant inserts are keyed deterministically with ON CONFLICT DO NOTHING.
func (s *ConversionService) ProcessConversion(purchaserDeviceID, fingerprint, explicitCode string) (bool, error) {
	now := time.Now()

	// Step 1: mark the purchase. Unconditional — happens even with no code.
	account, err := s.markPurchased(purchaserDeviceID, fingerprint, now)
	if err != nil {
		return false, err
	}

	// Resolve the applicable code: explicit wins over the one on file.
	code := strings.ToUpper(strings.TrimSpace(explicitCode))
	if code == "" && account.EnteredReferralCode != nil {
		code = *account.EnteredReferralCode
	}

	processed := false
	if code != "" {
		processed, err = s.redeemCode(code, purchaserDeviceID, fingerprint, now)
		if err != nil {
			// Storage trouble on the referral path must not fail the purchase.
			log.Printf("DB Error processing referral for device %s: %v", purchaserDeviceID, err)
			processed = false
		}
	}

	// The purchaser can now refer others. Only mint codes for devices that
	// hold none, so re-delivered purchase events don't inflate the batch.
	var owned int64
	if err := s.DB.Model(&models.ReferralCode{}).
		Where("owner_device_id = ?", purchaserDeviceID).
		Count(&owned).Error; err != nil {
		log.Printf("DB Error counting owned codes for %s: %v", purchaserDeviceID, err)
		return processed, nil
	}
	if owned == 0 {
		limit := ReferralLimitFor(account)
		if _, err := s.Referral.GenerateCodes(purchaserDeviceID, account.UserIdentifier, limit); err != nil {
			log.Printf("DB Error generating codes for %s: %v", purchaserDeviceID, err)
		}
	}

	return processed, nil
}

func (s *ConversionService) markPurchased(deviceID, fingerprint string, now time.Time) (*models.DeviceAccount, error) {
	// First touch is an upsert — two concurrent requests for a brand-new
	// device must not race read-then-create into a duplicate key.
	fresh := models.DeviceAccount{
		DeviceID:          deviceID,
		DeviceFingerprint: fingerprint,
		HasPurchasedApp:   true,
		PurchasedAt:       &now,
		ReferralLimit:     BaseReferralLimit,
	}
	res := s.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected > 0 {
		return &fresh, nil
	}

	var account models.DeviceAccount
	if err := s.DB.First(&account, "device_id = ?", deviceID).Error; err != nil {
		return nil, err
	}

	if !account.HasPurchasedApp {
		account.HasPurchasedApp = true
		account.PurchasedAt = &now
	}
	if fingerprint != "" {
		account.DeviceFingerprint = fingerprint
	}
	if err := s.DB.Save(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// redeemCode attempts the Active→Used transition and, on success, writes the
// conversion record, both discount grants, and the referrer's counters in one
// transaction. Returns false (no error) for every domain-level mismatch.
func (s *ConversionService) redeemCode(code, purchaserDeviceID, fingerprint string, now time.Time) (bool, error) {
	var rc models.ReferralCode
	if err := s.DB.First(&rc, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}

	// Self-referral that slipped past validation degrades, never errors.
	if rc.OwnerDeviceID == purchaserDeviceID {
		return false, nil
	}

	conversionID := models.ConversionID(code, purchaserDeviceID)

	wonRace := false
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		// The concurrency gate: exactly one purchaser wins this UPDATE.
		res := tx.Model(&models.ReferralCode{}).
			Where("code = ? AND is_active = ? AND used_by IS NULL AND conversion_count < max_conversions", code, true).
			Updates(map[string]interface{}{
				"used_by":          purchaserDeviceID,
				"used_at":          now,
				"conversion_count": gorm.Expr("conversion_count + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		wonRace = res.RowsAffected > 0
		if !wonRace {
			// Lost the race or the code is stale. If this very purchaser
			// already holds the code, this is a re-delivered event — run the
			// remaining writes (all idempotent no-ops by now) and report the
			// conversion as processed, so the sequence converges.
			var current models.ReferralCode
			if err := tx.First(&current, "code = ?", code).Error; err != nil {
				return err
			}
			if current.UsedBy == nil || *current.UsedBy != purchaserDeviceID {
				return errCodeNotRedeemable
			}
		}

		conversion := models.Conversion{
			ID:                   conversionID,
			ReferralCode:         code,
			ReferrerDeviceID:     rc.OwnerDeviceID,
			PurchaserDeviceID:    purchaserDeviceID,
			PurchaserFingerprint: fingerprint,
			ConvertedAt:          now,
			DiscountPercentage:   ConversionDiscountPercentage,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&conversion).Error; err != nil {
			return err
		}

		grants := []models.DiscountGrant{
			{
				ID:                   models.DiscountGrantID(conversionID, models.RoleReferrer),
				DeviceID:             rc.OwnerDeviceID,
				DiscountType:         models.DiscountTypeReward,
				DiscountPercentage:   ConversionDiscountPercentage,
				ValidForPurchaseType: DefaultPurchaseType,
				ConversionID:         conversionID,
			},
			{
				ID:                   models.DiscountGrantID(conversionID, models.RoleReferee),
				DeviceID:             purchaserDeviceID,
				DiscountType:         models.DiscountTypeBonus,
				DiscountPercentage:   ConversionDiscountPercentage,
				ValidForPurchaseType: DefaultPurchaseType,
				ConversionID:         conversionID,
			},
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&grants).Error; err != nil {
			return err
		}

		// Atomic increment — no read-modify-write on the counter. Only the
		// race winner applies it; a re-delivered event already counted.
		if wonRace {
			res := tx.Model(&models.DeviceAccount{}).
				Where("device_id = ?", rc.OwnerDeviceID).
				Updates(map[string]interface{}{
					"referrals_used_count": gorm.Expr("referrals_used_count + 1"),
					"last_conversion_at":   now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// Referrer accounts normally exist (codes are minted on
				// purchase); cover imports and backfills anyway.
				referrer := models.DeviceAccount{
					DeviceID:           rc.OwnerDeviceID,
					ReferralLimit:      BaseReferralLimit,
					ReferralsUsedCount: 1,
					LastConversionAt:   &now,
				}
				if err := tx.Create(&referrer).Error; err != nil {
					return err
				}
			}
		}

		return nil
	})
	if errors.Is(err, errCodeNotRedeemable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

// errCodeNotRedeemable rolls back the transaction when the conditional write
// loses; it never reaches callers.
var errCodeNotRedeemable = errors.New("referral code not redeemable")

// --- Handlers ---

// RecordConversion is the purchase-event endpoint. referralProcessed reports
// whether a referral applied, for caller display only — the purchase itself is
// recorded regardless.
func (s *ConversionService) RecordConversion(c *fiber.Ctx) error {
	var req struct {
		ReferralCode      string `json:"referral_code"`
		PurchaserDeviceID string `json:"purchaser_device_id"`
		Fingerprint       string `json:"fingerprint"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "Invalid request body"})
	}
	if req.PurchaserDeviceID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "purchaser_device_id is required"})
	}

	processed, err := s.ProcessConversion(req.PurchaserDeviceID, req.Fingerprint, req.ReferralCode)
	if err != nil {
		log.Printf("DB Error recording conversion: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "Failed to record conversion"})
	}

	return c.JSON(fiber.Map{"success": true, "referral_processed": processed})
}

// ListConversions is the admin listing for operator visibility.
func (s *ConversionService) ListConversions(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var conversions []models.Conversion
	query := s.DB.Order("converted_at DESC").Limit(limit)
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "Invalid since parameter"})
		}
		query = query.Where("converted_at >= ?", t)
	}
	if err := query.Find(&conversions).Error; err != nil {
		log.Printf("DB Error listing conversions: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "Failed to list conversions"})
	}

	return c.JSON(fiber.Map{"success": true, "conversions": conversions})
}
