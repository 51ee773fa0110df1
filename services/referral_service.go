// services/referral_service.go
package services

import (
	"errors"
	"log"
	"strings"
	"time"

	"referral-reward-system/models"
	"referral-reward-system/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Domain rejection reasons. These exact strings are a caller-facing contract —
// the mobile client matches on them and they must never be retried.
const (
	ReasonCodeNotFound     = "Referral code not found"
	ReasonCodeInactive     = "Referral code is no longer active"
	ReasonCodeAlreadyUsed  = "Referral code has already been used"
	ReasonSelfReferral     = "You cannot use your own referral code"
	ReasonAlreadyPurchased = "Device has already purchased the app"
)

// Referral limit policy: base batch of 3 codes, larger for long-lived accounts.
const (
	BaseReferralLimit = 3
	codeGenAttempts   = 5
)

type ReferralService struct {
	DB *gorm.DB
}

func NewReferralService(db *gorm.DB) *ReferralService {
	return &ReferralService{DB: db}
}

// ReferralLimitFor computes how many codes a device may hold. The 90/180-day
// escalation stands in for the engagement-streak policy; account age is the
// only streak signal available.
func ReferralLimitFor(account *models.DeviceAccount) int {
	if account == nil || account.CreatedAt.IsZero() {
		return BaseReferralLimit
	}
	age := time.Since(account.CreatedAt)
	switch {
	case age >= 180*24*time.Hour:
		return BaseReferralLimit + 2
	case age >= 90*24*time.Hour:
		return BaseReferralLimit + 1
	default:
		return BaseReferralLimit
	}
}

// ValidateCode runs the four validation checks in order and reports the first
// failing one. An empty reason means the code is redeemable by this device.
// Read-only: never mutates the code.
func (s *ReferralService) ValidateCode(code, requestingDeviceID string) (*models.ReferralCode, string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))

	var rc models.ReferralCode
	if err := s.DB.First(&rc, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ReasonCodeNotFound, nil
		}
		return nil, "", err
	}

	if !rc.IsActive {
		return &rc, ReasonCodeInactive, nil
	}
	if rc.UsedBy != nil {
		return &rc, ReasonCodeAlreadyUsed, nil
	}
	if rc.OwnerDeviceID == requestingDeviceID {
		return &rc, ReasonSelfReferral, nil
	}

	var account models.DeviceAccount
	err := s.DB.First(&account, "device_id = ?", requestingDeviceID).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", err
	}
	if err == nil && account.HasPurchasedApp {
		return &rc, ReasonAlreadyPurchased, nil
	}

	return &rc, "", nil
}

// GenerateCodes creates count codes in Active state for the owner. Uniqueness
// comes from the primary key; a collision just means another draw.
func (s *ReferralService) GenerateCodes(ownerDeviceID string, ownerUserID *string, count int) ([]models.ReferralCode, error) {
	codes := make([]models.ReferralCode, 0, count)
	for i := 0; i < count; i++ {
		var created bool
		for attempt := 0; attempt < codeGenAttempts; attempt++ {
			code, err := utils.GenerateReferralCode()
			if err != nil {
				return codes, err
			}
			rc := models.ReferralCode{
				Code:           code,
				OwnerDeviceID:  ownerDeviceID,
				OwnerUserID:    ownerUserID,
				IsActive:       true,
				MaxConversions: 1,
			}
			res := s.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&rc)
			if res.Error != nil {
				return codes, res.Error
			}
			if res.RowsAffected > 0 {
				codes = append(codes, rc)
				created = true
				break
			}
			// collision with an existing code — draw again
		}
		if !created {
			log.Printf("⚠️ Failed to generate a unique referral code after %d attempts", codeGenAttempts)
		}
	}
	return codes, nil
}

// --- Handlers ---

// ValidateReferralCode is the read-only validation endpoint. Domain rejections
// come back as 200 + success:false so the client never retries them.
func (s *ReferralService) ValidateReferralCode(c *fiber.Ctx) error {
	var req struct {
		Code        string `json:"code"`
		DeviceID    string `json:"device_id"`
		Fingerprint string `json:"fingerprint"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "Invalid request body"})
	}
	if req.Code == "" || req.DeviceID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "code and device_id are required"})
	}

	rc, reason, err := s.ValidateCode(req.Code, req.DeviceID)
	if err != nil {
		log.Printf("DB Error validating referral code: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "Failed to validate referral code"})
	}
	if reason != "" {
		return c.JSON(fiber.Map{"success": false, "error": reason})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"referral_data": fiber.Map{
			"code":                rc.Code,
			"owner_device_id":     rc.OwnerDeviceID,
			"discount_percentage": ConversionDiscountPercentage,
		},
	})
}

// SyncReferralCode records the entered code on the device's account. The code
// itself is not mutated here — redemption happens only at conversion time,
// because intent may be declared long before the purchase completes.
func (s *ReferralService) SyncReferralCode(c *fiber.Ctx) error {
	var req struct {
		DeviceID       string  `json:"device_id"`
		Fingerprint    string  `json:"fingerprint"`
		Code           string  `json:"code"`
		UserIdentifier *string `json:"user_identifier"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "Invalid request body"})
	}
	if req.Code == "" || req.DeviceID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "code and device_id are required"})
	}

	_, reason, err := s.ValidateCode(req.Code, req.DeviceID)
	if err != nil {
		log.Printf("DB Error validating referral code for sync: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "Failed to sync referral code"})
	}
	if reason != "" {
		return c.JSON(fiber.Map{"success": false, "error": reason})
	}

	now := time.Now()
	code := strings.ToUpper(strings.TrimSpace(req.Code))

	// Upsert on first touch so two racing syncs for a new device can't
	// duplicate-key into a 500.
	fresh := models.DeviceAccount{
		DeviceID:            req.DeviceID,
		DeviceFingerprint:   req.Fingerprint,
		EnteredReferralCode: &code,
		EnteredAt:           &now,
		UserIdentifier:      req.UserIdentifier,
		ReferralLimit:       BaseReferralLimit,
	}
	res := s.DB.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh)
	if res.Error != nil {
		log.Printf("DB Error creating device account: %v", res.Error)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "Failed to sync referral code"})
	}
	if res.RowsAffected > 0 {
		return c.JSON(fiber.Map{"success": true})
	}

	var account models.DeviceAccount
	if err := s.DB.First(&account, "device_id = ?", req.DeviceID).Error; err != nil {
		log.Printf("DB Error fetching device account: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "Failed to sync referral code"})
	}

	account.EnteredReferralCode = &code
	account.EnteredAt = &now
	if req.Fingerprint != "" {
		account.DeviceFingerprint = req.Fingerprint
	}
	if req.UserIdentifier != nil {
		account.UserIdentifier = req.UserIdentifier
	}
	if err := s.DB.Save(&account).Error; err != nil {
		log.Printf("DB Error updating device account: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "Failed to sync referral code"})
	}

	return c.JSON(fiber.Map{"success": true})
}

// GetReferralStats returns the device's codes, limit, usage, and unredeemed
// discount count for client display.
func (s *ReferralService) GetReferralStats(c *fiber.Ctx) error {
	deviceID := c.Params("deviceId")
	if deviceID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "device_id is required"})
	}

	var account models.DeviceAccount
	err := s.DB.First(&account, "device_id = ?", deviceID).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		log.Printf("DB Error fetching device account: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "Failed to fetch referral stats"})
	}

	var codes []models.ReferralCode
	if err := s.DB.Where("owner_device_id = ?", deviceID).Order("created_at ASC").Find(&codes).Error; err != nil {
		log.Printf("DB Error fetching owned codes: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "Failed to fetch referral stats"})
	}

	var unredeemed int64
	if err := s.DB.Model(&models.DiscountGrant{}).
		Where("device_id = ? AND is_redeemed = ?", deviceID, false).
		Count(&unredeemed).Error; err != nil {
		log.Printf("DB Error counting unredeemed discounts: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "Failed to fetch referral stats"})
	}

	codeList := make([]fiber.Map, 0, len(codes))
	for _, rc := range codes {
		codeList = append(codeList, fiber.Map{
			"code":    rc.Code,
			"status":  rc.Status(),
			"used_by": rc.UsedBy,
			"used_at": rc.UsedAt,
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"stats": fiber.Map{
			"codes":     codeList,
			"limit":     ReferralLimitFor(&account),
			"used":      account.ReferralsUsedCount,
			"discounts": unredeemed,
		},
	})
}

// LinkAccount attaches a signed-up user identity to a device account and its codes.
func (s *ReferralService) LinkAccount(c *fiber.Ctx) error {
	var req struct {
		DeviceID string `json:"device_id"`
		UserID   string `json:"user_id"`
		Email    string `json:"email"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "Invalid request body"})
	}
	if req.DeviceID == "" || req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "device_id and user_id are required"})
	}

	var account models.DeviceAccount
	err := s.DB.First(&account, "device_id = ?", req.DeviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = models.DeviceAccount{
			DeviceID:      req.DeviceID,
			ReferralLimit: BaseReferralLimit,
		}
	} else if err != nil {
		log.Printf("DB Error fetching device account: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "Failed to link account"})
	}

	account.UserIdentifier = &req.UserID
	if req.Email != "" {
		account.Email = &req.Email
	}
	if err := s.DB.Save(&account).Error; err != nil {
		log.Printf("DB Error linking account: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "Failed to link account"})
	}

	if err := s.DB.Model(&models.ReferralCode{}).
		Where("owner_device_id = ?", req.DeviceID).
		Update("owner_user_id", req.UserID).Error; err != nil {
		log.Printf("DB Error updating code ownership: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "Failed to link account"})
	}

	return c.JSON(fiber.Map{"success": true})
}

// DeactivateCode is the administrative Active → Inactive transition. A used
// code stays used; deactivating it would be meaningless.
func (s *ReferralService) DeactivateCode(c *fiber.Ctx) error {
	code := strings.ToUpper(strings.TrimSpace(c.Params("code")))
	if code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "code is required"})
	}

	res := s.DB.Model(&models.ReferralCode{}).
		Where("code = ? AND is_active = ? AND used_by IS NULL", code, true).
		Update("is_active", false)
	if res.Error != nil {
		log.Printf("DB Error deactivating code %s: %v", code, res.Error)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "Failed to deactivate code"})
	}
	if res.RowsAffected == 0 {
		var rc models.ReferralCode
		err := s.DB.First(&rc, "code = ?", code).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.JSON(fiber.Map{"success": false, "error": ReasonCodeNotFound})
		}
		if err != nil {
			log.Printf("DB Error fetching code %s: %v", code, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "Failed to deactivate code"})
		}
		if rc.UsedBy != nil {
			return c.JSON(fiber.Map{"success": false, "error": ReasonCodeAlreadyUsed})
		}
		// already inactive — nothing to do
	}

	return c.JSON(fiber.Map{"success": true})
}
