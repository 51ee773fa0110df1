package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"referral-reward-system/models"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err, "failed to open sqlite")

	// Serialize access so racing handlers contend on the conditional writes,
	// not on sqlite's single-writer lock.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.ReferralCode{},
		&models.DeviceAccount{},
		&models.Conversion{},
		&models.DiscountGrant{},
	), "failed to migrate")
	return db
}

// newTestApp wires the handler routes the way handlers.SetupReferralRoutes
// does, without the gateway middleware.
func newTestApp(t *testing.T) (*fiber.App, *gorm.DB) {
	t.Helper()
	db := setupTestDB(t)

	referralService := NewReferralService(db)
	conversionService := NewConversionService(db, referralService)
	discountService := NewDiscountService(db)

	app := fiber.New()
	app.Post("/referral/validate", referralService.ValidateReferralCode)
	app.Post("/referral/sync", referralService.SyncReferralCode)
	app.Post("/referral/convert", conversionService.RecordConversion)
	app.Get("/referral/stats/:deviceId", referralService.GetReferralStats)
	app.Get("/referral/discounts/:deviceId", discountService.GetDiscounts)
	app.Post("/referral/discounts/redeem", discountService.RedeemDiscount)
	app.Post("/referral/link", referralService.LinkAccount)
	app.Post("/referral/codes/:code/deactivate", referralService.DeactivateCode)
	app.Get("/referral/conversions", conversionService.ListConversions)

	return app, db
}

func doRequest(t *testing.T, app *fiber.App, method, path string, payload interface{}) (int, map[string]interface{}) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var parsed map[string]interface{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &parsed))
	}
	return resp.StatusCode, parsed
}

func seedCode(t *testing.T, db *gorm.DB, code, ownerDeviceID string) models.ReferralCode {
	t.Helper()
	rc := models.ReferralCode{
		Code:           code,
		OwnerDeviceID:  ownerDeviceID,
		IsActive:       true,
		MaxConversions: 1,
	}
	require.NoError(t, db.Create(&rc).Error)
	return rc
}
