package services

import (
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"referral-reward-system/models"
	"referral-reward-system/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateReferralCode(t *testing.T) {
	app, db := newTestApp(t)
	seedCode(t, db, "AB12CD34", "D1")

	t.Run("unknown code", func(t *testing.T) {
		status, body := doRequest(t, app, http.MethodPost, "/referral/validate", map[string]interface{}{
			"code": "ZZZZZZZZ", "device_id": "D2",
		})
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, ReasonCodeNotFound, body["error"])
	})

	t.Run("valid code for another device", func(t *testing.T) {
		status, body := doRequest(t, app, http.MethodPost, "/referral/validate", map[string]interface{}{
			"code": "AB12CD34", "device_id": "D2",
		})
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, true, body["success"])
		data := body["referral_data"].(map[string]interface{})
		assert.Equal(t, "AB12CD34", data["code"])
	})

	t.Run("lowercase input is normalized", func(t *testing.T) {
		status, body := doRequest(t, app, http.MethodPost, "/referral/validate", map[string]interface{}{
			"code": "ab12cd34", "device_id": "D2",
		})
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, true, body["success"])
	})

	t.Run("own code rejected", func(t *testing.T) {
		status, body := doRequest(t, app, http.MethodPost, "/referral/validate", map[string]interface{}{
			"code": "AB12CD34", "device_id": "D1",
		})
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, ReasonSelfReferral, body["error"])
	})

	t.Run("inactive code rejected", func(t *testing.T) {
		seedCode(t, db, "INACTIV1", "D1")
		require.NoError(t, db.Model(&models.ReferralCode{}).Where("code = ?", "INACTIV1").Update("is_active", false).Error)

		_, body := doRequest(t, app, http.MethodPost, "/referral/validate", map[string]interface{}{
			"code": "INACTIV1", "device_id": "D2",
		})
		assert.Equal(t, false, body["success"])
		assert.Equal(t, ReasonCodeInactive, body["error"])
	})

	t.Run("purchased device rejected regardless of code state", func(t *testing.T) {
		now := time.Now()
		require.NoError(t, db.Create(&models.DeviceAccount{
			DeviceID:        "D9",
			HasPurchasedApp: true,
			PurchasedAt:     &now,
		}).Error)

		_, body := doRequest(t, app, http.MethodPost, "/referral/validate", map[string]interface{}{
			"code": "AB12CD34", "device_id": "D9",
		})
		assert.Equal(t, false, body["success"])
		assert.Equal(t, ReasonAlreadyPurchased, body["error"])
	})

	t.Run("missing fields", func(t *testing.T) {
		status, _ := doRequest(t, app, http.MethodPost, "/referral/validate", map[string]interface{}{
			"device_id": "D2",
		})
		assert.Equal(t, http.StatusBadRequest, status)
	})
}

func TestSyncReferralCode(t *testing.T) {
	app, db := newTestApp(t)
	seedCode(t, db, "AB12CD34", "D1")

	status, body := doRequest(t, app, http.MethodPost, "/referral/sync", map[string]interface{}{
		"device_id": "D2", "fingerprint": "fp2", "code": "ab12cd34",
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["success"])

	var account models.DeviceAccount
	require.NoError(t, db.First(&account, "device_id = ?", "D2").Error)
	require.NotNil(t, account.EnteredReferralCode)
	assert.Equal(t, "AB12CD34", *account.EnteredReferralCode)
	assert.Equal(t, "fp2", account.DeviceFingerprint)
	assert.NotNil(t, account.EnteredAt)

	// The code itself must not be mutated — redemption happens at conversion.
	var rc models.ReferralCode
	require.NoError(t, db.First(&rc, "code = ?", "AB12CD34").Error)
	assert.Nil(t, rc.UsedBy)
	assert.True(t, rc.IsActive)

	t.Run("invalid code returned untouched", func(t *testing.T) {
		_, body := doRequest(t, app, http.MethodPost, "/referral/sync", map[string]interface{}{
			"device_id": "D3", "code": "NOPE0000",
		})
		assert.Equal(t, false, body["success"])
		assert.Equal(t, ReasonCodeNotFound, body["error"])

		var count int64
		require.NoError(t, db.Model(&models.DeviceAccount{}).Where("device_id = ?", "D3").Count(&count).Error)
		assert.Zero(t, count)
	})
}

// Racing syncs for a brand-new device must all succeed and leave one account.
func TestConcurrentSyncNewDevice(t *testing.T) {
	app, db := newTestApp(t)
	seedCode(t, db, "RACE0001", "D1")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, body := doRequest(t, app, http.MethodPost, "/referral/sync", map[string]interface{}{
				"device_id": "DNEW", "fingerprint": "fpn", "code": "RACE0001",
			})
			assert.Equal(t, http.StatusOK, status)
			assert.Equal(t, true, body["success"])
		}()
	}
	wg.Wait()

	var count int64
	require.NoError(t, db.Model(&models.DeviceAccount{}).Where("device_id = ?", "DNEW").Count(&count).Error)
	assert.EqualValues(t, 1, count)

	var account models.DeviceAccount
	require.NoError(t, db.First(&account, "device_id = ?", "DNEW").Error)
	require.NotNil(t, account.EnteredReferralCode)
	assert.Equal(t, "RACE0001", *account.EnteredReferralCode)
}

func TestGenerateCodes(t *testing.T) {
	db := setupTestDB(t)
	svc := NewReferralService(db)

	codes, err := svc.GenerateCodes("D1", nil, 3)
	require.NoError(t, err)
	require.Len(t, codes, 3)

	for _, rc := range codes {
		assert.Len(t, rc.Code, utils.ReferralCodeLength)
		assert.Equal(t, strings.ToUpper(rc.Code), rc.Code)
		assert.Equal(t, "D1", rc.OwnerDeviceID)
		assert.True(t, rc.IsActive)
		assert.Equal(t, 1, rc.MaxConversions)
		assert.Equal(t, models.CodeStatusActive, rc.Status())
	}

	var stored int64
	require.NoError(t, db.Model(&models.ReferralCode{}).Where("owner_device_id = ?", "D1").Count(&stored).Error)
	assert.EqualValues(t, 3, stored)
}

func TestReferralLimitFor(t *testing.T) {
	cases := []struct {
		age  time.Duration
		want int
	}{
		{0, 3},
		{30 * 24 * time.Hour, 3},
		{100 * 24 * time.Hour, 4},
		{200 * 24 * time.Hour, 5},
	}
	for _, tc := range cases {
		account := &models.DeviceAccount{CreatedAt: time.Now().Add(-tc.age)}
		assert.Equal(t, tc.want, ReferralLimitFor(account), "age %v", tc.age)
	}
	assert.Equal(t, BaseReferralLimit, ReferralLimitFor(nil))
}

func TestDeactivateCode(t *testing.T) {
	app, db := newTestApp(t)
	seedCode(t, db, "KILLME01", "D1")

	status, body := doRequest(t, app, http.MethodPost, "/referral/codes/KILLME01/deactivate", map[string]interface{}{})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["success"])

	var rc models.ReferralCode
	require.NoError(t, db.First(&rc, "code = ?", "KILLME01").Error)
	assert.False(t, rc.IsActive)
	assert.Equal(t, models.CodeStatusInactive, rc.Status())

	_, body = doRequest(t, app, http.MethodPost, "/referral/validate", map[string]interface{}{
		"code": "KILLME01", "device_id": "D2",
	})
	assert.Equal(t, false, body["success"])
	assert.Equal(t, ReasonCodeInactive, body["error"])

	// repeated deactivation is a no-op
	_, body = doRequest(t, app, http.MethodPost, "/referral/codes/KILLME01/deactivate", map[string]interface{}{})
	assert.Equal(t, true, body["success"])

	_, body = doRequest(t, app, http.MethodPost, "/referral/codes/NOPE0000/deactivate", map[string]interface{}{})
	assert.Equal(t, false, body["success"])
	assert.Equal(t, ReasonCodeNotFound, body["error"])

	used := "D9"
	require.NoError(t, db.Create(&models.ReferralCode{
		Code: "USEDUP01", OwnerDeviceID: "D1", IsActive: true, UsedBy: &used, MaxConversions: 1, ConversionCount: 1,
	}).Error)
	_, body = doRequest(t, app, http.MethodPost, "/referral/codes/USEDUP01/deactivate", map[string]interface{}{})
	assert.Equal(t, false, body["success"])
	assert.Equal(t, ReasonCodeAlreadyUsed, body["error"])
}

func TestLinkAccount(t *testing.T) {
	app, db := newTestApp(t)
	seedCode(t, db, "LINKED01", "D1")

	status, body := doRequest(t, app, http.MethodPost, "/referral/link", map[string]interface{}{
		"device_id": "D1", "user_id": "U1", "email": "u1@example.com",
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["success"])

	var account models.DeviceAccount
	require.NoError(t, db.First(&account, "device_id = ?", "D1").Error)
	require.NotNil(t, account.UserIdentifier)
	assert.Equal(t, "U1", *account.UserIdentifier)

	var rc models.ReferralCode
	require.NoError(t, db.First(&rc, "code = ?", "LINKED01").Error)
	require.NotNil(t, rc.OwnerUserID)
	assert.Equal(t, "U1", *rc.OwnerUserID)
}

func TestGetReferralStats(t *testing.T) {
	app, db := newTestApp(t)
	seedCode(t, db, "STATS001", "D1")
	seedCode(t, db, "STATS002", "D1")
	require.NoError(t, db.Create(&models.DeviceAccount{DeviceID: "D1", ReferralsUsedCount: 1}).Error)
	require.NoError(t, db.Create(&models.DiscountGrant{
		ID:           "conv:referrer",
		DeviceID:     "D1",
		DiscountType: models.DiscountTypeReward,
		ConversionID: "conv",
	}).Error)

	status, body := doRequest(t, app, http.MethodGet, "/referral/stats/D1", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["success"])

	stats := body["stats"].(map[string]interface{})
	assert.Len(t, stats["codes"].([]interface{}), 2)
	assert.EqualValues(t, 3, stats["limit"])
	assert.EqualValues(t, 1, stats["used"])
	assert.EqualValues(t, 1, stats["discounts"])
}
