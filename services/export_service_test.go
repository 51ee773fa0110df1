package services

import (
	"strings"
	"testing"
	"time"

	"referral-reward-system/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalConversionsCSV(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	conversions := []models.Conversion{
		{
			ID:                 "abc123",
			ReferralCode:       "AB12CD34",
			ReferrerDeviceID:   "D1",
			PurchaserDeviceID:  "D2",
			ConvertedAt:        at,
			DiscountPercentage: 0.5,
		},
	}

	data, err := marshalConversionsCSV(conversions)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "id,referral_code,referrer_device_id,purchaser_device_id,converted_at,discount_percentage", lines[0])
	assert.Equal(t, "abc123,AB12CD34,D1,D2,2024-06-01T12:00:00Z,0.5", lines[1])
}

// A row committed while an upload is in flight carries a converted_at later
// than every exported row but earlier than the wall clock at completion. The
// watermark must track the last exported row so that row is picked up by the
// next window instead of being skipped forever.
func TestExportWindowKeepsLateRows(t *testing.T) {
	db := setupTestDB(t)
	svc := NewExportService(db)

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	seed := func(id string, at time.Time) {
		require.NoError(t, db.Create(&models.Conversion{
			ID:                 id,
			ReferralCode:       "AB12CD34",
			ReferrerDeviceID:   "D1",
			PurchaserDeviceID:  "P-" + id,
			ConvertedAt:        at,
			DiscountPercentage: 0.5,
		}).Error)
	}
	seed("c1", base)
	seed("c2", base.Add(time.Minute))

	first, err := svc.conversionsSince(time.Time{})
	require.NoError(t, err)
	require.Len(t, first, 2)
	watermark := first[len(first)-1].ConvertedAt

	// Commits after the fetch but before the tick finished.
	seed("c3", base.Add(time.Minute+100*time.Millisecond))

	second, err := svc.conversionsSince(watermark)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "c3", second[0].ID)
}
