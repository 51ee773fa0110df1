package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Conversion records one successful redemption of a referral code during a
// purchase. The ID is derived from code + purchaser device (never wall-clock
// time) so that re-delivery of the same purchase event writes the same row —
// the insert uses ON CONFLICT DO NOTHING and converges instead of duplicating.
type Conversion struct {
	ID                   string    `gorm:"primaryKey;size:32" json:"id"`
	ReferralCode         string    `gorm:"index;not null" json:"referral_code"`
	ReferrerDeviceID     string    `gorm:"index;not null" json:"referrer_device_id"`
	PurchaserDeviceID    string    `gorm:"index;not null" json:"purchaser_device_id"`
	PurchaserFingerprint string    `json:"purchaser_fingerprint"`
	ConvertedAt          time.Time `json:"converted_at"`
	DiscountPercentage   float64   `json:"discount_percentage"`
}

// ConversionID is the deterministic idempotency key for a (code, purchaser) pair.
func ConversionID(code, purchaserDeviceID string) string {
	sum := sha256.Sum256([]byte(code + "|" + purchaserDeviceID))
	return hex.EncodeToString(sum[:])[:32]
}
