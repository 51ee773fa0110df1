package models

import "time"

// DeviceAccount is the per-device record keyed by the client-generated device ID.
// It stands in for a user account until LinkAccount attaches a real identity.
// Created on first code entry or first purchase, mutated by every operation that
// touches the device, never deleted.
type DeviceAccount struct {
	DeviceID            string     `gorm:"primaryKey" json:"device_id"`
	DeviceFingerprint   string     `gorm:"index" json:"device_fingerprint"`
	EnteredReferralCode *string    `gorm:"index" json:"entered_referral_code,omitempty"`
	EnteredAt           *time.Time `json:"entered_at,omitempty"`
	UserIdentifier      *string    `gorm:"index" json:"user_identifier,omitempty"`
	Email               *string    `json:"email,omitempty"`
	HasPurchasedApp     bool       `gorm:"default:false" json:"has_purchased_app"`
	PurchasedAt         *time.Time `json:"purchased_at,omitempty"`
	ReferralLimit       int        `gorm:"default:3" json:"referral_limit"`
	ReferralsUsedCount  int        `gorm:"default:0" json:"referrals_used_count"`
	LastConversionAt    *time.Time `json:"last_conversion_at,omitempty"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Owned referral codes live in referral_codes (owner_device_id) rather than as a
// serialized list on the account row.
