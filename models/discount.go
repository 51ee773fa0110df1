package models

import "time"

// DiscountType distinguishes the referrer's earned reward from the referee's
// welcome bonus. Both carry the same percentage.
type DiscountType string

const (
	DiscountTypeReward DiscountType = "REWARD" // referrer
	DiscountTypeBonus  DiscountType = "BONUS"  // referee
)

// DiscountRole names the grant's position within a conversion and forms the ID
// suffix, so the pair of inserts per conversion is idempotent.
type DiscountRole string

const (
	RoleReferrer DiscountRole = "referrer"
	RoleReferee  DiscountRole = "referee"
)

// DiscountGrant entitles one device to a percentage off a future purchase.
// IsRedeemed transitions false→true at most once, and only via a conditional
// UPDATE that rejects an already-consumed grant.
type DiscountGrant struct {
	ID                   string       `gorm:"primaryKey" json:"id"` // conversionID:role
	DeviceID             string       `gorm:"index;not null" json:"device_id"`
	DiscountType         DiscountType `gorm:"not null" json:"discount_type"`
	DiscountPercentage   float64      `json:"discount_percentage"`
	ValidForPurchaseType string       `json:"valid_for_purchase_type"`
	CreatedAt            time.Time    `gorm:"autoCreateTime" json:"created_at"`
	IsRedeemed           bool         `gorm:"default:false;index" json:"is_redeemed"`
	RedeemedAt           *time.Time   `json:"redeemed_at,omitempty"`
	RedeemedForUserID    *string      `json:"redeemed_for_user_id,omitempty"`
	ConversionID         string       `gorm:"index;not null" json:"conversion_id"`
}

// DiscountGrantID builds the deterministic grant key for a conversion role.
func DiscountGrantID(conversionID string, role DiscountRole) string {
	return conversionID + ":" + string(role)
}
