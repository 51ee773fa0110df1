package models

import "time"

// CodeStatus is derived from IsActive + UsedBy; stored fields stay primitive so
// conditional UPDATEs can target them directly.
type CodeStatus string

const (
	CodeStatusActive   CodeStatus = "active"
	CodeStatusUsed     CodeStatus = "used"
	CodeStatusInactive CodeStatus = "inactive"
)

// ReferralCode is a single-use token owned by a device. A code with UsedBy set
// must never be redeemable again; ConversionCount never exceeds MaxConversions.
// Codes are never deleted — administrative removal is IsActive=false.
type ReferralCode struct {
	Code            string     `gorm:"primaryKey;size:8" json:"code"`
	OwnerDeviceID   string     `gorm:"index;not null" json:"owner_device_id"`
	OwnerUserID     *string    `gorm:"index" json:"owner_user_id,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	IsActive        bool       `gorm:"default:true" json:"is_active"`
	UsedBy          *string    `gorm:"index" json:"used_by,omitempty"`
	UsedAt          *time.Time `json:"used_at,omitempty"`
	ConversionCount int        `gorm:"default:0" json:"conversion_count"`
	MaxConversions  int        `gorm:"default:1" json:"max_conversions"`
}

// Status reports the state-machine position of the code.
func (c *ReferralCode) Status() CodeStatus {
	if c.UsedBy != nil {
		return CodeStatusUsed
	}
	if !c.IsActive {
		return CodeStatusInactive
	}
	return CodeStatusActive
}
