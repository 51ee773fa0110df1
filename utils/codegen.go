package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ReferralCodeLength is the fixed length of generated codes.
const ReferralCodeLength = 8

// GenerateReferralCode returns an 8-character uppercase alphanumeric code.
// Uniqueness is enforced by the primary key on insert, not here.
func GenerateReferralCode() (string, error) {
	buf := make([]byte, ReferralCodeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate referral code: %w", err)
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
