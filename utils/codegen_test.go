package utils

import (
	"strings"
	"testing"
)

func TestGenerateReferralCode(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		code, err := GenerateReferralCode()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(code) != ReferralCodeLength {
			t.Fatalf("expected %d characters, got %q", ReferralCodeLength, code)
		}
		for _, r := range code {
			if !strings.ContainsRune(codeAlphabet, r) {
				t.Fatalf("unexpected character %q in code %q", r, code)
			}
		}
		seen[code] = true
	}
	// 100 draws from a 36^8 space colliding would mean a broken generator.
	if len(seen) < 99 {
		t.Fatalf("expected distinct codes, got %d unique of 100", len(seen))
	}
}
