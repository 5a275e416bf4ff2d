package auth

import (
	"testing"
	"time"
)

// RFC 6238 appendix B SHA1 vectors use the ASCII secret "12345678901234567890",
// base32 encoded below. Codes are the trailing six digits.
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

func TestTOTPMatchesRFCVectors(t *testing.T) {
	g, err := NewTOTP(rfcSecret)
	if err != nil {
		t.Fatalf("NewTOTP returned error: %v", err)
	}
	cases := []struct {
		unix int64
		want string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1234567890, "005924"},
		{2000000000, "279037"},
	}
	for _, tc := range cases {
		got, err := g.Code(time.Unix(tc.unix, 0).UTC())
		if err != nil {
			t.Fatalf("Code(%d) returned error: %v", tc.unix, err)
		}
		if got != tc.want {
			t.Fatalf("Code(%d) = %q, want %q", tc.unix, got, tc.want)
		}
	}
}

func TestTOTPAcceptsUnpaddedSecret(t *testing.T) {
	if _, err := NewTOTP("JBSWY3DPEHPK3PXP"); err != nil {
		t.Fatalf("NewTOTP returned error: %v", err)
	}
}

func TestNewTOTPRejectsInvalidSecret(t *testing.T) {
	for _, secret := range []string{"", "not-base32!"} {
		if _, err := NewTOTP(secret); err == nil {
			t.Fatalf("NewTOTP(%q) succeeded, want error", secret)
		}
	}
}
