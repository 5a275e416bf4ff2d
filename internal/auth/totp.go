package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// CodeGenerator produces the current second-factor code.
type CodeGenerator interface {
	Code(now time.Time) (string, error)
}

// TOTP generates RFC 6238 codes: SHA1, six digits, 30 second step.
type TOTP struct {
	secret string
}

// NewTOTP validates secret by generating one code with it.
func NewTOTP(secret string) (*TOTP, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: totp secret is required")
	}
	g := &TOTP{secret: secret}
	if _, err := g.Code(time.Unix(0, 0)); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *TOTP) Code(now time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(g.secret, now, totpOpts)
	if err != nil {
		return "", fmt.Errorf("auth: generate totp: %w", err)
	}
	return code, nil
}

var _ CodeGenerator = (*TOTP)(nil)
