package domain

import "errors"

var (
	ErrConfig                 = errors.New("configuration error")
	ErrTwoFactorSecretMissing = errors.New("two-factor page reached without a TOTP secret")
	ErrNavigation             = errors.New("navigation failed")
	ErrCaptchaUnsolved        = errors.New("captcha unsolved")
	ErrUnrecognizedResult     = errors.New("unrecognized result page")
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrNoCookies              = errors.New("no saved cookies")
)
