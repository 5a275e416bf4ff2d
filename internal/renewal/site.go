package renewal

import (
	"net/url"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Site holds the panel URLs, selectors and result phrases. Selectors are
// CSS or XPath; the browser resolves either.
type Site struct {
	LoginURL  string
	IndexURL  string
	DetailURL string

	UsernameField string
	PasswordField string
	LoginScript   string

	// TwoFactorMarker is matched against the landing URL after login.
	TwoFactorMarker string
	TwoFactorField  string
	TwoFactorSubmit string

	RenewAction    string
	ContinueButton string
	CaptchaImage   string
	CaptchaField   string
	SubmitButton   string

	SuccessPhrase  string
	TooEarlyPhrase string
}

// DefaultSite targets the XServer VPS panel.
func DefaultSite() Site {
	return Site{
		LoginURL:  "https://secure.xserver.ne.jp/xapanel/login/xvps/",
		IndexURL:  "https://secure.xserver.ne.jp/xapanel/xvps/index",
		DetailURL: "https://secure.xserver.ne.jp/xapanel/xvps/server/detail?id=",

		UsernameField: "#memberid",
		PasswordField: "#user_password",
		LoginScript:   "loginFunc()",

		TwoFactorMarker: "twostep",
		TwoFactorField:  `input[name="auth_code"]`,
		TwoFactorSubmit: `//button[@type="submit"]`,

		RenewAction:    `//a[contains(., '更新する')]`,
		ContinueButton: `//button[contains(., '引き続き無料VPSの利用を継続する')]`,
		CaptchaImage:   `img[src^="data:"]`,
		CaptchaField:   `[placeholder="上の画像の数字を入力"]`,
		SubmitButton:   `//button[normalize-space(.)='無料VPSの利用を継続する']`,

		SuccessPhrase:  "利用期限の更新手続きが完了しました。",
		TooEarlyPhrase: "利用期限の1日前から更新手続きが可能です。",
	}
}

func (s Site) detailURL(vpsID string) string {
	return s.DetailURL + url.QueryEscape(vpsID)
}

func (s Site) isTwoFactor(landing string) bool {
	return s.TwoFactorMarker != "" && strings.Contains(landing, s.TwoFactorMarker)
}

func (s Site) isLoginPage(landing string) bool {
	return strings.HasPrefix(landing, s.LoginURL)
}

func (s Site) isIndex(landing string) bool {
	return strings.HasPrefix(landing, s.IndexURL)
}

// classify maps rendered result content to the terminal event. Both sides
// are NFC normalized so composed and decomposed kana compare equal.
func (s Site) classify(content string) (Event, bool) {
	text := norm.NFC.String(content)
	switch {
	case s.SuccessPhrase != "" && strings.Contains(text, norm.NFC.String(s.SuccessPhrase)):
		return EventRenewed, true
	case s.TooEarlyPhrase != "" && strings.Contains(text, norm.NFC.String(s.TooEarlyPhrase)):
		return EventTooEarly, true
	default:
		return "", false
	}
}
