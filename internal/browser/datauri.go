package browser

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"renewer/internal/captcha"
)

// decodeDataURI parses data:[<mime>][;base64],<payload>.
func decodeDataURI(uri string) (captcha.ChallengeImage, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return captcha.ChallengeImage{}, errors.New("browser: not a data uri")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return captcha.ChallengeImage{}, errors.New("browser: data uri has no payload")
	}
	isBase64 := false
	mime := ""
	for i, field := range strings.Split(meta, ";") {
		switch {
		case i == 0:
			mime = strings.TrimSpace(field)
		case strings.EqualFold(field, "base64"):
			isBase64 = true
		}
	}
	if mime == "" {
		mime = "text/plain"
	}
	if !strings.HasPrefix(mime, "image/") {
		return captcha.ChallengeImage{}, fmt.Errorf("browser: data uri is %s, not an image", mime)
	}

	var data []byte
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
		if err != nil {
			return captcha.ChallengeImage{}, fmt.Errorf("browser: decode data uri: %w", err)
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return captcha.ChallengeImage{}, fmt.Errorf("browser: unescape data uri: %w", err)
		}
		data = []byte(unescaped)
	}
	if len(data) == 0 {
		return captcha.ChallengeImage{}, errors.New("browser: data uri is empty")
	}
	return captcha.ChallengeImage{Data: data, MIMEType: mime}, nil
}
