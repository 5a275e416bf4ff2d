package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// LatestUserAgentURL publishes the current stable Chrome request headers.
const LatestUserAgentURL = "https://raw.githubusercontent.com/fa0311/latest-user-agent/main/header.json"

type headerSet struct {
	Chrome map[string]*string `json:"chrome"`
}

// FetchUserAgent returns the latest Chrome user agent string.
func FetchUserAgent(ctx context.Context, client *http.Client, endpoint string) (string, error) {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if endpoint == "" {
		endpoint = LatestUserAgentURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("browser: create user agent request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("browser: fetch user agent: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("browser: user agent status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var headers headerSet
	if err := json.NewDecoder(resp.Body).Decode(&headers); err != nil {
		return "", fmt.Errorf("browser: decode user agent headers: %w", err)
	}
	for key, value := range headers.Chrome {
		if strings.EqualFold(key, "user-agent") && value != nil && strings.TrimSpace(*value) != "" {
			return strings.TrimSpace(*value), nil
		}
	}
	return "", errors.New("browser: user agent missing from header set")
}
