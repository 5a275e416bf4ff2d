package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"renewer/internal/notify"
)

// Discord rejects message content above this many characters.
const maxContentLength = 2000

// Webhook posts messages and attachments to one Discord webhook URL.
type Webhook struct {
	url        string
	httpClient *http.Client
}

func NewWebhook(url string, httpClient *http.Client) (*Webhook, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("discord: webhook url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Webhook{url: url, httpClient: httpClient}, nil
}

type messagePayload struct {
	Content string `json:"content"`
}

func (w *Webhook) SendMessage(ctx context.Context, text string) error {
	body, err := json.Marshal(messagePayload{Content: truncate(text)})
	if err != nil {
		return fmt.Errorf("discord: marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return w.do(req)
}

func (w *Webhook) SendFile(ctx context.Context, path, caption string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("discord: read attachment: %w", err)
	}

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	filename := filepath.Base(path)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentTypeFor(filename))
	part, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("discord: create file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("discord: write file part: %w", err)
	}
	if caption != "" {
		if err := mw.WriteField("content", truncate(caption)); err != nil {
			return fmt.Errorf("discord: write content field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("discord: close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, buf)
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return w.do(req)
}

func (w *Webhook) do(req *http.Request) error {
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discord: post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if len(data) > 0 {
			return fmt.Errorf("discord: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return fmt.Errorf("discord: status %d", resp.StatusCode)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func contentTypeFor(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".webm":
		return "video/webm"
	case ".zip":
		return "application/zip"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

func truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= maxContentLength {
		return text
	}
	return string(runes[:maxContentLength-1]) + "…"
}

var _ notify.Sink = (*Webhook)(nil)
