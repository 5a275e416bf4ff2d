package discord

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSendMessagePostsJSONContent(t *testing.T) {
	var got messagePayload
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook, err := NewWebhook(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("NewWebhook returned error: %v", err)
	}
	if err := hook.SendMessage(context.Background(), "renewal complete"); err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if got.Content != "renewal complete" {
		t.Fatalf("content = %q", got.Content)
	}
	if contentType != "application/json" {
		t.Fatalf("content type = %q", contentType)
	}
}

func TestSendFilePostsMultipart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recording.webm")
	if err := os.WriteFile(path, []byte("video-bytes"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	var (
		filename, partType, fileBody, content string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			t.Errorf("parse content type: %v", err)
			return
		}
		mr := multipart.NewReader(r.Body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			data, _ := io.ReadAll(part)
			switch part.FormName() {
			case "file":
				filename = part.FileName()
				partType = part.Header.Get("Content-Type")
				fileBody = string(data)
			case "content":
				content = string(data)
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook, _ := NewWebhook(srv.URL, srv.Client())
	if err := hook.SendFile(context.Background(), path, "session recording"); err != nil {
		t.Fatalf("SendFile returned error: %v", err)
	}
	if filename != "recording.webm" || partType != "video/webm" || fileBody != "video-bytes" {
		t.Fatalf("file part = %q %q %q", filename, partType, fileBody)
	}
	if content != "session recording" {
		t.Fatalf("content = %q", content)
	}
}

func TestSendMessageReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "Unknown Webhook"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	hook, _ := NewWebhook(srv.URL, srv.Client())
	err := hook.SendMessage(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Fatalf("error = %v, want status 404", err)
	}
}

func TestSendFileMissingPath(t *testing.T) {
	hook, _ := NewWebhook("http://127.0.0.1:0", nil)
	if err := hook.SendFile(context.Background(), filepath.Join(t.TempDir(), "none.zip"), ""); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestContentTypeFor(t *testing.T) {
	cases := map[string]string{
		"a.webm": "video/webm",
		"a.zip":  "application/zip",
		"a.png":  "image/png",
		"a.bin":  "application/octet-stream",
	}
	for name, want := range cases {
		if got := contentTypeFor(name); got != want {
			t.Fatalf("contentTypeFor(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestTruncateLongContent(t *testing.T) {
	long := strings.Repeat("あ", maxContentLength+10)
	if got := []rune(truncate(long)); len(got) != maxContentLength {
		t.Fatalf("truncated length = %d, want %d", len(got), maxContentLength)
	}
}
