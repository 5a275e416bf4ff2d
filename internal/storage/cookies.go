package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"renewer/internal/domain"
)

// Cookie is the persisted shape of one browser cookie.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
	Secure bool   `json:"secure"`
}

// CookieJar reads and writes the authenticated session artifact.
type CookieJar struct {
	path string
}

func NewCookieJar(path string) *CookieJar {
	return &CookieJar{path: strings.TrimSpace(path)}
}

func (j *CookieJar) Path() string {
	return j.path
}

// Save writes cookies as an indented JSON array, replacing the file
// atomically.
func (j *CookieJar) Save(ctx context.Context, cookies []Cookie) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.path == "" {
		return errors.New("storage: cookie path is required")
	}
	if cookies == nil {
		cookies = []Cookie{}
	}
	data, err := json.MarshalIndent(cookies, "", "    ")
	if err != nil {
		return fmt.Errorf("storage: encode cookies: %w", err)
	}
	dir := filepath.Dir(j.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: ensure cookie directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".cookies-*.json")
	if err != nil {
		return fmt.Errorf("storage: create temp cookie file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("storage: write cookies: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storage: close cookies: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storage: chmod cookies: %w", err)
	}
	if err := os.Rename(tmpName, j.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storage: replace cookies: %w", err)
	}
	return nil
}

// Load returns the cookies in file order. A missing file yields
// domain.ErrNoCookies.
func (j *CookieJar) Load(ctx context.Context) ([]Cookie, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(j.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.ErrNoCookies
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read cookies: %w", err)
	}
	var cookies []Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		return nil, fmt.Errorf("storage: decode cookies: %w", err)
	}
	if len(cookies) == 0 {
		return nil, domain.ErrNoCookies
	}
	return cookies, nil
}
