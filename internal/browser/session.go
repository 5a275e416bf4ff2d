// Package browser drives the panel through a real Chrome instance.
package browser

import (
	"context"
	"time"

	"renewer/internal/captcha"
	"renewer/internal/infra"
	"renewer/internal/storage"
)

// Session is one browser tab. Implementations are not safe for concurrent
// use; the workflow drives a single session sequentially.
type Session interface {
	Navigate(ctx context.Context, url string) error
	Fill(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	Evaluate(ctx context.Context, expression string) error
	// WaitForNavigation blocks until the page has settled after an action.
	WaitForNavigation(ctx context.Context) error
	CurrentURL(ctx context.Context) (string, error)
	Content(ctx context.Context) (string, error)
	CaptureImage(ctx context.Context, selector string) (captcha.ChallengeImage, error)
	Cookies(ctx context.Context) ([]storage.Cookie, error)
	SetCookies(ctx context.Context, cookies []storage.Cookie) error
	StartRecording(ctx context.Context, path string) error
	// StopRecording finalizes the recording and returns its path.
	StopRecording(ctx context.Context) (string, error)
	Close() error
}

// Launcher starts sessions.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Session, error)
}

type LaunchOptions struct {
	Headless     bool
	UserAgent    string
	WindowWidth  int
	WindowHeight int
	// NavigationTimeout bounds every single browser action.
	NavigationTimeout time.Duration
	// SettleDelay is waited after an action before polling for readiness.
	SettleDelay time.Duration
	Logger      *infra.Logger
}

func (o LaunchOptions) withDefaults() LaunchOptions {
	if o.WindowWidth <= 0 {
		o.WindowWidth = 1280
	}
	if o.WindowHeight <= 0 {
		o.WindowHeight = 800
	}
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = 30 * time.Second
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = time.Second
	}
	if o.Logger == nil {
		o.Logger = infra.NopLogger()
	}
	return o
}
