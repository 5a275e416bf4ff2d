package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"renewer/internal/captcha"
	"renewer/internal/domain"
	"renewer/internal/infra"
	"renewer/internal/storage"
)

// ChromeLauncher starts a local Chrome through chromedp.
type ChromeLauncher struct {
	// ExecPath overrides the Chrome binary lookup when set.
	ExecPath string
}

func (l ChromeLauncher) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	opts = opts.withDefaults()

	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("lang", "ja-JP"),
		chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if l.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(l.ExecPath))
	}

	// The browser outlives caller cancellation so cleanup can still stop the
	// recording; Close tears it down.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	logger := opts.Logger
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			logger.Debug().Msgf("browser: "+format, args...)
		}),
	)

	startCtx, cancelStart := context.WithTimeout(browserCtx, opts.NavigationTimeout)
	defer cancelStart()
	if err := chromedp.Run(startCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, navigationError("launch chrome", err)
	}

	s := &chromeSession{
		ctx:         browserCtx,
		cancel:      func() { cancelBrowser(); cancelAlloc() },
		timeout:     opts.NavigationTimeout,
		settleDelay: opts.SettleDelay,
		logger:      logger,
		recorder:    newFrameRecorder(),
	}
	chromedp.ListenTarget(browserCtx, s.onEvent)
	return s, nil
}

type chromeSession struct {
	ctx         context.Context
	cancel      context.CancelFunc
	timeout     time.Duration
	settleDelay time.Duration
	logger      *infra.Logger
	recorder    *frameRecorder
}

// run executes actions on the tab, bounded by the navigation timeout and by
// the caller's ctx.
func (s *chromeSession) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		return navigationError(op, err)
	}
	return nil
}

// navigationError wraps both ErrNavigation and the cause.
func navigationError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrNavigation, op, err)
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, "navigate "+url, chromedp.Navigate(url))
}

func (s *chromeSession) Fill(ctx context.Context, selector, text string) error {
	return s.run(ctx, "fill "+selector,
		chromedp.WaitVisible(selector, chromedp.BySearch),
		chromedp.SetValue(selector, "", chromedp.BySearch),
		chromedp.SendKeys(selector, text, chromedp.BySearch),
	)
}

func (s *chromeSession) Click(ctx context.Context, selector string) error {
	return s.run(ctx, "click "+selector,
		chromedp.WaitVisible(selector, chromedp.BySearch),
		chromedp.Click(selector, chromedp.BySearch),
	)
}

func (s *chromeSession) Evaluate(ctx context.Context, expression string) error {
	return s.run(ctx, "evaluate", chromedp.Evaluate(expression, nil))
}

func (s *chromeSession) WaitForNavigation(ctx context.Context) error {
	var ready bool
	return s.run(ctx, "wait for navigation",
		chromedp.Sleep(s.settleDelay),
		chromedp.Poll(`document.readyState === "complete"`, &ready,
			chromedp.WithPollingInterval(250*time.Millisecond),
		),
	)
}

func (s *chromeSession) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := s.run(ctx, "read location", chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

// Content returns the outer HTML of the document.
func (s *chromeSession) Content(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, "read content", chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// CaptureImage prefers the inline data URI the panel serves; other sources
// fall back to an element screenshot.
func (s *chromeSession) CaptureImage(ctx context.Context, selector string) (captcha.ChallengeImage, error) {
	var (
		src string
		ok  bool
	)
	if err := s.run(ctx, "read image "+selector,
		chromedp.WaitVisible(selector, chromedp.BySearch),
		chromedp.AttributeValue(selector, "src", &src, &ok, chromedp.BySearch),
	); err != nil {
		return captcha.ChallengeImage{}, err
	}
	if ok && strings.HasPrefix(src, "data:") {
		img, err := decodeDataURI(src)
		if err == nil {
			return img, nil
		}
		s.logger.Warn().Err(err).Msg("browser: captcha data uri unreadable, taking screenshot")
	}

	var shot []byte
	if err := s.run(ctx, "screenshot "+selector, chromedp.Screenshot(selector, &shot, chromedp.BySearch)); err != nil {
		return captcha.ChallengeImage{}, err
	}
	return captcha.ChallengeImage{Data: shot, MIMEType: "image/png"}, nil
}

func (s *chromeSession) Cookies(ctx context.Context) ([]storage.Cookie, error) {
	var raw []*network.Cookie
	err := s.run(ctx, "read cookies", chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	cookies := make([]storage.Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, storage.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
			Secure: c.Secure,
		})
	}
	return cookies, nil
}

func (s *chromeSession) SetCookies(ctx context.Context, cookies []storage.Cookie) error {
	return s.run(ctx, "set cookies", chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			p := network.SetCookie(c.Name, c.Value).WithSecure(c.Secure)
			if c.Domain != "" {
				p = p.WithDomain(c.Domain)
			}
			if c.Path != "" {
				p = p.WithPath(c.Path)
			}
			if err := p.Do(ctx); err != nil {
				return fmt.Errorf("cookie %s: %w", c.Name, err)
			}
		}
		return nil
	}))
}

func (s *chromeSession) StartRecording(ctx context.Context, path string) error {
	if err := s.recorder.start(path); err != nil {
		return err
	}
	err := s.run(ctx, "start screencast", chromedp.ActionFunc(func(ctx context.Context) error {
		return page.StartScreencast().
			WithFormat(page.ScreencastFormatJpeg).
			WithQuality(60).
			WithEveryNthFrame(2).
			Do(ctx)
	}))
	if err != nil {
		s.recorder.abort()
		return err
	}
	return nil
}

func (s *chromeSession) StopRecording(ctx context.Context) (string, error) {
	if !s.recorder.active() {
		return "", errors.New("browser: no active recording")
	}
	if err := s.run(ctx, "stop screencast", chromedp.ActionFunc(func(ctx context.Context) error {
		return page.StopScreencast().Do(ctx)
	})); err != nil {
		s.logger.Warn().Err(err).Msg("browser: stop screencast failed, keeping captured frames")
	}
	return s.recorder.finish()
}

func (s *chromeSession) Close() error {
	err := chromedp.Cancel(s.ctx)
	s.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("browser: close: %w", err)
	}
	return nil
}

// onEvent runs on the chromedp event loop and must not block.
func (s *chromeSession) onEvent(ev any) {
	frame, ok := ev.(*page.EventScreencastFrame)
	if !ok {
		return
	}
	s.recorder.add(frame.Data, time.Now())
	go func(sessionID int64) {
		ackCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		defer cancel()
		_ = chromedp.Run(ackCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			return page.ScreencastFrameAck(sessionID).Do(ctx)
		}))
	}(frame.SessionID)
}

var _ Launcher = ChromeLauncher{}
var _ Session = (*chromeSession)(nil)
