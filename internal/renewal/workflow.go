package renewal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"renewer/internal/auth"
	"renewer/internal/browser"
	"renewer/internal/captcha"
	"renewer/internal/domain"
	"renewer/internal/infra"
	"renewer/internal/storage"
)

var tracer = otel.Tracer("renewer/renewal")

const (
	defaultFlushTimeout = 30 * time.Second
	recordingName       = "session-recording.zip"
)

// Solver turns a challenge image into a code.
type Solver interface {
	Solve(ctx context.Context, img captcha.ChallengeImage) captcha.Outcome
	Strategy() captcha.Strategy
}

// Notifier receives the attempt report, the recording, and a flush request
// during cleanup. Implementations swallow delivery errors.
type Notifier interface {
	Message(ctx context.Context, text string)
	File(ctx context.Context, path, caption string)
	Flush(ctx context.Context)
}

// Capabilities are resolved once per workflow and never change during an
// attempt.
type Capabilities struct {
	Has2FA      bool
	HasRecorder bool
	Strategy    captcha.Strategy
}

type Options struct {
	Launcher browser.Launcher
	Launch   browser.LaunchOptions
	Solver   Solver
	Notifier Notifier
	// TOTP is nil when no second-factor secret is configured.
	TOTP        auth.CodeGenerator
	Cookies     *storage.CookieJar
	Restore     bool
	Site        Site
	Credentials infra.Credentials
	VPSID       string
	// RecordingDir enables session recording when set.
	RecordingDir string
	FlushTimeout time.Duration
	// AttemptID defaults to a random UUID per attempt.
	AttemptID string
	Now       func() time.Time
	Logger    *infra.Logger
}

type Workflow struct {
	opts Options
	caps Capabilities
}

// Transition is one entry of the attempt history.
type Transition struct {
	From  State
	Event Event
	To    State
	At    time.Time
}

// Result is the single terminal report of an attempt.
type Result struct {
	AttemptID     string
	State         State
	Reason        string
	Outcome       captcha.Outcome
	RecordingPath string
	History       []Transition
	StartedAt     time.Time
	FinishedAt    time.Time
}

func New(opts Options) (*Workflow, error) {
	if opts.Launcher == nil {
		return nil, fmt.Errorf("%w: renewal: browser launcher is required", domain.ErrConfig)
	}
	if opts.Site.LoginURL == "" {
		opts.Site = DefaultSite()
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = defaultFlushTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = infra.NopLogger()
	}
	if opts.Launch.Logger == nil {
		opts.Launch.Logger = opts.Logger
	}

	caps := Capabilities{
		Has2FA:      opts.TOTP != nil,
		HasRecorder: opts.RecordingDir != "",
	}
	if opts.Solver != nil {
		caps.Strategy = opts.Solver.Strategy()
	}
	return &Workflow{opts: opts, caps: caps}, nil
}

func (w *Workflow) Capabilities() Capabilities {
	return w.caps
}

// Run performs one renewal attempt. A TooEarly result is not an error; a
// Failed result always returns the error that ended the attempt.
func (w *Workflow) Run(ctx context.Context) (res Result, err error) {
	if w.opts.Solver == nil {
		return Result{State: StateFailed}, fmt.Errorf("%w: renewal: captcha solver is required", domain.ErrConfig)
	}
	if w.opts.VPSID == "" {
		return Result{State: StateFailed}, fmt.Errorf("%w: renewal: vps id is required", domain.ErrConfig)
	}

	a := w.newAttempt()
	ctx, span := tracer.Start(ctx, "renewal.attempt", trace.WithAttributes(
		attribute.String("renewal.attempt_id", a.id),
		attribute.Bool("renewal.has_2fa", w.caps.Has2FA),
		attribute.Bool("renewal.has_recorder", w.caps.HasRecorder),
		attribute.String("renewal.strategy", string(w.caps.Strategy)),
	))
	defer span.End()

	defer func() {
		p := recover()
		if p != nil {
			err = fmt.Errorf("renewal: panic: %v", p)
		}
		res, err = a.close(ctx, err, true)
		endSpan(span, res, err)
		if p != nil {
			panic(p)
		}
	}()

	restored, err := a.open(ctx)
	if err != nil {
		return res, err
	}
	if !restored {
		if err := a.login(ctx, false); err != nil {
			return res, err
		}
	}
	return res, a.renew(ctx)
}

// Login authenticates and saves the session cookies without renewing.
func (w *Workflow) Login(ctx context.Context) (res Result, err error) {
	if w.opts.Cookies == nil {
		return Result{State: StateFailed}, fmt.Errorf("%w: renewal: cookie jar is required", domain.ErrConfig)
	}
	a := w.newAttempt()
	ctx, span := tracer.Start(ctx, "renewal.login", trace.WithAttributes(
		attribute.String("renewal.attempt_id", a.id),
	))
	defer span.End()

	defer func() {
		p := recover()
		if p != nil {
			err = fmt.Errorf("renewal: panic: %v", p)
		}
		res, err = a.close(ctx, err, false)
		endSpan(span, res, err)
		if p != nil {
			panic(p)
		}
	}()

	if _, err := a.launch(ctx); err != nil {
		return res, err
	}
	return res, a.login(ctx, true)
}

func endSpan(span trace.Span, res Result, err error) {
	span.SetAttributes(attribute.String("renewal.state", string(res.State)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, string(res.State))
}

type attempt struct {
	w         *Workflow
	id        string
	logger    infra.Logger
	state     State
	history   []Transition
	session   browser.Session
	recording bool
	outcome   captcha.Outcome
	started   time.Time
}

func (w *Workflow) newAttempt() *attempt {
	id := w.opts.AttemptID
	if id == "" {
		id = uuid.NewString()
	}
	return &attempt{
		w:       w,
		id:      id,
		logger:  w.opts.Logger.With().Str("attempt_id", id).Logger(),
		state:   StateUnauthenticated,
		started: w.opts.Now(),
	}
}

func (a *attempt) fire(e Event) error {
	next, err := Next(a.state, e)
	if err != nil {
		return err
	}
	a.history = append(a.history, Transition{From: a.state, Event: e, To: next, At: a.w.opts.Now()})
	a.logger.Info().
		Str("from", string(a.state)).
		Str("event", string(e)).
		Str("to", string(next)).
		Msg("renewal: transition")
	a.state = next
	return nil
}

// step runs fn inside a child span.
func (a *attempt) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "renewal."+name)
	defer span.End()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (a *attempt) settle(ctx context.Context, actions ...func(context.Context) error) error {
	for _, act := range actions {
		if err := act(ctx); err != nil {
			return err
		}
		if err := a.session.WaitForNavigation(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *attempt) launch(ctx context.Context) (browser.Session, error) {
	err := a.step(ctx, "launch", func(ctx context.Context) error {
		session, err := a.w.opts.Launcher.Launch(ctx, a.w.opts.Launch)
		if err != nil {
			return err
		}
		a.session = session
		return nil
	})
	return a.session, err
}

// open launches the browser, starts the recording and tries to restore a
// saved session. It reports whether the panel index was reached.
func (a *attempt) open(ctx context.Context) (bool, error) {
	if _, err := a.launch(ctx); err != nil {
		return false, err
	}
	if a.w.caps.HasRecorder {
		path := filepath.Join(a.w.opts.RecordingDir, a.id, recordingName)
		if err := a.session.StartRecording(ctx, path); err != nil {
			a.logger.Warn().Err(err).Msg("renewal: recording unavailable, continuing without it")
		} else {
			a.recording = true
		}
	}
	if !a.w.opts.Restore || a.w.opts.Cookies == nil {
		return false, nil
	}

	restored := false
	err := a.step(ctx, "restore", func(ctx context.Context) error {
		cookies, err := a.w.opts.Cookies.Load(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrNoCookies) {
				a.logger.Info().Str("path", a.w.opts.Cookies.Path()).Msg("renewal: no saved session")
				return nil
			}
			a.logger.Warn().Err(err).Msg("renewal: saved session unreadable, logging in")
			return nil
		}
		if err := a.session.SetCookies(ctx, cookies); err != nil {
			return err
		}
		if err := a.settle(ctx, func(ctx context.Context) error {
			return a.session.Navigate(ctx, a.w.opts.Site.IndexURL)
		}); err != nil {
			return err
		}
		landing, err := a.session.CurrentURL(ctx)
		if err != nil {
			return err
		}
		if !a.w.opts.Site.isIndex(landing) {
			a.logger.Info().Str("url", landing).Msg("renewal: saved session expired, logging in")
			return nil
		}
		restored = true
		return a.fire(EventSessionRestored)
	})
	return restored, err
}

// login submits the credentials and, when the panel asks for it, the
// second-factor code. Cookie save errors are fatal only when strict.
func (a *attempt) login(ctx context.Context, strict bool) error {
	site := a.w.opts.Site
	creds := a.w.opts.Credentials
	err := a.step(ctx, "login", func(ctx context.Context) error {
		if err := a.fire(EventStartLogin); err != nil {
			return err
		}
		if err := a.settle(ctx, func(ctx context.Context) error {
			return a.session.Navigate(ctx, site.LoginURL)
		}); err != nil {
			return err
		}
		if err := a.session.Fill(ctx, site.UsernameField, creds.Username); err != nil {
			return err
		}
		if err := a.session.Fill(ctx, site.PasswordField, creds.Password); err != nil {
			return err
		}
		if err := a.settle(ctx, func(ctx context.Context) error {
			return a.session.Evaluate(ctx, site.LoginScript)
		}); err != nil {
			return err
		}
		landing, err := a.session.CurrentURL(ctx)
		if err != nil {
			return err
		}
		switch {
		case site.isTwoFactor(landing):
			if err := a.fire(EventTwoFactorRequired); err != nil {
				return err
			}
			return a.twoFactor(ctx)
		case site.isLoginPage(landing):
			return fmt.Errorf("%w: login rejected, still at %s", domain.ErrNavigation, landing)
		default:
			return a.fire(EventLoggedIn)
		}
	})
	if err != nil {
		return err
	}

	if err := a.saveCookies(ctx); err != nil {
		if strict {
			return err
		}
		a.logger.Warn().Err(err).Msg("renewal: save session cookies failed")
	}
	return nil
}

func (a *attempt) twoFactor(ctx context.Context) error {
	if !a.w.caps.Has2FA {
		return fmt.Errorf("%w: %w", domain.ErrConfig, domain.ErrTwoFactorSecretMissing)
	}
	site := a.w.opts.Site
	return a.step(ctx, "two_factor", func(ctx context.Context) error {
		code, err := a.w.opts.TOTP.Code(a.w.opts.Now())
		if err != nil {
			return fmt.Errorf("renewal: generate totp: %w", err)
		}
		if err := a.session.Fill(ctx, site.TwoFactorField, code); err != nil {
			return err
		}
		if err := a.settle(ctx, func(ctx context.Context) error {
			return a.session.Click(ctx, site.TwoFactorSubmit)
		}); err != nil {
			return err
		}
		landing, err := a.session.CurrentURL(ctx)
		if err != nil {
			return err
		}
		if site.isTwoFactor(landing) || site.isLoginPage(landing) {
			return fmt.Errorf("%w: second factor rejected, still at %s", domain.ErrNavigation, landing)
		}
		return a.fire(EventLoggedIn)
	})
}

func (a *attempt) saveCookies(ctx context.Context) error {
	jar := a.w.opts.Cookies
	if jar == nil {
		return nil
	}
	cookies, err := a.session.Cookies(ctx)
	if err != nil {
		return err
	}
	if err := jar.Save(ctx, cookies); err != nil {
		return err
	}
	a.logger.Info().Int("cookies", len(cookies)).Str("path", jar.Path()).Msg("renewal: session cookies saved")
	return nil
}

func (a *attempt) renew(ctx context.Context) error {
	site := a.w.opts.Site
	var challenge captcha.ChallengeImage
	err := a.step(ctx, "navigate", func(ctx context.Context) error {
		if err := a.fire(EventNavigate); err != nil {
			return err
		}
		if err := a.settle(ctx,
			func(ctx context.Context) error { return a.session.Navigate(ctx, site.detailURL(a.w.opts.VPSID)) },
			func(ctx context.Context) error { return a.session.Click(ctx, site.RenewAction) },
			func(ctx context.Context) error { return a.session.Click(ctx, site.ContinueButton) },
		); err != nil {
			return err
		}
		img, err := a.session.CaptureImage(ctx, site.CaptchaImage)
		if err != nil {
			return err
		}
		challenge = img
		return a.fire(EventChallengeShown)
	})
	if err != nil {
		return err
	}

	err = a.step(ctx, "captcha", func(ctx context.Context) error {
		a.outcome = a.w.opts.Solver.Solve(ctx, challenge)
		if !a.outcome.Solved() {
			return fmt.Errorf("%w: %s", domain.ErrCaptchaUnsolved, a.outcome.Reason)
		}
		if err := a.session.Fill(ctx, site.CaptchaField, a.outcome.Code); err != nil {
			return err
		}
		if err := a.session.Click(ctx, site.SubmitButton); err != nil {
			return err
		}
		return a.fire(EventCodeSubmitted)
	})
	if err != nil {
		return err
	}

	return a.step(ctx, "result", func(ctx context.Context) error {
		if err := a.session.WaitForNavigation(ctx); err != nil {
			return err
		}
		content, err := a.session.Content(ctx)
		if err != nil {
			return err
		}
		event, ok := site.classify(content)
		if !ok {
			return domain.ErrUnrecognizedResult
		}
		return a.fire(event)
	})
}

// close runs on every exit path. Each cleanup step is attempted regardless of
// earlier failures; only cause is returned.
func (a *attempt) close(ctx context.Context, cause error, report bool) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	res := Result{AttemptID: a.id, Outcome: a.outcome, StartedAt: a.started}

	if a.recording {
		path, err := a.session.StopRecording(ctx)
		if err != nil {
			a.logger.Warn().Err(err).Msg("renewal: stop recording failed")
		} else {
			res.RecordingPath = path
			if a.w.opts.Notifier != nil {
				a.w.opts.Notifier.File(ctx, path, "session recording")
			}
		}
	}
	if a.session != nil {
		if err := a.session.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("renewal: close browser failed")
		}
	}
	if a.w.opts.Notifier != nil {
		flushCtx, cancel := context.WithTimeout(ctx, a.w.opts.FlushTimeout)
		a.w.opts.Notifier.Flush(flushCtx)
		cancel()
	}

	if cause != nil {
		res.Reason = cause.Error()
		if !a.state.Terminal() {
			_ = a.fire(EventFail)
		}
	}
	res.State = a.state
	res.History = a.history
	res.FinishedAt = a.w.opts.Now()

	if report {
		infra.RecordAttempt(string(res.State), res.FinishedAt.Sub(res.StartedAt))
		if a.w.opts.Notifier != nil {
			a.w.opts.Notifier.Message(ctx, a.w.summary(res))
		}
	}

	event := a.logger.Info()
	if cause != nil {
		event = a.logger.Error().Err(cause)
	}
	event.
		Str("state", string(res.State)).
		Str("method", res.Outcome.Method).
		Dur("duration", res.FinishedAt.Sub(res.StartedAt)).
		Msg("renewal: attempt finished")
	return res, cause
}

func (w *Workflow) summary(res Result) string {
	switch res.State {
	case StateSucceeded:
		return fmt.Sprintf("VPS %s renewed (captcha via %s).", w.opts.VPSID, res.Outcome.Method)
	case StateTooEarly:
		return fmt.Sprintf("VPS %s not renewed yet: renewal opens one day before expiry.", w.opts.VPSID)
	default:
		return fmt.Sprintf("VPS %s renewal failed in attempt %s: %s", w.opts.VPSID, res.AttemptID, res.Reason)
	}
}
