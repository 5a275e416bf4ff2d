package renewal

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renewer/internal/browser"
	"renewer/internal/captcha"
	"renewer/internal/domain"
	"renewer/internal/storage"
)

const testVPSID = "40012345"

// fakeSession scripts the panel: the login script lands on loginLanding, the
// second-factor submit lands on twoFactorLanding, and Content returns
// resultPage.
type fakeSession struct {
	mu sync.Mutex

	site             Site
	url              string
	loginLanding     string
	twoFactorLanding string
	resultPage       string
	validCookies     bool
	failOn           string

	calls          []string
	fills          map[string]string
	cookiesSet     []storage.Cookie
	recordingPath  string
	startRecording int
	stopRecording  int
	closed         int
}

func newFakeSession(site Site) *fakeSession {
	return &fakeSession{
		site:             site,
		loginLanding:     site.IndexURL,
		twoFactorLanding: site.IndexURL,
		resultPage:       "<html><body>" + site.SuccessPhrase + "</body></html>",
		fills:            map[string]string{},
	}
}

func (s *fakeSession) record(call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	if s.failOn != "" && strings.HasPrefix(call, s.failOn) {
		return errors.New("fake failure: " + call)
	}
	return nil
}

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	if err := s.record("navigate " + url); err != nil {
		return err
	}
	s.url = url
	if url == s.site.IndexURL && !s.validCookies {
		s.url = s.site.LoginURL
	}
	return nil
}

func (s *fakeSession) Fill(ctx context.Context, selector, text string) error {
	if err := s.record("fill " + selector); err != nil {
		return err
	}
	s.fills[selector] = text
	return nil
}

func (s *fakeSession) Click(ctx context.Context, selector string) error {
	if err := s.record("click " + selector); err != nil {
		return err
	}
	if selector == s.site.TwoFactorSubmit {
		s.url = s.twoFactorLanding
	}
	return nil
}

func (s *fakeSession) Evaluate(ctx context.Context, expression string) error {
	if err := s.record("evaluate " + expression); err != nil {
		return err
	}
	if expression == s.site.LoginScript {
		s.url = s.loginLanding
	}
	return nil
}

func (s *fakeSession) WaitForNavigation(ctx context.Context) error {
	return s.record("wait")
}

func (s *fakeSession) CurrentURL(ctx context.Context) (string, error) {
	return s.url, s.record("url")
}

func (s *fakeSession) Content(ctx context.Context) (string, error) {
	return s.resultPage, s.record("content")
}

func (s *fakeSession) CaptureImage(ctx context.Context, selector string) (captcha.ChallengeImage, error) {
	if err := s.record("capture " + selector); err != nil {
		return captcha.ChallengeImage{}, err
	}
	return captcha.ChallengeImage{Data: []byte("png"), MIMEType: "image/png"}, nil
}

func (s *fakeSession) Cookies(ctx context.Context) ([]storage.Cookie, error) {
	if err := s.record("cookies"); err != nil {
		return nil, err
	}
	return []storage.Cookie{{Name: "XSERVER", Value: "abc", Domain: "secure.xserver.ne.jp", Path: "/", Secure: true}}, nil
}

func (s *fakeSession) SetCookies(ctx context.Context, cookies []storage.Cookie) error {
	if err := s.record("set cookies"); err != nil {
		return err
	}
	s.cookiesSet = cookies
	return nil
}

func (s *fakeSession) StartRecording(ctx context.Context, path string) error {
	s.startRecording++
	s.recordingPath = path
	return s.record("start recording")
}

func (s *fakeSession) StopRecording(ctx context.Context) (string, error) {
	s.stopRecording++
	return s.recordingPath, s.record("stop recording")
}

func (s *fakeSession) Close() error {
	s.closed++
	return nil
}

func (s *fakeSession) count(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type fakeLauncher struct {
	session  *fakeSession
	launches int
	err      error
}

func (l *fakeLauncher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	l.launches++
	if l.err != nil {
		return nil, l.err
	}
	return l.session, nil
}

type fakeSolver struct {
	outcome captcha.Outcome
	calls   int
	panics  bool
}

func (s *fakeSolver) Solve(ctx context.Context, img captcha.ChallengeImage) captcha.Outcome {
	s.calls++
	if s.panics {
		panic("classifier exploded")
	}
	return s.outcome
}

func (s *fakeSolver) Strategy() captcha.Strategy {
	return captcha.StrategyEnsemble
}

type fakeNotifier struct {
	messages []string
	files    []string
	flushes  int
}

func (n *fakeNotifier) Message(ctx context.Context, text string) {
	n.messages = append(n.messages, text)
}

func (n *fakeNotifier) File(ctx context.Context, path, caption string) {
	n.files = append(n.files, path)
}

func (n *fakeNotifier) Flush(ctx context.Context) {
	n.flushes++
}

type fixedCode string

func (c fixedCode) Code(time.Time) (string, error) { return string(c), nil }

type fixture struct {
	site     Site
	session  *fakeSession
	launcher *fakeLauncher
	solver   *fakeSolver
	notifier *fakeNotifier
	jar      *storage.CookieJar
	opts     Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	site := DefaultSite()
	session := newFakeSession(site)
	f := &fixture{
		site:     site,
		session:  session,
		launcher: &fakeLauncher{session: session},
		solver: &fakeSolver{outcome: captcha.Outcome{
			Status:     captcha.StatusSolved,
			Code:       "482917",
			Method:     captcha.MethodEnsemble,
			Confidence: 1,
		}},
		notifier: &fakeNotifier{},
		jar:      storage.NewCookieJar(filepath.Join(t.TempDir(), "cookies.json")),
	}
	f.opts = Options{
		Launcher:     f.launcher,
		Solver:       f.solver,
		Notifier:     f.notifier,
		Cookies:      f.jar,
		Site:         site,
		VPSID:        testVPSID,
		RecordingDir: t.TempDir(),
		AttemptID:    "attempt-1",
	}
	return f
}

func (f *fixture) workflow(t *testing.T) *Workflow {
	t.Helper()
	w, err := New(f.opts)
	require.NoError(t, err)
	return w
}

func statesOf(history []Transition) []State {
	out := make([]State, 0, len(history))
	for _, h := range history {
		out = append(out, h.To)
	}
	return out
}

func TestRunSucceedsWithoutTwoFactor(t *testing.T) {
	f := newFixture(t)
	res, err := f.workflow(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, []State{
		StateLoggingIn, StateAuthenticated, StateNavigating,
		StateCaptchaChallenge, StateSubmitting, StateSucceeded,
	}, statesOf(res.History))
	assert.Equal(t, "482917", f.session.fills[f.site.CaptchaField])
	assert.Equal(t, "attempt-1", res.AttemptID)

	assert.Equal(t, 1, f.session.startRecording)
	assert.Equal(t, 1, f.session.stopRecording)
	assert.Equal(t, []string{res.RecordingPath}, f.notifier.files)
	assert.Len(t, f.notifier.messages, 1)
	assert.Contains(t, f.notifier.messages[0], testVPSID)
	assert.Equal(t, 1, f.notifier.flushes)
	assert.Equal(t, 1, f.session.closed)
	assert.Equal(t, 1, f.session.count("capture "))
	assert.Equal(t, 1, f.solver.calls)
	assert.Equal(t, 1, f.session.count("navigate "+f.site.detailURL(testVPSID)))

	saved, err := f.jar.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "XSERVER", saved[0].Name)
}

func TestRunSubmitsTwoFactorCodeOnce(t *testing.T) {
	f := newFixture(t)
	f.session.loginLanding = "https://secure.xserver.ne.jp/xapanel/login/twostep/"
	f.opts.TOTP = fixedCode("123456")

	res, err := f.workflow(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, StateTwoFactorPending, res.History[1].To)
	assert.Equal(t, "123456", f.session.fills[f.site.TwoFactorField])
	assert.Equal(t, 1, f.session.count("click "+f.site.TwoFactorSubmit))
}

func TestRunRejectedTwoFactorCodeFails(t *testing.T) {
	twoStep := "https://secure.xserver.ne.jp/xapanel/login/twostep/"
	f := newFixture(t)
	f.session.loginLanding = twoStep
	f.session.twoFactorLanding = twoStep
	f.opts.TOTP = fixedCode("000000")

	res, err := f.workflow(t).Run(context.Background())

	require.ErrorIs(t, err, domain.ErrNavigation)
	assert.Contains(t, err.Error(), "second factor rejected")
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateTwoFactorPending, res.History[len(res.History)-2].To)
	assert.Equal(t, 0, f.session.count("navigate "+f.site.detailURL(testVPSID)))
	assert.Equal(t, 0, f.session.count("cookies"))
}

func TestRunTwoFactorWithoutSecretIsFatal(t *testing.T) {
	f := newFixture(t)
	f.session.loginLanding = "https://secure.xserver.ne.jp/xapanel/login/twostep/"

	w := f.workflow(t)
	require.False(t, w.Capabilities().Has2FA)
	res, err := w.Run(context.Background())

	require.ErrorIs(t, err, domain.ErrTwoFactorSecretMissing)
	require.ErrorIs(t, err, domain.ErrConfig)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 0, f.session.count("navigate "+f.site.detailURL(testVPSID)))
	assert.Equal(t, 0, f.session.count("fill "+f.site.TwoFactorField))
	assert.Equal(t, 0, f.solver.calls)
	assert.Equal(t, 1, f.session.closed)
	assert.Len(t, f.notifier.messages, 1)
}

func TestRunUnrecognizedResultFails(t *testing.T) {
	f := newFixture(t)
	f.session.resultPage = "<html><body>システムエラーが発生しました</body></html>"

	res, err := f.workflow(t).Run(context.Background())

	require.ErrorIs(t, err, domain.ErrUnrecognizedResult)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, "unrecognized result page", res.Reason)
	assert.Len(t, f.notifier.messages, 1)
}

func TestRunTooEarlyIsNotAnError(t *testing.T) {
	f := newFixture(t)
	f.session.resultPage = "<div>" + f.site.TooEarlyPhrase + "</div>"

	res, err := f.workflow(t).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateTooEarly, res.State)
	assert.Len(t, f.notifier.messages, 1)
}

func TestRunUnsolvedCaptchaFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	f.solver.outcome = captcha.Outcome{Status: captcha.StatusFailed, Reason: captcha.ReasonNoCode}

	res, err := f.workflow(t).Run(context.Background())

	require.ErrorIs(t, err, domain.ErrCaptchaUnsolved)
	assert.Equal(t, StateFailed, res.State)
	assert.Contains(t, res.Reason, captcha.ReasonNoCode)
	assert.Equal(t, 1, f.solver.calls)
	assert.Equal(t, 1, f.session.count("capture "))
	assert.Equal(t, 0, f.session.count("click "+f.site.SubmitButton))
}

func TestRunRejectedLoginFails(t *testing.T) {
	f := newFixture(t)
	f.session.loginLanding = f.site.LoginURL

	res, err := f.workflow(t).Run(context.Background())

	require.ErrorIs(t, err, domain.ErrNavigation)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 0, f.session.count("cookies"))
}

func TestRunCleansUpOnPanic(t *testing.T) {
	f := newFixture(t)
	f.solver.panics = true
	w := f.workflow(t)

	require.PanicsWithValue(t, "classifier exploded", func() {
		_, _ = w.Run(context.Background())
	})
	assert.Equal(t, 1, f.session.stopRecording)
	assert.Equal(t, 1, f.session.closed)
	assert.Equal(t, 1, f.notifier.flushes)
	require.Len(t, f.notifier.messages, 1)
	assert.Contains(t, f.notifier.messages[0], "panic")
}

func TestRunCleansUpOnNavigationError(t *testing.T) {
	f := newFixture(t)
	f.session.failOn = "click " + f.site.RenewAction

	res, err := f.workflow(t).Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateNavigating, res.History[len(res.History)-2].To)
	assert.Equal(t, 1, f.session.stopRecording)
	assert.Equal(t, 1, f.session.closed)
	assert.Equal(t, 0, f.solver.calls)
}

func TestRunLaunchFailureStillReports(t *testing.T) {
	f := newFixture(t)
	f.launcher.err = errors.New("no chrome")

	res, err := f.workflow(t).Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Len(t, f.notifier.messages, 1)
	assert.Equal(t, 0, f.session.closed)
}

func TestRunRestoresSavedSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.jar.Save(context.Background(), []storage.Cookie{{Name: "XSERVER", Value: "saved"}}))
	f.session.validCookies = true
	f.opts.Restore = true

	res, err := f.workflow(t).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, res.History[0].To)
	assert.Equal(t, EventSessionRestored, res.History[0].Event)
	assert.Equal(t, "saved", f.session.cookiesSet[0].Value)
	assert.Equal(t, 0, f.session.count("evaluate "))
}

func TestRunExpiredSessionFallsBackToLogin(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.jar.Save(context.Background(), []storage.Cookie{{Name: "XSERVER", Value: "stale"}}))
	f.opts.Restore = true

	res, err := f.workflow(t).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, EventStartLogin, res.History[0].Event)
	assert.Equal(t, 1, f.session.count("evaluate "+f.site.LoginScript))
}

func TestRunRequiresVPSIDBeforeLaunch(t *testing.T) {
	f := newFixture(t)
	f.opts.VPSID = ""

	_, err := f.workflow(t).Run(context.Background())

	require.ErrorIs(t, err, domain.ErrConfig)
	assert.Equal(t, 0, f.launcher.launches)
}

func TestLoginSavesCookiesWithoutReport(t *testing.T) {
	f := newFixture(t)
	f.opts.RecordingDir = ""

	res, err := f.workflow(t).Login(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, res.State)
	assert.Empty(t, f.notifier.messages)
	assert.Equal(t, 0, f.session.startRecording)
	assert.Equal(t, 1, f.session.closed)

	saved, err := f.jar.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}
