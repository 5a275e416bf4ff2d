package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"renewer/internal/auth"
	"renewer/internal/browser"
	"renewer/internal/infra"
	"renewer/internal/renewal"
	"renewer/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	cfg, err := infra.LoadLoginConfig()
	if err != nil {
		logger := infra.NewLogger(os.Getenv("APP_ENV"))
		logger.Error().Err(err).Msg("login: invalid configuration")
		return 2
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var codes auth.CodeGenerator
	if cfg.Credentials.TOTPSecret != "" {
		totp, err := auth.NewTOTP(cfg.Credentials.TOTPSecret)
		if err != nil {
			logger.Error().Err(err).Msg("login: invalid TOTP_SECRET")
			return 2
		}
		codes = totp
	}

	jar := storage.NewCookieJar(cfg.Browser.CookiePath)
	workflow, err := renewal.New(renewal.Options{
		Launcher: browser.ChromeLauncher{ExecPath: cfg.Browser.ChromePath},
		Launch: browser.LaunchOptions{
			Headless:          cfg.Browser.Headless,
			UserAgent:         cfg.Browser.UserAgent,
			NavigationTimeout: cfg.Browser.NavigationTimeout,
			Logger:            &logger,
		},
		TOTP:        codes,
		Cookies:     jar,
		Credentials: cfg.Credentials,
		Logger:      &logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("login: failed to configure workflow")
		return 1
	}

	if _, err := workflow.Login(ctx); err != nil {
		return 1
	}
	logger.Info().Str("path", jar.Path()).Msg("login: cookies saved")
	return 0
}
