package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"renewer/internal/auth"
	"renewer/internal/browser"
	"renewer/internal/captcha"
	"renewer/internal/infra"
	"renewer/internal/notify"
	"renewer/internal/providers/discord"
	"renewer/internal/providers/genai"
	"renewer/internal/providers/vision"
	"renewer/internal/renewal"
	"renewer/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		logger := infra.NewLogger(os.Getenv("APP_ENV"))
		logger.Error().Err(err).Msg("renew: invalid configuration")
		return 2
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := infra.InitTracer(ctx, "renewer", cfg.OTLPEndpoint, cfg.AppEnv)
	if err != nil {
		logger.Warn().Err(err).Msg("renew: tracing disabled")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("renew: tracer shutdown failed")
			}
		}()
	}
	defer func() {
		if err := infra.WriteMetricsTextfile(cfg.MetricsTextfile); err != nil {
			logger.Warn().Err(err).Str("path", cfg.MetricsTextfile).Msg("renew: write metrics failed")
		}
	}()

	attemptID := uuid.NewString()
	artifacts, err := storage.NewFileStore(cfg.Browser.ArtifactDir)
	if err != nil {
		logger.Error().Err(err).Msg("renew: failed to configure artifact storage")
		return 1
	}

	httpClient := &http.Client{Timeout: 60 * time.Second}
	notifyOpts := notify.Options{
		Spool:  artifacts,
		Prefix: attemptID + "/captcha",
		Logger: &logger,
	}
	if cfg.DiscordWebhookURL != "" {
		webhook, err := discord.NewWebhook(cfg.DiscordWebhookURL, httpClient)
		if err != nil {
			logger.Error().Err(err).Msg("renew: failed to configure discord webhook")
			return 1
		}
		notifyOpts.Sink = webhook
	}
	notifier := notify.New(notifyOpts)

	geminiClient, err := genai.NewClient(genai.Options{
		APIKey:     cfg.GeminiAPIKey,
		BaseURL:    cfg.GeminiBaseURL,
		Model:      cfg.GeminiModel,
		HTTPClient: httpClient,
		Logger:     &logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("renew: failed to configure gemini client")
		return 1
	}
	solver, err := captcha.NewSolver(captcha.SolverOptions{
		Classifier:  vision.NewGeminiClassifier(geminiClient),
		Diagnostics: notifier,
		Strategy:    captcha.ParseStrategy(cfg.SolverStrategy),
		Timeout:     cfg.ClassifyTimeout,
		Logger:      &logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("renew: failed to configure captcha solver")
		return 1
	}

	var codes auth.CodeGenerator
	if cfg.Credentials.TOTPSecret != "" {
		totp, err := auth.NewTOTP(cfg.Credentials.TOTPSecret)
		if err != nil {
			logger.Error().Err(err).Msg("renew: invalid TOTP_SECRET")
			return 2
		}
		codes = totp
	}

	userAgent := cfg.Browser.UserAgent
	if userAgent == "" && cfg.Browser.FetchUserAgent {
		ua, err := browser.FetchUserAgent(ctx, httpClient, "")
		if err != nil {
			logger.Warn().Err(err).Msg("renew: latest user agent unavailable, using chrome default")
		} else {
			userAgent = ua
		}
	}

	recordingDir := ""
	if cfg.Browser.RecordSession {
		recordingDir = artifacts.BasePath()
	}

	workflow, err := renewal.New(renewal.Options{
		Launcher: browser.ChromeLauncher{ExecPath: cfg.Browser.ChromePath},
		Launch: browser.LaunchOptions{
			Headless:          cfg.Browser.Headless,
			UserAgent:         userAgent,
			NavigationTimeout: cfg.Browser.NavigationTimeout,
			Logger:            &logger,
		},
		Solver:       solver,
		Notifier:     notifier,
		TOTP:         codes,
		Cookies:      storage.NewCookieJar(cfg.Browser.CookiePath),
		Restore:      cfg.Browser.RestoreSession,
		Credentials:  cfg.Credentials,
		VPSID:        cfg.VPSID,
		RecordingDir: recordingDir,
		AttemptID:    attemptID,
		Logger:       &logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("renew: failed to configure workflow")
		return 1
	}

	res, err := workflow.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn().Str("state", string(res.State)).Msg("renew: interrupted")
		}
		return 1
	}
	logger.Info().Str("state", string(res.State)).Str("attempt_id", res.AttemptID).Msg("renew: done")
	return 0
}
