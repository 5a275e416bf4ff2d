package infra

import (
	"errors"
	"strings"
	"testing"
	"time"

	"renewer/internal/domain"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ID_VPS", "40012345")
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("USERNAME", "member@example.com")
	t.Setenv("PASSWORD", "hunter2")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SOLVER_STRATEGY", "")
	t.Setenv("CAPTCHA_CLASSIFY_TIMEOUT_SECONDS", "")
	t.Setenv("COOKIE_PATH", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.SolverStrategy != "ensemble" {
		t.Fatalf("SolverStrategy = %q, want ensemble", cfg.SolverStrategy)
	}
	if cfg.ClassifyTimeout != 30*time.Second {
		t.Fatalf("ClassifyTimeout = %s, want 30s", cfg.ClassifyTimeout)
	}
	if cfg.Browser.CookiePath != "cookies.json" {
		t.Fatalf("CookiePath = %q, want cookies.json", cfg.Browser.CookiePath)
	}
	if cfg.GeminiModel != "gemini-2.5-flash" {
		t.Fatalf("GeminiModel = %q, want gemini-2.5-flash", cfg.GeminiModel)
	}
}

func TestLoadConfigReportsMissingValuesByEnvName(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ID_VPS", "")
	t.Setenv("GEMINI_API_KEY", "")

	_, err := LoadConfig()
	if err == nil {
		t.Fatalf("expected error for missing values")
	}
	if !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("error %v does not wrap ErrConfig", err)
	}
	for _, want := range []string{"ID_VPS is required", "GEMINI_API_KEY is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err.Error(), want)
		}
	}
}

func TestLoadConfigRejectsInvalidWebhookURL(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DISCORD_WEBHOOK_URL", "not a url")

	_, err := LoadConfig()
	if err == nil || !strings.Contains(err.Error(), "DISCORD_WEBHOOK_URL must be a valid URL") {
		t.Fatalf("LoadConfig error = %v, want webhook url error", err)
	}
}

func TestLoadConfigRejectsUnknownStrategy(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SOLVER_STRATEGY", "majority")

	_, err := LoadConfig()
	if err == nil || !strings.Contains(err.Error(), "SOLVER_STRATEGY must be one of") {
		t.Fatalf("LoadConfig error = %v, want strategy error", err)
	}
}

func TestLoadLoginConfigSkipsRenewalValues(t *testing.T) {
	t.Setenv("ID_VPS", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("USERNAME", "member@example.com")
	t.Setenv("PASSWORD", "hunter2")
	t.Setenv("TOTP_SECRET", "jbsw y3dp ehpk 3pxp")

	cfg, err := LoadLoginConfig()
	if err != nil {
		t.Fatalf("LoadLoginConfig returned error: %v", err)
	}
	if cfg.Credentials.TOTPSecret != "JBSWY3DPEHPK3PXP" {
		t.Fatalf("TOTPSecret = %q, want JBSWY3DPEHPK3PXP", cfg.Credentials.TOTPSecret)
	}
}

func TestLoadLoginConfigRequiresPassword(t *testing.T) {
	t.Setenv("USERNAME", "member@example.com")
	t.Setenv("PASSWORD", "")

	_, err := LoadLoginConfig()
	if err == nil || !strings.Contains(err.Error(), "PASSWORD is required") {
		t.Fatalf("LoadLoginConfig error = %v, want password error", err)
	}
}
