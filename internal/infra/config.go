package infra

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"renewer/internal/domain"
)

// Credentials holds the panel login values. They are borrowed by the renewal
// attempt and never mutated.
type Credentials struct {
	Username   string `env:"USERNAME" validate:"required"`
	Password   string `env:"PASSWORD" validate:"required"`
	TOTPSecret string `env:"TOTP_SECRET"`
}

// BrowserConfig controls the automated browser session.
type BrowserConfig struct {
	Headless          bool
	ChromePath        string
	RecordSession     bool
	RestoreSession    bool
	UserAgent         string
	FetchUserAgent    bool
	NavigationTimeout time.Duration `env:"NAVIGATION_TIMEOUT_SECONDS" validate:"gt=0"`
	ArtifactDir       string        `env:"ARTIFACT_DIR" validate:"required"`
	CookiePath        string        `env:"COOKIE_PATH" validate:"required"`
}

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv            string
	VPSID             string `env:"ID_VPS" validate:"required"`
	Credentials       Credentials
	Browser           BrowserConfig
	DiscordWebhookURL string        `env:"DISCORD_WEBHOOK_URL" validate:"omitempty,url"`
	GeminiAPIKey      string        `env:"GEMINI_API_KEY" validate:"required"`
	GeminiModel       string        `env:"GEMINI_MODEL" validate:"required"`
	GeminiBaseURL     string        `env:"GEMINI_BASE_URL" validate:"required,url"`
	SolverStrategy    string        `env:"SOLVER_STRATEGY" validate:"oneof=ensemble per-variant"`
	ClassifyTimeout   time.Duration `env:"CAPTCHA_CLASSIFY_TIMEOUT_SECONDS" validate:"gt=0"`
	MetricsTextfile   string
	OTLPEndpoint      string
}

// LoadConfig loads the renewal configuration from environment variables and
// applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := readConfig()
	if err := validateStruct(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadLoginConfig loads the subset needed by the login command: credentials
// and browser settings. Renewal specific values are read but not required.
func LoadLoginConfig() (*Config, error) {
	cfg := readConfig()
	if err := validateStruct(cfg.Credentials); err != nil {
		return nil, err
	}
	if err := validateStruct(cfg.Browser); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfig() *Config {
	return &Config{
		AppEnv: getEnv("APP_ENV", "production"),
		VPSID:  strings.TrimSpace(os.Getenv("ID_VPS")),
		Credentials: Credentials{
			Username:   os.Getenv("USERNAME"),
			Password:   os.Getenv("PASSWORD"),
			TOTPSecret: normalizeSecret(os.Getenv("TOTP_SECRET")),
		},
		Browser: BrowserConfig{
			Headless:          getEnvBool("BROWSER_HEADLESS", true),
			ChromePath:        os.Getenv("CHROME_PATH"),
			RecordSession:     getEnvBool("RECORD_SESSION", true),
			RestoreSession:    getEnvBool("RESTORE_SESSION", false),
			UserAgent:         os.Getenv("USER_AGENT"),
			FetchUserAgent:    getEnvBool("FETCH_USER_AGENT", false),
			NavigationTimeout: time.Second * time.Duration(getEnvInt("NAVIGATION_TIMEOUT_SECONDS", 30)),
			ArtifactDir:       getEnv("ARTIFACT_DIR", "./artifacts"),
			CookiePath:        getEnv("COOKIE_PATH", "cookies.json"),
		},
		DiscordWebhookURL: strings.TrimSpace(os.Getenv("DISCORD_WEBHOOK_URL")),
		GeminiAPIKey:      strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		GeminiModel:       getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiBaseURL:     getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		SolverStrategy:    strings.ToLower(getEnv("SOLVER_STRATEGY", "ensemble")),
		ClassifyTimeout:   time.Second * time.Duration(getEnvInt("CAPTCHA_CLASSIFY_TIMEOUT_SECONDS", 30)),
		MetricsTextfile:   os.Getenv("METRICS_TEXTFILE"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// report env var names instead of Go field names
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			if name := fld.Tag.Get("env"); name != "" {
				return name
			}
			return fld.Name
		})
	})
	return validate
}

func validateStruct(v any) error {
	err := configValidator().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describeFieldError(fe))
	}
	return fmt.Errorf("%w: %s", domain.ErrConfig, strings.Join(msgs, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "url":
		return fe.Field() + " must be a valid URL"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "gt":
		return fe.Field() + " must be positive"
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

// normalizeSecret strips the spaces authenticator apps insert for display and
// upper-cases the base32 alphabet.
func normalizeSecret(secret string) string {
	secret = strings.ReplaceAll(secret, " ", "")
	secret = strings.TrimRight(secret, "=")
	return strings.ToUpper(strings.TrimSpace(secret))
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
