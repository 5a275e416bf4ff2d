package captcha

import "context"

// Variant names. Diagnostics and confidence reporting key off them.
const (
	VariantOriginal        = "original"
	VariantWhiteBackground = "white-background"
	VariantBlackBackground = "black-background"
	VariantHighContrast    = "high-contrast"
	VariantEdgeDetection   = "edge-detection"

	// MethodEnsemble marks an outcome reached by the single multi-image call.
	MethodEnsemble = "ensemble"
)

// VariantOrder is the fixed order variants are produced and classified in.
var VariantOrder = []string{
	VariantOriginal,
	VariantWhiteBackground,
	VariantBlackBackground,
	VariantHighContrast,
	VariantEdgeDetection,
}

// ChallengeImage is the raw challenge bitmap fetched from the page. It is
// treated as read-only.
type ChallengeImage struct {
	Data     []byte
	MIMEType string
}

// Variant is one preprocessed rendering of a challenge image.
type Variant struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Classification is the parsed result of one classifier call.
type Classification struct {
	Source     string
	RawText    string
	Code       string
	Confidence float64
	Err        error
}

// Status distinguishes solved and failed outcomes.
type Status string

const (
	StatusSolved Status = "solved"
	StatusFailed Status = "failed"
)

// Outcome is the terminal result of one solve.
type Outcome struct {
	Status     Status
	Code       string
	Method     string
	Confidence float64
	Reason     string

	Classifications []Classification
}

// Solved reports whether the outcome carries a code to submit.
func (o Outcome) Solved() bool {
	return o.Status == StatusSolved
}

// Strategy selects which reconciliation path the solver starts with.
type Strategy string

const (
	// StrategyEnsemble tries one multi-image call first, then falls back to
	// per-variant calls.
	StrategyEnsemble Strategy = "ensemble"
	// StrategyPerVariant skips the multi-image call.
	StrategyPerVariant Strategy = "per-variant"
)

// ParseStrategy maps a configuration value to a Strategy, defaulting to
// StrategyEnsemble.
func ParseStrategy(v string) Strategy {
	if Strategy(v) == StrategyPerVariant {
		return StrategyPerVariant
	}
	return StrategyEnsemble
}

// Classifier reads text out of one or more images.
type Classifier interface {
	Classify(ctx context.Context, variants []Variant, instruction string) (string, error)
}

// Diagnostics receives variant images for out-of-band inspection. Calls must
// not block the solve.
type Diagnostics interface {
	Image(name string, data []byte, caption string)
}
