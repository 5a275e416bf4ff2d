package captcha

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"renewer/internal/infra"
)

const (
	ExactConfidence    = 1.0
	EmbeddedConfidence = 0.8

	ReasonNoCode  = "no variant yielded a 6-digit code"
	ReasonTimeout = "classification timeout"

	defaultClassifyTimeout = 30 * time.Second
)

var (
	codePattern  = regexp.MustCompile(`[0-9]{6}`)
	digitPattern = regexp.MustCompile(`[0-9]+`)
)

// SolverOptions wires the solver collaborators.
type SolverOptions struct {
	Pipeline    *Pipeline
	Classifier  Classifier
	Diagnostics Diagnostics
	Strategy    Strategy
	// Timeout bounds each classifier call.
	Timeout time.Duration
	Logger  *infra.Logger
}

// Solver reconciles classifier answers over the variant set into one code.
type Solver struct {
	pipeline    *Pipeline
	classifier  Classifier
	diagnostics Diagnostics
	strategy    Strategy
	timeout     time.Duration
	logger      *infra.Logger
}

// NewSolver validates opts and fills defaults.
func NewSolver(opts SolverOptions) (*Solver, error) {
	if opts.Classifier == nil {
		return nil, errors.New("captcha: classifier is required")
	}
	pipeline := opts.Pipeline
	if pipeline == nil {
		pipeline = NewPipeline()
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyEnsemble
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultClassifyTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Solver{
		pipeline:    pipeline,
		classifier:  opts.Classifier,
		diagnostics: opts.Diagnostics,
		strategy:    strategy,
		timeout:     timeout,
		logger:      logger,
	}, nil
}

// Strategy returns the reconciliation strategy fixed at construction.
func (s *Solver) Strategy() Strategy {
	return s.strategy
}

// Solve never returns an error: every failure mode ends in a Failed outcome.
func (s *Solver) Solve(ctx context.Context, img ChallengeImage) Outcome {
	variants, err := s.pipeline.Transform(ctx, img)
	if err != nil {
		s.logger.Warn().Err(err).Int("variants", len(variants)).Msg("captcha: some transforms failed")
	}
	s.emitDiagnostics(variants)

	var classifications []Classification
	if s.strategy == StrategyEnsemble {
		c := s.classifyEnsemble(ctx, variants)
		classifications = append(classifications, c)
		if c.Code != "" {
			out := Outcome{
				Status:          StatusSolved,
				Code:            c.Code,
				Method:          MethodEnsemble,
				Confidence:      ExactConfidence,
				Classifications: classifications,
			}
			s.finish(out)
			return out
		}
	}

	out := s.solvePerVariant(ctx, variants)
	out.Classifications = append(classifications, out.Classifications...)
	s.finish(out)
	return out
}

func (s *Solver) finish(out Outcome) {
	infra.RecordSolve(out.Method, string(out.Status))
	event := s.logger.Info()
	if !out.Solved() {
		event = s.logger.Warn()
	}
	event.
		Str("status", string(out.Status)).
		Str("method", out.Method).
		Float64("confidence", out.Confidence).
		Str("reason", out.Reason).
		Msg("captcha: solve finished")
}

// classifyEnsemble accepts the answer only when exactly one distinct 6-digit
// run appears in the response.
func (s *Solver) classifyEnsemble(ctx context.Context, variants []Variant) Classification {
	c := Classification{Source: MethodEnsemble}
	text, err := s.classify(ctx, "ensemble", variants, BuildEnsembleInstruction(variants))
	c.RawText = text
	if err != nil {
		c.Err = err
		s.logger.Warn().Err(err).Msg("captcha: ensemble classification failed, falling back to per-variant")
		return c
	}
	codes, clean := ensembleCodes(text)
	if !clean || len(codes) != 1 {
		s.logger.Info().Int("codes", len(codes)).Bool("overlong", !clean).Str("text", text).Msg("captcha: ensemble answer ambiguous, falling back to per-variant")
		return c
	}
	c.Code = codes[0]
	c.Confidence = ExactConfidence
	return c
}

func (s *Solver) solvePerVariant(ctx context.Context, variants []Variant) Outcome {
	var (
		best     *Classification
		results  = make([]Classification, 0, len(variants))
		timeouts int
	)
	for _, v := range variants {
		c := Classification{Source: v.Name}
		text, err := s.classify(ctx, "variant", []Variant{v}, BuildVariantInstruction(v))
		c.RawText = text
		if err != nil {
			c.Err = err
			if errors.Is(err, context.DeadlineExceeded) {
				timeouts++
			}
			s.logger.Warn().Err(err).Str("variant", v.Name).Msg("captcha: variant classification failed")
			results = append(results, c)
			continue
		}
		code, confidence, ok := scoreResponse(text)
		if !ok {
			s.logger.Debug().Str("variant", v.Name).Str("text", text).Msg("captcha: variant answer has no 6-digit code")
			results = append(results, c)
			continue
		}
		c.Code = code
		c.Confidence = confidence
		results = append(results, c)
		if best == nil || c.Confidence > best.Confidence {
			picked := c
			best = &picked
		}
	}

	if best != nil {
		return Outcome{
			Status:          StatusSolved,
			Code:            best.Code,
			Method:          best.Source,
			Confidence:      best.Confidence,
			Classifications: results,
		}
	}
	reason := ReasonNoCode
	if len(variants) > 0 && timeouts == len(variants) {
		reason = ReasonTimeout
	}
	return Outcome{Status: StatusFailed, Reason: reason, Classifications: results}
}

// classify runs one bounded classifier call. A deadline hit inside the call
// is reported as context.DeadlineExceeded even when the classifier wraps it
// differently.
func (s *Solver) classify(ctx context.Context, mode string, variants []Variant, instruction string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	text, err := s.classifier.Classify(callCtx, variants, instruction)
	elapsed := time.Since(start)

	switch {
	case err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		infra.RecordClassifierCall(mode, "timeout", elapsed)
		return "", fmt.Errorf("classify %s: %w", mode, context.DeadlineExceeded)
	case err != nil:
		infra.RecordClassifierCall(mode, "error", elapsed)
		return "", err
	case !codePattern.MatchString(text):
		infra.RecordClassifierCall(mode, "nomatch", elapsed)
	default:
		infra.RecordClassifierCall(mode, "success", elapsed)
	}
	return text, nil
}

func (s *Solver) emitDiagnostics(variants []Variant) {
	if s.diagnostics == nil {
		return
	}
	for _, v := range variants {
		s.diagnostics.Image(v.Name+extensionForMIME(v.MIMEType), v.Data, "captcha variant: "+v.Name)
	}
}

// scoreResponse grades a single-image answer using the first 6-digit run.
func scoreResponse(text string) (string, float64, bool) {
	trimmed := strings.TrimSpace(text)
	code := codePattern.FindString(trimmed)
	if code == "" {
		return "", 0, false
	}
	if trimmed == code {
		return code, ExactConfidence, true
	}
	return code, EmbeddedConfidence, true
}

// ensembleCodes collects the distinct 6-digit runs in text. clean is false
// when any digit run is longer than six.
func ensembleCodes(text string) (codes []string, clean bool) {
	seen := map[string]struct{}{}
	for _, run := range digitPattern.FindAllString(text, -1) {
		switch {
		case len(run) > 6:
			return nil, false
		case len(run) < 6:
			continue
		}
		if _, ok := seen[run]; ok {
			continue
		}
		seen[run] = struct{}{}
		codes = append(codes, run)
	}
	return codes, true
}

func extensionForMIME(mime string) string {
	switch strings.ToLower(mime) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/bmp":
		return ".bmp"
	default:
		return ".png"
	}
}
