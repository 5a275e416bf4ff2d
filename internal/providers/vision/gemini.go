package vision

import (
	"context"
	"strings"

	"renewer/internal/captcha"
	"renewer/internal/providers/genai"
)

// TextGenerator is the slice of the Gemini client the classifier needs.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt string, images []genai.Image) (string, error)
}

type GeminiClassifier struct {
	client TextGenerator
}

func NewGeminiClassifier(client TextGenerator) *GeminiClassifier {
	return &GeminiClassifier{client: client}
}

func (g *GeminiClassifier) Classify(ctx context.Context, variants []captcha.Variant, instruction string) (string, error) {
	images := make([]genai.Image, len(variants))
	for i, v := range variants {
		images[i] = genai.Image{MIMEType: v.MIMEType, Data: v.Data}
	}
	text, err := g.client.GenerateText(ctx, instruction, images)
	if err != nil {
		return "", err
	}
	return trimCodeFence(text), nil
}

// trimCodeFence unwraps answers the model puts inside a markdown fence so a
// bare code still scores as an exact answer.
func trimCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```text")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

var _ captcha.Classifier = (*GeminiClassifier)(nil)
