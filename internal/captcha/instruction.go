package captcha

import (
	"fmt"
	"strings"
)

const answerRule = "The answer is a fixed-length code of exactly 6 decimal digits. Reply with the 6 digits only, no spaces or other text."

// BuildEnsembleInstruction describes a multi-image request where every image
// is the same challenge.
func BuildEnsembleInstruction(variants []Variant) string {
	names := make([]string, 0, len(variants))
	for _, v := range variants {
		names = append(names, v.Name)
	}
	parts := []string{
		fmt.Sprintf("The %d attached images all show the same CAPTCHA challenge, each rendered with different image processing (%s).", len(variants), strings.Join(names, ", ")),
		"Combine what you can read from all of them into one answer.",
		answerRule,
	}
	return strings.Join(parts, " ")
}

// BuildVariantInstruction describes a single-image request.
func BuildVariantInstruction(v Variant) string {
	parts := []string{
		fmt.Sprintf("The attached image is a CAPTCHA challenge (%s processing).", v.Name),
		answerRule,
	}
	return strings.Join(parts, " ")
}
