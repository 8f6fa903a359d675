package image

import (
	"fmt"
	"strings"
)

// Per-variant hints so a batch does not return near-identical images.
var variationHints = map[int]string{
	1: "Apply the requested style with a standard interpretation.",
	2: "Use a brighter, more polished mood.",
	3: "Aim for a professional, premium finish.",
	4: "Emphasize a modern, urban impression.",
	5: "Favor a natural, soft impression.",
}

// BuildVariationPrompt wraps the user's instruction with the fixed framing the
// backend expects plus a per-variant hint. number is 1-based.
func BuildVariationPrompt(userPrompt string, number int) string {
	hint, ok := variationHints[number]
	if !ok {
		hint = fmt.Sprintf("Generate variation %d with your own interpretation.", number)
	}

	var b strings.Builder
	b.WriteString("Transform and regenerate this image in the following style.\n\n")
	b.WriteString("Style:\n")
	b.WriteString(strings.TrimSpace(userPrompt))
	b.WriteString("\n\nVariation:\n")
	b.WriteString(hint)
	b.WriteString("\n\nRequirements:\n")
	b.WriteString("- Preserve the essential features of the subject.\n")
	b.WriteString("- Reflect the requested style faithfully.\n")
	b.WriteString("- Keep a professional, high-quality finish.")
	return b.String()
}
