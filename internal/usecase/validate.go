// Package usecase contains the orchestration runtime: input validation,
// role agents, output parsing, and the pipeline state machine.
package usecase

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/seanebones-lang/prompt-optimizer/internal/domain"
)

// MaxPromptLength is the upper bound in code points after normalisation.
const MaxPromptLength = 10_000

var multiNewline = regexp.MustCompile(`\n{3,}`)

// ValidateRequest sanitises raw input and canonicalizes the category.
// Oversized prompts are truncated at a word boundary, never rejected;
// empty prompts and unknown categories fail with ErrInvalidArgument.
func ValidateRequest(rawText, category string) (domain.PromptRequest, error) {
	text := sanitizeText(rawText)
	if text == "" {
		return domain.PromptRequest{}, fmt.Errorf("%w: Prompt cannot be empty", domain.ErrInvalidArgument)
	}
	if utf8.RuneCountInString(text) > MaxPromptLength {
		text = truncateAtWordBoundary(text, MaxPromptLength)
	}

	cat, ok := domain.ParseCategory(category)
	if !ok {
		return domain.PromptRequest{}, fmt.Errorf("%w: unknown category %q", domain.ErrInvalidArgument, category)
	}
	return domain.PromptRequest{RawText: text, Category: cat}, nil
}

// sanitizeText strips control characters (keeping \n \t \r), collapses
// runs of three or more newlines to exactly two, and trims whitespace.
func sanitizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\t' || r == '\r':
			b.WriteRune(r)
		case r < 0x20 || r == 0x7F:
			// control range 0x00-0x08, 0x0B-0x0C, 0x0E-0x1F and DEL
		default:
			b.WriteRune(r)
		}
	}
	out := multiNewline.ReplaceAllString(b.String(), "\n\n")
	return strings.TrimSpace(out)
}

// truncateAtWordBoundary cuts at the nearest space within the last 10%
// of the limit and appends an ellipsis. When no boundary exists there,
// it cuts hard one short of the limit so the result, ellipsis included,
// never exceeds limit code points.
func truncateAtWordBoundary(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	cut := limit - 1
	floor := limit - limit/10
	for i := limit; i > floor; i-- {
		if runes[i-1] == ' ' || runes[i-1] == '\n' {
			cut = i - 1
			break
		}
	}
	return strings.TrimRight(string(runes[:cut]), " \n") + "…"
}
