package usecase

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultQualityScore is recorded when the Evaluator emits no parseable
// score.
const DefaultQualityScore = 75

// scorePatterns is the fixed ordered list; the first match wins.
var scorePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:total|overall|final|quality)\s*scores?[:\s]+(\d+)`),
	regexp.MustCompile(`(\d+)\s*/\s*100`),
	regexp.MustCompile(`(?i)scores?[:\s]+(\d+)`),
	regexp.MustCompile(`(?i)rating[:\s]+(\d+)`),
}

// ExtractScore pulls an integer quality score from free-form evaluator
// output, clamped to [0,100]. Absence yields DefaultQualityScore. Total:
// never fails.
func ExtractScore(text string) (score int, found bool) {
	for _, p := range scorePatterns {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n < 0 {
			n = 0
		}
		if n > 100 {
			n = 100
		}
		return n, true
	}
	return DefaultQualityScore, false
}

// promptMarkers locate the redesigned prompt in free-form designer
// output, case-insensitive, checked in order.
var promptMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?is)(?:optimized|optimised|refined|improved|redesigned|rewritten)\s+prompt[:\s*]*\n+(.+)`),
	regexp.MustCompile(`(?is)(?:optimized|optimised|refined|improved|redesigned|rewritten)\s+prompt[:\s*]+(.+)`),
}

var fencedBlock = regexp.MustCompile("(?s)```(?:[a-zA-Z]*\n)?(.*?)```")

// ExtractOptimizedPrompt locates the redesigned prompt using marker
// heuristics; on failure it returns the longest substantive paragraph,
// then the first 500 characters as a last resort. Total: never fails.
func ExtractOptimizedPrompt(text string) string {
	for _, m := range promptMarkers {
		if sub := m.FindStringSubmatch(text); sub != nil {
			candidate := strings.TrimSpace(sub[1])
			// The marker section may itself hold a fenced block.
			if f := fencedBlock.FindStringSubmatch(candidate); f != nil {
				if inner := strings.TrimSpace(f[1]); inner != "" {
					return inner
				}
			}
			// Stop at the next section heading if one follows.
			if idx := nextHeading(candidate); idx > 0 {
				candidate = strings.TrimSpace(candidate[:idx])
			}
			if candidate != "" {
				return candidate
			}
		}
	}
	if f := fencedBlock.FindStringSubmatch(text); f != nil {
		if inner := strings.TrimSpace(f[1]); inner != "" {
			return inner
		}
	}
	if p := longestParagraph(text); p != "" {
		return p
	}
	trimmed := strings.TrimSpace(text)
	if len(trimmed) > 500 {
		return trimmed[:500]
	}
	return trimmed
}

var headingPattern = regexp.MustCompile(`(?im)^(?:#{1,6}\s|\*\*[a-z][^\n]*\*\*:?\s*$|(?:key improvements|explanation|rationale|why this works|notes)[:\s]*$)`)

func nextHeading(s string) int {
	loc := headingPattern.FindStringIndex(s)
	if loc == nil || loc[0] == 0 {
		return -1
	}
	return loc[0]
}

// longestParagraph returns the longest blank-line-separated block that
// is substantive (more than 40 characters).
func longestParagraph(text string) string {
	best := ""
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if len(p) > len(best) {
			best = p
		}
	}
	if len(best) <= 40 {
		return ""
	}
	return best
}
