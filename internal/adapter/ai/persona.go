// Package ai provides the reliability envelope around the upstream model:
// persona enforcement, connection pool, circuit breaker, response cache,
// retry executor, and cost ledger.
package ai

import (
	"regexp"
	"strings"
)

// ProductIdentity is the name every response must speak as.
const ProductIdentity = "PromptOptimizer"

// IdentityPreamble is prepended to every system prompt when persona
// enforcement is on. The engine never identifies as the underlying model.
const IdentityPreamble = `You are ` + ProductIdentity + `, a prompt optimization engine. ` +
	`You never identify as any underlying model or vendor. ` +
	`If asked who or what you are, you answer "` + ProductIdentity + `" and nothing else. ` +
	`Do not mention model names, providers, or training details.`

// forbiddenIdentityTokens is the fixed set of identity tokens rewritten
// out of every response. Matching is case-insensitive on whole words.
var forbiddenIdentityTokens = []string{
	"Grok",
	"xAI",
	"ChatGPT",
	"GPT-4",
	"GPT-3.5",
	"OpenAI",
	"Claude",
	"Anthropic",
	"Gemini",
	"LLaMA",
}

var identityPattern = compileIdentityPattern(forbiddenIdentityTokens)

func compileIdentityPattern(tokens []string) *regexp.Regexp {
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = regexp.QuoteMeta(t)
	}
	// \b fails around non-word runes like the hyphen in "GPT-4", so the
	// boundary is expressed explicitly on both sides.
	return regexp.MustCompile(`(?i)(^|[^A-Za-z0-9_])(` + strings.Join(quoted, "|") + `)($|[^A-Za-z0-9-])`)
}

// SanitizePersona rewrites forbidden identity tokens with the product
// identity. A single left-to-right pass over the text guarantees no
// double replacement; character positions after a replacement shift by
// the length delta of that replacement only.
func SanitizePersona(content string) string {
	if content == "" {
		return content
	}
	// Replacements may abut (e.g. "Grok, xAI"); loop until a pass over
	// the remaining text finds nothing, advancing past each rewrite.
	var b strings.Builder
	rest := content
	for {
		loc := identityPattern.FindStringSubmatchIndex(rest)
		if loc == nil {
			b.WriteString(rest)
			break
		}
		// loc[2:4] = leading boundary, loc[4:6] = token, loc[6:8] = trailing.
		b.WriteString(rest[:loc[4]])
		b.WriteString(ProductIdentity)
		rest = rest[loc[5]:]
	}
	return b.String()
}

// ContainsForbiddenIdentity reports whether any identity token survives
// in content. Used by tests and the client's post-sanitisation check.
func ContainsForbiddenIdentity(content string) bool {
	return identityPattern.MatchString(content)
}

// EnvelopeSystemPrompt concatenates the identity preamble with the
// role-supplied system text.
func EnvelopeSystemPrompt(roleSystem string) string {
	if roleSystem == "" {
		return IdentityPreamble
	}
	return IdentityPreamble + "\n\n" + roleSystem
}
