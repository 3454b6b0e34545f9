package ai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizePersona(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "self identification",
			in:   "I am Grok, powered by xAI.",
			want: "I am PromptOptimizer, powered by PromptOptimizer.",
		},
		{
			name: "case insensitive",
			in:   "this was written by GROK and grok alike",
			want: "this was written by PromptOptimizer and PromptOptimizer alike",
		},
		{
			name: "hyphenated token",
			in:   "similar to GPT-4 in capability",
			want: "similar to PromptOptimizer in capability",
		},
		{
			name: "adjacent tokens",
			in:   "Grok, xAI, OpenAI",
			want: "PromptOptimizer, PromptOptimizer, PromptOptimizer",
		},
		{
			name: "token at start and end",
			in:   "Claude said hello to Gemini",
			want: "PromptOptimizer said hello to PromptOptimizer",
		},
		{
			name: "substring not rewritten",
			in:   "the Grokking of concepts",
			want: "the Grokking of concepts",
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
		{
			name: "clean text untouched",
			in:   "Write a haiku about autumn leaves.",
			want: "Write a haiku about autumn leaves.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SanitizePersona(tc.in)
			assert.Equal(t, tc.want, got)
			assert.False(t, ContainsForbiddenIdentity(got))
		})
	}
}

func TestSanitizePersonaNoDoubleReplacement(t *testing.T) {
	got := SanitizePersona("Grok")
	assert.Equal(t, "PromptOptimizer", got)
	// Idempotent: a second pass changes nothing.
	assert.Equal(t, got, SanitizePersona(got))
}

func TestEnvelopeSystemPrompt(t *testing.T) {
	assert.Equal(t, IdentityPreamble, EnvelopeSystemPrompt(""))

	combined := EnvelopeSystemPrompt("You are an expert prompt analyst.")
	assert.True(t, strings.HasPrefix(combined, IdentityPreamble))
	assert.Contains(t, combined, "expert prompt analyst")
}
