package sttllm

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Classifier turns a transcript into one of a scenario's intent categories
// using the LLM client, with a token-based fallback when the LLM response
// doesn't cleanly name a category (spec.md §3 Scenario.llm.fallback_tokens).
type Classifier struct {
	llm *LLMClient
}

// NewClassifier builds a Classifier around an LLMClient.
func NewClassifier(llm *LLMClient) *Classifier {
	return &Classifier{llm: llm}
}

// Classify renders promptTemplate with transcript and intentCategories,
// asks the LLM for a completion, and resolves it to one of categories
// (or the reserved fallbacks yes/no/number_question/unknown).
func (c *Classifier) Classify(ctx context.Context, model, promptTemplate, transcript string, categories []string, fallbackTokens map[string][]string) (string, error) {
	prompt := renderTemplate(promptTemplate, transcript, categories)

	raw, err := c.llm.Complete(ctx, model, prompt, 0.0)
	if err != nil {
		return "", fmt.Errorf("sttllm: classify: %w", err)
	}

	if intent, ok := matchCategory(raw, categories); ok {
		return intent, nil
	}
	if intent, ok := matchFallbackTokens(transcript, fallbackTokens); ok {
		return intent, nil
	}
	return "unknown", nil
}

func renderTemplate(template, transcript string, categories []string) string {
	out := strings.ReplaceAll(template, "{transcript}", transcript)
	out = strings.ReplaceAll(out, "{intent_categories}", strings.Join(categories, ", "))
	return out
}

func matchCategory(raw string, categories []string) (string, bool) {
	lower := strings.ToLower(strings.TrimSpace(raw))
	for _, cat := range categories {
		if strings.EqualFold(strings.TrimSpace(cat), lower) {
			return cat, true
		}
	}
	for _, cat := range categories {
		word := regexp.MustCompile(`(^|[^\p{L}\p{N}_])` + regexp.QuoteMeta(strings.ToLower(cat)) + `($|[^\p{L}\p{N}_])`)
		if word.MatchString(lower) {
			return cat, true
		}
	}
	return "", false
}

func matchFallbackTokens(transcript string, fallbackTokens map[string][]string) (string, bool) {
	lower := strings.ToLower(transcript)
	for intent, tokens := range fallbackTokens {
		for _, tok := range tokens {
			if strings.Contains(lower, strings.ToLower(tok)) {
				return intent, true
			}
		}
	}
	return "", false
}
