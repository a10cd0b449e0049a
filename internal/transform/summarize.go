package transform

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const ellipsis = "…"

type SummarizationResult struct {
	Summary        string
	OriginalLength int
	SummaryLength  int
	SentencesUsed  int
}

// HeuristicSummarizer keeps the leading sentences of long text. Lengths are
// counted in runes.
type HeuristicSummarizer struct {
	threshold     int
	maxChars      int
	sentenceCount int
}

func NewHeuristicSummarizer(threshold, maxChars, sentenceCount int) *HeuristicSummarizer {
	if threshold < 0 {
		threshold = 0
	}
	if maxChars < 1 {
		maxChars = 1
	}
	if sentenceCount < 1 {
		sentenceCount = 1
	}
	return &HeuristicSummarizer{threshold: threshold, maxChars: maxChars, sentenceCount: sentenceCount}
}

// Summarise returns nil when text is absent, blank, or not longer than the
// threshold.
func (s *HeuristicSummarizer) Summarise(text *string) *SummarizationResult {
	if s == nil || text == nil {
		return nil
	}
	originalLength := utf8.RuneCountInString(*text)
	normalised := strings.TrimSpace(*text)
	if originalLength <= s.threshold || normalised == "" {
		return nil
	}
	sentences := splitSentences(normalised)
	chosen := sentences
	if len(chosen) > s.sentenceCount {
		chosen = chosen[:s.sentenceCount]
	}
	if len(chosen) == 0 {
		chosen = []string{firstRunes(normalised, s.maxChars)}
	}
	summary := strings.TrimSpace(strings.Join(chosen, " "))
	if utf8.RuneCountInString(summary) > s.maxChars {
		summary = truncate(summary, s.maxChars)
	}
	return &SummarizationResult{
		Summary:        summary,
		OriginalLength: originalLength,
		SummaryLength:  utf8.RuneCountInString(summary),
		SentencesUsed:  len(chosen),
	}
}

// splitSentences breaks after '.', '!' or '?' when followed by whitespace.
func splitSentences(text string) []string {
	runes := []rune(text)
	var parts []string
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isSentenceEnd(runes[i]) || i+1 >= len(runes) || !unicode.IsSpace(runes[i+1]) {
			continue
		}
		parts = append(parts, string(runes[start:i+1]))
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		start = j
		i = j - 1
	}
	if start < len(runes) {
		parts = append(parts, string(runes[start:]))
	}
	out := parts[:0]
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// truncate cuts to limit-1 runes, backing off to the last whitespace
// boundary when the cut lands inside a word, and appends an ellipsis.
func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	cut := runes[:limit-1]
	if !unicode.IsSpace(runes[limit-1]) {
		for i := len(cut) - 1; i > 0; i-- {
			if unicode.IsSpace(cut[i]) {
				cut = cut[:i]
				break
			}
		}
	}
	truncated := strings.TrimRightFunc(string(cut), unicode.IsSpace)
	if truncated == "" {
		return string(runes[:limit])
	}
	return truncated + ellipsis
}

func firstRunes(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}
