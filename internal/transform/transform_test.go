package transform

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/episodesync/internal/episode"
)

func mustRule(t *testing.T, pattern, replacement, name string) RedactionRule {
	t.Helper()
	rule, err := NewRedactionRule(pattern, replacement, name)
	require.NoError(t, err)
	return rule
}

func TestRedactionRuleDefaults(t *testing.T) {
	rule := mustRule(t, `token-\w+`, "", "")
	assert.Equal(t, DefaultReplacement, rule.Replacement)
	assert.Equal(t, `token-\w+`, rule.Name)

	_, err := NewRedactionRule("(", "x", "broken")
	require.Error(t, err)
}

func TestApplyStructureSecretAndDigits(t *testing.T) {
	pipeline := NewRedactionPipeline([]RedactionRule{
		mustRule(t, `secret`, "***", "secret"),
		mustRule(t, `\d{4}`, "0000", "digits"),
	})

	redacted, counts := pipeline.ApplyStructure(map[string]any{"note": "secret 1234"})

	assert.Equal(t, map[string]any{"note": "*** 0000"}, redacted)
	assert.Equal(t, map[string]int{"secret": 1, "digits": 1}, counts)
}

func TestApplyStructureRecursesAndKeepsContainerKinds(t *testing.T) {
	pipeline := NewRedactionPipeline([]RedactionRule{
		mustRule(t, `secret`, "***", "secret"),
		mustRule(t, `(\d{4})`, "0000", "digits"),
	})
	payload := map[string]any{
		"note":  "secret token 1234",
		"items": []any{"1234", map[string]any{"inner": "no secret"}},
		"tags":  []string{"keep", "secret"},
		"count": 42,
		"flag":  true,
	}

	out, counts := pipeline.ApplyStructure(payload)
	redacted := out.(map[string]any)

	assert.Equal(t, "*** token 0000", redacted["note"])
	items := redacted["items"].([]any)
	assert.Equal(t, "0000", items[0])
	assert.Equal(t, map[string]any{"inner": "no ***"}, items[1])
	assert.Equal(t, []string{"keep", "***"}, redacted["tags"])
	assert.Equal(t, 42, redacted["count"])
	assert.Equal(t, true, redacted["flag"])
	assert.Equal(t, map[string]int{"secret": 3, "digits": 2}, counts)
	assert.Equal(t, "secret token 1234", payload["note"], "input must not be modified")
}

func TestRedactionIsIdempotent(t *testing.T) {
	pipeline := NewRedactionPipeline([]RedactionRule{
		mustRule(t, `\d{4}`, "[NUM]", "digits"),
		mustRule(t, `[a-z]+@example\.com`, "[EMAIL]", "email"),
	})
	first, counts := pipeline.ApplyText(episode.StringPtr("mail bob@example.com pin 4321"))
	require.NotNil(t, first)
	assert.Equal(t, "mail [EMAIL] pin [NUM]", *first)
	assert.Equal(t, map[string]int{"digits": 1, "email": 1}, counts)

	second, counts := pipeline.ApplyText(first)
	assert.Equal(t, *first, *second)
	assert.Empty(t, counts)
}

func TestApplyTextNil(t *testing.T) {
	pipeline := NewRedactionPipeline([]RedactionRule{mustRule(t, "x", "y", "x")})
	out, counts := pipeline.ApplyText(nil)
	assert.Nil(t, out)
	assert.Empty(t, counts)
}

func TestSummariserThresholdBoundary(t *testing.T) {
	summarizer := NewHeuristicSummarizer(10, 600, 3)

	assert.Nil(t, summarizer.Summarise(episode.StringPtr("abcdefghij")))

	result := summarizer.Summarise(episode.StringPtr("abcdefghijk"))
	require.NotNil(t, result)
	assert.Equal(t, "abcdefghijk", result.Summary)
	assert.Equal(t, 11, result.OriginalLength)
	assert.Equal(t, 1, result.SentencesUsed)
}

func TestSummariserCountsRunes(t *testing.T) {
	summarizer := NewHeuristicSummarizer(5, 600, 3)
	assert.Nil(t, summarizer.Summarise(episode.StringPtr("ééééé")))
	assert.NotNil(t, summarizer.Summarise(episode.StringPtr("éééééé")))
}

func TestSummariserTakesLeadingSentences(t *testing.T) {
	summarizer := NewHeuristicSummarizer(5, 600, 2)
	result := summarizer.Summarise(episode.StringPtr("One. Two!  Three? Four."))
	require.NotNil(t, result)
	assert.Equal(t, "One. Two!", result.Summary)
	assert.Equal(t, 2, result.SentencesUsed)
	assert.Equal(t, 9, result.SummaryLength)
}

func TestSummariserSentenceCountFloor(t *testing.T) {
	summarizer := NewHeuristicSummarizer(1, 600, 0)
	result := summarizer.Summarise(episode.StringPtr("First one. Second one."))
	require.NotNil(t, result)
	assert.Equal(t, "First one.", result.Summary)
}

func TestSummariserTruncatesAtWhitespace(t *testing.T) {
	summarizer := NewHeuristicSummarizer(1, 10, 1)
	result := summarizer.Summarise(episode.StringPtr("alpha beta gamma delta"))
	require.NotNil(t, result)
	assert.Equal(t, "alpha…", result.Summary)
	assert.Equal(t, 6, result.SummaryLength)
}

func TestSummariserHardCutWithoutWhitespace(t *testing.T) {
	summarizer := NewHeuristicSummarizer(1, 5, 1)
	result := summarizer.Summarise(episode.StringPtr("abcdefghijklmnop"))
	require.NotNil(t, result)
	assert.Equal(t, "abcd…", result.Summary)
	assert.Equal(t, 5, result.SummaryLength)
}

func TestSummariserSkipsBlankText(t *testing.T) {
	summarizer := NewHeuristicSummarizer(1, 10, 1)
	assert.Nil(t, summarizer.Summarise(episode.StringPtr("          ")))
	assert.Nil(t, summarizer.Summarise(nil))
}

func TestProcessorRedactsThenSummarises(t *testing.T) {
	rulesPath := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte("- pattern: secret\n  replacement: REDACTED\n"), 0o600))
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	processor := NewProcessor(Options{
		Rules:         []RuleSpec{{Pattern: `alice@example\.com`, Replacement: "REDACTED"}},
		RulesPath:     rulesPath,
		Strategy:      "Heuristic",
		Threshold:     10,
		MaxChars:      30,
		SentenceCount: 2,
		Now:           func() time.Time { return now },
	})
	require.True(t, processor.RedactionEnabled())
	require.True(t, processor.SummarizationEnabled())

	in := episode.Episode{
		GroupID:  "g",
		Source:   episode.SourceGmail,
		NativeID: "n",
		Version:  "1",
		ValidAt:  now,
		Text:     episode.StringPtr("Secret plans from alice@example.com. They are very long indeed!"),
		JSON:     map[string]any{"body": "secret content"},
		Metadata: map[string]any{"owner": "alice@example.com"},
	}

	out := processor.Process(in)

	require.NotNil(t, out.Text)
	assert.Equal(t, "Secret plans from REDACTED.…", *out.Text)
	assert.Equal(t, "REDACTED content", out.JSON["body"])
	assert.Equal(t, "REDACTED", out.Metadata["owner"])

	processing := out.Metadata[episode.ProcessingKey].(map[string]any)
	redactions := processing["redactions"].(map[string]any)
	assert.Equal(t, map[string]any{`alice@example\.com`: 2, "secret": 1}, redactions["rules"])
	assert.Equal(t, episode.FormatTime(now), redactions["timestamp"])

	summary := processing["summarisation"].(map[string]any)
	assert.Equal(t, "heuristic", summary["strategy"])
	assert.Equal(t, 54, summary["original_length"])
	assert.Equal(t, 28, summary["summary_length"])
	assert.Equal(t, 2, summary["sentences_used"])

	assert.Equal(t, "Secret plans from alice@example.com. They are very long indeed!", *in.Text)
	assert.Equal(t, "alice@example.com", in.Metadata["owner"])
	assert.NotContains(t, in.Metadata, episode.ProcessingKey)
}

func TestProcessorPreservesExistingProcessingMetadata(t *testing.T) {
	processor := NewProcessor(Options{Rules: []RuleSpec{{Pattern: "secret", Replacement: "***", Name: "secret"}}})
	out := processor.Process(episode.Episode{
		Metadata: map[string]any{
			"note":                "secret",
			episode.ProcessingKey: map[string]any{"origin": "secret import"},
		},
	})

	assert.Equal(t, "***", out.Metadata["note"])
	processing := out.Metadata[episode.ProcessingKey].(map[string]any)
	assert.Equal(t, "secret import", processing["origin"])
	assert.Contains(t, processing, "redactions")
}

func TestProcessorNoMatchesLeavesProvenanceOut(t *testing.T) {
	processor := NewProcessor(Options{Rules: []RuleSpec{{Pattern: "secret"}}})
	out := processor.Process(episode.Episode{Text: episode.StringPtr("nothing here")})
	assert.Equal(t, "nothing here", *out.Text)
	assert.NotContains(t, out.Metadata, episode.ProcessingKey)
}

func TestProcessorDropsInvalidRules(t *testing.T) {
	var logs []string
	processor := NewProcessor(Options{
		Rules:  []RuleSpec{{Pattern: "("}, {Pattern: "ok"}},
		Logger: loggerFunc(func(format string, args ...any) { logs = append(logs, format) }),
	})
	assert.Len(t, processor.redactor.Rules(), 1)
	assert.Len(t, logs, 1)
}

func TestProcessorStrategyGate(t *testing.T) {
	for _, tc := range []struct {
		strategy  string
		threshold int
		enabled   bool
	}{
		{"heuristic", 10, true},
		{"AUTO", 10, true},
		{"none", 10, false},
		{"llm", 10, false},
		{"heuristic", 0, false},
	} {
		processor := NewProcessor(Options{Strategy: tc.strategy, Threshold: tc.threshold, MaxChars: 600, SentenceCount: 3})
		assert.Equal(t, tc.enabled, processor.SummarizationEnabled(), "strategy %q threshold %d", tc.strategy, tc.threshold)
	}
}

func TestProcessorWithoutTransformsReturnsCopy(t *testing.T) {
	processor := NewProcessor(Options{})
	in := episode.Episode{JSON: map[string]any{"a": "b"}}
	out := processor.Process(in)
	out.JSON["a"] = "changed"
	assert.Equal(t, "b", in.JSON["a"])
}

func TestParseRulesJSONDropsInvalidEntries(t *testing.T) {
	specs, problems := ParseRules([]byte(`[
		{"pattern": "secret", "replacement": "***", "name": "secret"},
		{"replacement": "missing pattern"},
		{"pattern": 5}
	]`))
	assert.Equal(t, []RuleSpec{{Pattern: "secret", Replacement: "***", Name: "secret"}}, specs)
	assert.Len(t, problems, 2)
}

func TestParseRulesYAMLKeepsScalarText(t *testing.T) {
	specs, problems := ParseRules([]byte("- pattern: secret\n  replacement: 0000\n  name: s\n"))
	assert.Empty(t, problems)
	assert.Equal(t, []RuleSpec{{Pattern: "secret", Replacement: "0000", Name: "s"}}, specs)
}

func TestParseRulesSimpleFormatFallback(t *testing.T) {
	content := strings.Join([]string{
		"# card numbers",
		`- pattern: "\d{4}"`,
		`  replacement: "####"`,
		`- pattern: 'token'`,
	}, "\n")
	specs, problems := ParseRules([]byte(content))
	assert.Empty(t, problems)
	assert.Equal(t, []RuleSpec{
		{Pattern: `\d{4}`, Replacement: "####"},
		{Pattern: "token"},
	}, specs)
}

func TestLoadRulesFileMissing(t *testing.T) {
	specs, problems := LoadRulesFile(filepath.Join(t.TempDir(), "absent.json"))
	assert.Nil(t, specs)
	assert.Nil(t, problems)
}

type loggerFunc func(format string, args ...any)

func (f loggerFunc) Printf(format string, args ...any) { f(format, args...) }
