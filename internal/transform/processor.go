package transform

import (
	"strings"
	"time"

	"github.com/agentworkforce/episodesync/internal/episode"
)

const (
	StrategyNone      = "none"
	StrategyHeuristic = "heuristic"
	StrategyAuto      = "auto"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Rules         []RuleSpec
	RulesPath     string
	Strategy      string
	Threshold     int
	MaxChars      int
	SentenceCount int
	Now           func() time.Time
	Logger        Logger
}

// Processor rewrites episodes before they reach a sink: redaction first,
// then summarisation of the (already redacted) text.
type Processor struct {
	redactor   *RedactionPipeline
	summarizer *HeuristicSummarizer
	strategy   string
	now        func() time.Time
}

func NewProcessor(opts Options) *Processor {
	specs := append([]RuleSpec(nil), opts.Rules...)
	if strings.TrimSpace(opts.RulesPath) != "" {
		fileSpecs, problems := LoadRulesFile(opts.RulesPath)
		for _, problem := range problems {
			logf(opts.Logger, "redaction rules %s: %v", opts.RulesPath, problem)
		}
		specs = append(specs, fileSpecs...)
	}
	rules := CompileRules(specs, opts.Logger)

	p := &Processor{now: opts.Now}
	if p.now == nil {
		p.now = time.Now
	}
	if len(rules) > 0 {
		p.redactor = NewRedactionPipeline(rules)
	}
	strategy := strings.ToLower(strings.TrimSpace(opts.Strategy))
	if (strategy == StrategyHeuristic || strategy == StrategyAuto) && opts.Threshold > 0 {
		p.strategy = strategy
		p.summarizer = NewHeuristicSummarizer(opts.Threshold, opts.MaxChars, opts.SentenceCount)
	}
	return p
}

// CompileRules turns specs into rules, dropping the ones that fail to compile.
func CompileRules(specs []RuleSpec, logger Logger) []RedactionRule {
	rules := make([]RedactionRule, 0, len(specs))
	for _, spec := range specs {
		rule, err := NewRedactionRule(spec.Pattern, spec.Replacement, spec.Name)
		if err != nil {
			logf(logger, "dropping redaction rule: %v", err)
			continue
		}
		rules = append(rules, rule)
	}
	return rules
}

func (p *Processor) RedactionEnabled() bool {
	return p != nil && p.redactor.Enabled()
}

func (p *Processor) SummarizationEnabled() bool {
	return p != nil && p.summarizer != nil
}

// Process returns a transformed copy of ep; ep itself is never modified.
func (p *Processor) Process(ep episode.Episode) episode.Episode {
	out := ep.Clone()
	if p == nil || (!p.RedactionEnabled() && !p.SummarizationEnabled()) {
		return out
	}

	metadata := out.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	processing, _ := metadata[episode.ProcessingKey].(map[string]any)
	if processing == nil {
		processing = map[string]any{}
	}

	if p.RedactionEnabled() {
		text, textCounts := p.redactor.ApplyText(out.Text)
		out.Text = text

		var jsonCounts map[string]int
		if out.JSON != nil {
			redacted, counts := p.redactor.ApplyStructure(out.JSON)
			out.JSON, _ = redacted.(map[string]any)
			jsonCounts = counts
		}

		body := make(map[string]any, len(metadata))
		for key, value := range metadata {
			if key != episode.ProcessingKey {
				body[key] = value
			}
		}
		redactedMeta, metaCounts := p.redactor.ApplyStructure(body)
		metadata, _ = redactedMeta.(map[string]any)

		counts := mergeCounts(textCounts, jsonCounts, metaCounts)
		if len(counts) > 0 {
			rules := make(map[string]any, len(counts))
			for name, n := range counts {
				rules[name] = n
			}
			processing["redactions"] = map[string]any{
				"rules":     rules,
				"timestamp": episode.FormatTime(p.now()),
			}
		}
	}

	if p.SummarizationEnabled() {
		if result := p.summarizer.Summarise(out.Text); result != nil {
			out.Text = episode.StringPtr(result.Summary)
			processing["summarisation"] = map[string]any{
				"strategy":        p.strategy,
				"original_length": result.OriginalLength,
				"summary_length":  result.SummaryLength,
				"sentences_used":  result.SentencesUsed,
			}
		}
	}

	if len(processing) > 0 {
		metadata[episode.ProcessingKey] = processing
	}
	if len(metadata) > 0 || out.Metadata != nil {
		out.Metadata = metadata
	}
	return out
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
