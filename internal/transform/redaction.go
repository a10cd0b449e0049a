package transform

import (
	"fmt"
	"regexp"
	"strings"
)

const DefaultReplacement = "[REDACTED]"

// RuleSpec is the uncompiled form of a rule, as found in config and rule files.
type RuleSpec struct {
	Pattern     string `json:"pattern" yaml:"pattern"`
	Replacement string `json:"replacement,omitempty" yaml:"replacement,omitempty"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
}

type RedactionRule struct {
	Pattern     *regexp.Regexp
	Replacement string
	Name        string
}

func NewRedactionRule(pattern, replacement, name string) (RedactionRule, error) {
	if strings.TrimSpace(pattern) == "" {
		return RedactionRule{}, fmt.Errorf("redaction pattern is empty")
	}
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return RedactionRule{}, fmt.Errorf("compile redaction pattern %q: %w", pattern, err)
	}
	if replacement == "" {
		replacement = DefaultReplacement
	}
	if strings.TrimSpace(name) == "" {
		name = pattern
	}
	return RedactionRule{Pattern: compiled, Replacement: replacement, Name: name}, nil
}

// Apply returns the substituted text and the number of matches replaced.
func (r RedactionRule) Apply(value string) (string, int) {
	matches := r.Pattern.FindAllStringIndex(value, -1)
	if len(matches) == 0 {
		return value, 0
	}
	return r.Pattern.ReplaceAllString(value, r.Replacement), len(matches)
}

type RedactionPipeline struct {
	rules []RedactionRule
}

func NewRedactionPipeline(rules []RedactionRule) *RedactionPipeline {
	return &RedactionPipeline{rules: append([]RedactionRule(nil), rules...)}
}

func (p *RedactionPipeline) Enabled() bool {
	return p != nil && len(p.rules) > 0
}

func (p *RedactionPipeline) Rules() []RedactionRule {
	if p == nil {
		return nil
	}
	return append([]RedactionRule(nil), p.rules...)
}

func (p *RedactionPipeline) ApplyText(value *string) (*string, map[string]int) {
	counts := map[string]int{}
	if value == nil {
		return nil, counts
	}
	redacted := p.applyString(*value, counts)
	return &redacted, counts
}

// ApplyStructure walks maps and slices, redacting every string leaf. Slices
// keep their element type; non-string scalars pass through untouched.
func (p *RedactionPipeline) ApplyStructure(payload any) (any, map[string]int) {
	counts := map[string]int{}
	return p.walk(payload, counts), counts
}

func (p *RedactionPipeline) applyString(value string, counts map[string]int) string {
	if p == nil {
		return value
	}
	for _, rule := range p.rules {
		var n int
		value, n = rule.Apply(value)
		if n > 0 {
			counts[rule.Name] += n
		}
	}
	return value
}

func (p *RedactionPipeline) walk(value any, counts map[string]int) any {
	switch typed := value.(type) {
	case string:
		return p.applyString(typed, counts)
	case map[string]any:
		if typed == nil {
			return typed
		}
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[key] = p.walk(item, counts)
		}
		return out
	case map[string]string:
		if typed == nil {
			return typed
		}
		out := make(map[string]string, len(typed))
		for key, item := range typed {
			out[key] = p.applyString(item, counts)
		}
		return out
	case []any:
		if typed == nil {
			return typed
		}
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = p.walk(item, counts)
		}
		return out
	case []string:
		if typed == nil {
			return typed
		}
		out := make([]string, len(typed))
		for i, item := range typed {
			out[i] = p.applyString(item, counts)
		}
		return out
	case []map[string]any:
		if typed == nil {
			return typed
		}
		out := make([]map[string]any, len(typed))
		for i, item := range typed {
			out[i], _ = p.walk(item, counts).(map[string]any)
		}
		return out
	default:
		return value
	}
}

func mergeCounts(counters ...map[string]int) map[string]int {
	merged := map[string]int{}
	for _, counter := range counters {
		for name, n := range counter {
			merged[name] += n
		}
	}
	return merged
}
