package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

const ruleSchemaURL = "https://episodesync.dev/schemas/redaction-rule.json"

const ruleSchema = `{
  "type": "object",
  "required": ["pattern"],
  "properties": {
    "pattern": {"type": "string", "minLength": 1},
    "replacement": {"type": "string"},
    "name": {"type": "string"}
  }
}`

var (
	ruleSchemaOnce     sync.Once
	compiledRuleSchema *jsonschema.Schema
	ruleSchemaErr      error
)

func ruleValidator() (*jsonschema.Schema, error) {
	ruleSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(ruleSchema))
		if err != nil {
			ruleSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(ruleSchemaURL, doc); err != nil {
			ruleSchemaErr = err
			return
		}
		compiledRuleSchema, ruleSchemaErr = compiler.Compile(ruleSchemaURL)
	})
	return compiledRuleSchema, ruleSchemaErr
}

// LoadRulesFile reads rule specs from path. A missing file yields no rules.
// The returned problems describe entries that were skipped.
func LoadRulesFile(path string) ([]RuleSpec, []error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("read rules file: %w", err)}
	}
	return ParseRules(data)
}

// ParseRules accepts a JSON array, a YAML list, or the simple
// "- key: value" line format, tried in that order.
func ParseRules(data []byte) ([]RuleSpec, []error) {
	content := strings.TrimSpace(string(data))
	if content == "" {
		return nil, nil
	}

	var entries []any
	if err := json.Unmarshal([]byte(content), &entries); err == nil {
		return validateEntries(entries)
	}

	var yamlEntries []map[string]string
	if err := yaml.Unmarshal([]byte(content), &yamlEntries); err == nil && len(yamlEntries) > 0 {
		return validateEntries(stringMaps(yamlEntries))
	}

	return validateEntries(stringMaps(parseSimpleRules(content)))
}

func validateEntries(entries []any) ([]RuleSpec, []error) {
	schema, err := ruleValidator()
	if err != nil {
		return nil, []error{fmt.Errorf("compile rule schema: %w", err)}
	}
	var (
		specs    []RuleSpec
		problems []error
	)
	for i, entry := range entries {
		if err := schema.Validate(entry); err != nil {
			problems = append(problems, fmt.Errorf("rule %d: %w", i, err))
			continue
		}
		fields, _ := entry.(map[string]any)
		spec := RuleSpec{Pattern: fields["pattern"].(string)}
		spec.Replacement, _ = fields["replacement"].(string)
		spec.Name, _ = fields["name"].(string)
		specs = append(specs, spec)
	}
	return specs, problems
}

func stringMaps(in []map[string]string) []any {
	out := make([]any, 0, len(in))
	for _, entry := range in {
		fields := make(map[string]any, len(entry))
		for key, value := range entry {
			fields[key] = value
		}
		out = append(out, fields)
	}
	return out
}

func parseSimpleRules(content string) []map[string]string {
	var (
		items   []map[string]string
		current map[string]string
	)
	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "-") {
			if len(current) > 0 {
				items = append(items, current)
			}
			current = map[string]string{}
			line = strings.TrimSpace(line[1:])
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if current == nil {
			current = map[string]string{}
		}
		value = strings.Trim(strings.Trim(strings.TrimSpace(value), `"`), "'")
		current[strings.TrimSpace(key)] = value
	}
	if len(current) > 0 {
		items = append(items, current)
	}
	return items
}
