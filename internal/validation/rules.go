// Package validation evaluates component outputs against declarative
// rules and derives quality metrics from the outcomes.
package validation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"propgen/internal/domain"
)

// Check types understood by Evaluate. Conditions reference result
// fields by dotted-free top-level name.
const (
	CheckRequiredField = "required_field"
	CheckNonEmpty      = "non_empty"
	CheckMinLength     = "min_length"
	CheckMaxLength     = "max_length"
	CheckNumericRange  = "numeric_range"
	CheckAllowedValues = "allowed_values"
)

type ruleFile struct {
	Rules []domain.ValidationRule `yaml:"rules"`
}

func LoadRules(path string) ([]domain.ValidationRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read validation rules %s: %w", path, err)
	}
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode validation rules: %w", err)
	}
	for i, rule := range file.Rules {
		if rule.RuleID == "" {
			return nil, fmt.Errorf("rule %d has no rule_id", i)
		}
		if rule.Severity == "" {
			file.Rules[i].Severity = domain.SeverityWarning
		}
	}
	return file.Rules, nil
}

type Engine struct {
	rules []domain.ValidationRule
}

func NewEngine(rules []domain.ValidationRule) *Engine {
	return &Engine{rules: rules}
}

// Evaluate runs every rule whose component matches. Rules with an
// empty component apply to all components.
func (e *Engine) Evaluate(componentID string, result map[string]any) []domain.ValidationResult {
	var out []domain.ValidationResult
	for _, rule := range e.rules {
		if rule.Component != "" && rule.Component != componentID {
			continue
		}
		passed, affected := evaluateRule(rule, result)
		out = append(out, domain.ValidationResult{
			RuleID:          rule.RuleID,
			Passed:          passed,
			Severity:        rule.Severity,
			Message:         rule.Message,
			FixSuggestion:   rule.FixSuggestion,
			AffectedContent: affected,
		})
	}
	return out
}

// HasBlockingFailure reports whether the results contain an
// error-severity failure that should demote the component under the
// given validation level.
func HasBlockingFailure(results []domain.ValidationResult, level domain.ValidationLevel) bool {
	if level == domain.ValidationLenient || level == domain.ValidationSkip {
		return false
	}
	for _, r := range results {
		if !r.Passed && r.Severity == domain.SeverityError {
			return true
		}
	}
	return false
}

func evaluateRule(rule domain.ValidationRule, result map[string]any) (passed bool, affected string) {
	field, _ := rule.Condition["field"].(string)
	value, present := result[field]

	switch rule.CheckType {
	case CheckRequiredField:
		return present, field
	case CheckNonEmpty:
		if !present {
			return false, field
		}
		switch v := value.(type) {
		case string:
			return v != "", field
		case []any:
			return len(v) > 0, field
		case map[string]any:
			return len(v) > 0, field
		case nil:
			return false, field
		}
		return true, field
	case CheckMinLength:
		min := conditionNumber(rule.Condition, "min")
		text, _ := value.(string)
		return present && float64(len(text)) >= min, field
	case CheckMaxLength:
		max := conditionNumber(rule.Condition, "max")
		text, _ := value.(string)
		return present && float64(len(text)) <= max, field
	case CheckNumericRange:
		num, ok := asFloat(value)
		if !present || !ok {
			return false, field
		}
		min := conditionNumber(rule.Condition, "min")
		max := conditionNumber(rule.Condition, "max")
		if _, hasMax := rule.Condition["max"]; hasMax && num > max {
			return false, field
		}
		if _, hasMin := rule.Condition["min"]; hasMin && num < min {
			return false, field
		}
		return true, field
	case CheckAllowedValues:
		allowed, _ := rule.Condition["values"].([]any)
		for _, candidate := range allowed {
			if fmt.Sprintf("%v", candidate) == fmt.Sprintf("%v", value) {
				return true, field
			}
		}
		return false, field
	}
	// Unknown check types fail open so a typo in a rule file does not
	// block an otherwise healthy workflow.
	return true, field
}

func conditionNumber(condition map[string]any, key string) float64 {
	if v, ok := asFloat(condition[key]); ok {
		return v
	}
	return 0
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
