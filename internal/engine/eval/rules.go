package eval

import (
	"math"
	"strconv"
	"strings"

	"caseflow/internal/domain"
)

// ComputeCompletion returns the percentage of required fields holding a
// present, non-empty value, rounded to the nearest integer. Zero required
// fields means 100. Recomputed from scratch on every call.
func ComputeCompletion(schema domain.ContextSchema, data map[string]any) int {
	total := 0
	set := 0
	for _, f := range schema.Fields {
		if !f.Required {
			continue
		}
		total++
		if v, ok := data[f.ID]; ok && !IsEmpty(v) {
			set++
		}
	}
	if total == 0 {
		return 100
	}
	return int(math.Round(float64(set) / float64(total) * 100))
}

// EvaluatePriority walks the rules in order and returns the first matching
// rule's priority, falling back to the default. It never errors: a rule that
// cannot be evaluated against the current value simply does not match.
func EvaluatePriority(cfg domain.PriorityConfig, data map[string]any) string {
	for _, rule := range cfg.Rules {
		if ruleMatches(rule, data) {
			return rule.Priority
		}
	}
	if cfg.DefaultPriority != "" {
		return cfg.DefaultPriority
	}
	return domain.PriorityMedium
}

func ruleMatches(rule domain.PriorityRule, data map[string]any) bool {
	value, present := data[rule.FieldID]
	switch rule.Condition {
	case domain.CondIsSet:
		return present && !IsEmpty(value)
	case domain.CondIsEmpty:
		return !present || IsEmpty(value)
	}
	if !present {
		return false
	}
	switch rule.Condition {
	case domain.CondEquals:
		s, ok := canonicalString(value)
		return ok && s == rule.Value
	case domain.CondContains:
		switch v := value.(type) {
		case string:
			return strings.Contains(v, rule.Value)
		case []string:
			return contains(v, rule.Value)
		case []any:
			items, ok := stringSlice(v)
			return ok && contains(items, rule.Value)
		}
		return false
	case domain.CondGreaterThan:
		left, lok := numeric(value)
		right, rok := numeric(rule.Value)
		return lok && rok && left > right
	case domain.CondLessThan:
		left, lok := numeric(value)
		right, rok := numeric(rule.Value)
		return lok && rok && left < right
	}
	return false
}

// canonicalString renders a scalar value the way rule values are written in
// the schema editor. Multi-valued fields have no equals rendering.
func canonicalString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case int:
		return strconv.Itoa(v), true
	default:
		return "", false
	}
}
