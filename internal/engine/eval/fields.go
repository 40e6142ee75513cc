// Package eval holds the pure validation and evaluation rules for context
// schemas: field value coercion, schema structural checks, completion math,
// priority rules, and status transition legality. Nothing here persists.
package eval

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"caseflow/internal/domain"
)

// FieldError reports a single field value failing validation.
type FieldError struct {
	FieldID string
	Reason  string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("field %s: %s", e.FieldID, e.Reason)
}

// Validation failure reasons.
const (
	ReasonInvalidType      = "invalid_type"
	ReasonInvalidFormat    = "invalid_format"
	ReasonInvalidChoice    = "invalid_choice"
	ReasonInvalidNumber    = "invalid_number"
	ReasonInvalidBoolean   = "invalid_boolean"
	ReasonInvalidDate      = "invalid_date"
	ReasonNotAIExtractable = "not_ai_extractable"
	ReasonUnknownField     = "unknown_field"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

const (
	dateLayout = "2006-01-02"
)

// ValidateFieldValue coerces a raw (JSON-decoded) value against a field
// definition. It returns the normalized value to store, or a FieldError.
// Required-ness is deliberately not checked here: absent keys are legal at
// field-write time and only matter for completion percentage.
func ValidateFieldValue(field domain.FieldDefinition, raw any) (any, error) {
	switch field.Type {
	case domain.FieldText, domain.FieldTextarea, domain.FieldPhone:
		s, ok := raw.(string)
		if !ok {
			return nil, FieldError{FieldID: field.ID, Reason: ReasonInvalidType}
		}
		return s, nil
	case domain.FieldEmail:
		s, ok := raw.(string)
		if !ok {
			return nil, FieldError{FieldID: field.ID, Reason: ReasonInvalidType}
		}
		if !emailPattern.MatchString(s) {
			return nil, FieldError{FieldID: field.ID, Reason: ReasonInvalidFormat}
		}
		return s, nil
	case domain.FieldURL:
		s, ok := raw.(string)
		if !ok {
			return nil, FieldError{FieldID: field.ID, Reason: ReasonInvalidType}
		}
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, FieldError{FieldID: field.ID, Reason: ReasonInvalidFormat}
		}
		return s, nil
	case domain.FieldChoice:
		s, ok := raw.(string)
		if !ok {
			return nil, FieldError{FieldID: field.ID, Reason: ReasonInvalidType}
		}
		if !contains(field.Choices, s) {
			return nil, FieldError{FieldID: field.ID, Reason: ReasonInvalidChoice}
		}
		return s, nil
	case domain.FieldMultiChoice:
		items, ok := stringSlice(raw)
		if !ok {
			return nil, FieldError{FieldID: field.ID, Reason: ReasonInvalidType}
		}
		for _, item := range items {
			if !contains(field.Choices, item) {
				return nil, FieldError{FieldID: field.ID, Reason: ReasonInvalidChoice}
			}
		}
		return items, nil
	case domain.FieldNumber:
		f, ok := numeric(raw)
		if !ok {
			return nil, FieldError{FieldID: field.ID, Reason: ReasonInvalidNumber}
		}
		if f != math.Trunc(f) {
			return nil, FieldError{FieldID: field.ID, Reason: ReasonInvalidNumber}
		}
		return int64(f), nil
	case domain.FieldDecimal:
		f, ok := numeric(raw)
		if !ok {
			return nil, FieldError{FieldID: field.ID, Reason: ReasonInvalidNumber}
		}
		return f, nil
	case domain.FieldBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(v) {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
		}
		return nil, FieldError{FieldID: field.ID, Reason: ReasonInvalidBoolean}
	case domain.FieldDate:
		s, ok := raw.(string)
		if !ok {
			return nil, FieldError{FieldID: field.ID, Reason: ReasonInvalidType}
		}
		t, err := time.Parse(dateLayout, s)
		if err != nil {
			return nil, FieldError{FieldID: field.ID, Reason: ReasonInvalidDate}
		}
		return t.Format(dateLayout), nil
	case domain.FieldDatetime:
		s, ok := raw.(string)
		if !ok {
			return nil, FieldError{FieldID: field.ID, Reason: ReasonInvalidType}
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, FieldError{FieldID: field.ID, Reason: ReasonInvalidDate}
		}
		return t.Format(time.RFC3339), nil
	case domain.FieldTags:
		items, ok := stringSlice(raw)
		if !ok {
			return nil, FieldError{FieldID: field.ID, Reason: ReasonInvalidType}
		}
		return dedup(items), nil
	default:
		return nil, FieldError{FieldID: field.ID, Reason: ReasonInvalidType}
	}
}

// IsEmpty reports whether a stored value counts as "not set" for completion
// and is_set/is_empty purposes. A false boolean or a zero number is set.
func IsEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []string:
		return len(val) == 0
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// stringSlice accepts []string or a JSON-decoded []any of strings.
func stringSlice(raw any) ([]string, bool) {
	switch v := raw.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// dedup removes duplicates preserving first-seen order.
func dedup(items []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

// numeric coerces JSON numbers, Go ints, and numeric strings to float64.
func numeric(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
