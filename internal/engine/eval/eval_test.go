package eval_test

import (
	"errors"
	"reflect"
	"testing"

	"caseflow/internal/domain"
	"caseflow/internal/engine/eval"
)

func choiceField(id string, choices ...string) domain.FieldDefinition {
	return domain.FieldDefinition{ID: id, Type: domain.FieldChoice, Choices: choices}
}

func TestValidateFieldValueChoice(t *testing.T) {
	f := choiceField("f1", "a", "b")
	got, err := eval.ValidateFieldValue(f, "a")
	if err != nil {
		t.Fatalf("valid choice: %v", err)
	}
	if got != "a" {
		t.Fatalf("expected value returned unchanged, got %v", got)
	}
	_, err = eval.ValidateFieldValue(f, "c")
	var fe eval.FieldError
	if !errors.As(err, &fe) || fe.Reason != eval.ReasonInvalidChoice {
		t.Fatalf("expected invalid_choice, got %v", err)
	}
	if fe.FieldID != "f1" {
		t.Fatalf("expected field id f1, got %s", fe.FieldID)
	}
}

func TestValidateFieldValueMultiChoice(t *testing.T) {
	f := domain.FieldDefinition{ID: "opts", Type: domain.FieldMultiChoice, Choices: []string{"a", "b"}}
	got, err := eval.ValidateFieldValue(f, []any{"a", "b"})
	if err != nil {
		t.Fatalf("valid multi_choice: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected value %v", got)
	}
	if _, err := eval.ValidateFieldValue(f, []any{"a", "z"}); err == nil {
		t.Fatalf("expected invalid_choice for unknown member")
	}
	if _, err := eval.ValidateFieldValue(f, "a"); err == nil {
		t.Fatalf("expected invalid_type for non-sequence")
	}
}

func TestValidateFieldValueNumbers(t *testing.T) {
	num := domain.FieldDefinition{ID: "n", Type: domain.FieldNumber}
	got, err := eval.ValidateFieldValue(num, float64(42))
	if err != nil || got != int64(42) {
		t.Fatalf("integer number: %v %v", got, err)
	}
	if _, err := eval.ValidateFieldValue(num, 4.2); err == nil {
		t.Fatalf("number must reject fractional input")
	}
	if _, err := eval.ValidateFieldValue(num, "not a number"); err == nil {
		t.Fatalf("number must reject non-numeric input")
	}
	dec := domain.FieldDefinition{ID: "d", Type: domain.FieldDecimal}
	got, err = eval.ValidateFieldValue(dec, "4.25")
	if err != nil || got != 4.25 {
		t.Fatalf("decimal keeps precision: %v %v", got, err)
	}
}

func TestValidateFieldValueBoolean(t *testing.T) {
	f := domain.FieldDefinition{ID: "b", Type: domain.FieldBoolean}
	for raw, want := range map[any]bool{true: true, "TRUE": true, "false": false} {
		got, err := eval.ValidateFieldValue(f, raw)
		if err != nil || got != want {
			t.Fatalf("boolean %v: got %v err %v", raw, got, err)
		}
	}
	if _, err := eval.ValidateFieldValue(f, "yes"); err == nil {
		t.Fatalf("expected invalid_boolean")
	}
}

func TestValidateFieldValueDates(t *testing.T) {
	f := domain.FieldDefinition{ID: "due", Type: domain.FieldDate}
	if _, err := eval.ValidateFieldValue(f, "2024-02-29"); err != nil {
		t.Fatalf("leap day should parse: %v", err)
	}
	_, err := eval.ValidateFieldValue(f, "2024-13-01")
	var fe eval.FieldError
	if !errors.As(err, &fe) || fe.Reason != eval.ReasonInvalidDate {
		t.Fatalf("month 13 should fail invalid_date, got %v", err)
	}
	dt := domain.FieldDefinition{ID: "at", Type: domain.FieldDatetime}
	if _, err := eval.ValidateFieldValue(dt, "2024-01-01T10:00:00Z"); err != nil {
		t.Fatalf("rfc3339 should parse: %v", err)
	}
	if _, err := eval.ValidateFieldValue(dt, "2024-01-01"); err == nil {
		t.Fatalf("bare date is not a datetime")
	}
}

func TestValidateFieldValueFormats(t *testing.T) {
	email := domain.FieldDefinition{ID: "email", Type: domain.FieldEmail}
	if _, err := eval.ValidateFieldValue(email, "a@b.co"); err != nil {
		t.Fatalf("valid email: %v", err)
	}
	if _, err := eval.ValidateFieldValue(email, "nope"); err == nil {
		t.Fatalf("expected invalid_format for email")
	}
	u := domain.FieldDefinition{ID: "site", Type: domain.FieldURL}
	if _, err := eval.ValidateFieldValue(u, "https://example.com/x"); err != nil {
		t.Fatalf("valid url: %v", err)
	}
	if _, err := eval.ValidateFieldValue(u, "example com"); err == nil {
		t.Fatalf("expected invalid_format for url")
	}
}

func TestValidateFieldValueTagsDedup(t *testing.T) {
	f := domain.FieldDefinition{ID: "labels", Type: domain.FieldTags}
	got, err := eval.ValidateFieldValue(f, []any{"vip", "refund", "vip"})
	if err != nil {
		t.Fatalf("tags: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"vip", "refund"}) {
		t.Fatalf("expected first-seen dedup, got %v", got)
	}
}

func completionSchema() domain.ContextSchema {
	return domain.ContextSchema{
		Fields: []domain.FieldDefinition{
			{ID: "a", Type: domain.FieldText, Required: true},
			{ID: "b", Type: domain.FieldText, Required: true},
			{ID: "c", Type: domain.FieldText, Required: true},
			{ID: "note", Type: domain.FieldTextarea},
		},
	}
}

func TestComputeCompletion(t *testing.T) {
	schema := completionSchema()
	data := map[string]any{}
	if got := eval.ComputeCompletion(schema, data); got != 0 {
		t.Fatalf("empty: got %d", got)
	}
	data["a"] = "x"
	if got := eval.ComputeCompletion(schema, data); got != 33 {
		t.Fatalf("1/3: got %d", got)
	}
	data["b"] = "y"
	if got := eval.ComputeCompletion(schema, data); got != 67 {
		t.Fatalf("2/3: got %d", got)
	}
	data["c"] = "z"
	if got := eval.ComputeCompletion(schema, data); got != 100 {
		t.Fatalf("3/3: got %d", got)
	}
	delete(data, "b")
	if got := eval.ComputeCompletion(schema, data); got != 67 {
		t.Fatalf("recomputation after removal: got %d", got)
	}
	// optional fields never count
	data["note"] = "hello"
	if got := eval.ComputeCompletion(schema, data); got != 67 {
		t.Fatalf("optional field counted: got %d", got)
	}
	if got := eval.ComputeCompletion(domain.ContextSchema{}, nil); got != 100 {
		t.Fatalf("zero required fields: got %d", got)
	}
}

func TestEvaluatePriorityShortCircuit(t *testing.T) {
	cfg := domain.PriorityConfig{
		DefaultPriority: domain.PriorityLow,
		Rules: []domain.PriorityRule{
			{FieldID: "urgency", Condition: domain.CondEquals, Value: "high", Priority: domain.PriorityCritical},
			{FieldID: "urgency", Condition: domain.CondIsSet, Priority: domain.PriorityMedium},
		},
	}
	if got := eval.EvaluatePriority(cfg, map[string]any{"urgency": "high"}); got != domain.PriorityCritical {
		t.Fatalf("first match must win, got %s", got)
	}
	if got := eval.EvaluatePriority(cfg, map[string]any{"urgency": "low"}); got != domain.PriorityMedium {
		t.Fatalf("second rule should match, got %s", got)
	}
	if got := eval.EvaluatePriority(cfg, map[string]any{}); got != domain.PriorityLow {
		t.Fatalf("default expected, got %s", got)
	}
}

func TestEvaluatePriorityConditions(t *testing.T) {
	data := map[string]any{
		"amount":  float64(150),
		"summary": "refund requested by customer",
		"labels":  []string{"vip", "billing"},
		"empty":   "",
	}
	cases := []struct {
		rule  domain.PriorityRule
		match bool
	}{
		{domain.PriorityRule{FieldID: "amount", Condition: domain.CondGreaterThan, Value: "100", Priority: domain.PriorityHigh}, true},
		{domain.PriorityRule{FieldID: "amount", Condition: domain.CondLessThan, Value: "100", Priority: domain.PriorityHigh}, false},
		{domain.PriorityRule{FieldID: "summary", Condition: domain.CondGreaterThan, Value: "100", Priority: domain.PriorityHigh}, false}, // fail closed
		{domain.PriorityRule{FieldID: "summary", Condition: domain.CondContains, Value: "refund", Priority: domain.PriorityHigh}, true},
		{domain.PriorityRule{FieldID: "labels", Condition: domain.CondContains, Value: "vip", Priority: domain.PriorityHigh}, true},
		{domain.PriorityRule{FieldID: "labels", Condition: domain.CondContains, Value: "vi", Priority: domain.PriorityHigh}, false},
		{domain.PriorityRule{FieldID: "empty", Condition: domain.CondIsSet, Priority: domain.PriorityHigh}, false},
		{domain.PriorityRule{FieldID: "empty", Condition: domain.CondIsEmpty, Priority: domain.PriorityHigh}, true},
		{domain.PriorityRule{FieldID: "missing", Condition: domain.CondIsEmpty, Priority: domain.PriorityHigh}, true},
		{domain.PriorityRule{FieldID: "amount", Condition: domain.CondEquals, Value: "150", Priority: domain.PriorityHigh}, true},
	}
	for i, tc := range cases {
		cfg := domain.PriorityConfig{DefaultPriority: domain.PriorityLow, Rules: []domain.PriorityRule{tc.rule}}
		got := eval.EvaluatePriority(cfg, data)
		matched := got == domain.PriorityHigh
		if matched != tc.match {
			t.Fatalf("case %d (%s %s %q): matched=%v want %v", i, tc.rule.FieldID, tc.rule.Condition, tc.rule.Value, matched, tc.match)
		}
	}
}

func supportWorkflow() domain.StatusWorkflow {
	return domain.StatusWorkflow{
		Statuses: []domain.Status{{ID: "new"}, {ID: "in_progress"}, {ID: "resolved"}},
		Transitions: map[string][]string{
			"new":         {"in_progress"},
			"in_progress": {"resolved"},
			"resolved":    {},
		},
	}
}

func TestValidateStatusTransition(t *testing.T) {
	w := supportWorkflow()
	if !eval.ValidateStatusTransition(w, "new", "in_progress") {
		t.Fatalf("configured transition should pass")
	}
	if !eval.ValidateStatusTransition(w, "resolved", "resolved") {
		t.Fatalf("self-transition always allowed")
	}
	if eval.ValidateStatusTransition(w, "resolved", "new") {
		t.Fatalf("terminal status must reject outgoing transition")
	}
	if eval.ValidateStatusTransition(w, "new", "resolved") {
		t.Fatalf("skipping a step should be rejected")
	}
}

func TestValidateDefinition(t *testing.T) {
	fields := []domain.FieldDefinition{
		{ID: "subject", Type: domain.FieldText},
		choiceField("urgency", "low", "high"),
	}
	workflow := supportWorkflow()
	priority := domain.PriorityConfig{DefaultPriority: domain.PriorityMedium}
	if err := eval.ValidateDefinition(fields, workflow, priority); err != nil {
		t.Fatalf("valid definition: %v", err)
	}

	dup := append(fields, domain.FieldDefinition{ID: "subject", Type: domain.FieldText})
	var se eval.SchemaError
	if err := eval.ValidateDefinition(dup, workflow, priority); !errors.As(err, &se) || se.Reason != "duplicate_field_id" {
		t.Fatalf("expected duplicate_field_id, got %v", err)
	}

	noChoices := []domain.FieldDefinition{{ID: "c", Type: domain.FieldChoice}}
	if err := eval.ValidateDefinition(noChoices, workflow, priority); err == nil {
		t.Fatalf("choice field without choices must fail")
	}

	badFlow := supportWorkflow()
	badFlow.Transitions["in_progress"] = []string{"gone"}
	if err := eval.ValidateDefinition(fields, badFlow, priority); err == nil {
		t.Fatalf("transition to undefined status must fail")
	}

	badRule := domain.PriorityConfig{
		DefaultPriority: domain.PriorityMedium,
		Rules:           []domain.PriorityRule{{FieldID: "nope", Condition: domain.CondIsSet, Priority: domain.PriorityHigh}},
	}
	if err := eval.ValidateDefinition(fields, workflow, badRule); err == nil {
		t.Fatalf("rule naming unknown field must fail")
	}
}

func TestSortFieldsStable(t *testing.T) {
	fields := []domain.FieldDefinition{
		{ID: "b", Type: domain.FieldText, DisplayOrder: 2},
		{ID: "a", Type: domain.FieldText, DisplayOrder: 1},
		{ID: "c", Type: domain.FieldText, DisplayOrder: 2},
	}
	sorted := eval.SortFields(fields)
	ids := []string{sorted[0].ID, sorted[1].ID, sorted[2].ID}
	if !reflect.DeepEqual(ids, []string{"a", "b", "c"}) {
		t.Fatalf("expected stable order a,b,c got %v", ids)
	}
}
