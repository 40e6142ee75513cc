package eval

import (
	"fmt"
	"sort"

	"caseflow/internal/domain"
)

// SchemaError reports a structural problem in a schema definition. The whole
// create/update operation is rejected; nothing is partially persisted.
type SchemaError struct {
	Path   string
	Reason string
}

func (e SchemaError) Error() string {
	return fmt.Sprintf("schema %s: %s", e.Path, e.Reason)
}

// ValidateDefinition checks the structural invariants of a schema's three
// sub-structures: unique field ids, choices present on choice-typed fields,
// a referentially-consistent status workflow, and priority rules that name
// known fields, conditions, and priorities. display_order collisions are not
// an error (SortFields breaks ties by original sequence position).
func ValidateDefinition(fields []domain.FieldDefinition, workflow domain.StatusWorkflow, priority domain.PriorityConfig) error {
	fieldIDs := map[string]bool{}
	for i, f := range fields {
		if f.ID == "" {
			return SchemaError{Path: fmt.Sprintf("fields[%d].id", i), Reason: "required"}
		}
		if fieldIDs[f.ID] {
			return SchemaError{Path: "fields." + f.ID, Reason: "duplicate_field_id"}
		}
		fieldIDs[f.ID] = true
		if !validFieldType(f.Type) {
			return SchemaError{Path: "fields." + f.ID + ".type", Reason: "invalid_type"}
		}
		if (f.Type == domain.FieldChoice || f.Type == domain.FieldMultiChoice) && len(f.Choices) == 0 {
			return SchemaError{Path: "fields." + f.ID + ".choices", Reason: "choices_required"}
		}
	}

	if len(workflow.Statuses) == 0 {
		return SchemaError{Path: "status_workflow.statuses", Reason: "at_least_one_status_required"}
	}
	statusIDs := map[string]bool{}
	for i, s := range workflow.Statuses {
		if s.ID == "" {
			return SchemaError{Path: fmt.Sprintf("status_workflow.statuses[%d].id", i), Reason: "required"}
		}
		if statusIDs[s.ID] {
			return SchemaError{Path: "status_workflow.statuses." + s.ID, Reason: "duplicate_status_id"}
		}
		statusIDs[s.ID] = true
	}
	for from, dests := range workflow.Transitions {
		if !statusIDs[from] {
			return SchemaError{Path: "status_workflow.transitions." + from, Reason: "unknown_status"}
		}
		for _, to := range dests {
			if !statusIDs[to] {
				return SchemaError{Path: "status_workflow.transitions." + from, Reason: "unknown_status: " + to}
			}
		}
	}
	if workflow.Initial != "" && !statusIDs[workflow.Initial] {
		return SchemaError{Path: "status_workflow.initial", Reason: "unknown_status"}
	}

	if !validPriority(priority.DefaultPriority) {
		return SchemaError{Path: "priority_config.default_priority", Reason: "invalid_priority"}
	}
	for i, rule := range priority.Rules {
		path := fmt.Sprintf("priority_config.rules[%d]", i)
		if !fieldIDs[rule.FieldID] {
			return SchemaError{Path: path + ".field_id", Reason: "unknown_field"}
		}
		if !validCondition(rule.Condition) {
			return SchemaError{Path: path + ".condition", Reason: "invalid_condition"}
		}
		if !validPriority(rule.Priority) {
			return SchemaError{Path: path + ".priority", Reason: "invalid_priority"}
		}
	}
	return nil
}

// SortFields orders fields by display_order with ties broken by original
// sequence position (stable sort).
func SortFields(fields []domain.FieldDefinition) []domain.FieldDefinition {
	out := make([]domain.FieldDefinition, len(fields))
	copy(out, fields)
	sort.SliceStable(out, func(i, j int) bool { return out[i].DisplayOrder < out[j].DisplayOrder })
	return out
}

// ValidateStatusTransition reports transition legality: self-transitions are
// always allowed, otherwise the destination must appear in the transition map
// for the current status. A status with no outgoing entry is terminal.
func ValidateStatusTransition(workflow domain.StatusWorkflow, from, to string) bool {
	if from == to {
		return true
	}
	for _, dest := range workflow.Transitions[from] {
		if dest == to {
			return true
		}
	}
	return false
}

func validFieldType(t domain.FieldType) bool {
	for _, ft := range domain.FieldTypes {
		if ft == t {
			return true
		}
	}
	return false
}

func validPriority(p string) bool {
	for _, pr := range domain.Priorities {
		if pr == p {
			return true
		}
	}
	return false
}

func validCondition(c string) bool {
	switch c {
	case domain.CondEquals, domain.CondContains, domain.CondGreaterThan,
		domain.CondLessThan, domain.CondIsSet, domain.CondIsEmpty:
		return true
	}
	return false
}
