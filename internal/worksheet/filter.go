package worksheet

import "time"

// Filter is a node in the boolean expression tree accepted by the row-listing
// endpoint. A node is either a single condition or a group combining children
// with AND/OR logic.
type Filter struct {
	Type     string    `json:"type"` // "condition" or "group"
	Logic    string    `json:"logic,omitempty"`
	Field    string    `json:"field,omitempty"`
	Operator string    `json:"operator,omitempty"`
	Value    any       `json:"value,omitempty"`
	Children []*Filter `json:"children,omitempty"`
}

// Operators understood by the service.
const (
	OpEq       = "eq"
	OpGt       = "gt"
	OpLt       = "lt"
	OpContains = "contains"
)

// TimeFormat is the timestamp layout the service expects in filter values.
const TimeFormat = "2006-01-02 15:04:05"

// Condition builds a single condition node.
func Condition(field, operator string, value any) *Filter {
	return &Filter{Type: "condition", Field: field, Operator: operator, Value: value}
}

// After builds a condition matching rows whose timestamp field exceeds t.
func After(field string, t time.Time) *Filter {
	return Condition(field, OpGt, t.UTC().Format(TimeFormat))
}

// And combines children into a group with AND logic.
func And(children ...*Filter) *Filter {
	return &Filter{Type: "group", Logic: "AND", Children: children}
}

// Or combines children into a group with OR logic.
func Or(children ...*Filter) *Filter {
	return &Filter{Type: "group", Logic: "OR", Children: children}
}
