package flow

import (
	"fmt"
	"reflect"
	"strings"
)

// ConditionEvaluator evaluates a node's conditions against the merged
// variable scope.
type ConditionEvaluator struct{}

func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{}
}

// Evaluate returns true if all conditions pass under AND logic, or if
// any condition passes under OR logic (triggered by any condition
// setting Logic = "OR"). No conditions always passes.
func (e *ConditionEvaluator) Evaluate(conditions []Condition, data map[string]interface{}) (bool, error) {
	if len(conditions) == 0 {
		return true, nil
	}

	hasOR := false
	for _, c := range conditions {
		if strings.ToUpper(c.Logic) == "OR" {
			hasOR = true
			break
		}
	}

	if hasOR {
		for _, c := range conditions {
			ok, err := e.evaluateSingle(c, data)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	for _, c := range conditions {
		ok, err := e.evaluateSingle(c, data)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *ConditionEvaluator) evaluateSingle(c Condition, data map[string]interface{}) (bool, error) {
	fieldValue, exists := data[c.Field]
	if !exists {
		if c.Operator == "not_equals" {
			return true, nil
		}
		return false, fmt.Errorf("field %q not found in variable scope", c.Field)
	}

	switch c.Operator {
	case "equals":
		return reflect.DeepEqual(fieldValue, c.Value), nil
	case "not_equals":
		return !reflect.DeepEqual(fieldValue, c.Value), nil
	case "greater_than":
		return compareNumeric(fieldValue, c.Value, func(a, b float64) bool { return a > b })
	case "greater_or_equal":
		return compareNumeric(fieldValue, c.Value, func(a, b float64) bool { return a >= b })
	case "less_than":
		return compareNumeric(fieldValue, c.Value, func(a, b float64) bool { return a < b })
	case "less_or_equal":
		return compareNumeric(fieldValue, c.Value, func(a, b float64) bool { return a <= b })
	case "contains":
		return compareString(fieldValue, c.Value, strings.Contains)
	case "not_contains":
		ok, err := compareString(fieldValue, c.Value, strings.Contains)
		return !ok, err
	case "starts_with":
		return compareString(fieldValue, c.Value, strings.HasPrefix)
	case "ends_with":
		return compareString(fieldValue, c.Value, strings.HasSuffix)
	case "in_list":
		return compareInList(fieldValue, c.Value)
	case "not_in_list":
		ok, err := compareInList(fieldValue, c.Value)
		return !ok, err
	default:
		return false, fmt.Errorf("unknown operator: %s", c.Operator)
	}
}

func compareNumeric(fieldValue, condValue interface{}, cmp func(a, b float64) bool) (bool, error) {
	a, err := toFloat64(fieldValue)
	if err != nil {
		return false, fmt.Errorf("field value is not a number: %w", err)
	}
	b, err := toFloat64(condValue)
	if err != nil {
		return false, fmt.Errorf("condition value is not a number: %w", err)
	}
	return cmp(a, b), nil
}

func compareString(fieldValue, condValue interface{}, cmp func(s, substr string) bool) (bool, error) {
	fieldStr, ok := fieldValue.(string)
	if !ok {
		return false, fmt.Errorf("field value is not a string")
	}
	condStr, ok := condValue.(string)
	if !ok {
		return false, fmt.Errorf("condition value is not a string")
	}
	return cmp(strings.ToLower(fieldStr), strings.ToLower(condStr)), nil
}

func compareInList(fieldValue, condValue interface{}) (bool, error) {
	list, ok := condValue.([]interface{})
	if !ok {
		return false, fmt.Errorf("condition value is not a list")
	}
	for _, item := range list {
		if reflect.DeepEqual(fieldValue, item) {
			return true, nil
		}
	}
	return false, nil
}

func toFloat64(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", value)
	}
}
