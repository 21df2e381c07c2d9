package services

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"planora/internal/models"
)

// ConditionTraceEntry 单个条件的评估痕迹
type ConditionTraceEntry struct {
	Field    string          `json:"field"`
	Operator models.Operator `json:"operator"`
	Expected string          `json:"expected,omitempty"`
	Actual   interface{}     `json:"actual"`
	Passed   bool            `json:"passed"`
}

// ConditionsResult 条件树的整体评估结果
type ConditionsResult struct {
	Passed     bool                  `json:"passed"`
	Trace      []ConditionTraceEntry `json:"trace"`
	Expression string                `json:"expression"`
}

// EvaluateConditions evaluates the ordered condition list against resolved
// field values. An empty list always passes. Every condition is traced even
// when the combined outcome is already decided; combination uses the
// rule-level logic only. The function is pure: no side effects, no hidden
// state.
func EvaluateConditions(conds []models.RuleCondition, logic models.ConditionLogic, resolve FieldResolver) ConditionsResult {
	if len(conds) == 0 {
		return ConditionsResult{Passed: true, Trace: []ConditionTraceEntry{}, Expression: ""}
	}

	ordered := make([]models.RuleCondition, len(conds))
	copy(ordered, conds)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	trace := make([]ConditionTraceEntry, 0, len(ordered))
	var exprParts []string
	allPassed := true
	anyPassed := false

	for _, cond := range ordered {
		actual, _ := resolve(cond.Field)
		passed := applyOperator(cond.Operator, actual, cond.Value)
		trace = append(trace, ConditionTraceEntry{
			Field:    cond.Field,
			Operator: cond.Operator,
			Expected: cond.Value,
			Actual:   actual,
			Passed:   passed,
		})
		exprParts = append(exprParts, describeCondition(cond))
		allPassed = allPassed && passed
		anyPassed = anyPassed || passed
	}

	passed := allPassed
	joiner := " AND "
	if logic == models.LogicOr {
		passed = anyPassed
		joiner = " OR "
	}

	return ConditionsResult{
		Passed:     passed,
		Trace:      trace,
		Expression: strings.Join(exprParts, joiner),
	}
}

// applyOperator applies a single operator to the resolved value. Numeric
// comparisons coerce both sides and fail to no-match when either side is not
// a number.
func applyOperator(op models.Operator, actual interface{}, expected string) bool {
	switch op {
	case models.OpEquals:
		return stringify(actual) == expected
	case models.OpNotEquals:
		return stringify(actual) != expected
	case models.OpContains:
		return containsValue(actual, expected)
	case models.OpNotContains:
		return !containsValue(actual, expected)
	case models.OpStartsWith:
		return strings.HasPrefix(stringify(actual), expected)
	case models.OpEndsWith:
		return strings.HasSuffix(stringify(actual), expected)
	case models.OpGreaterThan, models.OpLessThan, models.OpGreaterOrEqual, models.OpLessOrEqual:
		a, okA := toNumber(actual)
		b, okB := toNumber(expected)
		if !okA || !okB {
			return false
		}
		switch op {
		case models.OpGreaterThan:
			return a > b
		case models.OpLessThan:
			return a < b
		case models.OpGreaterOrEqual:
			return a >= b
		default:
			return a <= b
		}
	case models.OpIsEmpty:
		return isEmptyValue(actual)
	case models.OpIsNotEmpty:
		return !isEmptyValue(actual)
	case models.OpIsTrue:
		return isTruthy(actual)
	case models.OpIsFalse:
		return !isTruthy(actual)
	case models.OpInList:
		needle := stringify(actual)
		for _, item := range strings.Split(expected, ",") {
			if strings.TrimSpace(item) == needle {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// containsValue: 数组做成员匹配，字符串做子串匹配
func containsValue(actual interface{}, expected string) bool {
	switch v := actual.(type) {
	case []string:
		for _, item := range v {
			if item == expected {
				return true
			}
		}
		return false
	case []interface{}:
		for _, item := range v {
			if stringify(item) == expected {
				return true
			}
		}
		return false
	default:
		return strings.Contains(stringify(actual), expected)
	}
}

func isEmptyValue(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []string:
		return len(val) == 0
	case []interface{}:
		return len(val) == 0
	default:
		return false
	}
}

func isTruthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case int:
		return val != 0
	case string:
		switch strings.ToLower(val) {
		case "", "false", "0", "no":
			return false
		}
		return true
	default:
		return true
	}
}

func toNumber(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []string:
		return strings.Join(val, ",")
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// describeCondition renders one condition for the human-readable logic
// expression stored on audit entries.
func describeCondition(c models.RuleCondition) string {
	if c.Operator.IsUnary() {
		return fmt.Sprintf("%s %s", c.Field, c.Operator)
	}
	return fmt.Sprintf("%s %s %q", c.Field, c.Operator, c.Value)
}
