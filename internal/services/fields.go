package services

import (
	"regexp"
	"strings"

	"planora/internal/models"
)

// FieldType 条件字段的数据类型，决定可用运算符集合
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldArray   FieldType = "array"
	// FieldDynamic covers webhook payload paths whose type is only known at
	// evaluation time; every operator is allowed.
	FieldDynamic FieldType = "dynamic"
)

// webhookFieldPrefix 为入站 webhook 载荷的点路径前缀
const webhookFieldPrefix = "webhook."

// eventFields 引擎支持的事件字段（闭合集合）
var eventFields = map[string]FieldType{
	"event.title":            FieldString,
	"event.description":      FieldString,
	"event.location":         FieldString,
	"event.color":            FieldString,
	"event.status":           FieldString,
	"event.calendar_id":      FieldNumber,
	"event.duration_minutes": FieldNumber,
	"event.all_day":          FieldBoolean,
	"event.tags":             FieldArray,
}

var operatorsByType = map[FieldType][]models.Operator{
	FieldString: {
		models.OpEquals, models.OpNotEquals, models.OpContains, models.OpNotContains,
		models.OpStartsWith, models.OpEndsWith, models.OpIsEmpty, models.OpIsNotEmpty,
		models.OpInList,
	},
	FieldNumber: {
		models.OpEquals, models.OpNotEquals, models.OpGreaterThan, models.OpLessThan,
		models.OpGreaterOrEqual, models.OpLessOrEqual, models.OpIsEmpty, models.OpIsNotEmpty,
		models.OpInList,
	},
	FieldBoolean: {
		models.OpIsTrue, models.OpIsFalse,
	},
	FieldArray: {
		models.OpContains, models.OpNotContains, models.OpIsEmpty, models.OpIsNotEmpty,
	},
}

// FieldTypeOf resolves the declared type of a condition field. Webhook
// payload paths are dynamic; unknown fields return ok=false.
func FieldTypeOf(field string) (FieldType, bool) {
	if t, ok := eventFields[field]; ok {
		return t, true
	}
	if strings.HasPrefix(field, webhookFieldPrefix) {
		return FieldDynamic, true
	}
	return "", false
}

// OperatorAllowed reports whether op is valid for the field's data type.
func OperatorAllowed(t FieldType, op models.Operator) bool {
	if t == FieldDynamic {
		return true
	}
	for _, allowed := range operatorsByType[t] {
		if allowed == op {
			return true
		}
	}
	return false
}

// FieldResolver resolves a condition field (or smart value path) to its
// actual value in the current trigger context. ok=false means the field
// could not be resolved; callers treat that as an empty value, never as an
// error.
type FieldResolver func(field string) (interface{}, bool)

// NewFieldResolver builds the shared resolver used by both condition
// evaluation and smart value interpolation, so path semantics stay
// consistent. Either argument may be nil.
func NewFieldResolver(event *models.Event, webhookPayload map[string]interface{}) FieldResolver {
	var root map[string]interface{}
	if webhookPayload != nil {
		root = map[string]interface{}{
			"webhook": map[string]interface{}{"data": webhookPayload},
		}
	}
	return func(field string) (interface{}, bool) {
		if strings.HasPrefix(field, webhookFieldPrefix) {
			if root == nil {
				return nil, false
			}
			return resolvePath(root, field)
		}
		if event == nil {
			return nil, false
		}
		switch field {
		case "event.title":
			return event.Title, true
		case "event.description":
			return event.Description, true
		case "event.location":
			return event.Location, true
		case "event.color":
			return event.Color, true
		case "event.status":
			return event.Status, true
		case "event.calendar_id":
			return float64(event.CalendarID), true
		case "event.duration_minutes":
			return float64(event.DurationMinutes()), true
		case "event.all_day":
			return event.AllDay, true
		case "event.tags":
			return event.TagList(), true
		}
		return nil, false
	}
}

// resolvePath walks a dot path into nested maps. Missing or mismatched
// segments resolve to ok=false rather than an error.
func resolvePath(root map[string]interface{}, path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	var current interface{} = root
	for _, seg := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

var smartValuePattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// InterpolateSmartValues replaces {{field.path}} placeholders in action
// config strings with resolved field values. Unresolved placeholders pass
// through literally.
func InterpolateSmartValues(s string, resolve FieldResolver) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return smartValuePattern.ReplaceAllStringFunc(s, func(match string) string {
		path := smartValuePattern.FindStringSubmatch(match)[1]
		if val, ok := resolve(path); ok {
			return stringify(val)
		}
		return match
	})
}
