package models

import (
	"encoding/json"
	"time"
)

// TriggerType 自动化触发类型
type TriggerType string

const (
	TriggerEventCreated     TriggerType = "event.created"
	TriggerEventUpdated     TriggerType = "event.updated"
	TriggerEventDeleted     TriggerType = "event.deleted"
	TriggerEventStartsIn    TriggerType = "event.starts_in"
	TriggerEventEndsIn      TriggerType = "event.ends_in"
	TriggerCalendarImported TriggerType = "calendar.imported"
	TriggerScheduledTime    TriggerType = "scheduled.time"
	TriggerWebhookIncoming  TriggerType = "webhook.incoming"
)

// SupportedTriggers 全部触发类型
var SupportedTriggers = []TriggerType{
	TriggerEventCreated, TriggerEventUpdated, TriggerEventDeleted,
	TriggerEventStartsIn, TriggerEventEndsIn,
	TriggerCalendarImported, TriggerScheduledTime, TriggerWebhookIncoming,
}

// ConditionLogic 条件组合方式
type ConditionLogic string

const (
	LogicAnd ConditionLogic = "AND"
	LogicOr  ConditionLogic = "OR"
)

// Operator 条件运算符
type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpStartsWith     Operator = "starts_with"
	OpEndsWith       Operator = "ends_with"
	OpGreaterThan    Operator = "greater_than"
	OpLessThan       Operator = "less_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessOrEqual    Operator = "less_or_equal"
	OpIsEmpty        Operator = "is_empty"
	OpIsNotEmpty     Operator = "is_not_empty"
	OpIsTrue         Operator = "is_true"
	OpIsFalse        Operator = "is_false"
	OpInList         Operator = "in_list"
)

// IsUnary reports whether the operator needs no comparison value.
func (op Operator) IsUnary() bool {
	switch op {
	case OpIsEmpty, OpIsNotEmpty, OpIsTrue, OpIsFalse:
		return true
	}
	return false
}

// ActionType 动作类型
type ActionType string

const (
	ActionSetEventColor     ActionType = "set_event_color"
	ActionAddEventTag       ActionType = "add_event_tag"
	ActionSendNotification  ActionType = "send_notification"
	ActionUpdateEventTitle  ActionType = "update_event_title"
	ActionUpdateDescription ActionType = "update_event_description"
	ActionMoveToCalendar    ActionType = "move_to_calendar"
	ActionCancelEvent       ActionType = "cancel_event"
	ActionCreateTask        ActionType = "create_task"
	ActionWebhook           ActionType = "webhook"
)

// RuleCondition describes a single condition entry. LogicOperator is the
// stored AND/OR edge to the next condition; evaluation combines all
// conditions with the rule-level ConditionLogic (per-edge grouping is a
// possible future extension).
type RuleCondition struct {
	Field         string         `json:"field"`
	Operator      Operator       `json:"operator"`
	Value         string         `json:"value,omitempty"`
	GroupID       string         `json:"group_id,omitempty"`
	LogicOperator ConditionLogic `json:"logic_operator,omitempty"`
	Order         int            `json:"order"`
}

// RuleAction describes an action to execute when a rule matches.
type RuleAction struct {
	ID     string                 `json:"id,omitempty"`
	Type   ActionType             `json:"type"`
	Config map[string]interface{} `json:"config"`
	Order  int                    `json:"order"`
}

// TriggerConfig 触发器附加配置：starts_in/ends_in 用 minutes，
// scheduled.time 用 cron 表达式，其余为空。
type TriggerConfig struct {
	Minutes int    `json:"minutes,omitempty"`
	Cron    string `json:"cron,omitempty"`
}

// AutomationRule 自动化规则定义。Conditions/Actions/TriggerConfig 以 JSON 存储。
// WebhookToken 当且仅当 TriggerType 为 webhook.incoming 时存在。
// ExecutionCount/LastExecutedAt 由引擎在每次评估后更新（含 skipped/failure）。
type AutomationRule struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	OwnerID        uint       `gorm:"index" json:"owner_id"`
	Name           string     `gorm:"not null" json:"name"`
	Description    string     `gorm:"type:text" json:"description"`
	TriggerType    string     `gorm:"index;not null" json:"trigger_type"`
	TriggerConfig  string     `gorm:"type:text" json:"trigger_config"`
	IsEnabled      bool       `gorm:"default:true;index" json:"is_enabled"`
	ConditionLogic string     `gorm:"default:AND" json:"condition_logic"`
	Conditions     string     `gorm:"type:text" json:"conditions"`
	Actions        string     `gorm:"type:text" json:"actions"`
	WebhookToken   *string    `gorm:"uniqueIndex" json:"webhook_token,omitempty"`
	ExecutionCount int64      `gorm:"default:0" json:"execution_count"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ParsedConditions decodes the JSON condition column.
func (r *AutomationRule) ParsedConditions() ([]RuleCondition, error) {
	if r.Conditions == "" {
		return nil, nil
	}
	var conds []RuleCondition
	if err := json.Unmarshal([]byte(r.Conditions), &conds); err != nil {
		return nil, err
	}
	return conds, nil
}

// ParsedActions decodes the JSON action column.
func (r *AutomationRule) ParsedActions() ([]RuleAction, error) {
	if r.Actions == "" {
		return nil, nil
	}
	var acts []RuleAction
	if err := json.Unmarshal([]byte(r.Actions), &acts); err != nil {
		return nil, err
	}
	return acts, nil
}

// ParsedTriggerConfig decodes the JSON trigger config column.
func (r *AutomationRule) ParsedTriggerConfig() (TriggerConfig, error) {
	var cfg TriggerConfig
	if r.TriggerConfig == "" {
		return cfg, nil
	}
	err := json.Unmarshal([]byte(r.TriggerConfig), &cfg)
	return cfg, err
}

// AuditStatus 审计记录状态
type AuditStatus string

const (
	AuditSuccess        AuditStatus = "success"
	AuditPartialSuccess AuditStatus = "partial_success"
	AuditFailure        AuditStatus = "failure"
	AuditSkipped        AuditStatus = "skipped"
)

// AuditLogEntry 每次规则评估写入一条，之后不可变。
// RuleName/EventTitle 写入时反范式化，事件删除后仍可读。
// 随规则级联删除，引擎自身不删除。
type AuditLogEntry struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	RuleID           uint           `gorm:"index" json:"rule_id"`
	RuleName         string         `json:"rule_name"`
	EventID          *uint          `gorm:"index" json:"event_id,omitempty"`
	EventTitle       *string        `json:"event_title,omitempty"`
	TriggerType      string         `gorm:"index" json:"trigger_type"`
	TriggerContext   string         `gorm:"type:text" json:"trigger_context"`
	ConditionsResult string         `gorm:"type:text" json:"conditions_result"`
	ActionResults    string         `gorm:"type:text" json:"action_results"`
	Status           string         `gorm:"index" json:"status"`
	ErrorMessage     *string        `gorm:"type:text" json:"error_message,omitempty"`
	ExecutionTimeMs  int64          `json:"execution_time_ms"`
	ExecutedByUserID *uint          `json:"executed_by_user_id,omitempty"`
	ExecutedAt       time.Time      `gorm:"index" json:"executed_at"`
	Rule             AutomationRule `gorm:"foreignKey:RuleID;constraint:OnDelete:CASCADE" json:"rule,omitempty"`
}
