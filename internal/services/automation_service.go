package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"planora/internal/models"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var (
	// ErrRuleNotFound 规则不存在
	ErrRuleNotFound = errors.New("rule not found")
	// ErrInvalidRule 规则定义非法，保存时拒绝
	ErrInvalidRule = errors.New("invalid rule")
)

// AutomationService owns the rule store and the trigger dispatch loop.
// Rules are read-only to the engine apart from the execution counters,
// which are bumped with an atomic SQL increment after every evaluation.
type AutomationService struct {
	db       *gorm.DB
	logger   *logrus.Logger
	tracer   trace.Tracer
	executor *ActionExecutor
	audit    *AuditService

	// scheduler is notified after rule CRUD so cron entries stay in sync.
	scheduler interface{ Refresh() }
}

func NewAutomationService(db *gorm.DB, logger *logrus.Logger, executor *ActionExecutor, audit *AuditService) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{
		db:       db,
		logger:   logger,
		tracer:   otel.Tracer("planora.automation"),
		executor: executor,
		audit:    audit,
	}
}

// SetScheduler 注入调度器以便规则变更后刷新 cron 条目
func (s *AutomationService) SetScheduler(sched interface{ Refresh() }) {
	s.scheduler = sched
}

// AutomationRuleRequest 创建/更新规则的请求
type AutomationRuleRequest struct {
	Name           string                 `json:"name" binding:"required"`
	Description    string                 `json:"description"`
	TriggerType    models.TriggerType     `json:"trigger_type" binding:"required"`
	TriggerConfig  models.TriggerConfig   `json:"trigger_config"`
	IsEnabled      *bool                  `json:"is_enabled"`
	ConditionLogic models.ConditionLogic  `json:"condition_logic"`
	Conditions     []models.RuleCondition `json:"conditions"`
	Actions        []models.RuleAction    `json:"actions" binding:"required"`
}

// CreateRule 校验并保存一条规则；webhook 触发类型自动生成路由令牌
func (s *AutomationService) CreateRule(ctx context.Context, ownerID uint, req *AutomationRuleRequest) (*models.AutomationRule, error) {
	ctx, span := s.tracer.Start(ctx, "automation.create_rule")
	defer span.End()

	if req == nil {
		return nil, fmt.Errorf("%w: request required", ErrInvalidRule)
	}
	if err := validateRule(req); err != nil {
		return nil, err
	}

	rule := &models.AutomationRule{
		OwnerID:        ownerID,
		Name:           req.Name,
		Description:    req.Description,
		TriggerType:    string(req.TriggerType),
		IsEnabled:      true,
		ConditionLogic: string(models.LogicAnd),
	}
	if req.IsEnabled != nil {
		rule.IsEnabled = *req.IsEnabled
	}
	if req.ConditionLogic != "" {
		rule.ConditionLogic = string(req.ConditionLogic)
	}
	if err := encodeRuleColumns(rule, req); err != nil {
		return nil, err
	}
	if req.TriggerType == models.TriggerWebhookIncoming {
		token := newWebhookToken()
		rule.WebhookToken = &token
	}

	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("rule.id", int(rule.ID)))
	s.notifyScheduler()
	return rule, nil
}

// UpdateRule 校验并覆盖一条规则；触发类型切换时同步维护 webhook 令牌
func (s *AutomationService) UpdateRule(ctx context.Context, id uint, req *AutomationRuleRequest) (*models.AutomationRule, error) {
	ctx, span := s.tracer.Start(ctx, "automation.update_rule")
	defer span.End()

	if err := validateRule(req); err != nil {
		return nil, err
	}

	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}

	rule.Name = req.Name
	rule.Description = req.Description
	rule.TriggerType = string(req.TriggerType)
	if req.IsEnabled != nil {
		rule.IsEnabled = *req.IsEnabled
	}
	if req.ConditionLogic != "" {
		rule.ConditionLogic = string(req.ConditionLogic)
	}
	if err := encodeRuleColumns(rule, req); err != nil {
		return nil, err
	}

	// webhook 令牌与触发类型保持互为充要
	if req.TriggerType == models.TriggerWebhookIncoming {
		if rule.WebhookToken == nil {
			token := newWebhookToken()
			rule.WebhookToken = &token
		}
	} else {
		rule.WebhookToken = nil
	}

	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		return nil, err
	}
	s.notifyScheduler()
	return rule, nil
}

// DeleteRule 删除规则；审计记录随之级联删除
func (s *AutomationService) DeleteRule(ctx context.Context, id uint) error {
	// sqlite 测试库不强制外键级联，显式清理审计记录
	if err := s.db.WithContext(ctx).Where("rule_id = ?", id).Delete(&models.AuditLogEntry{}).Error; err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Delete(&models.AutomationRule{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	s.notifyScheduler()
	return nil
}

// GetRule 读取单条规则
func (s *AutomationService) GetRule(ctx context.Context, id uint) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	return &rule, nil
}

// ListRules 返回全部规则
func (s *AutomationService) ListRules(ctx context.Context) ([]models.AutomationRule, error) {
	var rules []models.AutomationRule
	if err := s.db.WithContext(ctx).Order("id DESC").Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

// Dispatch evaluates every enabled rule registered for the trigger type.
// Rules run independently: one rule's failure never prevents its siblings
// from running.
func (s *AutomationService) Dispatch(ctx context.Context, trigger models.TriggerType, event *models.Event, payload map[string]interface{}, actorID *uint) {
	ctx, span := s.tracer.Start(ctx, "automation.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("automation.trigger", string(trigger)))

	var rules []models.AutomationRule
	if err := s.db.WithContext(ctx).
		Where("trigger_type = ? AND is_enabled = ?", string(trigger), true).
		Order("id").
		Find(&rules).Error; err != nil {
		s.logger.Warnf("automation: load rules for %s failed: %v", trigger, err)
		return
	}

	for i := range rules {
		s.runRule(ctx, &rules[i], event, payload, actorID)
	}
}

// DispatchRule runs a single rule's pipeline. Used by the webhook gateway,
// the scheduler and the retroactive runner, which all target one rule
// rather than a trigger class. Disabled rules are never executed.
func (s *AutomationService) DispatchRule(ctx context.Context, rule *models.AutomationRule, event *models.Event, payload map[string]interface{}, actorID *uint) {
	if !rule.IsEnabled {
		s.logger.Debugf("automation: rule %d disabled, skipping dispatch", rule.ID)
		return
	}
	s.runRule(ctx, rule, event, payload, actorID)
}

// runRule is the per-rule boundary: any panic or engine fault is recovered
// here, recorded as a failure audit entry, and never escapes to the caller.
// The execution counters are bumped for every evaluation attempt, including
// skipped and failed ones. A non-dispatch (disabled rule) is the only
// non-execution.
func (s *AutomationService) runRule(ctx context.Context, rule *models.AutomationRule, event *models.Event, payload map[string]interface{}, actorID *uint) {
	start := time.Now()
	triggerCtx := buildTriggerContext(rule, event, payload)
	resolve := NewFieldResolver(event, payload)

	var (
		condResult    ConditionsResult
		actionResults []ActionResult
		runErr        error
	)

	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("engine fault: %v", r)
				s.logger.Errorf("automation: rule %d panicked: %v", rule.ID, r)
			}
		}()

		conds, err := rule.ParsedConditions()
		if err != nil {
			runErr = fmt.Errorf("invalid conditions: %w", err)
			return
		}
		condResult = EvaluateConditions(conds, models.ConditionLogic(rule.ConditionLogic), resolve)
		if !condResult.Passed {
			return
		}

		acts, err := rule.ParsedActions()
		if err != nil {
			runErr = fmt.Errorf("invalid actions: %w", err)
			return
		}
		actionResults = s.executor.Execute(ctx, acts, event, resolve)
	}()

	if _, err := s.audit.Record(ctx, rule, event, triggerCtx, condResult, actionResults, runErr, actorID, time.Since(start)); err != nil {
		s.logger.Warnf("automation: rule %d audit write failed: %v", rule.ID, err)
	}
	s.bumpCounters(ctx, rule.ID)
}

// bumpCounters 以原子自增更新执行计数，容忍同一规则的并发触发
func (s *AutomationService) bumpCounters(ctx context.Context, ruleID uint) {
	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ?", ruleID).
		UpdateColumns(map[string]interface{}{
			"execution_count":  gorm.Expr("execution_count + ?", 1),
			"last_executed_at": now,
		}).Error; err != nil {
		s.logger.Warnf("automation: bump counters for rule %d failed: %v", ruleID, err)
	}
}

func (s *AutomationService) notifyScheduler() {
	if s.scheduler != nil {
		s.scheduler.Refresh()
	}
}

// buildTriggerContext snapshots the triggering entity/payload for the audit
// entry.
func buildTriggerContext(rule *models.AutomationRule, event *models.Event, payload map[string]interface{}) map[string]interface{} {
	triggerCtx := map[string]interface{}{"trigger": rule.TriggerType}
	if event != nil {
		triggerCtx["event"] = map[string]interface{}{
			"id":         event.ID,
			"title":      event.Title,
			"start_time": event.StartTime,
			"end_time":   event.EndTime,
		}
	}
	if payload != nil {
		triggerCtx["webhook"] = map[string]interface{}{"data": payload}
	}
	return triggerCtx
}

// encodeRuleColumns serializes conditions/actions/trigger config into the
// rule's JSON text columns.
func encodeRuleColumns(rule *models.AutomationRule, req *AutomationRuleRequest) error {
	condJSON, err := marshalJSON(req.Conditions)
	if err != nil {
		return fmt.Errorf("%w: conditions: %v", ErrInvalidRule, err)
	}
	actJSON, err := marshalJSON(req.Actions)
	if err != nil {
		return fmt.Errorf("%w: actions: %v", ErrInvalidRule, err)
	}
	cfgJSON, err := marshalJSON(req.TriggerConfig)
	if err != nil {
		return fmt.Errorf("%w: trigger config: %v", ErrInvalidRule, err)
	}
	rule.Conditions = condJSON
	rule.Actions = actJSON
	rule.TriggerConfig = cfgJSON
	return nil
}

// validateRule rejects malformed definitions at save time so the engine
// never sees them.
func validateRule(req *AutomationRuleRequest) error {
	if req == nil {
		return fmt.Errorf("%w: request required", ErrInvalidRule)
	}
	if !isSupportedTrigger(req.TriggerType) {
		return fmt.Errorf("%w: unsupported trigger type: %s", ErrInvalidRule, req.TriggerType)
	}

	switch req.TriggerType {
	case models.TriggerEventStartsIn, models.TriggerEventEndsIn:
		if req.TriggerConfig.Minutes < 1 {
			return fmt.Errorf("%w: trigger %s requires minutes >= 1", ErrInvalidRule, req.TriggerType)
		}
	case models.TriggerScheduledTime:
		if req.TriggerConfig.Cron == "" {
			return fmt.Errorf("%w: trigger %s requires a cron expression", ErrInvalidRule, req.TriggerType)
		}
		if _, err := cron.ParseStandard(req.TriggerConfig.Cron); err != nil {
			return fmt.Errorf("%w: invalid cron expression: %v", ErrInvalidRule, err)
		}
	}

	if req.ConditionLogic != "" && req.ConditionLogic != models.LogicAnd && req.ConditionLogic != models.LogicOr {
		return fmt.Errorf("%w: condition logic must be AND or OR", ErrInvalidRule)
	}

	for i, cond := range req.Conditions {
		fieldType, ok := FieldTypeOf(cond.Field)
		if !ok {
			return fmt.Errorf("%w: condition %d: unknown field %q", ErrInvalidRule, i, cond.Field)
		}
		if !OperatorAllowed(fieldType, cond.Operator) {
			return fmt.Errorf("%w: condition %d: operator %s not allowed for %s field %q", ErrInvalidRule, i, cond.Operator, fieldType, cond.Field)
		}
		if !cond.Operator.IsUnary() && cond.Value == "" {
			return fmt.Errorf("%w: condition %d: operator %s requires a value", ErrInvalidRule, i, cond.Operator)
		}
	}

	if len(req.Actions) == 0 {
		return fmt.Errorf("%w: at least one action is required", ErrInvalidRule)
	}
	for i, act := range req.Actions {
		if err := validateAction(act); err != nil {
			return fmt.Errorf("%w: action %d: %v", ErrInvalidRule, i, err)
		}
	}
	return nil
}

// validateAction checks the per-type config schema.
func validateAction(act models.RuleAction) error {
	requireString := func(key string) error {
		if v, _ := act.Config[key].(string); v == "" {
			return fmt.Errorf("%s requires config.%s", act.Type, key)
		}
		return nil
	}
	switch act.Type {
	case models.ActionSetEventColor:
		return requireString("color")
	case models.ActionAddEventTag:
		return requireString("tag")
	case models.ActionUpdateEventTitle:
		return requireString("title")
	case models.ActionUpdateDescription:
		return requireString("description")
	case models.ActionMoveToCalendar:
		if _, ok := act.Config["calendar_id"]; !ok {
			return fmt.Errorf("%s requires config.calendar_id", act.Type)
		}
		return nil
	case models.ActionCancelEvent:
		return nil
	case models.ActionSendNotification:
		return requireString("message")
	case models.ActionCreateTask:
		return requireString("title")
	case models.ActionWebhook:
		url, _ := act.Config["url"].(string)
		if url == "" {
			return fmt.Errorf("%s requires config.url", act.Type)
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return fmt.Errorf("%s config.url must be http(s)", act.Type)
		}
		return nil
	default:
		return fmt.Errorf("unsupported action type: %s", act.Type)
	}
}

func isSupportedTrigger(t models.TriggerType) bool {
	for _, supported := range models.SupportedTriggers {
		if t == supported {
			return true
		}
	}
	return false
}

// newWebhookToken 生成不透明的路由令牌
func newWebhookToken() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func marshalJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
