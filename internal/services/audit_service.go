package services

import (
	"context"
	"encoding/json"
	"time"

	"planora/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AuditService 负责规则执行的审计留痕：每次评估恰好一条记录，之后不可变。
type AuditService struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewAuditService(db *gorm.DB, logger *logrus.Logger) *AuditService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AuditService{db: db, logger: logger}
}

// DeriveStatus maps an evaluation outcome onto the audit status enum:
// skipped when conditions failed (no actions ran), failure when an engine
// error preceded the actions or every action failed, partial_success when at
// least one but not all succeeded, success otherwise.
func DeriveStatus(condResult ConditionsResult, actionResults []ActionResult, runErr error) models.AuditStatus {
	if runErr != nil {
		return models.AuditFailure
	}
	if !condResult.Passed {
		return models.AuditSkipped
	}
	if len(actionResults) == 0 {
		return models.AuditSuccess
	}
	succeeded := 0
	for _, r := range actionResults {
		if r.Success {
			succeeded++
		}
	}
	switch succeeded {
	case 0:
		return models.AuditFailure
	case len(actionResults):
		return models.AuditSuccess
	default:
		return models.AuditPartialSuccess
	}
}

// Record persists one audit entry for a rule evaluation attempt. Rule name
// and event title are denormalised at write time so the entry stays readable
// after the source rows are deleted.
func (s *AuditService) Record(ctx context.Context, rule *models.AutomationRule, event *models.Event,
	triggerCtx map[string]interface{}, condResult ConditionsResult, actionResults []ActionResult,
	runErr error, executedBy *uint, elapsed time.Duration) (*models.AuditLogEntry, error) {

	status := DeriveStatus(condResult, actionResults, runErr)

	entry := &models.AuditLogEntry{
		RuleID:           rule.ID,
		RuleName:         rule.Name,
		TriggerType:      rule.TriggerType,
		Status:           string(status),
		ExecutionTimeMs:  elapsed.Milliseconds(),
		ExecutedByUserID: executedBy,
		ExecutedAt:       time.Now(),
	}
	if event != nil {
		id := event.ID
		title := event.Title
		entry.EventID = &id
		entry.EventTitle = &title
	}
	if runErr != nil {
		msg := runErr.Error()
		entry.ErrorMessage = &msg
	}

	entry.TriggerContext = marshalOrEmpty(triggerCtx, s.logger)
	entry.ConditionsResult = marshalOrEmpty(condResult, s.logger)
	if condResult.Passed && actionResults != nil {
		entry.ActionResults = marshalOrEmpty(actionResults, s.logger)
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		s.logger.Warnf("automation: record audit entry failed: %v", err)
		return nil, err
	}
	return entry, nil
}

func marshalOrEmpty(v interface{}, logger *logrus.Logger) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		logger.Warnf("automation: marshal audit payload failed: %v", err)
		return ""
	}
	return string(data)
}

// AuditLogListRequest 审计日志列表请求
type AuditLogListRequest struct {
	Page     int        `form:"page,default=1"`
	PageSize int        `form:"page_size,default=20"`
	RuleID   *uint      `form:"rule_id"`
	Status   []string   `form:"status"`
	DateFrom *time.Time `form:"date_from"`
	DateTo   *time.Time `form:"date_to"`
}

// ListLogs 分页查询审计日志，可按规则/状态/时间过滤
func (s *AuditService) ListLogs(ctx context.Context, req *AuditLogListRequest) ([]models.AuditLogEntry, int64, error) {
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 || req.PageSize > 200 {
		req.PageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&models.AuditLogEntry{})
	if req.RuleID != nil {
		query = query.Where("rule_id = ?", *req.RuleID)
	}
	if len(req.Status) > 0 {
		query = query.Where("status IN ?", req.Status)
	}
	if req.DateFrom != nil {
		query = query.Where("executed_at >= ?", *req.DateFrom)
	}
	if req.DateTo != nil {
		query = query.Where("executed_at <= ?", *req.DateTo)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []models.AuditLogEntry
	offset := (req.Page - 1) * req.PageSize
	if err := query.Order("executed_at DESC").Offset(offset).Limit(req.PageSize).Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// AuditStatsResponse 单条规则的审计统计
type AuditStatsResponse struct {
	Total           int64            `json:"total"`
	ByStatus        map[string]int64 `json:"by_status"`
	SuccessRate     float64          `json:"success_rate"`
	AvgExecutionMs  float64          `json:"avg_execution_ms"`
	LastExecutedAt  *time.Time       `json:"last_executed_at,omitempty"`
}

// Stats 聚合一条规则的审计统计
func (s *AuditService) Stats(ctx context.Context, ruleID uint) (*AuditStatsResponse, error) {
	stats := &AuditStatsResponse{ByStatus: map[string]int64{}}

	type statusCount struct {
		Status string
		Count  int64
	}
	var counts []statusCount
	if err := s.db.WithContext(ctx).Model(&models.AuditLogEntry{}).
		Select("status, count(*) as count").
		Where("rule_id = ?", ruleID).
		Group("status").
		Scan(&counts).Error; err != nil {
		return nil, err
	}
	for _, c := range counts {
		stats.ByStatus[c.Status] = c.Count
		stats.Total += c.Count
	}
	if stats.Total > 0 {
		executed := stats.Total - stats.ByStatus[string(models.AuditSkipped)]
		if executed > 0 {
			stats.SuccessRate = float64(stats.ByStatus[string(models.AuditSuccess)]) / float64(executed)
		}
	}

	var avg *float64
	if err := s.db.WithContext(ctx).Model(&models.AuditLogEntry{}).
		Select("avg(execution_time_ms)").
		Where("rule_id = ?", ruleID).
		Scan(&avg).Error; err != nil {
		return nil, err
	}
	if avg != nil {
		stats.AvgExecutionMs = *avg
	}

	var last models.AuditLogEntry
	err := s.db.WithContext(ctx).Where("rule_id = ?", ruleID).Order("executed_at DESC").First(&last).Error
	if err == nil {
		stats.LastExecutedAt = &last.ExecutedAt
	} else if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	return stats, nil
}
