package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"planora/internal/models"
)

func TestDeriveStatus(t *testing.T) {
	passed := ConditionsResult{Passed: true}
	failed := ConditionsResult{Passed: false}
	ok := ActionResult{Success: true}
	bad := ActionResult{Success: false, Error: "boom"}

	tests := []struct {
		name    string
		cond    ConditionsResult
		actions []ActionResult
		runErr  error
		want    models.AuditStatus
	}{
		{"engine error wins", passed, []ActionResult{ok}, errors.New("fault"), models.AuditFailure},
		{"conditions failed", failed, nil, nil, models.AuditSkipped},
		{"no actions", passed, nil, nil, models.AuditSuccess},
		{"all succeeded", passed, []ActionResult{ok, ok}, nil, models.AuditSuccess},
		{"all failed", passed, []ActionResult{bad, bad}, nil, models.AuditFailure},
		{"one of three failed", passed, []ActionResult{ok, bad, ok}, nil, models.AuditPartialSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveStatus(tt.cond, tt.actions, tt.runErr); got != tt.want {
				t.Errorf("DeriveStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAuditService_Record(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewAuditService(db, nil)

	rule := &models.AutomationRule{Name: "color meetings", TriggerType: string(models.TriggerEventCreated)}
	if err := db.Create(rule).Error; err != nil {
		t.Fatalf("create rule: %v", err)
	}
	event := testEvent()

	cond := ConditionsResult{Passed: true, Trace: []ConditionTraceEntry{}, Expression: `event.title contains "standup"`}
	actions := []ActionResult{{ActionType: models.ActionSetEventColor, Success: true}}
	entry, err := svc.Record(context.Background(), rule, event, map[string]interface{}{"trigger": rule.TriggerType}, cond, actions, nil, nil, 12*time.Millisecond)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if entry.Status != string(models.AuditSuccess) {
		t.Errorf("status = %s", entry.Status)
	}
	// 规则名与事件标题写入时反范式化
	if entry.RuleName != "color meetings" || entry.EventTitle == nil || *entry.EventTitle != event.Title {
		t.Errorf("denormalised fields missing: %+v", entry)
	}
	if entry.ActionResults == "" {
		t.Error("action results should be recorded when conditions passed")
	}

	// skipped 评估不落动作结果
	skipped, err := svc.Record(context.Background(), rule, event, nil, ConditionsResult{Passed: false}, nil, nil, nil, time.Millisecond)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if skipped.Status != string(models.AuditSkipped) || skipped.ActionResults != "" {
		t.Errorf("skipped entry should carry no action results: %+v", skipped)
	}
}

func TestAuditService_ListLogs(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewAuditService(db, nil)

	rule := &models.AutomationRule{Name: "r", TriggerType: string(models.TriggerEventCreated)}
	db.Create(rule)
	other := &models.AutomationRule{Name: "other", TriggerType: string(models.TriggerEventCreated)}
	db.Create(other)

	for i := 0; i < 5; i++ {
		status := models.AuditSuccess
		if i%2 == 1 {
			status = models.AuditSkipped
		}
		db.Create(&models.AuditLogEntry{RuleID: rule.ID, RuleName: rule.Name, Status: string(status), ExecutedAt: time.Now().Add(time.Duration(i) * time.Second)})
	}
	db.Create(&models.AuditLogEntry{RuleID: other.ID, RuleName: other.Name, Status: string(models.AuditSuccess), ExecutedAt: time.Now()})

	entries, total, err := svc.ListLogs(context.Background(), &AuditLogListRequest{RuleID: &rule.ID, Page: 1, PageSize: 3})
	if err != nil {
		t.Fatalf("ListLogs failed: %v", err)
	}
	if total != 5 || len(entries) != 3 {
		t.Fatalf("expected total 5 page of 3, got total %d len %d", total, len(entries))
	}
	// 按执行时间倒序
	if entries[0].ExecutedAt.Before(entries[1].ExecutedAt) {
		t.Error("expected executed_at DESC ordering")
	}

	entries, total, err = svc.ListLogs(context.Background(), &AuditLogListRequest{RuleID: &rule.ID, Status: []string{string(models.AuditSkipped)}})
	if err != nil {
		t.Fatalf("ListLogs failed: %v", err)
	}
	if total != 2 {
		t.Errorf("expected 2 skipped entries, got %d", total)
	}
	for _, e := range entries {
		if e.Status != string(models.AuditSkipped) {
			t.Errorf("status filter leaked entry with status %s", e.Status)
		}
	}
}

func TestAuditService_Stats(t *testing.T) {
	db := newEngineTestDB(t)
	svc := NewAuditService(db, nil)

	rule := &models.AutomationRule{Name: "r", TriggerType: string(models.TriggerEventCreated)}
	db.Create(rule)

	seed := []struct {
		status models.AuditStatus
		ms     int64
	}{
		{models.AuditSuccess, 10},
		{models.AuditSuccess, 20},
		{models.AuditFailure, 30},
		{models.AuditSkipped, 0},
		{models.AuditSkipped, 0},
	}
	for _, s := range seed {
		db.Create(&models.AuditLogEntry{RuleID: rule.ID, Status: string(s.status), ExecutionTimeMs: s.ms, ExecutedAt: time.Now()})
	}

	stats, err := svc.Stats(context.Background(), rule.ID)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Total != 5 {
		t.Errorf("total = %d", stats.Total)
	}
	// 成功率的分母不含 skipped
	if stats.SuccessRate < 0.66 || stats.SuccessRate > 0.67 {
		t.Errorf("success rate = %f, want 2/3", stats.SuccessRate)
	}
	if stats.ByStatus[string(models.AuditSkipped)] != 2 {
		t.Errorf("by_status = %v", stats.ByStatus)
	}
	if stats.LastExecutedAt == nil {
		t.Error("last executed at missing")
	}
}
