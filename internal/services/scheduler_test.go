package services

import (
	"context"
	"testing"
	"time"

	"planora/internal/models"
)

func newRelativeRule(t *testing.T, f *engineFixture, trigger models.TriggerType, minutes int) *models.AutomationRule {
	t.Helper()
	req := &AutomationRuleRequest{
		Name:          "reminder",
		TriggerType:   trigger,
		TriggerConfig: models.TriggerConfig{Minutes: minutes},
		Actions: []models.RuleAction{
			{Type: models.ActionSendNotification, Config: map[string]interface{}{
				"user_id": float64(7),
				"message": "starting soon",
			}, Order: 0},
		},
	}
	return f.mustCreateRule(t, req)
}

func TestScheduler_TickRelativeFiresOnce(t *testing.T) {
	f := newEngineFixture(t)
	rule := newRelativeRule(t, f, models.TriggerEventStartsIn, 30)

	event := &models.Event{
		CalendarID: 1,
		OwnerID:    7,
		Title:      "Planning",
		Status:     "confirmed",
		StartTime:  time.Now().Add(10 * time.Minute),
		EndTime:    time.Now().Add(40 * time.Minute),
	}
	f.db.Create(event)

	sched := NewAutomationScheduler(f.db, nil, f.automation, time.Minute)
	sched.tickRelative(context.Background())
	// 第二次扫描命中同一窗口，去重账本保证只触发一次
	sched.tickRelative(context.Background())

	if n := f.auditCount(t, rule.ID); n != 1 {
		t.Errorf("audit entries = %d, want 1 (deduped)", n)
	}
	if len(f.notifier.messages) != 1 {
		t.Errorf("notifications = %d, want 1", len(f.notifier.messages))
	}
}

func TestScheduler_TickRelativeWindowBounds(t *testing.T) {
	f := newEngineFixture(t)
	rule := newRelativeRule(t, f, models.TriggerEventStartsIn, 15)

	events := []models.Event{
		// 窗口外：太远
		{CalendarID: 1, OwnerID: 7, Title: "far", Status: "confirmed", StartTime: time.Now().Add(2 * time.Hour), EndTime: time.Now().Add(3 * time.Hour)},
		// 窗口外：已开始
		{CalendarID: 1, OwnerID: 7, Title: "past", Status: "confirmed", StartTime: time.Now().Add(-time.Minute), EndTime: time.Now().Add(30 * time.Minute)},
		// 窗口内但已取消
		{CalendarID: 1, OwnerID: 7, Title: "cancelled", Status: "cancelled", StartTime: time.Now().Add(5 * time.Minute), EndTime: time.Now().Add(35 * time.Minute)},
		// 窗口内
		{CalendarID: 1, OwnerID: 7, Title: "soon", Status: "confirmed", StartTime: time.Now().Add(5 * time.Minute), EndTime: time.Now().Add(35 * time.Minute)},
	}
	for i := range events {
		f.db.Create(&events[i])
	}

	sched := NewAutomationScheduler(f.db, nil, f.automation, time.Minute)
	sched.tickRelative(context.Background())

	var entries []models.AuditLogEntry
	f.db.Where("rule_id = ?", rule.ID).Find(&entries)
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if entries[0].EventTitle == nil || *entries[0].EventTitle != "soon" {
		t.Errorf("fired for wrong event: %+v", entries[0])
	}
}

func TestScheduler_TickRelativeEndsIn(t *testing.T) {
	f := newEngineFixture(t)
	rule := newRelativeRule(t, f, models.TriggerEventEndsIn, 20)

	event := &models.Event{
		CalendarID: 1, OwnerID: 7, Title: "wrap-up", Status: "confirmed",
		StartTime: time.Now().Add(-time.Hour),
		EndTime:   time.Now().Add(10 * time.Minute),
	}
	f.db.Create(event)

	sched := NewAutomationScheduler(f.db, nil, f.automation, time.Minute)
	sched.tickRelative(context.Background())

	if n := f.auditCount(t, rule.ID); n != 1 {
		t.Errorf("audit entries = %d, want 1", n)
	}
}

func TestScheduler_RefreshTracksRuleStore(t *testing.T) {
	f := newEngineFixture(t)

	req := &AutomationRuleRequest{
		Name:          "nightly sweep",
		TriggerType:   models.TriggerScheduledTime,
		TriggerConfig: models.TriggerConfig{Cron: "0 3 * * *"},
		Actions: []models.RuleAction{
			{Type: models.ActionSendNotification, Config: map[string]interface{}{
				"user_id": float64(7),
				"message": "sweep done",
			}, Order: 0},
		},
	}
	rule := f.mustCreateRule(t, req)

	sched := NewAutomationScheduler(f.db, nil, f.automation, time.Minute)
	sched.Refresh()
	if len(sched.entries) != 1 {
		t.Fatalf("cron entries = %d, want 1", len(sched.entries))
	}

	// 禁用后刷新移除条目
	f.db.Model(&models.AutomationRule{}).Where("id = ?", rule.ID).UpdateColumn("is_enabled", false)
	sched.Refresh()
	if len(sched.entries) != 0 {
		t.Errorf("cron entries after disable = %d, want 0", len(sched.entries))
	}
}

func TestScheduler_ClaimFire(t *testing.T) {
	f := newEngineFixture(t)
	sched := NewAutomationScheduler(f.db, nil, f.automation, time.Minute)

	if !sched.claimFire(context.Background(), 1, 2, models.TriggerEventStartsIn) {
		t.Fatal("first claim should succeed")
	}
	if sched.claimFire(context.Background(), 1, 2, models.TriggerEventStartsIn) {
		t.Error("duplicate claim should be rejected")
	}
	// 不同触发类型是独立的账本键
	if !sched.claimFire(context.Background(), 1, 2, models.TriggerEventEndsIn) {
		t.Error("different trigger type should claim independently")
	}
}
