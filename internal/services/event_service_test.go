package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"planora/internal/models"
)

func newEventFixture(t *testing.T) (*engineFixture, *EventService) {
	t.Helper()
	f := newEngineFixture(t)
	events := NewEventService(f.db, nil)
	events.SetAutomationService(f.automation)
	return f, events
}

func eventRequest(title string) *EventRequest {
	start := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	return &EventRequest{
		CalendarID: 1,
		OwnerID:    7,
		Title:      title,
		StartTime:  start,
		EndTime:    start.Add(time.Hour),
	}
}

func TestEventService_CreateDispatchesTrigger(t *testing.T) {
	f, events := newEventFixture(t)
	rule := f.mustCreateRule(t, validRuleRequest())

	event, err := events.CreateEvent(context.Background(), eventRequest("Morning standup"))
	if err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}
	if event.Status != "confirmed" {
		t.Errorf("status = %s", event.Status)
	}
	if n := f.auditCount(t, rule.ID); n != 1 {
		t.Errorf("event.created should dispatch the rule, audit entries = %d", n)
	}
	if len(f.mutator.calls) != 1 || f.mutator.calls[0] != "set_color:#00ff00" {
		t.Errorf("action not applied: %v", f.mutator.calls)
	}
}

func TestEventService_CreateRejectsInvertedTimes(t *testing.T) {
	_, events := newEventFixture(t)
	req := eventRequest("bad")
	req.EndTime = req.StartTime.Add(-time.Hour)
	if _, err := events.CreateEvent(context.Background(), req); err == nil {
		t.Fatal("expected error for end before start")
	}
}

func TestEventService_DeleteDispatchesSnapshot(t *testing.T) {
	f, events := newEventFixture(t)

	req := validRuleRequest()
	req.TriggerType = models.TriggerEventDeleted
	rule := f.mustCreateRule(t, req)

	event, err := events.CreateEvent(context.Background(), eventRequest("Old standup"))
	if err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}
	if err := events.DeleteEvent(context.Background(), event.ID); err != nil {
		t.Fatalf("DeleteEvent failed: %v", err)
	}

	// 审计记录用删除前快照的标题
	var entry models.AuditLogEntry
	if err := f.db.Where("rule_id = ?", rule.ID).First(&entry).Error; err != nil {
		t.Fatalf("expected audit entry: %v", err)
	}
	if entry.EventTitle == nil || *entry.EventTitle != "Old standup" {
		t.Errorf("entry should carry the pre-delete snapshot title: %+v", entry)
	}

	if err := events.DeleteEvent(context.Background(), event.ID); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("expected ErrEventNotFound, got %v", err)
	}
}

func TestEventService_ImportDispatchesPerEvent(t *testing.T) {
	f, events := newEventFixture(t)

	req := validRuleRequest()
	req.TriggerType = models.TriggerCalendarImported
	req.Conditions = nil
	rule := f.mustCreateRule(t, req)

	imported, err := events.ImportEvents(context.Background(), []*EventRequest{
		eventRequest("a"), eventRequest("b"), eventRequest("c"),
	})
	if err != nil {
		t.Fatalf("ImportEvents failed: %v", err)
	}
	if imported != 3 {
		t.Errorf("imported = %d", imported)
	}
	if n := f.auditCount(t, rule.ID); n != 3 {
		t.Errorf("calendar.imported should fire per event, audit entries = %d", n)
	}
}

func TestEventService_AddTagDeduplicates(t *testing.T) {
	_, events := newEventFixture(t)
	event, err := events.CreateEvent(context.Background(), eventRequest("tagged"))
	if err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}

	for _, tag := range []string{"urgent", "urgent", "review"} {
		if err := events.AddTag(context.Background(), event.ID, tag); err != nil {
			t.Fatalf("AddTag failed: %v", err)
		}
	}
	reloaded, _ := events.GetEvent(context.Background(), event.ID)
	tags := reloaded.TagList()
	if len(tags) != 2 || tags[0] != "urgent" || tags[1] != "review" {
		t.Errorf("tags = %v", tags)
	}
}

func TestEventService_MoveToCalendarValidatesTarget(t *testing.T) {
	f, events := newEventFixture(t)
	event, err := events.CreateEvent(context.Background(), eventRequest("movable"))
	if err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}

	if err := events.MoveToCalendar(context.Background(), event.ID, 99); err == nil {
		t.Fatal("moving to a missing calendar should fail")
	}

	f.db.Create(&models.Calendar{OwnerID: 7, Name: "Personal"})
	var cal models.Calendar
	f.db.Where("name = ?", "Personal").First(&cal)
	if err := events.MoveToCalendar(context.Background(), event.ID, cal.ID); err != nil {
		t.Fatalf("MoveToCalendar failed: %v", err)
	}
	reloaded, _ := events.GetEvent(context.Background(), event.ID)
	if reloaded.CalendarID != cal.ID {
		t.Errorf("calendar_id = %d, want %d", reloaded.CalendarID, cal.ID)
	}
}

func TestEventService_CancelMarksStatus(t *testing.T) {
	_, events := newEventFixture(t)
	event, err := events.CreateEvent(context.Background(), eventRequest("doomed"))
	if err != nil {
		t.Fatalf("CreateEvent failed: %v", err)
	}
	if err := events.Cancel(context.Background(), event.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	reloaded, _ := events.GetEvent(context.Background(), event.ID)
	if reloaded.Status != "cancelled" {
		t.Errorf("status = %s", reloaded.Status)
	}
}

func TestEventService_MutationOnMissingEvent(t *testing.T) {
	_, events := newEventFixture(t)
	if err := events.SetColor(context.Background(), 404, "#fff"); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("expected ErrEventNotFound, got %v", err)
	}
}
