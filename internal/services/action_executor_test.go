package services

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"planora/internal/models"
)

type fakeMutator struct {
	calls  []string
	failOn string
}

func (f *fakeMutator) record(name string) error {
	f.calls = append(f.calls, name)
	if f.failOn == name {
		return fmt.Errorf("%s failed", name)
	}
	return nil
}

func (f *fakeMutator) SetColor(ctx context.Context, eventID uint, color string) error {
	return f.record("set_color:" + color)
}
func (f *fakeMutator) AddTag(ctx context.Context, eventID uint, tag string) error {
	return f.record("add_tag:" + tag)
}
func (f *fakeMutator) UpdateTitle(ctx context.Context, eventID uint, title string) error {
	return f.record("update_title:" + title)
}
func (f *fakeMutator) UpdateDescription(ctx context.Context, eventID uint, description string) error {
	return f.record("update_description")
}
func (f *fakeMutator) MoveToCalendar(ctx context.Context, eventID uint, calendarID uint) error {
	return f.record(fmt.Sprintf("move:%d", calendarID))
}
func (f *fakeMutator) Cancel(ctx context.Context, eventID uint) error {
	return f.record("cancel")
}

type fakeNotifier struct {
	userIDs  []uint
	messages []string
}

func (f *fakeNotifier) Notify(ctx context.Context, userID uint, title, message string) error {
	f.userIDs = append(f.userIDs, userID)
	f.messages = append(f.messages, message)
	return nil
}

type fakeTasks struct {
	titles []string
}

func (f *fakeTasks) CreateTask(ctx context.Context, ownerID uint, eventID *uint, title, notes string) error {
	f.titles = append(f.titles, title)
	return nil
}

type fakeHooks struct {
	urls   []string
	bodies []map[string]interface{}
	err    error
}

func (f *fakeHooks) Post(ctx context.Context, url string, headers map[string]string, body interface{}) error {
	f.urls = append(f.urls, url)
	if m, ok := body.(map[string]interface{}); ok {
		f.bodies = append(f.bodies, m)
	}
	return f.err
}

func newTestExecutor(mutator *fakeMutator, notifier *fakeNotifier, tasks *fakeTasks, hooks *fakeHooks) *ActionExecutor {
	return NewActionExecutor(mutator, notifier, tasks, hooks, nil, 2*time.Second)
}

func TestActionExecutor_OrderPreserved(t *testing.T) {
	mutator := &fakeMutator{}
	x := newTestExecutor(mutator, &fakeNotifier{}, &fakeTasks{}, &fakeHooks{})

	actions := []models.RuleAction{
		{Type: models.ActionCancelEvent, Order: 2},
		{Type: models.ActionSetEventColor, Config: map[string]interface{}{"color": "#f00"}, Order: 0},
		{Type: models.ActionAddEventTag, Config: map[string]interface{}{"tag": "urgent"}, Order: 1},
	}
	results := x.Execute(context.Background(), actions, testEvent(), NewFieldResolver(testEvent(), nil))

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	wantOrder := []models.ActionType{models.ActionSetEventColor, models.ActionAddEventTag, models.ActionCancelEvent}
	for i, want := range wantOrder {
		if results[i].ActionType != want {
			t.Errorf("result %d type = %s, want %s", i, results[i].ActionType, want)
		}
	}
	wantCalls := []string{"set_color:#f00", "add_tag:urgent", "cancel"}
	for i, want := range wantCalls {
		if mutator.calls[i] != want {
			t.Errorf("call %d = %s, want %s", i, mutator.calls[i], want)
		}
	}
}

func TestActionExecutor_FailureIsolation(t *testing.T) {
	mutator := &fakeMutator{failOn: "add_tag:urgent"}
	x := newTestExecutor(mutator, &fakeNotifier{}, &fakeTasks{}, &fakeHooks{})

	actions := []models.RuleAction{
		{Type: models.ActionSetEventColor, Config: map[string]interface{}{"color": "#f00"}, Order: 0},
		{Type: models.ActionAddEventTag, Config: map[string]interface{}{"tag": "urgent"}, Order: 1},
		{Type: models.ActionCancelEvent, Order: 2},
	}
	results := x.Execute(context.Background(), actions, testEvent(), NewFieldResolver(testEvent(), nil))

	if !results[0].Success || results[1].Success || !results[2].Success {
		t.Fatalf("expected middle action to fail in isolation: %+v", results)
	}
	if results[1].Error == "" {
		t.Error("failed action should carry an error message")
	}
	// 失败的动作不中断后续动作
	if len(mutator.calls) != 3 {
		t.Errorf("expected all 3 actions attempted, got %v", mutator.calls)
	}
}

func TestActionExecutor_NilEventForEventActions(t *testing.T) {
	x := newTestExecutor(&fakeMutator{}, &fakeNotifier{}, &fakeTasks{}, &fakeHooks{})

	actions := []models.RuleAction{
		{Type: models.ActionSetEventColor, Config: map[string]interface{}{"color": "#f00"}, Order: 0},
	}
	results := x.Execute(context.Background(), actions, nil, NewFieldResolver(nil, nil))
	if results[0].Success {
		t.Fatal("event mutation without an event should fail")
	}
	if !strings.Contains(results[0].Error, "event not loaded") {
		t.Errorf("unexpected error: %s", results[0].Error)
	}
}

func TestActionExecutor_NotificationDefaultsToOwner(t *testing.T) {
	notifier := &fakeNotifier{}
	x := newTestExecutor(&fakeMutator{}, notifier, &fakeTasks{}, &fakeHooks{})

	event := testEvent()
	actions := []models.RuleAction{
		{Type: models.ActionSendNotification, Config: map[string]interface{}{
			"message": "{{event.title}} starts soon",
		}, Order: 0},
	}
	results := x.Execute(context.Background(), actions, event, NewFieldResolver(event, nil))
	if !results[0].Success {
		t.Fatalf("notification failed: %s", results[0].Error)
	}
	if len(notifier.userIDs) != 1 || notifier.userIDs[0] != event.OwnerID {
		t.Errorf("expected notification for owner %d, got %v", event.OwnerID, notifier.userIDs)
	}
	if notifier.messages[0] != "Weekly standup starts soon" {
		t.Errorf("smart value not interpolated: %q", notifier.messages[0])
	}
}

func TestActionExecutor_WebhookAction(t *testing.T) {
	hooks := &fakeHooks{}
	x := newTestExecutor(&fakeMutator{}, &fakeNotifier{}, &fakeTasks{}, hooks)

	event := testEvent()
	actions := []models.RuleAction{
		{Type: models.ActionWebhook, Config: map[string]interface{}{
			"url":           "https://hooks.example.com/notify",
			"include_event": true,
			"payload": map[string]interface{}{
				"summary": "changed: {{event.title}}",
				"source":  "planora",
			},
		}, Order: 0},
	}
	results := x.Execute(context.Background(), actions, event, NewFieldResolver(event, nil))
	if !results[0].Success {
		t.Fatalf("webhook action failed: %s", results[0].Error)
	}
	if hooks.urls[0] != "https://hooks.example.com/notify" {
		t.Errorf("unexpected url: %s", hooks.urls[0])
	}
	body := hooks.bodies[0]
	if body["summary"] != "changed: Weekly standup" {
		t.Errorf("payload smart value not interpolated: %v", body["summary"])
	}
	if _, ok := body["event"]; !ok {
		t.Error("include_event should attach the event to the body")
	}
}

func TestActionExecutor_UnsupportedType(t *testing.T) {
	x := newTestExecutor(&fakeMutator{}, &fakeNotifier{}, &fakeTasks{}, &fakeHooks{})
	results := x.Execute(context.Background(), []models.RuleAction{{Type: "teleport_event"}}, testEvent(), NewFieldResolver(testEvent(), nil))
	if results[0].Success {
		t.Fatal("unsupported action type should fail")
	}
}
