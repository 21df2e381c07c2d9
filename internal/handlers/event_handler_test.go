package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"planora/internal/models"
)

func eventBody(title string) map[string]interface{} {
	start := time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)
	return map[string]interface{}{
		"calendar_id": 1,
		"owner_id":    7,
		"title":       title,
		"start_time":  start.Format(time.RFC3339),
		"end_time":    start.Add(time.Hour).Format(time.RFC3339),
	}
}

func TestEventHandler_LifecycleDispatch(t *testing.T) {
	app := newTestApp(t)
	rule := app.createRule(t, ruleBody("on create"))

	w := app.do(t, http.MethodPost, "/api/events", eventBody("Morning standup"))
	if w.Code != http.StatusCreated {
		t.Fatalf("create event: status %d body %s", w.Code, w.Body.String())
	}
	var event models.Event
	if err := json.Unmarshal(w.Body.Bytes(), &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}

	var n int64
	app.db.Model(&models.AuditLogEntry{}).Where("rule_id = ?", rule.ID).Count(&n)
	if n != 1 {
		t.Errorf("event.created should dispatch rule, audit entries = %d", n)
	}

	// 更新与删除
	if w := app.do(t, http.MethodPut, fmt.Sprintf("/api/events/%d", event.ID), eventBody("Renamed standup")); w.Code != http.StatusOK {
		t.Errorf("update event: status %d", w.Code)
	}
	if w := app.do(t, http.MethodDelete, fmt.Sprintf("/api/events/%d", event.ID), nil); w.Code != http.StatusOK {
		t.Errorf("delete event: status %d", w.Code)
	}
	if w := app.do(t, http.MethodGet, fmt.Sprintf("/api/events/%d", event.ID), nil); w.Code != http.StatusNotFound {
		t.Errorf("get deleted event: status %d", w.Code)
	}
}

func TestEventHandler_Import(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, http.MethodPost, "/api/events/import", []map[string]interface{}{
		eventBody("imported a"), eventBody("imported b"),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("import: status %d body %s", w.Code, w.Body.String())
	}

	var n int64
	app.db.Model(&models.Event{}).Count(&n)
	if n != 2 {
		t.Errorf("events = %d, want 2", n)
	}
}

func TestEventHandler_BadRequest(t *testing.T) {
	app := newTestApp(t)

	// 缺少必填字段
	if w := app.do(t, http.MethodPost, "/api/events", map[string]interface{}{"title": "no times"}); w.Code != http.StatusBadRequest {
		t.Errorf("missing fields: status %d", w.Code)
	}
	if w := app.do(t, http.MethodGet, "/api/events/abc", nil); w.Code != http.StatusBadRequest {
		t.Errorf("non-numeric id: status %d", w.Code)
	}
}
